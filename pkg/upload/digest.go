package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sync"
)

// Algorithm identifies a digest algorithm.
type Algorithm string

// SHA256 is the only supported algorithm.
const SHA256 Algorithm = "SHA256"

// Digest is an integrity digest of a payload.
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// NewSHA256 returns a SHA-256 digest over a raw 32-byte sum.
func NewSHA256(sum []byte) (Digest, error) {
	d := Digest{Algorithm: SHA256, Sum: bytes.Clone(sum)}
	if err := d.validate(); err != nil {
		return Digest{}, configError("digest", "", "", err)
	}
	return d, nil
}

// DigestFromBase64 parses a standard base64 SHA-256 digest, the encoding
// used by the x-amz-checksum-sha256 header.
func DigestFromBase64(s string) (Digest, error) {
	sum, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Digest{}, configError("digest", "", "", fmt.Errorf("decode base64 digest: %w", err))
	}
	return NewSHA256(sum)
}

// DigestFromHex parses a hex-encoded SHA-256 digest.
func DigestFromHex(s string) (Digest, error) {
	sum, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, configError("digest", "", "", fmt.Errorf("decode hex digest: %w", err))
	}
	return NewSHA256(sum)
}

// ComputeSHA256 returns the SHA-256 digest of data.
func ComputeSHA256(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{Algorithm: SHA256, Sum: sum[:]}
}

func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d.Sum)
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum)
}

// Equal reports whether d and other are the same digest.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && bytes.Equal(d.Sum, other.Sum)
}

func (d Digest) String() string {
	return string(d.Algorithm) + ":" + d.Base64()
}

func (d Digest) validate() error {
	if d.Algorithm != SHA256 {
		return fmt.Errorf("unsupported digest algorithm %q", d.Algorithm)
	}
	if len(d.Sum) != sha256.Size {
		return fmt.Errorf("sha256 digest must be %d bytes, got %d", sha256.Size, len(d.Sum))
	}
	return nil
}

// hashReader hashes everything read through it.
type hashReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newHashReader(r io.Reader) *hashReader {
	return &hashReader{r: r, h: sha256.New()}
}

func (r *hashReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.h.Write(p[:n])
	r.n += int64(n)
	return n, err
}

func (r *hashReader) digest() Digest {
	return Digest{Algorithm: SHA256, Sum: r.h.Sum(nil)}
}

// digestReader streams exactly size bytes and checks them against want. The
// read that would deliver the final bytes fails instead when the stream does
// not match, so a mismatched payload never completes on the wire.
type digestReader struct {
	mu        sync.Mutex
	r         io.Reader
	h         hash.Hash
	want      Digest
	remaining int64
	err       error
}

func newDigestReader(r io.Reader, size int64, want Digest) *digestReader {
	return &digestReader{r: r, h: sha256.New(), want: want, remaining: size}
}

func (r *digestReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}
	if r.remaining == 0 {
		return 0, io.EOF
	}

	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.r.Read(p)
	r.h.Write(p[:n])
	r.remaining -= int64(n)

	if r.remaining > 0 {
		if err == io.EOF {
			r.err = fmt.Errorf("%w: body ended %d bytes short of the declared length", errLengthMismatch, r.remaining)
			return 0, r.err
		}
		return n, err
	}

	var probe [1]byte
	if m, _ := io.ReadFull(r.r, probe[:]); m > 0 {
		r.err = fmt.Errorf("%w: body is longer than the declared length", errLengthMismatch)
		return 0, r.err
	}

	if got := (Digest{Algorithm: SHA256, Sum: r.h.Sum(nil)}); !got.Equal(r.want) {
		r.err = fmt.Errorf("%w: body hashes to %s, expected %s", errDigestMismatch, got.Base64(), r.want.Base64())
		return 0, r.err
	}

	return n, io.EOF
}

// failure returns the verification error, if any.
func (r *digestReader) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
