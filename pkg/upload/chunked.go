package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"sync"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	chunkSignatureHeader = ";chunk-signature="
	chunkSignatureLength = sha256.Size * 2
	crlf                 = "\r\n"
)

// encodedLength returns the size of an aws-chunked body carrying size
// decoded bytes in chunks of chunkSize.
func encodedLength(size int64, chunkSize int) int64 {
	frame := func(n int64) int64 {
		return int64(len(strconv.FormatInt(n, 16))+len(chunkSignatureHeader)+chunkSignatureLength+len(crlf)) + n + int64(len(crlf))
	}

	full := size / int64(chunkSize)
	total := full * frame(int64(chunkSize))
	if rest := size % int64(chunkSize); rest > 0 {
		total += frame(rest)
	}
	return total + frame(0)
}

// chunkEncoder frames a source as aws-chunked, signing each chunk as it is
// emitted. The signature chain is seeded with the request signature.
type chunkEncoder struct {
	ctx         context.Context
	src         io.Reader
	signer      *v4.StreamSigner
	signingTime time.Time

	// size is the declared decoded length, or UnknownLength.
	size int64

	// mu guards the fields below; the transport reads the body on its own
	// goroutine.
	mu     sync.Mutex
	buf    []byte
	out    bytes.Buffer
	hash   hash.Hash
	read   int64
	chunks int
	done   bool
	err    error
}

func newChunkEncoder(ctx context.Context, src io.Reader, signer *v4.StreamSigner, signingTime time.Time, size int64, chunkSize int) *chunkEncoder {
	return &chunkEncoder{
		ctx:         ctx,
		src:         src,
		signer:      signer,
		signingTime: signingTime,
		size:        size,
		buf:         make([]byte, chunkSize),
		hash:        sha256.New(),
	}
}

func (e *chunkEncoder) Read(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for e.out.Len() == 0 {
		if e.err != nil {
			return 0, e.err
		}
		if e.done {
			return 0, io.EOF
		}
		if err := e.fill(); err != nil {
			e.err = err
			return 0, err
		}
	}
	return e.out.Read(p)
}

// fill reads the next chunk from the source and frames it. At the end of the
// source it also frames the terminating zero-length chunk.
func (e *chunkEncoder) fill() error {
	n, err := io.ReadFull(e.src, e.buf)
	eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !eof {
		return fmt.Errorf("read chunk: %w", err)
	}

	if n > 0 {
		e.read += int64(n)
		if e.size != UnknownLength && e.read > e.size {
			return fmt.Errorf("%w: body is longer than the declared length %d", errLengthMismatch, e.size)
		}
		e.hash.Write(e.buf[:n])
		if err := e.frame(e.buf[:n]); err != nil {
			return err
		}
	}

	if eof {
		if e.size != UnknownLength && e.read != e.size {
			return fmt.Errorf("%w: body ended after %d of %d bytes", errLengthMismatch, e.read, e.size)
		}
		if err := e.frame(nil); err != nil {
			return err
		}
		e.done = true
	}
	return nil
}

func (e *chunkEncoder) frame(chunk []byte) error {
	sig, err := e.signer.GetSignature(e.ctx, nil, chunk, e.signingTime)
	if err != nil {
		return fmt.Errorf("sign chunk %d: %w", e.chunks, err)
	}
	e.chunks++

	e.out.WriteString(strconv.FormatInt(int64(len(chunk)), 16))
	e.out.WriteString(chunkSignatureHeader)
	e.out.WriteString(hex.EncodeToString(sig))
	e.out.WriteString(crlf)
	e.out.Write(chunk)
	e.out.WriteString(crlf)
	return nil
}

// state returns the chunk count, decoded byte count, decoded digest and
// encoding failure so far.
func (e *chunkEncoder) state() (int, int64, Digest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunks, e.read, Digest{Algorithm: SHA256, Sum: e.hash.Sum(nil)}, e.err
}
