package silo

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"putsum/internal/auth"
)

const (
	chunkSignaturePrefix = "chunk-signature="

	// maxStreamingChunkSize bounds a single aws-chunked chunk.
	maxStreamingChunkSize = 16 << 20
)

var (
	errChunkSignature = errors.New("chunk signature does not match")
	errMalformedChunk = errors.New("malformed aws-chunked payload")
)

// decodeStreamingPayload decodes an AWS Signature Version 4 streaming
// (aws-chunked) payload into dst while computing the SHA-256 of the decoded
// bytes. When signing is non-nil every chunk signature, including the final
// zero-length chunk, must extend the signature chain seeded by the request.
func decodeStreamingPayload(dst io.Writer, body io.Reader, signing *auth.SigningContext) (int64, []byte, error) {
	br := bufio.NewReader(body)

	total := sha256.New()
	var (
		written  int64
		previous string
	)
	if signing != nil {
		previous = signing.Seed
	}

	buf := make([]byte, 32*1024)
	for {
		// Each chunk begins with: <size-hex>[;chunk-signature=<sig>]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil, fmt.Errorf("%w: unexpected EOF while reading chunk header", errMalformedChunk)
			}
			return 0, nil, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		sizeHex, ext, _ := strings.Cut(line, ";")

		size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
		if err != nil || size < 0 || size > maxStreamingChunkSize {
			return 0, nil, fmt.Errorf("%w: chunk size %q", errMalformedChunk, sizeHex)
		}

		var signature string
		if after, ok := strings.CutPrefix(strings.TrimSpace(ext), chunkSignaturePrefix); ok {
			signature = after
		}
		if signing != nil && signature == "" {
			return 0, nil, fmt.Errorf("%w: missing chunk signature", errMalformedChunk)
		}

		chunk := sha256.New()
		remaining := size
		for remaining > 0 {
			n, err := io.ReadFull(br, buf[:min(remaining, int64(len(buf)))])
			if err != nil {
				return 0, nil, fmt.Errorf("%w: read chunk body: %v", errMalformedChunk, err)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return 0, nil, fmt.Errorf("write chunk: %w", err)
			}
			chunk.Write(buf[:n])
			total.Write(buf[:n])
			written += int64(n)
			remaining -= int64(n)
		}

		if signing != nil {
			expected := signing.SignChunkHash(previous, hex.EncodeToString(chunk.Sum(nil)))
			if !hmac.Equal([]byte(expected), []byte(signature)) {
				return 0, nil, errChunkSignature
			}
			previous = expected
		}

		if size == 0 {
			// Final chunk, followed by a trailing CRLF (and no trailers for
			// the signed streaming mode).
			if _, err := br.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
				return 0, nil, fmt.Errorf("read final CRLF: %w", err)
			}
			break
		}

		// Consume the CRLF after the chunk body.
		var crlf [2]byte
		if _, err := io.ReadFull(br, crlf[:]); err != nil || crlf != [2]byte{'\r', '\n'} {
			return 0, nil, fmt.Errorf("%w: expected CRLF after chunk", errMalformedChunk)
		}
	}

	return written, total.Sum(nil), nil
}
