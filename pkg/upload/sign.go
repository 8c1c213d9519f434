package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

const (
	signingService = "s3"

	headerContentSHA256        = "X-Amz-Content-Sha256"
	headerChecksumSHA256       = "X-Amz-Checksum-Sha256"
	headerSDKChecksumAlgorithm = "X-Amz-Sdk-Checksum-Algorithm"
	headerDecodedContentLength = "X-Amz-Decoded-Content-Length"
	headerMetaPrefix           = "X-Amz-Meta-"

	// StreamingPayload is the payload hash of an aws-chunked signed body.
	StreamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
)

// signRequest signs the headers of req with payloadHash as the signed
// payload. The body is not read.
func (c *Client) signRequest(ctx context.Context, req *http.Request, creds aws.Credentials, payloadHash string, signingTime time.Time) error {
	req.Header.Set(headerContentSHA256, payloadHash)
	return c.signer.SignHTTP(ctx, creds, req, payloadHash, signingService, c.region, signingTime)
}

// seedSignature extracts the request signature from a signed request. It
// seeds the chunk signature chain.
func seedSignature(req *http.Request) ([]byte, error) {
	authz := req.Header.Get("Authorization")
	_, sig, ok := strings.Cut(authz, "Signature=")
	if !ok {
		return nil, errors.New("signed request has no signature")
	}
	if i := strings.IndexByte(sig, ','); i >= 0 {
		sig = sig[:i]
	}

	seed, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return nil, fmt.Errorf("decode seed signature: %w", err)
	}
	return seed, nil
}

func newSigner() *v4.Signer {
	return v4.NewSigner(func(o *v4.SignerOptions) {
		// S3 paths are signed as sent.
		o.DisableURIPathEscaping = true
	})
}

func newStreamSigner(creds aws.Credentials, region string, seed []byte) *v4.StreamSigner {
	return v4.NewStreamSigner(creds, signingService, region, seed)
}
