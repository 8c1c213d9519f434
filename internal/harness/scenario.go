package harness

import (
	"bytes"
	"iter"

	"putsum/pkg/upload"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Scenario is one scripted upload.
type Scenario struct {
	Name    string
	Payload []byte

	// SinglePass sends the payload through a one-shot chunk sequence
	// instead of a re-readable buffer.
	SinglePass bool

	// Digest is the precalculated digest sent with the upload, if any.
	Digest *upload.Digest

	// DeclareLength sends the payload length up front.
	DeclareLength bool

	// WantFraming is the framing the upload client is expected to choose.
	WantFraming upload.Framing

	// WantErr is the expected error kind; nil means the upload must succeed
	// and the stored object must match Payload.
	WantErr error
}

// Request builds a fresh upload request for the scenario. Every call
// returns a new body source.
func (s Scenario) Request(bucket string) upload.Request {
	req := upload.Request{
		Bucket:      bucket,
		Key:         s.Name,
		Digest:      s.Digest,
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"Scenario": s.Name},
	}

	size := upload.UnknownLength
	if s.DeclareLength {
		size = int64(len(s.Payload))
		req.ContentLength = aws.Int64(size)
	}

	if s.SinglePass {
		req.Body = upload.NewSinglePassChunks(emitOnce(s.Payload), size)
	} else {
		req.Body = upload.NewBytes(s.Payload)
	}
	return req
}

// Expectation describes the expected outcome for reports.
func (s Scenario) Expectation() string {
	if s.WantErr != nil {
		return s.WantErr.Error()
	}
	return "stored"
}

// emitOnce yields payload as a single chunk.
func emitOnce(payload []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		yield(bytes.Clone(payload))
	}
}

// Scenarios returns the scripted uploads for a client buffering single-pass
// bodies up to threshold bytes.
func Scenarios(threshold int64) []Scenario {
	abc := []byte("abc")
	abcDigest := upload.ComputeSHA256(abc)

	big := bytes.Repeat([]byte{0x42}, int(threshold)+1)
	bigDigest := upload.ComputeSHA256(big)

	wrongDigest := upload.ComputeSHA256([]byte("abd"))

	return []Scenario{
		{
			Name:          "object_repeatable",
			Payload:       abc,
			Digest:        &abcDigest,
			DeclareLength: true,
			WantFraming:   upload.FramingBuffered,
		},
		{
			Name:          "object_non_repeatable_big",
			Payload:       big,
			SinglePass:    true,
			Digest:        &bigDigest,
			DeclareLength: true,
			WantFraming:   upload.FramingPrecalculatedSigned,
		},
		{
			Name:          "object_non_repeatable_small",
			Payload:       abc,
			SinglePass:    true,
			Digest:        &abcDigest,
			DeclareLength: true,
			WantFraming:   upload.FramingPrecalculatedSigned,
		},
		{
			Name:        "object_chunked_unknown_length",
			Payload:     abc,
			SinglePass:  true,
			WantFraming: upload.FramingChunkedSigned,
		},
		{
			Name:          "object_chunked_known_length",
			Payload:       big,
			SinglePass:    true,
			DeclareLength: true,
			WantFraming:   upload.FramingChunkedSigned,
		},
		{
			Name:          "object_digest_mismatch",
			Payload:       abc,
			SinglePass:    true,
			Digest:        &wrongDigest,
			DeclareLength: true,
			WantFraming:   upload.FramingPrecalculatedSigned,
			WantErr:       upload.ErrIntegrity,
		},
	}
}
