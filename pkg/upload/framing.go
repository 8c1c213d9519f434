package upload

import (
	"errors"
	"fmt"
)

// Framing is how an upload body is put on the wire.
type Framing int

const (
	FramingBuffered Framing = iota + 1
	FramingChunkedSigned
	FramingPrecalculatedSigned
)

func (f Framing) String() string {
	switch f {
	case FramingBuffered:
		return "Buffered"
	case FramingChunkedSigned:
		return "ChunkedSigned"
	case FramingPrecalculatedSigned:
		return "PrecalculatedSigned"
	default:
		return fmt.Sprintf("Framing(%d)", int(f))
	}
}

// DigestSource records where the digest of a result came from.
type DigestSource int

const (
	// DigestCaller is a digest supplied with the request.
	DigestCaller DigestSource = iota + 1
	// DigestComputed is a digest computed before signing.
	DigestComputed
	// DigestStreamed is a digest computed while chunks were sent.
	DigestStreamed
)

func (s DigestSource) String() string {
	switch s {
	case DigestCaller:
		return "caller"
	case DigestComputed:
		return "computed"
	case DigestStreamed:
		return "streamed"
	default:
		return fmt.Sprintf("DigestSource(%d)", int(s))
	}
}

// Plan is the transfer decision for a single request.
type Plan struct {
	Framing      Framing
	Size         int64
	Digest       *Digest
	DigestSource DigestSource

	// Materialize is set when a small single-pass body is read into memory
	// once to compute its digest.
	Materialize bool
}

// ResolveFraming decides how req is transferred. It performs no I/O and
// does not consume the body. Single-pass bodies up to threshold bytes
// without a digest are materialized and buffered.
func ResolveFraming(req Request, threshold int64) (Plan, error) {
	fail := func(err error) (Plan, error) {
		return Plan{}, configError("resolve", req.Bucket, req.Key, err)
	}

	if req.Bucket == "" {
		return fail(errors.New("bucket must not be empty"))
	}
	if req.Key == "" {
		return fail(errors.New("key must not be empty"))
	}
	if req.Body == nil {
		return fail(errors.New("body must not be nil"))
	}
	if req.Digest != nil {
		if err := req.Digest.validate(); err != nil {
			return fail(err)
		}
	}
	if req.ContentLength != nil && *req.ContentLength < 0 {
		return fail(fmt.Errorf("declared content length %d is negative", *req.ContentLength))
	}

	switch body := req.Body.(type) {
	case *Seekable:
		if body.err != nil {
			return fail(fmt.Errorf("seekable body: %w", body.err))
		}
		if req.ContentLength != nil && *req.ContentLength != body.Size() {
			return fail(fmt.Errorf("declared content length %d does not match seekable body length %d", *req.ContentLength, body.Size()))
		}

		plan := Plan{Framing: FramingBuffered, Size: body.Size(), DigestSource: DigestComputed}
		if req.Digest != nil {
			plan.Digest = req.Digest
			plan.DigestSource = DigestCaller
		}
		return plan, nil

	case *SinglePass:
		if body.Consumed() {
			return fail(ErrSourceConsumed)
		}

		size := body.Size()
		if req.ContentLength != nil {
			if size != UnknownLength && size != *req.ContentLength {
				return fail(fmt.Errorf("declared content length %d does not match source length %d", *req.ContentLength, size))
			}
			size = *req.ContentLength
		}

		if req.Digest != nil {
			if size == UnknownLength {
				return fail(errors.New("a precalculated digest requires a known content length"))
			}
			return Plan{
				Framing:      FramingPrecalculatedSigned,
				Size:         size,
				Digest:       req.Digest,
				DigestSource: DigestCaller,
			}, nil
		}

		if size == UnknownLength || size > threshold {
			return Plan{Framing: FramingChunkedSigned, Size: size, DigestSource: DigestStreamed}, nil
		}
		return Plan{Framing: FramingBuffered, Size: size, DigestSource: DigestComputed, Materialize: true}, nil

	default:
		return fail(fmt.Errorf("unsupported body source %T", req.Body))
	}
}
