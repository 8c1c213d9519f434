package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
)

// UnknownLength marks a single-pass source whose size is not known in advance.
const UnknownLength int64 = -1

// ErrSourceConsumed is returned when a single-pass source is used more than once.
var ErrSourceConsumed = errors.New("upload: single-pass source already consumed")

// BodySource is the payload of an upload. It is either a *Seekable or a
// *SinglePass; no other implementations exist.
type BodySource interface {
	// Size returns the payload length in bytes, or UnknownLength.
	Size() int64

	bodySource()
}

// Seekable is a re-readable body of fixed length. It may be read any number
// of times, which allows the transport to replay it.
type Seekable struct {
	rs    io.ReadSeeker
	start int64
	size  int64
	err   error
}

// NewSeekable wraps rs. The payload spans from the current offset of rs to
// its end; the length is discovered by seeking.
func NewSeekable(rs io.ReadSeeker) *Seekable {
	s := &Seekable{rs: rs}

	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		s.err = fmt.Errorf("seek current: %w", err)
		return s
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		s.err = fmt.Errorf("seek end: %w", err)
		return s
	}
	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		s.err = fmt.Errorf("seek start: %w", err)
		return s
	}

	s.start = start
	s.size = end - start
	return s
}

// NewBytes returns a Seekable over b.
func NewBytes(b []byte) *Seekable {
	return NewSeekable(bytes.NewReader(b))
}

func (s *Seekable) Size() int64 {
	return s.size
}

// open rewinds the source and returns a reader over exactly Size bytes.
func (s *Seekable) open() (io.Reader, error) {
	if s.err != nil {
		return nil, s.err
	}
	if _, err := s.rs.Seek(s.start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind body: %w", err)
	}
	return io.LimitReader(s.rs, s.size), nil
}

func (*Seekable) bodySource() {}

// SinglePass is a body that can be consumed exactly once.
type SinglePass struct {
	r       io.Reader
	size    int64
	claimed atomic.Bool
}

// NewSinglePass wraps r as a single-pass source of the given size. Pass
// UnknownLength when the size is not known.
func NewSinglePass(r io.Reader, size int64) *SinglePass {
	if size < 0 {
		size = UnknownLength
	}
	return &SinglePass{r: r, size: size}
}

// NewSinglePassChunks returns a single-pass source yielding the chunks of
// seq in order. The sequence is not started until the upload reads it.
func NewSinglePassChunks(seq iter.Seq[[]byte], size int64) *SinglePass {
	return NewSinglePass(&seqReader{seq: seq}, size)
}

func (s *SinglePass) Size() int64 {
	return s.size
}

// claim hands out the underlying reader once.
func (s *SinglePass) claim() (io.Reader, error) {
	if !s.claimed.CompareAndSwap(false, true) {
		return nil, ErrSourceConsumed
	}
	return s.r, nil
}

// Consumed reports whether the source has already been handed to an upload.
func (s *SinglePass) Consumed() bool {
	return s.claimed.Load()
}

func (*SinglePass) bodySource() {}

// seqReader adapts a chunk sequence to io.Reader.
type seqReader struct {
	seq  iter.Seq[[]byte]
	next func() ([]byte, bool)
	stop func()
	buf  []byte
	done bool
}

func (r *seqReader) Read(p []byte) (int, error) {
	if r.next == nil && !r.done {
		r.next, r.stop = iter.Pull(r.seq)
	}

	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		chunk, ok := r.next()
		if !ok {
			r.done = true
			r.stop()
			return 0, io.EOF
		}
		r.buf = chunk
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
