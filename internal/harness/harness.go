// Package harness runs the scripted upload scenarios against an S3
// endpoint and verifies what was stored.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Outcome is the result of one scenario on one runner.
type Outcome struct {
	Scenario    string
	Runner      string
	Framing     string
	Expectation string
	Size        int64
	Duration    time.Duration

	// Err is the upload error, if any.
	Err error

	// VerifyErr is set when the stored state does not match the expectation.
	VerifyErr error

	// Pass reports whether the outcome met the expectation.
	Pass bool
}

// Status returns "OK" or "FAILED".
func (o Outcome) Status() string {
	if o.Pass {
		return "OK"
	}
	return "FAILED"
}

// Harness runs scenarios into a single bucket.
type Harness struct {
	Bucket   string
	Verifier *Verifier
	Logger   *slog.Logger
}

// Run executes each scenario with runner in order. Scenario failures are
// reported in the outcomes; the error is only set when the harness itself
// cannot proceed.
func (h *Harness) Run(ctx context.Context, runner Runner, scenarios []Scenario) ([]Outcome, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("runner", runner.Name(), "bucket", h.Bucket)

	if err := h.Verifier.EnsureBucket(ctx, h.Bucket); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(scenarios))
	for _, s := range scenarios {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if err := h.Verifier.Remove(ctx, h.Bucket, s.Name); err != nil {
			return outcomes, fmt.Errorf("reset %s: %w", s.Name, err)
		}

		logger.Info("Putting object", "scenario", s.Name, "size", len(s.Payload), "single_pass", s.SinglePass, "digest", s.Digest != nil)

		start := time.Now()
		framing, err := runner.Put(ctx, h.Bucket, s)
		o := Outcome{
			Scenario:    s.Name,
			Runner:      runner.Name(),
			Framing:     framing,
			Expectation: s.Expectation(),
			Size:        int64(len(s.Payload)),
			Duration:    time.Since(start),
			Err:         err,
		}
		h.check(ctx, s, &o)
		outcomes = append(outcomes, o)

		if o.Pass {
			logger.Info("OK", "scenario", s.Name, "framing", framing, "duration", o.Duration)
		} else {
			logger.Error("FAILED", "scenario", s.Name, "framing", framing, "err", o.Err, "verify_err", o.VerifyErr)
		}
	}
	return outcomes, nil
}

func (h *Harness) check(ctx context.Context, s Scenario, o *Outcome) {
	if s.WantErr == nil {
		if o.Err != nil {
			return
		}
		o.VerifyErr = h.Verifier.Stored(ctx, h.Bucket, s.Name, s.Payload)
		o.Pass = o.VerifyErr == nil
		return
	}

	if !errors.Is(o.Err, s.WantErr) {
		o.VerifyErr = fmt.Errorf("expected %v, got %v", s.WantErr, o.Err)
		return
	}
	o.VerifyErr = h.Verifier.Absent(ctx, h.Bucket, s.Name)
	o.Pass = o.VerifyErr == nil
}

// Failed counts the outcomes that did not meet their expectation.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.Pass {
			n++
		}
	}
	return n
}
