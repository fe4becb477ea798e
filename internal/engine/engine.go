// Package engine adapts summarization backends to the worker. An Engine is
// prepared once per worker and then executed one call at a time through a
// Handle, which enforces the execution timeout and keeps a failed Prepare
// sticky for the worker's lifetime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// UnavailableReason is persisted as the failure reason of every job claimed
// by a worker whose engine failed to prepare.
const UnavailableReason = "EngineUnavailable: summarization engine is not available"

// ErrUnavailable is returned by Execute on a handle whose Prepare failed.
var ErrUnavailable = errors.New("summarization engine unavailable")

// Engine is a summarization backend.
type Engine interface {
	// Prepare loads models or clients. Called once per worker.
	Prepare(ctx context.Context) error
	// Summarize returns a summary of text. Not called concurrently.
	Summarize(ctx context.Context, text string) (string, error)
}

// Error is a runtime failure during Summarize, including timeouts.
type Error struct {
	Detail  string
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Summary is a successful execution.
type Summary struct {
	Text       string
	DurationMs float64
}

// Handle owns one prepared Engine.
type Handle struct {
	engine     Engine
	timeout    time.Duration
	prepareErr error

	// slot is held while Summarize runs, including calls abandoned at the
	// deadline, so the engine is never entered twice at once.
	slot chan struct{}
}

// Load prepares e and returns its handle. A Prepare failure is logged and
// recorded; the handle stays unavailable rather than retrying per job.
func Load(ctx context.Context, e Engine, timeout time.Duration, logger *slog.Logger) *Handle {
	h := &Handle{engine: e, timeout: timeout, slot: make(chan struct{}, 1)}
	start := time.Now()
	if err := e.Prepare(ctx); err != nil {
		h.prepareErr = err
		logger.ErrorContext(ctx, "summarization engine failed to prepare; jobs will fail fast",
			"error", err)
		return h
	}
	logger.InfoContext(ctx, "summarization engine ready",
		"prepare_ms", time.Since(start).Milliseconds(),
		"timeout", timeout.String())
	return h
}

// Ready reports whether Prepare succeeded.
func (h *Handle) Ready() bool {
	return h.prepareErr == nil
}

// Timeout is the per-call execution bound.
func (h *Handle) Timeout() time.Duration {
	return h.timeout
}

// PrepareErr returns the Prepare failure, if any.
func (h *Handle) PrepareErr() error {
	return h.prepareErr
}

// Execute runs one summarization under the configured timeout. Any failure
// other than ErrUnavailable is an *Error.
func (h *Handle) Execute(ctx context.Context, text string) (Summary, error) {
	if !h.Ready() {
		return Summary{}, ErrUnavailable
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	var res result
	select {
	case h.slot <- struct{}{}:
	case <-ctx.Done():
		return Summary{}, h.busy(ctx.Err())
	}
	start := time.Now()
	go func() {
		defer func() { <-h.slot }()
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		out, err := h.engine.Summarize(ctx, text)
		done <- result{text: out, err: err}
	}()

	// Engines that ignore ctx still cannot hold the job past the deadline.
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}
	elapsed := time.Since(start)

	if res.err != nil {
		return Summary{}, h.failure(res.err)
	}
	if res.text == "" {
		return Summary{}, &Error{Detail: "engine returned an empty summary"}
	}
	return Summary{
		Text:       res.text,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}, nil
}

// busy reports a call that never got the engine because an abandoned call
// was still holding it.
func (h *Handle) busy(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Detail:  fmt.Sprintf("summarization engine busy: previous call still running after %s", h.timeout),
			Timeout: true,
			Err:     err,
		}
	}
	return &Error{Detail: err.Error(), Err: err}
}

func (h *Handle) failure(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Detail:  fmt.Sprintf("summarization timed out after %s", h.timeout),
			Timeout: true,
			Err:     err,
		}
	}
	return &Error{Detail: err.Error(), Err: err}
}
