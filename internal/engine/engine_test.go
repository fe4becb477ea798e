package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeEngine struct {
	prepareErr error
	delay      time.Duration
	summary    string
	err        error
	ignoreCtx  bool
	panicMsg   string

	// delayFor overrides delay per call, numbered from 1.
	delayFor func(call int32) time.Duration

	prepared atomic.Int32
	calls    atomic.Int32
	active   atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeEngine) Prepare(context.Context) error {
	f.prepared.Add(1)
	return f.prepareErr
}

func (f *fakeEngine) Summarize(ctx context.Context, _ string) (string, error) {
	call := f.calls.Add(1)
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	delay := f.delay
	if f.delayFor != nil {
		delay = f.delayFor(call)
	}
	if delay > 0 {
		if f.ignoreCtx {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return f.summary, f.err
}

func TestHandleSuccessMeasuresDuration(t *testing.T) {
	e := &fakeEngine{summary: "A fox.", delay: 120 * time.Millisecond}
	h := Load(context.Background(), e, time.Second, discard)
	require.True(t, h.Ready())

	sum, err := h.Execute(context.Background(), "The quick brown fox...")
	require.NoError(t, err)
	assert.Equal(t, "A fox.", sum.Text)
	assert.GreaterOrEqual(t, sum.DurationMs, 120.0)
	assert.Less(t, sum.DurationMs, 1000.0)
}

func TestHandlePrepareFailureIsSticky(t *testing.T) {
	e := &fakeEngine{prepareErr: errors.New("model cache missing"), summary: "x"}
	h := Load(context.Background(), e, time.Second, discard)

	assert.False(t, h.Ready())
	assert.EqualError(t, h.PrepareErr(), "model cache missing")
	for i := 0; i < 3; i++ {
		_, err := h.Execute(context.Background(), "text")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, int32(1), e.prepared.Load())
	assert.Equal(t, int32(0), e.calls.Load())
}

func TestHandleWrapsEngineErrors(t *testing.T) {
	h := Load(context.Background(), &fakeEngine{err: errors.New("CUDA out of memory")}, time.Second, discard)

	_, err := h.Execute(context.Background(), "text")
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "CUDA out of memory", engErr.Detail)
	assert.False(t, engErr.Timeout)
}

func TestHandleTimeout(t *testing.T) {
	h := Load(context.Background(), &fakeEngine{summary: "late", delay: time.Second}, 30*time.Millisecond, discard)

	_, err := h.Execute(context.Background(), "text")
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.True(t, engErr.Timeout)
	assert.Contains(t, engErr.Detail, "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleTimeoutWhenEngineIgnoresContext(t *testing.T) {
	e := &fakeEngine{summary: "late", delay: 200 * time.Millisecond, ignoreCtx: true}
	h := Load(context.Background(), e, 30*time.Millisecond, discard)

	start := time.Now()
	_, err := h.Execute(context.Background(), "text")
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.True(t, engErr.Timeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	// The abandoned call still holds the engine, so the next job times out
	// instead of entering it concurrently.
	_, err = h.Execute(context.Background(), "text")
	require.ErrorAs(t, err, &engErr)
	assert.True(t, engErr.Timeout)
	assert.Contains(t, engErr.Detail, "busy")
	assert.NotContains(t, engErr.Detail, "timed out")
	assert.Equal(t, int32(1), e.calls.Load())
	assert.False(t, e.overlap.Load())
}

func TestHandleDurationExcludesWaitForEngine(t *testing.T) {
	e := &fakeEngine{summary: "A fox.", ignoreCtx: true, delayFor: func(call int32) time.Duration {
		if call == 1 {
			return 150 * time.Millisecond
		}
		return 10 * time.Millisecond
	}}
	h := Load(context.Background(), e, 100*time.Millisecond, discard)

	_, err := h.Execute(context.Background(), "text")
	require.Error(t, err)

	// waits about 50ms for the abandoned call before running
	start := time.Now()
	sum, err := h.Execute(context.Background(), "text")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.GreaterOrEqual(t, sum.DurationMs, 10.0)
	assert.Less(t, sum.DurationMs, 40.0)
}

func TestHandleRecoversPanics(t *testing.T) {
	h := Load(context.Background(), &fakeEngine{panicMsg: "boom"}, time.Second, discard)

	_, err := h.Execute(context.Background(), "text")
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, engErr.Detail, "boom")
}

func TestHandleRejectsEmptySummary(t *testing.T) {
	h := Load(context.Background(), &fakeEngine{summary: ""}, time.Second, discard)

	_, err := h.Execute(context.Background(), "text")
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
}
