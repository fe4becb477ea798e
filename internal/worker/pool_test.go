package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"note-summarizer/internal/engine"
	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
)

func TestPoolDrainsQueue(t *testing.T) {
	h := newHarness(t)
	var ids []int64
	for i := 0; i < 6; i++ {
		ids = append(ids, h.submit(t).ID)
	}

	pool := NewPool(PoolConfig{
		WorkerID:      "host",
		Concurrency:   3,
		EngineTimeout: time.Second,
		Visibility:    time.Minute,
		Janitor:       JanitorConfig{Interval: 20 * time.Millisecond},
	}, h.q, h.st, func() engine.Engine {
		return &stubEngine{summary: "A fox.", delay: 10 * time.Millisecond}
	}, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := h.st.GetJob(context.Background(), id)
			if err != nil || j.Status != models.StatusDone {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range ids {
		j, err := h.st.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(deref(j.ClaimedBy), "host-"), deref(j.ClaimedBy))
	}
	assert.Equal(t, queue.Stats{}, h.stats(t))
}

func TestPoolStopsOnStoreFailure(t *testing.T) {
	h := newHarness(t)
	h.submit(t)
	h.st.Err = errors.New("too many connections")

	pool := NewPool(PoolConfig{WorkerID: "host", Concurrency: 2, EngineTimeout: time.Second},
		h.q, h.st, func() engine.Engine { return &stubEngine{summary: "x"} }, discard)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := pool.Run(ctx)
	assert.ErrorContains(t, err, "too many connections")
	assert.NoError(t, ctx.Err(), "pool should stop on its own")
}

func TestJanitorSweep(t *testing.T) {
	h := newHarness(t)
	dead := h.submit(t)
	h.consume(t) // lease never acked

	now := time.Now()
	h.st.Now = func() time.Time { return now }
	h.submit(t) // fresh QUEUED, not orphaned
	claimer := "w9"
	h.st.Put(models.Job{ID: 50, Input: fox, Status: models.StatusProcessing, ClaimedBy: &claimer,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)})
	h.st.Put(models.Job{ID: 51, Input: fox, Status: models.StatusQueued,
		CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)})

	j := NewJanitor(JanitorConfig{
		Interval:             time.Minute,
		StuckProcessingAfter: 10 * time.Minute,
		OrphanedQueuedAfter:  10 * time.Minute,
	}, h.q, h.q, h.st, discard)
	j.now = func() time.Time { return now.Add(2 * time.Minute) }

	rep := j.Sweep(context.Background())
	assert.Equal(t, []int64{dead.ID}, rep.Reclaimed.DeadLettered)
	assert.Empty(t, rep.Reclaimed.Requeued)
	assert.Equal(t, queue.Stats{Ready: 1, DeadLettered: 1}, rep.Stats)
	assert.Equal(t, int64(1), rep.StuckProcessing)
	assert.Equal(t, int64(1), rep.OrphanedQueued)
}

func TestJanitorToleratesMissingCapabilities(t *testing.T) {
	h := newHarness(t)
	j := NewJanitor(JanitorConfig{StuckProcessingAfter: time.Minute}, nil, nil, h.st, discard)
	rep := j.Sweep(context.Background())
	assert.Equal(t, SweepReport{}, rep)
}
