package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts RedisOptions) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	q := NewRedisQueue(client, opts)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, RedisOptions{Name: "t"})

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, q.Publish(ctx, id))
	}
	for _, want := range []int64{1, 2, 3} {
		d, err := q.Consume(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.JobID)
		assert.Equal(t, 1, d.Attempt)
		assert.False(t, d.Redelivered())
		require.NoError(t, q.Ack(ctx, d))
	}

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
}

func TestRedisQueueConsumeHonoursContext(t *testing.T) {
	q, _ := newTestQueue(t, RedisOptions{Name: "t"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueueConsumeWaitsForPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q, _ := newTestQueue(t, RedisOptions{Name: "t"})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Publish(context.Background(), 42)
	}()
	d, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.JobID)
}

func TestRedisQueueLeaseIsExclusive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, RedisOptions{Name: "t"})
	require.NoError(t, q.Publish(ctx, 7))

	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, ok, err := q.dequeue(ctx)
			if err == nil && ok {
				mu.Lock()
				got = append(got, d.JobID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []int64{7}, got)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.InFlight)
}

func TestRedisQueueExtendLease(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, RedisOptions{Name: "t", Visibility: time.Second})
	require.NoError(t, q.Publish(ctx, 8))
	d, err := q.Consume(ctx)
	require.NoError(t, err)

	before, err := mr.ZScore("queue:t:inflight", "8")
	require.NoError(t, err)
	require.NoError(t, q.ExtendLease(ctx, d, time.Hour))
	after, err := mr.ZScore("queue:t:inflight", "8")
	require.NoError(t, err)
	assert.Greater(t, after-before, float64((59 * time.Minute).Milliseconds()))

	res, err := q.Reclaim(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, res.DeadLettered, "extended lease must survive reclaim")
	assert.Empty(t, res.Requeued)

	// an acked or unknown job must not gain a lease
	require.NoError(t, q.Ack(ctx, d))
	require.NoError(t, q.ExtendLease(ctx, d, time.Hour))
	require.NoError(t, q.ExtendLease(ctx, Delivery{JobID: 99, Attempt: 1}, time.Hour))
	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
	assert.False(t, mr.Exists("queue:t:inflight"))
}

func TestRedisQueueReclaimDeadLettersByDefault(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, RedisOptions{Name: "t", Visibility: time.Second})
	require.NoError(t, q.Publish(ctx, 5))

	_, err := q.Consume(ctx)
	require.NoError(t, err)

	// lease not yet expired
	res, err := q.Reclaim(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
	assert.Empty(t, res.DeadLettered)

	res, err = q.Reclaim(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Empty(t, res.Requeued)
	assert.Equal(t, []int64{5}, res.DeadLettered)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, dead)
}

func TestRedisQueueReclaimRedeliversWithinBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, RedisOptions{Name: "t", Visibility: time.Second, MaxRedeliveries: 1})
	require.NoError(t, q.Publish(ctx, 9))

	_, err := q.Consume(ctx)
	require.NoError(t, err)
	res, err := q.Reclaim(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, res.Requeued)

	d, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	assert.True(t, d.Redelivered())

	res, err = q.Reclaim(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, res.DeadLettered)
}

func TestRedisQueueNack(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, RedisOptions{Name: "t", MaxRedeliveries: 1})
	require.NoError(t, q.Publish(ctx, 3))

	d, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d))

	d, err = q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
	require.NoError(t, q.Nack(ctx, d))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{DeadLettered: 1}, st)

	// nack of an id that is not in flight is a no-op
	require.NoError(t, q.Nack(ctx, Delivery{JobID: 3}))
}

func TestRedisQueuePublishResetsDeliveryCount(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, RedisOptions{Name: "t", MaxRedeliveries: 3})
	require.NoError(t, q.Publish(ctx, 11))
	d, err := q.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d))
	d, err = q.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempt)
	require.NoError(t, q.Ack(ctx, d))

	require.NoError(t, q.Publish(ctx, 11))
	d, err = q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Attempt)
}

func TestRedisQueueDropsMalformedMessages(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t, RedisOptions{Name: "t"})
	_, err := mr.RPush(q.readyKey, "not-a-number")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, 12))

	d, err := q.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), d.JobID)
}
