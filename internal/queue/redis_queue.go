package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions tunes a RedisQueue.
type RedisOptions struct {
	Name            string
	Visibility      time.Duration
	PollInterval    time.Duration
	MaxRedeliveries int
	ReclaimBatch    int64
}

// RedisQueue coordinates ready, in-flight, and dead-letter lists in Redis.
// A dequeued id sits in the in-flight set until acked or its lease expires.
type RedisQueue struct {
	client          *redis.Client
	readyKey        string
	inflightKey     string
	deliveriesKey   string
	dlqKey          string
	visibilityTTL   time.Duration
	pollInterval    time.Duration
	maxRedeliveries int
	reclaimBatch    int64
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	name := opts.Name
	if name == "" {
		name = "summaries"
	}
	visibility := opts.Visibility
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	poll := opts.PollInterval
	if poll == 0 {
		poll = time.Second
	}
	batch := opts.ReclaimBatch
	if batch == 0 {
		batch = 100
	}
	prefix := "queue:" + name + ":"
	return &RedisQueue{
		client:          client,
		readyKey:        prefix + "ready",
		inflightKey:     prefix + "inflight",
		deliveriesKey:   prefix + "deliveries",
		dlqKey:          prefix + "dlq",
		visibilityTTL:   visibility,
		pollInterval:    poll,
		maxRedeliveries: opts.MaxRedeliveries,
		reclaimBatch:    batch,
	}
}

// Publish appends a job reference to the ready list with a fresh delivery count.
func (q *RedisQueue) Publish(ctx context.Context, jobID int64) error {
	member := encodeID(jobID)
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.deliveriesKey, member)
	pipe.RPush(ctx, q.readyKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish job %d: %w", jobID, err)
	}
	return nil
}

// Consume pops the oldest ready id and leases it, polling until one arrives.
func (q *RedisQueue) Consume(ctx context.Context) (Delivery, error) {
	for {
		d, ok, err := q.dequeue(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) dequeue(ctx context.Context) (Delivery, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.deliveriesKey}, deadline).Result()
	if err == redis.Nil {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("dequeue: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Delivery{}, false, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	raw, _ := arr[0].(string)
	attempt, _ := arr[1].(int64)
	id, err := decodeID(raw)
	if err != nil {
		// Drop junk so it cannot wedge the head of the queue.
		slog.WarnContext(ctx, "dropping malformed queue message", "raw", raw)
		_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
		_ = q.client.HDel(ctx, q.deliveriesKey, raw).Err()
		return Delivery{}, false, nil
	}
	return Delivery{JobID: id, Attempt: int(attempt)}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: encodeID(d.JobID),
	}).Err()
}

// Ack removes a job from in-flight tracking and forgets its delivery count.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	member := encodeID(d.JobID)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, member)
	pipe.HDel(ctx, q.deliveriesKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %d: %w", d.JobID, err)
	}
	return nil
}

// Nack releases the lease now instead of waiting for it to expire.
func (q *RedisQueue) Nack(ctx context.Context, d Delivery) error {
	keys := []string{q.inflightKey, q.readyKey, q.dlqKey, q.deliveriesKey}
	if err := nackScript.Run(ctx, q.client, keys, encodeID(d.JobID), q.maxRedeliveries).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("nack job %d: %w", d.JobID, err)
	}
	return nil
}

// Reclaim handles leases that expired before now: requeued while the
// redelivery budget lasts, dead-lettered after. Atomic per batch, so
// concurrent reclaimers never double-push.
func (q *RedisQueue) Reclaim(ctx context.Context, now time.Time) (ReclaimResult, error) {
	keys := []string{q.inflightKey, q.readyKey, q.dlqKey, q.deliveriesKey}
	res, err := reclaimScript.Run(ctx, q.client, keys, now.UnixMilli(), q.reclaimBatch, q.maxRedeliveries).Result()
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return ReclaimResult{}, fmt.Errorf("unexpected reply from reclaim script: %T", res)
	}
	return ReclaimResult{
		Requeued:     idList(arr[0]),
		DeadLettered: idList(arr[1]),
	}, nil
}

// DeadLetters reads the oldest dead-lettered job ids.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]int64, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		if id, err := decodeID(r); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// Stats returns ready, in-flight, and dead-letter depths.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	dead := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Ready: ready.Val(), InFlight: inflight.Val(), DeadLettered: dead.Val()}, nil
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func idList(v interface{}) []int64 {
	items, _ := v.([]interface{})
	out := make([]int64, 0, len(items))
	for _, it := range items {
		s, _ := it.(string)
		if id, err := decodeID(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// KEYS: ready, inflight, deliveries. ARGV: lease deadline (ms).
var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local n = redis.call('HINCRBY', KEYS[3], job, 1)
return {job, n}
`)

// KEYS: inflight, ready, dlq, deliveries. ARGV: job, max redeliveries.
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
local n = tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0')
if n > tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('RPUSH', KEYS[3], ARGV[1])
  return 2
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: inflight, ready, dlq, deliveries. ARGV: now (ms), batch, max redeliveries.
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local requeued = {}
local dead = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local n = tonumber(redis.call('HGET', KEYS[4], id) or '0')
    if n > tonumber(ARGV[3]) then
      redis.call('HDEL', KEYS[4], id)
      redis.call('RPUSH', KEYS[3], id)
      table.insert(dead, id)
    else
      redis.call('RPUSH', KEYS[2], id)
      table.insert(requeued, id)
    end
  end
end
return {requeued, dead}
`)
