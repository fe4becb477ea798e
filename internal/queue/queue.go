// Package queue carries job references from producers to workers with
// at-least-once delivery. Messages hold only the job id.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrClosed is returned by Consume after the channel has been closed.
var ErrClosed = errors.New("queue closed")

// Delivery is one received message. Attempt is 1 on first delivery.
type Delivery struct {
	JobID   int64
	Attempt int

	tag uint64
}

// Redelivered reports whether this message was handed out before.
func (d Delivery) Redelivered() bool {
	return d.Attempt > 1
}

// Publisher is the producer side of the channel.
type Publisher interface {
	Publish(ctx context.Context, jobID int64) error
}

// Consumer is the worker side of the channel.
type Consumer interface {
	// Consume blocks until a message is available or ctx is done.
	Consume(ctx context.Context) (Delivery, error)
	// Ack confirms the message was handled and must not be redelivered.
	Ack(ctx context.Context, d Delivery) error
	// Nack hands the message back: redelivered while the redelivery budget
	// lasts, dead-lettered after.
	Nack(ctx context.Context, d Delivery) error
}

// Channel is a durable queue of job references.
type Channel interface {
	Publisher
	Consumer
	Close() error
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready        int64
	InFlight     int64
	DeadLettered int64
}

// Inspector reports queue depth.
type Inspector interface {
	Stats(ctx context.Context) (Stats, error)
}

// Reclaimer returns expired leases to the ready queue or the dead-letter
// queue. Backends whose broker redelivers on its own do not implement it.
type Reclaimer interface {
	Reclaim(ctx context.Context, now time.Time) (ReclaimResult, error)
}

// DeadLetterReader lists dead-lettered job ids for operators.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, count int64) ([]int64, error)
}

// ReclaimResult lists the job ids moved by a Reclaim pass.
type ReclaimResult struct {
	Requeued     []int64
	DeadLettered []int64
}

func encodeID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decodeID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("malformed job reference %q", raw)
	}
	return id, nil
}
