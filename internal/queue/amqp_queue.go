package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPOptions tunes an AMQPQueue.
type AMQPOptions struct {
	URL             string
	Name            string
	MaxRedeliveries int
	Prefetch        int
}

// AMQPQueue is a RabbitMQ quorum queue with broker-side redelivery limits.
// Unacked messages return to the queue when the consumer's channel closes;
// once x-delivery-limit is exceeded the broker routes them to <name>.dlq.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	dlq     string

	pubMu sync.Mutex

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

// DialAMQP connects and declares the work queue and its dead-letter queue.
func DialAMQP(opts AMQPOptions) (*AMQPQueue, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = "summaries"
	}
	q := &AMQPQueue{conn: conn, channel: ch, queue: name, dlq: name + ".dlq"}

	if err := q.declare(opts); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) declare(opts AMQPOptions) error {
	if _, err := q.channel.QueueDeclare(q.dlq, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fmt.Errorf("declare dlq %s: %w", q.dlq, err)
	}
	if _, err := q.channel.QueueDeclare(q.queue, true, false, false, false, workQueueArgs(q.dlq, opts.MaxRedeliveries)); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.queue, err)
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := q.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

func workQueueArgs(dlq string, maxRedeliveries int) amqp.Table {
	return amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          int64(maxRedeliveries),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
}

// Publish sends a persistent message whose body is the job id.
func (q *AMQPQueue) Publish(ctx context.Context, jobID int64) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	err := q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    encodeID(jobID),
		Body:         []byte(encodeID(jobID)),
	})
	if err != nil {
		return fmt.Errorf("publish job %d: %w", jobID, err)
	}
	return nil
}

// Consume waits for the next message. Bodies that are not a job id are
// rejected to the dead-letter queue.
func (q *AMQPQueue) Consume(ctx context.Context) (Delivery, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.channel.Consume(q.queue, "", false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return Delivery{}, fmt.Errorf("start consuming %s: %w", q.queue, q.consumeErr)
	}
	for {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case msg, ok := <-q.deliveries:
			if !ok {
				return Delivery{}, ErrClosed
			}
			id, err := decodeID(string(msg.Body))
			if err != nil {
				slog.WarnContext(ctx, "rejecting malformed queue message", "body", string(msg.Body))
				_ = msg.Reject(false)
				continue
			}
			return Delivery{JobID: id, Attempt: attemptOf(msg), tag: msg.DeliveryTag}, nil
		}
	}
}

// attemptOf derives the 1-based attempt from the quorum queue delivery count.
func attemptOf(msg amqp.Delivery) int {
	switch n := msg.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	}
	if msg.Redelivered {
		return 2
	}
	return 1
}

// Ack confirms the delivery.
func (q *AMQPQueue) Ack(_ context.Context, d Delivery) error {
	if err := q.channel.Ack(d.tag, false); err != nil {
		return fmt.Errorf("ack job %d: %w", d.JobID, err)
	}
	return nil
}

// Nack returns the delivery to the broker, which counts it against
// x-delivery-limit and dead-letters it once the limit is exceeded.
func (q *AMQPQueue) Nack(_ context.Context, d Delivery) error {
	if err := q.channel.Nack(d.tag, false, true); err != nil {
		return fmt.Errorf("nack job %d: %w", d.JobID, err)
	}
	return nil
}

// Stats reports ready and dead-letter depth; in-flight counts are not
// exposed by passive declares.
func (q *AMQPQueue) Stats(_ context.Context) (Stats, error) {
	main, err := q.channel.QueueDeclarePassive(q.queue, true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect %s: %w", q.queue, err)
	}
	dead, err := q.channel.QueueDeclarePassive(q.dlq, true, false, false, false, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("inspect %s: %w", q.dlq, err)
	}
	return Stats{Ready: int64(main.Messages), DeadLettered: int64(dead.Messages)}, nil
}

// Close closes the channel and connection.
func (q *AMQPQueue) Close() error {
	var firstErr error
	if q.channel != nil {
		if err := q.channel.Close(); err != nil && err != amqp.ErrClosed {
			firstErr = err
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && err != amqp.ErrClosed && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
