package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"note-summarizer/internal/config"
)

// Open builds the channel selected by cfg.QueueBackend.
func Open(cfg config.Config) (Channel, error) {
	switch cfg.QueueBackend {
	case "", "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisQueue(client, RedisOptions{
			Name:            cfg.QueueName,
			Visibility:      cfg.VisibilityTimeout,
			PollInterval:    cfg.WorkerPollInterval,
			MaxRedeliveries: cfg.MaxRedeliveries,
			ReclaimBatch:    int64(cfg.ReclaimBatchSize),
		}), nil
	case "amqp":
		q, err := DialAMQP(AMQPOptions{
			URL:             cfg.AMQPURL,
			Name:            cfg.QueueName,
			MaxRedeliveries: cfg.MaxRedeliveries,
			Prefetch:        cfg.WorkerConcurrency,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}
