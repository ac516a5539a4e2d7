package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes instructions on pub/sub channels
// market.transfers.{type}. Pub/sub keeps nothing for absent subscribers;
// use the NATS or Kafka sink when the executor may be offline.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects and pings with a 5s timeout.
func NewRedisSink(addr, password string, db int) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSinkWithClient(rdb), nil
}

func NewRedisSinkWithClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, msg Message) error {
	return s.client.Publish(ctx, TransferSubjectPrefix+msg.Kind, msg.Payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
