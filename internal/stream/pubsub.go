// Package stream fans engine events out to external consumers: a
// pub/sub broker (Kafka for persistence, Redis for latency) and the
// websocket hub. Everything here is off the consensus path; a failed
// publish is logged and counted, never propagated back to matching.
package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// PubSubBackend abstracts the broker behind the broadcaster.
type PubSubBackend interface {
	Publish(ctx context.Context, channel string, msg interface{}) error
	Close() error
}

// RedisPubSub implements PubSubBackend over Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(addr string) *RedisPubSub {
	return &RedisPubSub{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

func (r *RedisPubSub) Close() error {
	return r.client.Close()
}

// KafkaPubSub implements PubSubBackend over Kafka. The channel becomes
// the topic, so one writer serves every event kind.
type KafkaPubSub struct {
	writer *kafka.Writer
}

func NewKafkaPubSub(brokers []string) *KafkaPubSub {
	return &KafkaPubSub{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Value: data,
	})
}

func (k *KafkaPubSub) Close() error {
	return k.writer.Close()
}
