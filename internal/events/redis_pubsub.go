package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisPublisher(client *redis.Client, log *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

// Publish fans an escrow event out to live subscribers. Events are not
// persisted; the audit log is the durable record.
func (p *RedisPublisher) Publish(ctx context.Context, stream string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	receivers, err := p.client.Publish(ctx, stream, data).Result()
	if err != nil {
		p.log.Warn("event publish failed", zap.String("stream", stream), zap.String("type", event.Type), zap.Error(err))
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	p.log.Debug("event published", zap.String("type", event.Type), zap.Int64("receivers", receivers))
	return nil
}

type RedisSubscriber struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, log *zap.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, log: log}
}

// Subscribe returns once Redis has confirmed the subscription, then delivers
// events to handler from a single goroutine until ctx is done.
func (s *RedisSubscriber) Subscribe(ctx context.Context, stream string, handler func(Event)) error {
	pubsub := s.client.Subscribe(ctx, stream)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", stream, err)
	}
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.log.Warn("event subscription closed", zap.String("stream", stream))
					return
				}
				event, err := DecodeEvent([]byte(msg.Payload))
				if err != nil {
					s.log.Error("failed to decode event", zap.String("stream", stream), zap.Error(err))
					continue
				}
				deliver(s.log, handler, event)
			}
		}
	}()

	return nil
}

var errMissingType = errors.New("event has no type")

func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	if event.Type == "" {
		return Event{}, errMissingType
	}
	return event, nil
}

// deliver keeps one bad handler call from ending the subscription.
func deliver(log *zap.Logger, handler func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", zap.String("type", event.Type), zap.Any("panic", r))
		}
	}()
	handler(event)
}
