package repository

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrPushUnavailable means no push backend is configured; callers fall
// back to polling.
var ErrPushUnavailable = errors.New("push channel unavailable")

// RedisPushChannel delivers server push events over redis pub/sub.
// Delivery is best-effort with no ordering guarantee; consumers must
// tolerate duplicates and gaps.
type RedisPushChannel struct {
	client *redis.Client
	logger *zerolog.Logger
}

func NewRedisPushChannel(client *redis.Client, logger *zerolog.Logger) *RedisPushChannel {
	return &RedisPushChannel{client: client, logger: logger}
}

// Subscribe starts consuming a topic. The returned function releases
// the subscription; it is safe to call once.
func (p *RedisPushChannel) Subscribe(topic string, handler func(payload []byte)) (func(), error) {
	if p.client == nil {
		return nil, ErrPushUnavailable
	}

	sub := p.client.Subscribe(context.Background(), topic)
	if _, err := sub.Receive(context.Background()); err != nil {
		_ = sub.Close()
		return nil, err
	}

	done := make(chan struct{})
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					p.logger.Warn().Str("topic", topic).Msg("push subscription channel closed")
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return func() {
		close(done)
		if err := sub.Close(); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("failed to close push subscription")
		}
	}, nil
}
