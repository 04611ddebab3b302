package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cardreader/internal/card/models"
)

type RedisConfig struct {
	URL          string        `yaml:"url"`
	Channel      string        `yaml:"channel"`
	KeyPrefix    string        `yaml:"key_prefix"`
	LastStateTTL time.Duration `yaml:"last_state_ttl"`
}

// Redis publishes each event on a channel and keeps the latest insertion per
// reader under <prefix>:last:<reader> so late consumers can catch up. The key
// is deleted when the card is removed.
type Redis struct {
	client  redis.UniversalClient
	channel string
	prefix  string
	ttl     time.Duration
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Channel == "" {
		cfg.Channel = "cardreader:events"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "cardreader"
	}
	if cfg.LastStateTTL <= 0 {
		cfg.LastStateTTL = 10 * time.Minute
	}
	return &Redis{
		client:  client,
		channel: cfg.Channel,
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.LastStateTTL,
	}
}

func (r *Redis) Name() string { return "redis" }

// LastStateKey is the key holding the latest payload for reader.
func (r *Redis) LastStateKey(reader string) string {
	return r.prefix + ":last:" + reader
}

func (r *Redis) Send(ctx context.Context, ev models.Event, payload []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.channel, payload)
		if ev.Kind == models.CardInserted {
			pipe.Set(ctx, r.LastStateKey(ev.Reader), payload, r.ttl)
		} else {
			pipe.Del(ctx, r.LastStateKey(ev.Reader))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (r *Redis) Close() error { return nil }
