// Package publish pushes book snapshots to out-of-process consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/l2view/internal/book"
)

const (
	sinkRedis      = "redis"
	defaultTimeout = 500 * time.Millisecond
)

// Source produces a consistent book view
type Source interface {
	View(depth int) book.Snapshot
}

// Observer is told about every publish attempt
type Observer interface {
	RecordPublish(sink string, err error)
}

type nopObserver struct{}

func (nopObserver) RecordPublish(string, error) {}

// RedisConfig configures the Redis sink. An empty Key skips the SET, an
// empty Channel skips the PUBLISH.
type RedisConfig struct {
	Key      string
	Channel  string
	TTL      time.Duration
	Interval time.Duration
	Depth    int
	Timeout  time.Duration // per command
}

// RedisPublisher writes the latest snapshot under a key and broadcasts it
type RedisPublisher struct {
	client redis.Cmdable
	src    Source
	cfg    RedisConfig
	obs    Observer
}

// Dial connects to addr and verifies it with PING
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewRedis creates a publisher. obs may be nil.
func NewRedis(client redis.Cmdable, src Source, cfg RedisConfig, obs Observer) *RedisPublisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 20
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &RedisPublisher{client: client, src: src, cfg: cfg, obs: obs}
}

// Publish sends one snapshot. Nothing is sent before the book's first
// update.
func (p *RedisPublisher) Publish(ctx context.Context) error {
	snap := p.src.View(p.cfg.Depth)
	if snap.LastUpdate.IsZero() {
		return nil
	}

	err := p.publish(ctx, snap)
	p.obs.RecordPublish(sinkRedis, err)
	return err
}

func (p *RedisPublisher) publish(ctx context.Context, snap book.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if p.cfg.Key != "" {
		if err := p.client.Set(ctx, p.cfg.Key, string(payload), p.cfg.TTL).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", p.cfg.Key, err)
		}
	}
	if p.cfg.Channel != "" {
		if err := p.client.Publish(ctx, p.cfg.Channel, string(payload)).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", p.cfg.Channel, err)
		}
	}
	return nil
}

// Run publishes every Interval until ctx is done. Failures are logged
// and retried on the next tick.
func (p *RedisPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Str("key", p.cfg.Key).
		Str("channel", p.cfg.Channel).
		Dur("interval", p.cfg.Interval).
		Msg("Redis publisher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Publish(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Snapshot publish failed")
			}
		}
	}
}
