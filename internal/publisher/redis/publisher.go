// Package redis publishes job notifications over Redis pub/sub and mirrors
// the latest terminal status into a per-job hash.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

// Client is the subset of *redis.Client used by Publisher.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Config controls channel naming and status retention.
type Config struct {
	// Channel is used when Publish is called with an empty topic.
	Channel string
	// KeyPrefix prefixes the status hash key, e.g. "grayscale:job:".
	KeyPrefix string
	// StatusTTL expires status hashes; 0 keeps them until evicted by Redis.
	StatusTTL time.Duration
}

// Publisher implements imaging.Publisher on top of Redis.
type Publisher struct {
	client Client
	cfg    Config
}

// New wires a Publisher around client.
func New(client Client, cfg Config) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "grayscale-jobs"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "grayscale:job:"
	}
	return &Publisher{client: client, cfg: cfg}, nil
}

// NewClient opens a go-redis client and verifies connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// Publish sends payload as JSON to the channel and returns the number of
// receiving subscribers as the message ID. Notifications additionally update
// the job's status hash.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	channel := topic
	if channel == "" {
		channel = p.cfg.Channel
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if n, ok := payload.(imaging.Notification); ok {
		if err := p.mirrorStatus(ctx, n); err != nil {
			return "", err
		}
	}
	receivers, err := p.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return strconv.FormatInt(receivers, 10), nil
}

func (p *Publisher) mirrorStatus(ctx context.Context, n imaging.Notification) error {
	key := p.cfg.KeyPrefix + n.JobID
	fields := map[string]interface{}{
		"status":          string(n.Status),
		"original_url":    n.OriginalURL,
		"transformed_url": n.TransformedURL,
		"error_kind":      string(n.ErrorKind),
		"error":           n.Error,
		"finished_at":     n.FinishedAt.Format(time.RFC3339Nano),
	}
	if err := p.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if p.cfg.StatusTTL > 0 {
		if err := p.client.Expire(ctx, key, p.cfg.StatusTTL).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}
