// Package events announces document lifecycle changes to the rest of the
// file service.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

const DocumentSaved = "document-saved"

type SavedEvent struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	StorageKey string    `json:"storageKey"`
	Revision   int       `json:"revision"`
	SavedBy    string    `json:"savedBy"`
	SavedAt    time.Time `json:"savedAt"`
}

type Publisher interface {
	PublishSaved(ctx context.Context, ev SavedEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSaved(context.Context, SavedEvent) error { return nil }
func (NoopPublisher) Close() error                                   { return nil }

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher sends events as JSON over a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("failed to reach redis at %s: %w", cfg.Address, err)
	}

	return &RedisPublisher{client: client, channel: cfg.Channel}, nil
}

func (p *RedisPublisher) PublishSaved(ctx context.Context, ev SavedEvent) error {
	if ev.Type == "" {
		ev.Type = DocumentSaved
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Errorf("failed to encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, buf).Err(); err != nil {
		return xerrors.Errorf("failed to publish to %s: %w", p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
