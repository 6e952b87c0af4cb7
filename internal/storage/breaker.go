package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/xerrors"
)

type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// BreakerBlobStore stops hammering a failing backend: once the failure ratio
// trips, joins and saves fail fast until the breaker half-opens again.
type BreakerBlobStore struct {
	inner BlobStore
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerBlobStore(inner BlobStore, name string, cfg BreakerConfig, log zerolog.Logger) *BreakerBlobStore {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 5
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= cfg.FailureRatio
		},
		// a missing blob or a cancelled caller says nothing about backend health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				xerrors.Is(err, ErrNotFound) ||
				xerrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
		},
	}

	return &BreakerBlobStore{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerBlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Read(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (b *BreakerBlobStore) Write(ctx context.Context, key string, content []byte, mimeType string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Write(ctx, key, content, mimeType)
	})
	return err
}

func (b *BreakerBlobStore) State() gobreaker.State {
	return b.cb.State()
}

var _ BlobStore = (*BreakerBlobStore)(nil)
