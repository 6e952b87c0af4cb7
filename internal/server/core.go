package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ilnaes/collabpad/internal/auth"
	"github.com/ilnaes/collabpad/internal/config"
	"github.com/ilnaes/collabpad/internal/events"
	"github.com/ilnaes/collabpad/internal/metrics"
	"github.com/ilnaes/collabpad/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

type closer func()

func openBlobs(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (storage.BlobStore, closer, error) {
	var (
		blobs storage.BlobStore
		done  closer = func() {}
	)

	switch cfg.Backend {
	case "bolt":
		b, err := storage.NewBoltBlobStore(cfg.Bolt.Path, cfg.Bolt.Bucket)
		if err != nil {
			return nil, nil, err
		}
		blobs, done = b, func() { _ = b.Close() }
	case "s3":
		b, err := storage.NewS3BlobStore(ctx, cfg.S3)
		if err != nil {
			return nil, nil, err
		}
		blobs = b
	default:
		blobs = storage.NewMemoryBlobStore()
	}

	if cfg.Breaker.Enabled {
		blobs = storage.NewBreakerBlobStore(blobs, "blobs-"+cfg.Backend, cfg.Breaker, log)
	}
	return blobs, done, nil
}

func openMetadata(ctx context.Context, cfg config.MetadataConfig) (storage.MetadataStore, closer, error) {
	switch cfg.Backend {
	case "mongo":
		m, err := storage.NewMongoMetadataStore(ctx, cfg.Mongo)
		if err != nil {
			return nil, nil, err
		}
		return m, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.Close(ctx)
		}, nil
	case "postgres":
		m, err := storage.NewPostgresMetadataStore(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := m.Migrate(ctx); err != nil {
			m.Close()
			return nil, nil, err
		}
		return m, m.Close, nil
	default:
		return storage.NewMemoryMetadataStore(), func() {}, nil
	}
}

func openEvents(ctx context.Context, cfg config.RedisConfig) (events.Publisher, error) {
	if cfg.Address == "" {
		return events.NoopPublisher{}, nil
	}
	return events.NewRedisPublisher(ctx, events.RedisConfig{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		Channel:  cfg.Channel,
	})
}

// RegistryOptions maps the session and storage settings onto registry
// options. Stores, events, metrics and the logger are left to the caller.
func RegistryOptions(cfg *config.Config) Options {
	return Options{
		DriftSlack:    cfg.Session.DriftSlack,
		InboxSize:     cfg.Session.InboxSize,
		LoadTimeout:   cfg.Session.LoadTimeout,
		SaveTimeout:   cfg.Session.SaveTimeout,
		CreateMissing: cfg.Storage.CreateMissing,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	blobs, closeBlobs, err := openBlobs(ctx, cfg.Storage, log.With().Str("component", "storage").Logger())
	if err != nil {
		return xerrors.Errorf("failed to open blob store: %w", err)
	}
	defer closeBlobs()

	meta, closeMeta, err := openMetadata(ctx, cfg.Metadata)
	if err != nil {
		return xerrors.Errorf("failed to open metadata store: %w", err)
	}
	defer closeMeta()

	pub, err := openEvents(ctx, cfg.Redis)
	if err != nil {
		return xerrors.Errorf("failed to open event publisher: %w", err)
	}
	defer pub.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	opts := RegistryOptions(cfg)
	opts.Blobs, opts.Metadata, opts.Events = blobs, meta, pub
	opts.Metrics, opts.Log = m, log
	reg := NewRegistry(opts)
	defer reg.Close()

	s := NewServer(reg, auth.New(cfg.Auth.Secret, cfg.Auth.AllowAnonymous), cfg.Session,
		cfg.Server.AllowedOrigins, m, promReg, log)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Backend).Str("metadata", cfg.Metadata.Backend).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if xerrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return xerrors.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}
