package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/rollcall/internal/adapters/mq/worker"
	"github.com/okian/rollcall/internal/adapters/notify"
	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/adapters/vision/gocv"
	"github.com/okian/rollcall/internal/adapters/vision/precomputed"
	"github.com/okian/rollcall/internal/adapters/vision/remote"
	service "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/config"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/vision"
	"github.com/okian/rollcall/pkg/logger"
)

const webhookTimeout = 5 * time.Second

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	return repository.Open(ctx, cfg.StorageDriver,
		repository.WithDatabaseURL(cfg.DatabaseURL),
		repository.WithSQLitePath(cfg.SQLitePath),
		repository.WithPoolSize(cfg.DBMaxOpen, cfg.DBMaxOpen/4+1),
		repository.WithLogger(logger.Named("storage")),
	)
}

// pipeline builds the configured vision backend. The returned closer is never nil.
func pipeline(cfg *config.Config) (vision.Pipeline, func() error, error) {
	noop := func() error { return nil }
	switch cfg.VisionBackend {
	case "precomputed":
		return precomputed.New(
			precomputed.WithDefaultModel(cfg.EmbeddingModel),
			precomputed.WithMinFaceSize(cfg.MinFaceSize),
		), noop, nil
	case "remote":
		return remote.New(cfg.InferenceURL,
			remote.WithModel(cfg.EmbeddingModel),
			remote.WithMinFaceSize(cfg.MinFaceSize),
			remote.WithHTTPClient(&http.Client{Timeout: config.Millis(cfg.InferenceTimeoutMS)}),
		), noop, nil
	case "gocv":
		p, err := gocv.Open(cfg.CascadePath, cfg.NetworkPath, cfg.MinFaceSize)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	}
	return nil, noop, fmt.Errorf("%w: vision_backend %q", config.ErrInvalidConfig, cfg.VisionBackend)
}

func sink(cfg *config.Config) worker.Sink {
	switch cfg.NotifySink {
	case "log":
		return notify.NewLogSink(logger.Named("notify"))
	case "webhook":
		return notify.NewWebhookSink(cfg.NotifyWebhookURL, &http.Client{Timeout: webhookTimeout})
	}
	return nil
}

func serviceOptions(cfg *config.Config) []service.Option {
	opts := []service.Option{
		service.WithLogger(logger.Named("service")),
		service.WithLocation(cfg.Location()),
		service.WithMinDetectorConfidence(cfg.MinDetectorConfidence),
		service.WithFrameInterval(config.Millis(cfg.FrameIntervalMS)),
		service.WithInferenceTimeout(config.Millis(cfg.InferenceTimeoutMS)),
		service.WithPersistenceTimeout(config.Millis(cfg.PersistenceTimeoutMS)),
		service.WithMaxFrameSkew(config.Millis(cfg.MaxFrameSkewMS)),
		service.WithSessionIdleTimeout(config.Millis(cfg.SessionIdleTimeoutMS)),
		service.WithFaceParallelism(cfg.FaceParallelism),
		service.WithClaimShards(cfg.ClaimShards),
		service.WithRetentionDays(cfg.DedupeRetentionDays),
		service.WithAmbiguityEpsilon(cfg.AmbiguityEpsilon),
		service.WithMaxSamplesPerIdentity(cfg.MaxSamplesPerIdentity),
		service.WithSettingDefaults(cfg.CutoffTime, strconv.FormatFloat(cfg.MatchThreshold, 'f', -1, 64)),
	}
	if cfg.MatcherIndex == "hnsw" {
		opts = append(opts, service.WithHNSW(cfg.HNSWMinGallery, cfg.HNSWCandidates))
	}
	if s := sink(cfg); s != nil {
		opts = append(opts, service.WithNotifications(s, cfg.NotifyQueueSize, cfg.NotifyWorkers))
	}
	return opts
}

// app is a started service with everything it owns.
type app struct {
	cfg   *config.Config
	store storage.Store
	svc   *service.Service
	close func() error
}

// startApp opens storage and vision and starts the service.
func startApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	p, closeVision, err := pipeline(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build vision backend: %w", err)
	}
	svc := service.New(store, p, serviceOptions(cfg)...)
	if err := svc.Start(ctx); err != nil {
		_ = closeVision()
		_ = store.Close()
		return nil, fmt.Errorf("failed to start service: %w", err)
	}
	return &app{cfg: cfg, store: store, svc: svc, close: closeVision}, nil
}

func (a *app) Stop() {
	a.svc.Stop()
	if err := a.close(); err != nil {
		logger.Get().Warn(context.Background(), "vision backend close failed", logger.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Get().Warn(context.Background(), "storage close failed", logger.Error(err))
	}
}
