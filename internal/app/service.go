// Package service wires perception, matching, the attendance guard and the
// stores into the capture pipeline the HTTP API drives.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	eventqueue "github.com/okian/rollcall/internal/adapters/mq/queue"
	workerpool "github.com/okian/rollcall/internal/adapters/mq/worker"
	"github.com/okian/rollcall/internal/domain/classify"
	"github.com/okian/rollcall/internal/domain/dedupe"
	"github.com/okian/rollcall/internal/domain/gallery"
	"github.com/okian/rollcall/internal/domain/matching"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/recorder"
	"github.com/okian/rollcall/internal/domain/report"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/internal/domain/vision"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

const (
	defaultFrameInterval      = 500 * time.Millisecond
	defaultInferenceTimeout   = 3 * time.Second
	defaultPersistenceTimeout = 2 * time.Second
	defaultFaceParallelism    = 4
	defaultRetentionDays      = 2
	defaultAmbiguityEpsilon   = 0.02
	defaultQueueSize          = 1024
	defaultWorkerCount        = 2
	defaultSessionIdleTimeout = 10 * time.Minute
	pruneInterval             = time.Hour
	stopTimeout               = 30 * time.Second
)

// Service implements the capture pipeline and the admin operations around it.
type Service struct {
	mu sync.RWMutex

	// Core components
	store    storage.Store
	pipeline vision.Pipeline
	gallery  *gallery.Gallery
	matcher  *matching.Matcher
	guard    *dedupe.Guard
	recorder *recorder.Recorder
	queue    *eventqueue.InMemoryQueue
	pool     *workerpool.Pool
	sink     workerpool.Sink
	sessions *sessionRegistry

	// Configuration
	loc                   *time.Location
	minDetectorConfidence float64
	frameInterval         time.Duration
	inferenceTimeout      time.Duration
	persistenceTimeout    time.Duration
	maxFrameSkew          time.Duration
	sessionIdleTimeout    time.Duration
	faceParallelism       int
	claimShards           int
	retentionDays         int
	ambiguityEpsilon      float64
	hnswMinSamples        int
	hnswK                 int
	maxSamples            int
	queueSize             int
	workerCount           int
	defaultCutoff         string
	defaultThreshold      string

	// State
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now    func() time.Time
	logger logger.Logger
}

// New constructs a Service over store and pipeline. Nothing is loaded until Start.
func New(store storage.Store, pipeline vision.Pipeline, opts ...Option) *Service {
	s := &Service{
		store:              store,
		pipeline:           pipeline,
		loc:                time.UTC,
		frameInterval:      defaultFrameInterval,
		inferenceTimeout:   defaultInferenceTimeout,
		persistenceTimeout: defaultPersistenceTimeout,
		sessionIdleTimeout: defaultSessionIdleTimeout,
		faceParallelism:    defaultFaceParallelism,
		retentionDays:      defaultRetentionDays,
		ambiguityEpsilon:   defaultAmbiguityEpsilon,
		queueSize:          defaultQueueSize,
		workerCount:        defaultWorkerCount,
		now:                time.Now,
		logger:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.gallery = gallery.New(store,
		gallery.WithLogger(s.logger.Named("gallery")),
		gallery.WithMaxSamplesPerIdentity(s.maxSamples),
	)
	matcherOpts := []matching.Option{matching.WithAmbiguityEpsilon(s.ambiguityEpsilon)}
	if s.hnswMinSamples > 0 {
		matcherOpts = append(matcherOpts, matching.WithHNSWIndex(s.hnswMinSamples, s.hnswK))
	}
	s.matcher = matching.New(matcherOpts...)
	s.guard = dedupe.New(
		dedupe.WithShards(s.claimShards),
		dedupe.WithLookup(store),
		dedupe.WithLookupTimeout(s.persistenceTimeout),
		dedupe.WithLogger(s.logger.Named("dedupe")),
	)

	recOpts := []recorder.Option{
		recorder.WithTimeout(s.persistenceTimeout),
		recorder.WithLogger(s.logger.Named("recorder")),
	}
	if s.sink != nil {
		s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
		s.pool = workerpool.NewPool(s.workerCount, s.queue, s.sink,
			workerpool.WithLogger(s.logger),
			workerpool.WithDeliveryTimeout(s.persistenceTimeout*2),
		)
		recOpts = append(recOpts, recorder.WithNotifier(s.queue))
	}
	s.recorder = recorder.New(store, recOpts...)
	s.sessions = newSessionRegistry()
	return s
}

// Start loads the gallery, seeds missing settings, warms the attendance index
// for today and starts background work.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting attendance service...")

	if err := s.gallery.Load(ctx); err != nil {
		return err
	}
	s.matcher.Warm(s.gallery.Snapshot())
	if err := s.seedSettings(ctx); err != nil {
		return err
	}
	today := s.Today()
	if _, err := s.guard.Rebuild(ctx, today); err != nil {
		s.logger.Warn(ctx, "attendance index warm-up failed; claims fall back to the store", logger.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if s.pool != nil {
		s.pool.Start(runCtx)
	}
	s.wg.Add(1)
	go s.pruneLoop(runCtx)

	s.started = true
	s.logger.Info(ctx, "attendance service started",
		logger.String("vision", s.pipeline.Name()),
		logger.String("timezone", s.loc.String()),
		logger.Int("identities", s.gallery.Snapshot().Len()),
		logger.Int("notify_workers", s.poolSize()),
	)
	return nil
}

// Stop drains notifications and stops background work.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	s.logger.Info(ctx, "stopping attendance service...")

	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "notification workers did not drain", logger.Error(err))
		}
	}
	s.cancel()
	s.wg.Wait()

	s.started = false
	s.logger.Info(ctx, "attendance service stopped")
}

func (s *Service) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Service) poolSize() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.Size()
}

func (s *Service) seedSettings(ctx context.Context) error {
	defaults := map[string]string{
		storage.SettingCutoffTime:     s.defaultCutoff,
		storage.SettingMatchThreshold: s.defaultThreshold,
	}
	for key, value := range defaults {
		if value == "" {
			continue
		}
		_, err := s.store.GetSetting(ctx, key)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return fmt.Errorf("read setting %s: %w", key, err)
		}
		if err := s.SetSetting(ctx, key, value); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
		s.logger.Info(ctx, "setting seeded from configuration", logger.String("key", key), logger.String("value", value))
	}
	return nil
}

// pruneLoop evicts claim table days older than the retention window.
func (s *Service) pruneLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(max(s.sessionIdleTimeout/2, time.Millisecond))
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		case <-sweep.C:
			s.sweepSessions(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) int {
	cutoff := s.now().In(s.loc).AddDate(0, 0, -s.retentionDays).Format(model.DateLayout)
	removed := s.guard.Prune(cutoff)
	if removed > 0 {
		s.logger.Debug(ctx, "attendance index pruned", logger.String("before", cutoff), logger.Int("removed", removed))
	}
	return removed
}

func (s *Service) sweepSessions(ctx context.Context) int {
	removed := s.sessions.evictIdle(s.now().Add(-s.sessionIdleTimeout))
	if removed > 0 {
		s.logger.Debug(ctx, "idle sessions evicted", logger.Int("removed", removed))
	}
	return removed
}

// Today returns the current local calendar date.
func (s *Service) Today() string {
	return model.DayKey(s.now(), s.loc)
}

// Location returns the zone calendar days are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Enroll adds an identity to the gallery.
func (s *Service) Enroll(ctx context.Context, identity model.EnrolledIdentity) (model.EnrolledIdentity, error) {
	return s.gallery.Enroll(ctx, identity)
}

// AddSamples appends embeddings to an enrolled identity.
func (s *Service) AddSamples(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	return s.gallery.AddSamples(ctx, identityID, embeddings)
}

// Reenroll replaces an identity's embeddings.
func (s *Service) Reenroll(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	return s.gallery.Reenroll(ctx, identityID, embeddings)
}

// RemoveIdentity deletes an identity. Its attendance history stays.
func (s *Service) RemoveIdentity(ctx context.Context, identityID string) error {
	return s.gallery.Remove(ctx, identityID)
}

// Identities lists enrolled identities from the current snapshot.
func (s *Service) Identities() []model.EnrolledIdentity {
	return s.gallery.Snapshot().Identities()
}

// Identity returns one enrolled identity.
func (s *Service) Identity(identityID string) (model.EnrolledIdentity, bool) {
	return s.gallery.Snapshot().Identity(identityID)
}

// EnrollFromImage detects the most prominent face in an image, extracts its
// embedding and appends it to identityID.
func (s *Service) EnrollFromImage(ctx context.Context, identityID string, frame model.Frame) (model.Embedding, error) {
	if _, ok := s.Identity(identityID); !ok {
		return model.Embedding{}, fmt.Errorf("%s: %w", identityID, gallery.ErrIdentityNotFound)
	}
	dctx, cancel := context.WithTimeout(ctx, s.inferenceTimeout)
	dets, err := s.pipeline.Detect(dctx, frame)
	cancel()
	if err != nil {
		return model.Embedding{}, fmt.Errorf("detect: %w", err)
	}
	if len(dets) == 0 {
		return model.Embedding{}, ErrNoFaceFound
	}
	best := dets[mostProminent(dets)]

	ectx, cancel := context.WithTimeout(ctx, s.inferenceTimeout)
	emb, err := s.pipeline.Extract(ectx, frame, best)
	cancel()
	if err != nil {
		if errors.Is(err, vision.ErrUnprocessableRegion) {
			return model.Embedding{}, fmt.Errorf("%w: %w", ErrNoFaceFound, err)
		}
		return model.Embedding{}, fmt.Errorf("extract: %w", err)
	}
	if err := s.gallery.AddSamples(ctx, identityID, []model.Embedding{emb}); err != nil {
		return model.Embedding{}, err
	}
	return emb, nil
}

// Attendance lists the events recorded on date.
func (s *Service) Attendance(ctx context.Context, date string) ([]model.AttendanceEvent, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return nil, fmt.Errorf("%q: %w", date, report.ErrInvalidDate)
	}
	return s.store.ListForDate(ctx, date)
}

// Summary returns the daily summary with inferred absences.
func (s *Service) Summary(ctx context.Context, date string) (report.Summary, error) {
	return report.Build(ctx, s.store, date)
}

// Correct appends a correction to a recorded event.
func (s *Service) Correct(ctx context.Context, eventID, annotation string, status types.Status, author string) (model.Correction, error) {
	return s.recorder.Correct(ctx, eventID, annotation, status, author)
}

// Setting reads a managed setting.
func (s *Service) Setting(ctx context.Context, key string) (string, error) {
	if !managedSetting(key) {
		return "", fmt.Errorf("%q: %w", key, ErrUnknownSetting)
	}
	return s.store.GetSetting(ctx, key)
}

// SetSetting validates and stores a managed setting. It takes effect on the next frame.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case storage.SettingCutoffTime:
		tod, err := classify.ParseTimeOfDay(value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSetting, err)
		}
		value = tod.String()
	case storage.SettingMatchThreshold:
		if _, err := parseThreshold(value); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSetting, err)
		}
	default:
		return fmt.Errorf("%q: %w", key, ErrUnknownSetting)
	}
	return s.store.SetSetting(ctx, key, value)
}

func managedSetting(key string) bool {
	return key == storage.SettingCutoffTime || key == storage.SettingMatchThreshold
}

func parseThreshold(v string) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return 0, matching.ErrThresholdNotConfigured
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || f <= 0 || f > 1 {
		return 0, fmt.Errorf("%q: %w", v, matching.ErrThresholdNotConfigured)
	}
	return f, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.gallery.Snapshot()
	stats := map[string]interface{}{
		"started":          s.started,
		"vision":           s.pipeline.Name(),
		"timezone":         s.loc.String(),
		"identities":       snap.Len(),
		"samples":          snap.SampleCount(),
		"galleryVersion":   snap.Version(),
		"claimEntries":     s.guard.Size(),
		"sessions":         s.sessions.Len(),
		"faceParallelism":  s.faceParallelism,
		"frameIntervalMs":  s.frameInterval.Milliseconds(),
		"notifyWorkers":    s.poolSize(),
		"notifyQueueLimit": s.queueSize,
	}
	if s.queue != nil {
		stats["notifyQueueLength"] = s.queue.Len(context.Background())
	}
	metrics.UpdateClaimEntries(int(s.guard.Size()))
	metrics.UpdateGallerySize(snap.Len(), snap.SampleCount())
	metrics.UpdateSystemMetrics()
	return stats
}
