package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/okian/rollcall/internal/domain/classify"
	"github.com/okian/rollcall/internal/domain/dedupe"
	"github.com/okian/rollcall/internal/domain/gallery"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/recorder"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/internal/domain/vision"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// FrameSource yields frames for pull-mode sessions. io.EOF ends the session.
type FrameSource interface {
	Next(ctx context.Context) (model.Frame, error)
}

type bucket int

const (
	bucketRejected bucket = iota
	bucketAccepted
	bucketDuplicate
	bucketFailed
)

func (b bucket) String() string {
	switch b {
	case bucketAccepted:
		return "accepted"
	case bucketDuplicate:
		return "duplicate"
	case bucketFailed:
		return "failed"
	default:
		return "rejected"
	}
}

type policy struct {
	cutoff    classify.TimeOfDay
	threshold float64
}

type faceJob struct {
	sessionID string
	frame     model.Frame
	frameRef  string
	det       model.Detection
	snap      *gallery.Snapshot
	pol       policy
	polErr    error
}

type faceResult struct {
	outcome model.FaceOutcome
	bucket  bucket
	err     error
}

// ProcessFrame runs one frame through detect, extract, match, classify, claim
// and record. The returned FrameResult is always complete. The error is a join
// of recorder.ErrUnavailable and ErrConfigMissing when faces failed for those
// reasons, or a request error (ErrInvalidSession, ErrInvalidFrame, ErrNotStarted).
func (s *Service) ProcessFrame(ctx context.Context, sessionID string, mode types.CaptureMode, frame model.Frame) (model.FrameResult, error) {
	return s.processFrame(ctx, sessionID, mode, frame, true)
}

// EndSession forgets a session's throttle state.
func (s *Service) EndSession(sessionID string) {
	s.sessions.end(sessionID)
}

func (s *Service) processFrame(ctx context.Context, sessionID string, mode types.CaptureMode, frame model.Frame, throttle bool) (model.FrameResult, error) {
	start := time.Now()
	now := s.now()
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = now
	}
	res := model.NewFrameResult(sessionID, mode, frame.CapturedAt.UTC())

	if strings.TrimSpace(sessionID) == "" {
		return res, ErrInvalidSession
	}
	if mode != types.ModeSingle && mode != types.ModeMulti {
		return res, fmt.Errorf("mode %q: %w", mode, types.ErrUnknownValue)
	}
	if len(frame.Data) == 0 {
		return skip(res, model.SkipInvalidFrame), fmt.Errorf("empty body: %w", ErrInvalidFrame)
	}
	if !s.isStarted() {
		return res, ErrNotStarted
	}

	sess := s.sessions.acquire(sessionID, now)
	defer s.sessions.release(sessionID, sess)
	if !sess.busy.TryLock() {
		return skip(res, model.SkipBusy), nil
	}
	defer sess.busy.Unlock()

	if throttle && s.frameInterval > 0 && !sess.lastSample.IsZero() && now.Sub(sess.lastSample) < s.frameInterval {
		return skip(res, model.SkipThrottled), nil
	}
	sess.lastSample = now

	if s.maxFrameSkew > 0 && absDuration(now.Sub(frame.CapturedAt)) > s.maxFrameSkew {
		s.logger.Debug(ctx, "stale frame skipped",
			logger.String("session_id", sessionID),
			logger.Time("captured_at", frame.CapturedAt),
		)
		return skip(res, model.SkipStale), nil
	}

	res.FrameRef = frameRef(frame.Data)
	defer func() {
		metrics.RecordFrameLatency(sinceMs(start))
	}()

	dctx, cancel := context.WithTimeout(ctx, s.inferenceTimeout)
	t0 := time.Now()
	dets, err := s.pipeline.Detect(dctx, frame)
	cancel()
	metrics.RecordInferenceLatency("detect", sinceMs(t0))
	if err != nil {
		if errors.Is(err, vision.ErrUnsupportedFrame) {
			return skip(res, model.SkipInvalidFrame), fmt.Errorf("%w: %w", ErrInvalidFrame, err)
		}
		metrics.RecordErrorByComponent("vision", "detect")
		s.logger.Warn(ctx, "detector unavailable, frame skipped",
			logger.String("session_id", sessionID),
			logger.Error(err),
		)
		return skip(res, model.SkipDetectorUnavailable), nil
	}

	res.Detected = len(dets)
	metrics.RecordDetections(len(dets))
	if len(dets) == 0 {
		return skip(res, model.SkipNoFaces), nil
	}

	targets := dets
	if mode == types.ModeSingle {
		targets = []model.Detection{dets[mostProminent(dets)]}
		res.Ignored = len(dets) - 1
	}

	pol, polErr := s.loadPolicy(ctx)
	snap := s.gallery.Snapshot()
	results := make([]faceResult, len(targets))
	job := func(d model.Detection) faceJob {
		return faceJob{
			sessionID: sessionID,
			frame:     frame,
			frameRef:  res.FrameRef,
			det:       d,
			snap:      snap,
			pol:       pol,
			polErr:    polErr,
		}
	}

	if len(targets) == 1 {
		results[0] = s.processFace(ctx, job(targets[0]))
	} else {
		var g errgroup.Group
		g.SetLimit(s.faceParallelism)
		for i, d := range targets {
			g.Go(func() error {
				results[i] = s.processFace(ctx, job(d))
				return nil
			})
		}
		_ = g.Wait()
	}

	var unavailable, configMissing error
	for _, r := range results {
		metrics.RecordFaceOutcome(r.bucket.String())
		switch r.bucket {
		case bucketAccepted:
			res.Accepted = append(res.Accepted, r.outcome)
		case bucketDuplicate:
			res.Duplicates = append(res.Duplicates, r.outcome)
		case bucketFailed:
			res.Failed = append(res.Failed, r.outcome)
		default:
			res.Rejected = append(res.Rejected, r.outcome)
		}
		switch {
		case r.err == nil:
		case errors.Is(r.err, ErrConfigMissing):
			if configMissing == nil {
				configMissing = r.err
			}
		case errors.Is(r.err, recorder.ErrUnavailable):
			if unavailable == nil {
				unavailable = r.err
			}
		}
	}

	metrics.RecordFrameProcessed(string(mode))
	s.logger.Debug(ctx, "frame processed",
		logger.String("session_id", sessionID),
		logger.String("mode", string(mode)),
		logger.Int("detected", res.Detected),
		logger.Int("accepted", len(res.Accepted)),
		logger.Int("duplicates", len(res.Duplicates)),
		logger.Int("rejected", len(res.Rejected)),
		logger.Int("failed", len(res.Failed)),
		logger.Duration("took", time.Since(start)),
	)
	return res, errors.Join(unavailable, configMissing)
}

// processFace handles one detection end to end. Every failure maps to
// exactly one outcome bucket.
func (s *Service) processFace(ctx context.Context, j faceJob) faceResult {
	out := model.FaceOutcome{DetectionIndex: j.det.Index, Box: j.det.Box}

	if j.det.Confidence < s.minDetectorConfidence {
		out.Reason = model.ReasonBelowDetectorConfidence
		return faceResult{outcome: out, bucket: bucketRejected}
	}
	if j.polErr != nil {
		out.Reason = model.ReasonConfigMissing
		if !errors.Is(j.polErr, ErrConfigMissing) {
			out.Reason = model.ReasonPersistenceUnavailable
			out.Retryable = true
		}
		return faceResult{outcome: out, bucket: bucketFailed, err: j.polErr}
	}

	ectx, cancel := context.WithTimeout(ctx, s.inferenceTimeout)
	t0 := time.Now()
	emb, err := s.pipeline.Extract(ectx, j.frame, j.det)
	cancel()
	metrics.RecordInferenceLatency("extract", sinceMs(t0))
	if err != nil {
		if ctx.Err() != nil {
			out.Reason = model.ReasonCanceled
			out.Retryable = true
			return faceResult{outcome: out, bucket: bucketFailed}
		}
		if !errors.Is(err, vision.ErrUnprocessableRegion) {
			metrics.RecordErrorByComponent("vision", "extract")
		}
		out.Reason = model.ReasonUnprocessable
		return faceResult{outcome: out, bucket: bucketRejected}
	}

	cand, err := s.matcher.Match(j.snap, emb, j.pol.threshold)
	if err != nil {
		out.Reason = model.ReasonUnprocessable
		return faceResult{outcome: out, bucket: bucketRejected}
	}
	out.Confidence = cand.Confidence
	if cand.Ambiguous {
		out.Reason = model.ReasonAmbiguous
		return faceResult{outcome: out, bucket: bucketRejected}
	}
	if !cand.Matched() {
		out.Reason = model.ReasonUnknown
		return faceResult{outcome: out, bucket: bucketRejected}
	}

	out.IdentityID = cand.IdentityID
	if identity, ok := j.snap.Identity(cand.IdentityID); ok {
		out.DisplayName = identity.DisplayName
	}
	ts := j.frame.CapturedAt
	date := model.DayKey(ts, s.loc)
	out.Status = classify.Classify(ts, j.pol.cutoff, s.loc)

	claim, err := s.guard.TryClaim(ctx, cand.IdentityID, date)
	if err != nil {
		out.Retryable = true
		if errors.Is(err, dedupe.ErrLookupFailed) {
			out.Reason = model.ReasonPersistenceUnavailable
			return faceResult{outcome: out, bucket: bucketFailed, err: fmt.Errorf("%w: %w", recorder.ErrUnavailable, err)}
		}
		out.Reason = model.ReasonCanceled
		return faceResult{outcome: out, bucket: bucketFailed}
	}
	if !claim.Granted {
		out.Status = ""
		out.EventID = claim.ExistingEventID
		out.Reason = model.ReasonAlreadyRecorded
		return faceResult{outcome: out, bucket: bucketDuplicate}
	}

	ev, err := s.recorder.Record(ctx, model.AttendanceEvent{
		IdentityID:     cand.IdentityID,
		Date:           date,
		Timestamp:      ts,
		Status:         out.Status,
		Confidence:     cand.Confidence,
		SourceFrameRef: j.frameRef,
		SessionID:      j.sessionID,
		DeviceMetadata: copyMetadata(j.frame.DeviceMetadata),
	})
	switch {
	case err == nil:
		if cerr := s.guard.Commit(claim, ev.ID); cerr != nil {
			s.logger.Warn(ctx, "claim commit failed", logger.String("event_id", ev.ID), logger.Error(cerr))
		}
		out.EventID = ev.ID
		return faceResult{outcome: out, bucket: bucketAccepted}
	case errors.Is(err, recorder.ErrAlreadyRecorded) && ev.ID != "":
		_ = s.guard.Commit(claim, ev.ID)
		out.Status = ev.Status
		out.EventID = ev.ID
		out.Reason = model.ReasonAlreadyRecorded
		return faceResult{outcome: out, bucket: bucketDuplicate}
	default:
		s.guard.Release(claim)
		out.Status = ""
		out.Reason = model.ReasonPersistenceUnavailable
		out.Retryable = true
		if !errors.Is(err, recorder.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", recorder.ErrUnavailable, err)
		}
		return faceResult{outcome: out, bucket: bucketFailed, err: err}
	}
}

// loadPolicy reads cutoff and threshold from the settings store. Called once
// per frame so changes apply to the next frame.
func (s *Service) loadPolicy(ctx context.Context) (policy, error) {
	ctx, cancel := context.WithTimeout(ctx, s.persistenceTimeout)
	defer cancel()

	raw, err := s.store.GetSetting(ctx, storage.SettingCutoffTime)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return policy{}, fmt.Errorf("%w: %w", ErrConfigMissing, classify.ErrCutoffNotConfigured)
	case err != nil:
		return policy{}, fmt.Errorf("%w: read %s: %w", recorder.ErrUnavailable, storage.SettingCutoffTime, err)
	}
	cutoff, err := classify.ParseTimeOfDay(raw)
	if err != nil {
		if errors.Is(err, classify.ErrCutoffNotConfigured) {
			return policy{}, fmt.Errorf("%w: %w", ErrConfigMissing, err)
		}
		return policy{}, fmt.Errorf("%w: %w: %w", ErrConfigMissing, classify.ErrCutoffNotConfigured, err)
	}

	raw, err = s.store.GetSetting(ctx, storage.SettingMatchThreshold)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		raw = ""
	case err != nil:
		return policy{}, fmt.Errorf("%w: read %s: %w", recorder.ErrUnavailable, storage.SettingMatchThreshold, err)
	}
	threshold, err := parseThreshold(raw)
	if err != nil {
		return policy{}, fmt.Errorf("%w: %w", ErrConfigMissing, err)
	}
	return policy{cutoff: cutoff, threshold: threshold}, nil
}

// RunSession pulls frames from src every frame interval until ctx ends or src
// returns io.EOF. Frames never overlap; cancellation is observed between
// frames, so an in-flight frame always completes.
func (s *Service) RunSession(ctx context.Context, sessionID string, mode types.CaptureMode, src FrameSource, results chan<- model.FrameResult) error {
	interval := s.frameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.sessions.end(sessionID)

	log := s.logger.With(logger.String("session_id", sessionID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn(ctx, "frame source failed", logger.Error(err))
			continue
		}

		res, err := s.processFrame(context.WithoutCancel(ctx), sessionID, mode, frame, false)
		switch {
		case errors.Is(err, ErrNotStarted), errors.Is(err, ErrInvalidSession), errors.Is(err, types.ErrUnknownValue):
			return err
		case err != nil:
			log.Warn(ctx, "frame completed with failures", logger.Error(err))
		}
		if results == nil {
			continue
		}
		select {
		case results <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mostProminent picks the highest-confidence detection, then the largest,
// then the lowest index.
func mostProminent(dets []model.Detection) int {
	best := 0
	for i := 1; i < len(dets); i++ {
		a, b := dets[i], dets[best]
		switch {
		case a.Confidence > b.Confidence:
			best = i
		case a.Confidence == b.Confidence && a.Box.Area() > b.Box.Area():
			best = i
		}
	}
	return best
}

func skip(res model.FrameResult, reason string) model.FrameResult {
	res.Skipped = true
	res.SkipReason = reason
	metrics.RecordFrameSkipped(reason)
	return res
}

func frameRef(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func sinceMs(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
