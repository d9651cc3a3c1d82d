// Package recorder persists attendance events and their corrections.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

const defaultTimeout = 2 * time.Second

// Notifier receives status changes after they are durable. Implementations
// must not block; a full queue is reported as an error and the change dropped.
type Notifier interface {
	Notify(ctx context.Context, change model.StatusChange) error
}

// Recorder writes events through a RecordStore.
type Recorder struct {
	store    storage.RecordStore
	notifier Notifier
	timeout  time.Duration
	log      logger.Logger
	now      func() time.Time
}

// New creates a recorder over store.
func New(store storage.RecordStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		timeout: defaultTimeout,
		log:     logger.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists ev. An empty ID is assigned. When the store already holds
// an event for (IdentityID, Date) it returns that event with ErrAlreadyRecorded.
// Any other store failure is returned as ErrUnavailable.
func (r *Recorder) Record(ctx context.Context, ev model.AttendanceEvent) (model.AttendanceEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Timestamp = ev.Timestamp.UTC()

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := r.store.Insert(wctx, ev)
	metrics.RecordPersistenceLatency(float64(time.Since(start).Microseconds()) / 1000)

	switch {
	case err == nil:
	case errors.Is(err, storage.ErrDuplicateKey):
		fctx, fcancel := context.WithTimeout(ctx, r.timeout)
		existing, ferr := r.store.FindByIdentityAndDate(fctx, ev.IdentityID, ev.Date)
		fcancel()
		if ferr != nil {
			return model.AttendanceEvent{}, fmt.Errorf("%w: %w", ErrAlreadyRecorded, err)
		}
		return existing, ErrAlreadyRecorded
	default:
		metrics.RecordPersistenceError()
		metrics.RecordErrorByComponent("recorder", "insert")
		r.log.Warn(ctx, "attendance insert failed",
			logger.String("identity_id", ev.IdentityID),
			logger.String("date", ev.Date),
			logger.Error(err),
		)
		return model.AttendanceEvent{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	metrics.RecordEventRecorded(string(ev.Status))
	r.log.Info(ctx, "attendance recorded",
		logger.String("event_id", ev.ID),
		logger.String("identity_id", ev.IdentityID),
		logger.String("date", ev.Date),
		logger.String("status", string(ev.Status)),
		logger.Float64("confidence", ev.Confidence),
	)

	if r.notifier != nil {
		change := model.StatusChange{
			EventID:    ev.ID,
			IdentityID: ev.IdentityID,
			Date:       ev.Date,
			Status:     ev.Status,
			Timestamp:  ev.Timestamp,
		}
		if nerr := r.notifier.Notify(ctx, change); nerr != nil {
			r.log.Warn(ctx, "status change dropped", logger.String("event_id", ev.ID), logger.Error(nerr))
		}
	}
	return ev, nil
}

// Correct appends an annotation, optionally overriding the status shown in
// summaries. The original event is never modified.
func (r *Recorder) Correct(ctx context.Context, eventID, annotation string, status types.Status, author string) (model.Correction, error) {
	annotation = strings.TrimSpace(annotation)
	if annotation == "" {
		return model.Correction{}, fmt.Errorf("annotation required: %w", ErrInvalidCorrection)
	}
	if status != "" && !status.Recordable() {
		return model.Correction{}, fmt.Errorf("status %q: %w", status, ErrInvalidCorrection)
	}

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.store.GetEvent(wctx, eventID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Correction{}, fmt.Errorf("%s: %w", eventID, ErrEventNotFound)
		}
		return model.Correction{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c := model.Correction{
		ID:         uuid.NewString(),
		EventID:    eventID,
		Annotation: annotation,
		Status:     status,
		Author:     author,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.InsertCorrection(wctx, c); err != nil {
		return model.Correction{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	r.log.Info(ctx, "attendance corrected", logger.String("event_id", eventID), logger.String("correction_id", c.ID))
	return c, nil
}
