// Package storage declares the persistence contracts the domain depends on.
// Backends live under internal/adapters/repository.
package storage

import (
	"context"
	"errors"

	"github.com/okian/rollcall/internal/domain/model"
)

var (
	// ErrDuplicateKey is returned by RecordStore.Insert when an event for the
	// same (identity, date) already exists.
	ErrDuplicateKey = errors.New("duplicate attendance key")
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps transport or timeout failures of the backend.
	ErrUnavailable = errors.New("store unavailable")
)

// RecordStore persists attendance events and their corrections. Insert must
// enforce uniqueness on (IdentityID, Date).
type RecordStore interface {
	Insert(ctx context.Context, event model.AttendanceEvent) error
	FindByIdentityAndDate(ctx context.Context, identityID, date string) (model.AttendanceEvent, error)
	GetEvent(ctx context.Context, eventID string) (model.AttendanceEvent, error)
	ListForDate(ctx context.Context, date string) ([]model.AttendanceEvent, error)
	InsertCorrection(ctx context.Context, correction model.Correction) error
	ListCorrections(ctx context.Context, date string) ([]model.Correction, error)
}

// GalleryStore persists enrolled identities and their embeddings.
type GalleryStore interface {
	ListEnrolled(ctx context.Context) ([]model.EnrolledIdentity, error)
	SaveIdentity(ctx context.Context, identity model.EnrolledIdentity) error
	AppendEmbeddings(ctx context.Context, identityID string, embeddings []model.Embedding) error
	ReplaceEmbeddings(ctx context.Context, identityID string, embeddings []model.Embedding) error
	DeleteIdentity(ctx context.Context, identityID string) error
}

// SettingsStore is a small key/value table for runtime settings.
// Get returns ErrNotFound for unset keys.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Store bundles every contract a backend provides.
type Store interface {
	RecordStore
	GalleryStore
	SettingsStore
	Ping(ctx context.Context) error
	Close() error
}

// Setting keys.
const (
	SettingCutoffTime     = "cutoff_time"
	SettingMatchThreshold = "match_threshold"
)
