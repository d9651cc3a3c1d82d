// Package memory is an in-process storage backend for tests, demos and the
// soak tool. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
)

type dayKey struct {
	identityID string
	date       string
}

// Store implements storage.Store with maps guarded by a single RWMutex.
type Store struct {
	mu          sync.RWMutex
	events      map[string]model.AttendanceEvent // by event ID
	byDay       map[dayKey]string                // unique (identity, date) -> event ID
	corrections []model.Correction
	identities  map[string]model.EnrolledIdentity
	settings    map[string]string

	// failInsert, when set, is returned by Insert. Used to simulate outages.
	failInsert func(model.AttendanceEvent) error
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		events:     make(map[string]model.AttendanceEvent),
		byDay:      make(map[dayKey]string),
		identities: make(map[string]model.EnrolledIdentity),
		settings:   make(map[string]string),
	}
}

// FailInsertWith installs a hook consulted before every insert; a non-nil
// return aborts the insert with that error. Pass nil to clear it.
func (s *Store) FailInsertWith(fn func(model.AttendanceEvent) error) {
	s.mu.Lock()
	s.failInsert = fn
	s.mu.Unlock()
}

func (s *Store) Ping(_ context.Context) error { return nil }
func (s *Store) Close() error                 { return nil }

func (s *Store) Insert(ctx context.Context, event model.AttendanceEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insert: %w: %w", storage.ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInsert != nil {
		if err := s.failInsert(event); err != nil {
			return err
		}
	}
	k := dayKey{event.IdentityID, event.Date}
	if _, exists := s.byDay[k]; exists {
		return fmt.Errorf("%s on %s: %w", event.IdentityID, event.Date, storage.ErrDuplicateKey)
	}
	s.byDay[k] = event.ID
	s.events[event.ID] = cloneEvent(event)
	return nil
}

func (s *Store) FindByIdentityAndDate(_ context.Context, identityID, date string) (model.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDay[dayKey{identityID, date}]
	if !ok {
		return model.AttendanceEvent{}, storage.ErrNotFound
	}
	return cloneEvent(s.events[id]), nil
}

func (s *Store) GetEvent(_ context.Context, eventID string) (model.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return model.AttendanceEvent{}, storage.ErrNotFound
	}
	return cloneEvent(ev), nil
}

func (s *Store) ListForDate(_ context.Context, date string) ([]model.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AttendanceEvent, 0)
	for _, ev := range s.events {
		if ev.Date == date {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertCorrection(_ context.Context, c model.Correction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[c.EventID]; !ok {
		return fmt.Errorf("event %s: %w", c.EventID, storage.ErrNotFound)
	}
	s.corrections = append(s.corrections, c)
	return nil
}

func (s *Store) ListCorrections(_ context.Context, date string) ([]model.Correction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Correction, 0)
	for _, c := range s.corrections {
		if s.events[c.EventID].Date == date {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) ListEnrolled(_ context.Context) ([]model.EnrolledIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.EnrolledIdentity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveIdentity(_ context.Context, identity model.EnrolledIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.ID] = identity.Clone()
	return nil
}

func (s *Store) AppendEmbeddings(_ context.Context, identityID string, embeddings []model.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
	}
	add := model.EnrolledIdentity{Embeddings: embeddings}.Clone().Embeddings
	identity.Embeddings = append(identity.Clone().Embeddings, add...)
	s.identities[identityID] = identity
	return nil
}

func (s *Store) ReplaceEmbeddings(_ context.Context, identityID string, embeddings []model.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
	}
	identity.Embeddings = model.EnrolledIdentity{Embeddings: embeddings}.Clone().Embeddings
	s.identities[identityID] = identity
	return nil
}

func (s *Store) DeleteIdentity(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		return fmt.Errorf("identity %s: %w", identityID, storage.ErrNotFound)
	}
	delete(s.identities, identityID)
	return nil
}

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, storage.ErrNotFound)
	}
	return v, nil
}

func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func cloneEvent(ev model.AttendanceEvent) model.AttendanceEvent {
	if ev.DeviceMetadata != nil {
		md := make(map[string]string, len(ev.DeviceMetadata))
		for k, v := range ev.DeviceMetadata {
			md[k] = v
		}
		ev.DeviceMetadata = md
	}
	return ev
}
