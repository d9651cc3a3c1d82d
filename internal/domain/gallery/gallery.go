// Package gallery holds the enrolled identities that live frames are matched
// against. Readers get an immutable snapshot; writers build a replacement and
// swap it in, so matching never waits on enrollment.
package gallery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

// Sample is one normalized embedding tagged with its owner.
type Sample struct {
	IdentityID string
	Embedding  model.Embedding
}

// Snapshot is an immutable view of the gallery.
type Snapshot struct {
	version    uint64
	identities map[string]model.EnrolledIdentity
	ids        []string
	samples    []Sample
}

// Version increases on every published change.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of identities.
func (s *Snapshot) Len() int { return len(s.ids) }

// SampleCount returns the number of stored embeddings.
func (s *Snapshot) SampleCount() int { return len(s.samples) }

// Samples returns every normalized sample. Callers must not modify it.
func (s *Snapshot) Samples() []Sample { return s.samples }

// Identity looks up an identity by ID.
func (s *Snapshot) Identity(id string) (model.EnrolledIdentity, bool) {
	i, ok := s.identities[id]
	return i, ok
}

// Identities returns every identity ordered by ID.
func (s *Snapshot) Identities() []model.EnrolledIdentity {
	out := make([]model.EnrolledIdentity, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.identities[id])
	}
	return out
}

func buildSnapshot(version uint64, identities map[string]model.EnrolledIdentity) *Snapshot {
	s := &Snapshot{
		version:    version,
		identities: identities,
		ids:        make([]string, 0, len(identities)),
	}
	for id := range identities {
		s.ids = append(s.ids, id)
	}
	sort.Strings(s.ids)
	for _, id := range s.ids {
		for _, e := range identities[id].Embeddings {
			s.samples = append(s.samples, Sample{IdentityID: id, Embedding: e.Normalized()})
		}
	}
	return s
}

// Gallery is the in-process view of enrolled identities, backed by a Store.
type Gallery struct {
	store      storage.GalleryStore
	log        logger.Logger
	maxSamples int

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
}

// New creates an empty gallery. Call Load to populate it from the store.
func New(store storage.GalleryStore, opts ...Option) *Gallery {
	g := &Gallery{store: store, log: logger.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	g.current.Store(buildSnapshot(0, map[string]model.EnrolledIdentity{}))
	return g
}

// Snapshot returns the current immutable view. Never nil.
func (g *Gallery) Snapshot() *Snapshot {
	return g.current.Load()
}

// Load replaces the in-memory view with the store's contents.
func (g *Gallery) Load(ctx context.Context) error {
	list, err := g.store.ListEnrolled(ctx)
	if err != nil {
		return fmt.Errorf("load gallery: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	next := make(map[string]model.EnrolledIdentity, len(list))
	for _, identity := range list {
		next[identity.ID] = identity.Clone()
	}
	g.publish(next)
	g.log.Info(ctx, "gallery loaded", logger.Int("identities", len(next)), logger.Int("samples", g.Snapshot().SampleCount()))
	return nil
}

// Enroll adds a new identity. An empty ID is assigned a UUID.
func (g *Gallery) Enroll(ctx context.Context, identity model.EnrolledIdentity) (model.EnrolledIdentity, error) {
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	if identity.DisplayName == "" {
		return model.EnrolledIdentity{}, fmt.Errorf("display name required: %w", ErrInvalidIdentity)
	}
	if err := validateEmbeddings(identity.Embeddings); err != nil {
		return model.EnrolledIdentity{}, err
	}
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	if identity.EnrolledAt.IsZero() {
		identity.EnrolledAt = time.Now().UTC()
	}
	identity = identity.Clone()

	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.Snapshot()
	if _, exists := cur.identities[identity.ID]; exists {
		return model.EnrolledIdentity{}, fmt.Errorf("%s: %w", identity.ID, ErrIdentityExists)
	}
	if err := g.store.SaveIdentity(ctx, identity); err != nil {
		return model.EnrolledIdentity{}, fmt.Errorf("save identity: %w", err)
	}
	next := g.copyCurrent()
	next[identity.ID] = identity
	g.publish(next)
	g.log.Info(ctx, "identity enrolled", logger.String("identity_id", identity.ID), logger.Int("samples", len(identity.Embeddings)))
	return identity.Clone(), nil
}

// AddSamples appends embeddings to an existing identity.
func (g *Gallery) AddSamples(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	if len(embeddings) == 0 {
		return fmt.Errorf("no embeddings: %w", ErrInvalidEmbedding)
	}
	if err := validateEmbeddings(embeddings); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	identity, ok := g.Snapshot().identities[identityID]
	if !ok {
		return fmt.Errorf("%s: %w", identityID, ErrIdentityNotFound)
	}
	identity = identity.Clone()
	combined := append(identity.Embeddings, cloneEmbeddings(embeddings)...)

	var err error
	if g.maxSamples > 0 && len(combined) > g.maxSamples {
		combined = combined[len(combined)-g.maxSamples:]
		err = g.store.ReplaceEmbeddings(ctx, identityID, combined)
	} else {
		err = g.store.AppendEmbeddings(ctx, identityID, embeddings)
	}
	if err != nil {
		return fmt.Errorf("store embeddings: %w", err)
	}
	identity.Embeddings = combined
	next := g.copyCurrent()
	next[identityID] = identity
	g.publish(next)
	return nil
}

// Reenroll discards an identity's samples and stores the given ones.
func (g *Gallery) Reenroll(ctx context.Context, identityID string, embeddings []model.Embedding) error {
	if len(embeddings) == 0 {
		return fmt.Errorf("no embeddings: %w", ErrInvalidEmbedding)
	}
	if err := validateEmbeddings(embeddings); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	identity, ok := g.Snapshot().identities[identityID]
	if !ok {
		return fmt.Errorf("%s: %w", identityID, ErrIdentityNotFound)
	}
	fresh := cloneEmbeddings(embeddings)
	if err := g.store.ReplaceEmbeddings(ctx, identityID, fresh); err != nil {
		return fmt.Errorf("replace embeddings: %w", err)
	}
	identity = identity.Clone()
	identity.Embeddings = fresh
	next := g.copyCurrent()
	next[identityID] = identity
	g.publish(next)
	g.log.Info(ctx, "identity re-enrolled", logger.String("identity_id", identityID), logger.Int("samples", len(fresh)))
	return nil
}

// Remove deletes an identity and its samples. Attendance history is kept.
func (g *Gallery) Remove(ctx context.Context, identityID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.Snapshot().identities[identityID]; !ok {
		return fmt.Errorf("%s: %w", identityID, ErrIdentityNotFound)
	}
	if err := g.store.DeleteIdentity(ctx, identityID); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	next := g.copyCurrent()
	delete(next, identityID)
	g.publish(next)
	g.log.Info(ctx, "identity removed", logger.String("identity_id", identityID))
	return nil
}

// copyCurrent returns a shallow copy of the identity map. Values are treated
// as immutable once published, so sharing them between snapshots is safe.
// Must be called with g.mu held.
func (g *Gallery) copyCurrent() map[string]model.EnrolledIdentity {
	cur := g.Snapshot()
	next := make(map[string]model.EnrolledIdentity, len(cur.identities)+1)
	for k, v := range cur.identities {
		next[k] = v
	}
	return next
}

// publish must be called with g.mu held.
func (g *Gallery) publish(identities map[string]model.EnrolledIdentity) {
	snap := buildSnapshot(g.Snapshot().version+1, identities)
	g.current.Store(snap)
	metrics.UpdateGallerySize(snap.Len(), snap.SampleCount())
}

func validateEmbeddings(embeddings []model.Embedding) error {
	for i, e := range embeddings {
		if !e.Valid() {
			return fmt.Errorf("embedding %d: %w", i, ErrInvalidEmbedding)
		}
		if strings.TrimSpace(e.Model) == "" {
			return fmt.Errorf("embedding %d: model name required: %w", i, ErrInvalidEmbedding)
		}
	}
	return nil
}

func cloneEmbeddings(in []model.Embedding) []model.Embedding {
	out := make([]model.Embedding, len(in))
	for i, e := range in {
		out[i] = model.Embedding{Model: e.Model, Values: append([]float32(nil), e.Values...)}
	}
	return out
}
