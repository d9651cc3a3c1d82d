// Package matching finds the enrolled identity closest to a query embedding.
//
// Distance is cosine distance, d = 1 - cos(q, s), in [0, 2]. An identity's
// distance is the minimum over its samples. Confidence is 1 - d clamped to
// [0, 1], which is the cosine similarity floored at zero.
package matching

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/hnsw"

	"github.com/okian/rollcall/internal/domain/gallery"
	"github.com/okian/rollcall/internal/domain/model"
)

const (
	defaultEpsilon   = 0.02
	hnswMaxNeighbors = 16
)

// Matcher scores query embeddings against gallery snapshots.
type Matcher struct {
	epsilon float64

	useIndex        bool
	indexMinSamples int
	indexK          int

	buildMu  sync.Mutex
	building atomic.Bool
	index    atomic.Pointer[annIndex]
}

// New creates a matcher with a linear scan and the default ambiguity epsilon.
func New(opts ...Option) *Matcher {
	m := &Matcher{epsilon: defaultEpsilon}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type scored struct {
	identityID string
	distance   float64
}

// Match returns the best identity for q. A rejected match has an empty
// IdentityID; Distance and Confidence then describe the closest identity seen.
func (m *Matcher) Match(snap *gallery.Snapshot, q model.Embedding, threshold float64) (model.MatchCandidate, error) {
	if threshold <= 0 || threshold > 1 || math.IsNaN(threshold) {
		return model.MatchCandidate{}, fmt.Errorf("%v: %w", threshold, ErrThresholdNotConfigured)
	}
	if !q.Valid() {
		return model.MatchCandidate{}, ErrInvalidQuery
	}
	q = q.Normalized()

	if snap == nil || snap.SampleCount() == 0 {
		return model.MatchCandidate{Distance: 2}, nil
	}

	var allowed map[string]struct{}
	if m.useIndex && snap.SampleCount() >= m.indexMinSamples {
		if idx := m.indexFor(snap); idx != nil {
			allowed = idx.candidates(q, m.indexK)
		}
	}

	samples := snap.Samples()
	best := m.rank(samples, q, func(id string) bool { return allowed == nil || has(allowed, id) })
	if len(best) == 0 {
		return model.MatchCandidate{Distance: 2}, nil
	}

	// A prefiltered winner is only final once every other identity has been
	// scored exactly.
	if allowed != nil && Confidence(best[0].distance) >= threshold {
		rest := m.rank(samples, q, func(id string) bool { return !has(allowed, id) })
		best = merge(best, rest)
	}

	top := best[0]
	out := model.MatchCandidate{Distance: top.distance, Confidence: Confidence(top.distance)}
	if out.Confidence < threshold {
		return out, nil
	}
	if len(best) > 1 && best[1].distance-top.distance <= m.epsilon {
		out.Ambiguous = true
		out.RunnerUpID = best[1].identityID
		return out, nil
	}
	out.IdentityID = top.identityID
	if len(best) > 1 {
		out.RunnerUpID = best[1].identityID
	}
	return out, nil
}

func has(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

// rank computes per-identity minimum distances over compatible samples of the
// identities keep admits and returns them ascending.
func (m *Matcher) rank(samples []gallery.Sample, q model.Embedding, keep func(string) bool) []scored {
	mins := make(map[string]float64)
	for _, s := range samples {
		if !keep(s.IdentityID) {
			continue
		}
		if !s.Embedding.Compatible(q) {
			continue
		}
		d := CosineDistance(q.Values, s.Embedding.Values)
		if cur, ok := mins[s.IdentityID]; !ok || d < cur {
			mins[s.IdentityID] = d
		}
	}
	out := make([]scored, 0, len(mins))
	for id, d := range mins {
		out = append(out, scored{identityID: id, distance: d})
	}
	sortScored(out)
	return out
}

func sortScored(out []scored) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].distance != out[j].distance {
			return out[i].distance < out[j].distance
		}
		return out[i].identityID < out[j].identityID
	})
}

// merge combines rankings over disjoint identity sets.
func merge(a, b []scored) []scored {
	out := make([]scored, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sortScored(out)
	return out
}

// Confidence maps a cosine distance to [0, 1], decreasing in distance.
func Confidence(distance float64) float64 {
	c := 1 - distance
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// CosineDistance returns 1 - cos(a, b). Mismatched or zero vectors yield 2.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 2
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return 1 - sim
}

// annIndex is an HNSW graph per (model, dimension) built for one snapshot version.
type annIndex struct {
	version uint64
	graphs  map[string]*hnsw.Graph[int]
	owners  []string
}

func indexKey(e model.Embedding) string {
	return e.Model + "/" + strconv.Itoa(e.Dim())
}

func buildIndex(snap *gallery.Snapshot) *annIndex {
	samples := snap.Samples()
	idx := &annIndex{
		version: snap.Version(),
		graphs:  make(map[string]*hnsw.Graph[int]),
		owners:  make([]string, len(samples)),
	}
	for i, s := range samples {
		idx.owners[i] = s.IdentityID
		key := indexKey(s.Embedding)
		g, ok := idx.graphs[key]
		if !ok {
			g = hnsw.NewGraph[int]()
			g.M = hnswMaxNeighbors
			g.Ml = 1.0 / float64(hnswMaxNeighbors)
			g.Distance = hnsw.CosineDistance
			idx.graphs[key] = g
		}
		g.Add(hnsw.MakeNode(i, s.Embedding.Values))
	}
	return idx
}

// publish installs idx unless a newer version is already in place.
func (m *Matcher) publish(idx *annIndex) {
	for {
		cur := m.index.Load()
		if cur != nil && cur.version >= idx.version {
			return
		}
		if m.index.CompareAndSwap(cur, idx) {
			return
		}
	}
}

// Warm builds the index for snap synchronously. It is a no-op when the index
// is disabled or already current.
func (m *Matcher) Warm(snap *gallery.Snapshot) {
	if !m.useIndex || snap == nil {
		return
	}
	m.buildMu.Lock()
	defer m.buildMu.Unlock()
	if idx := m.index.Load(); idx != nil && idx.version >= snap.Version() {
		return
	}
	m.publish(buildIndex(snap))
}

// IndexVersion reports the snapshot version the current index was built
// from, or false when no index exists yet.
func (m *Matcher) IndexVersion() (uint64, bool) {
	idx := m.index.Load()
	if idx == nil {
		return 0, false
	}
	return idx.version, true
}

// indexFor returns the index built for snap, or nil when it is not ready.
// A missing or stale index schedules a background build; callers scan
// linearly meanwhile.
func (m *Matcher) indexFor(snap *gallery.Snapshot) *annIndex {
	if idx := m.index.Load(); idx != nil && idx.version == snap.Version() {
		return idx
	}
	if m.building.CompareAndSwap(false, true) {
		go func() {
			defer m.building.Store(false)
			m.Warm(snap)
		}()
	}
	return nil
}

// candidates returns the identities owning the query's nearest samples.
func (idx *annIndex) candidates(q model.Embedding, k int) map[string]struct{} {
	g, ok := idx.graphs[indexKey(q)]
	if !ok {
		return map[string]struct{}{}
	}
	out := make(map[string]struct{}, k)
	for _, n := range g.Search(q.Values, k) {
		if n.Key >= 0 && n.Key < len(idx.owners) {
			out[idx.owners[n.Key]] = struct{}{}
		}
	}
	return out
}
