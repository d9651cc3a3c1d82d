// Package dedupe guarantees at most one attendance event per identity per day.
//
// The Guard keeps a sharded claim table keyed by (identity, date). A claim is
// pending until the holder commits (the event was persisted) or releases it
// (persistence failed). Claimants for a pending key wait for the outcome
// instead of racing the holder.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

const (
	defaultShards        = 32
	defaultLookupTimeout = 2 * time.Second
)

// Lookup is the read side of the record store used to warm the table.
type Lookup interface {
	FindByIdentityAndDate(ctx context.Context, identityID, date string) (model.AttendanceEvent, error)
	ListForDate(ctx context.Context, date string) ([]model.AttendanceEvent, error)
}

// Key identifies one identity on one local calendar day.
type Key struct {
	IdentityID string
	Date       string
}

type entryState int

const (
	statePending entryState = iota
	stateCommitted
)

type entry struct {
	state   entryState
	eventID string
	done    chan struct{} // closed when the entry leaves the pending state
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Claim is the result of TryClaim. Granted claims must be settled with
// exactly one of Commit or Release.
type Claim struct {
	Key             Key
	Granted         bool
	ExistingEventID string
	entry           *entry
}

// Guard is the daily attendance index.
type Guard struct {
	shardCount int
	shards     []*shard
	lookup     Lookup
	timeout    time.Duration
	log        logger.Logger
	size       atomic.Int64
}

// New creates a guard. Without WithLookup it only knows what it has seen.
func New(opts ...Option) *Guard {
	g := &Guard{shardCount: defaultShards, timeout: defaultLookupTimeout, log: logger.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	g.shards = make([]*shard, g.shardCount)
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return g
}

func (g *Guard) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.IdentityID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Date))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

// TryClaim attempts to reserve (identityID, date). It returns a granted claim
// for the first caller; later callers get the committed event ID. A caller that
// finds the key pending blocks until the holder settles it or ctx ends. The
// storage lookup is bounded by the lookup timeout even when ctx has no deadline.
func (g *Guard) TryClaim(ctx context.Context, identityID, date string) (Claim, error) {
	k := Key{IdentityID: identityID, Date: date}
	sh := g.shardFor(k)

	for {
		sh.mu.Lock()
		e, ok := sh.entries[k]
		if ok && e.state == stateCommitted {
			sh.mu.Unlock()
			metrics.RecordClaim("duplicate")
			return Claim{Key: k, ExistingEventID: e.eventID}, nil
		}
		if ok {
			done := e.done
			sh.mu.Unlock()
			metrics.RecordClaimWait()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return Claim{}, fmt.Errorf("waiting for claim %s/%s: %w", identityID, date, ctx.Err())
			}
		}

		e = &entry{state: statePending, done: make(chan struct{})}
		sh.entries[k] = e
		sh.mu.Unlock()
		g.size.Add(1)

		if g.lookup != nil {
			lctx, cancel := context.WithTimeout(ctx, g.timeout)
			existing, err := g.lookup.FindByIdentityAndDate(lctx, identityID, date)
			cancel()
			switch {
			case err == nil:
				g.settle(sh, k, e, existing.ID)
				metrics.RecordClaim("duplicate")
				return Claim{Key: k, ExistingEventID: existing.ID}, nil
			case !errors.Is(err, storage.ErrNotFound):
				g.drop(sh, k, e)
				return Claim{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
			}
		}

		metrics.RecordClaim("granted")
		return Claim{Key: k, Granted: true, entry: e}, nil
	}
}

// Commit marks a granted claim as recorded under eventID and wakes waiters.
func (g *Guard) Commit(c Claim, eventID string) error {
	if !c.Granted || c.entry == nil {
		return ErrNotHeld
	}
	sh := g.shardFor(c.Key)
	sh.mu.Lock()
	cur, ok := sh.entries[c.Key]
	if !ok || cur != c.entry || cur.state != statePending {
		sh.mu.Unlock()
		return ErrNotHeld
	}
	cur.state = stateCommitted
	cur.eventID = eventID
	close(cur.done)
	sh.mu.Unlock()
	return nil
}

// Release rolls back a granted claim so the key can be claimed again.
// Releasing a settled or foreign claim is a no-op.
func (g *Guard) Release(c Claim) {
	if !c.Granted || c.entry == nil {
		return
	}
	sh := g.shardFor(c.Key)
	sh.mu.Lock()
	cur, ok := sh.entries[c.Key]
	if ok && cur == c.entry && cur.state == statePending {
		delete(sh.entries, c.Key)
		close(cur.done)
		g.size.Add(-1)
		metrics.RecordClaim("released")
	}
	sh.mu.Unlock()
}

func (g *Guard) settle(sh *shard, k Key, e *entry, eventID string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e.state == statePending {
		e.state = stateCommitted
		e.eventID = eventID
		close(e.done)
	}
	sh.entries[k] = e
}

func (g *Guard) drop(sh *shard, k Key, e *entry) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.entries[k]; ok && cur == e {
		delete(sh.entries, k)
		g.size.Add(-1)
	}
	if e.state == statePending {
		close(e.done)
	}
}

// Rebuild loads every event recorded on date into the table as committed.
// Existing entries are left alone.
func (g *Guard) Rebuild(ctx context.Context, date string) (int, error) {
	if g.lookup == nil {
		return 0, nil
	}
	events, err := g.lookup.ListForDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	added := 0
	for _, ev := range events {
		k := Key{IdentityID: ev.IdentityID, Date: ev.Date}
		sh := g.shardFor(k)
		sh.mu.Lock()
		if _, ok := sh.entries[k]; !ok {
			done := make(chan struct{})
			close(done)
			sh.entries[k] = &entry{state: stateCommitted, eventID: ev.ID, done: done}
			g.size.Add(1)
			added++
		}
		sh.mu.Unlock()
	}
	metrics.UpdateClaimEntries(int(g.size.Load()))
	g.log.Info(ctx, "attendance index rebuilt", logger.String("date", date), logger.Int("entries", added))
	return added, nil
}

// Prune evicts committed entries for dates strictly before cutoffDate
// (YYYY-MM-DD compares lexically). Pending entries are never evicted.
func (g *Guard) Prune(cutoffDate string) int {
	removed := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.state == stateCommitted && k.Date < cutoffDate {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	g.size.Add(int64(-removed))
	metrics.UpdateClaimEntries(int(g.size.Load()))
	return removed
}

// Size returns the number of entries in the table.
func (g *Guard) Size() int64 {
	return g.size.Load()
}
