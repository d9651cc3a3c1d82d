package soak

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/pkg/logger"
)

// ErrInvariantViolated is returned when the server recorded an identity more
// than once or lost an accepted event.
var ErrInvariantViolated = errors.New("attendance invariant violated")

// tally aggregates outcomes across sessions.
type tally struct {
	mu       sync.Mutex
	stats    Stats
	accepted map[string]int    // identity -> accepted outcomes
	eventIDs map[string]string // identity -> first event ID reported
	seen     map[string]bool   // identity -> appeared in a frame
	conflict []string
}

func newTally() *tally {
	return &tally{
		accepted: make(map[string]int),
		eventIDs: make(map[string]string),
		seen:     make(map[string]bool),
	}
}

// Run enrolls synthetic identities, posts frames from concurrent sessions and
// verifies the recorded attendance.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	log := logger.Get().Named("soak")
	if cfg.Identities <= 0 || cfg.Sessions <= 0 || cfg.FramesPerSession <= 0 {
		return Stats{}, errors.New("identities, sessions and frames must be positive")
	}
	if cfg.FacesPerFrame <= 0 {
		cfg.FacesPerFrame = 1
	}
	if cfg.Model == "" {
		cfg.Model = "soak-v1"
	}
	// A per-run model tag keeps vectors of earlier runs out of the candidate set.
	run := uuid.NewString()[:8]
	cfg.Model += "-" + run
	t := newTally()
	t.stats.StartTime = time.Now()

	log.Info(ctx, "starting soak run",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("identities", cfg.Identities),
		logger.Int("sessions", cfg.Sessions),
		logger.Int("framesPerSession", cfg.FramesPerSession))

	c := newClient(cfg.BaseURL, cfg.Timeout)
	if err := c.health(ctx); err != nil {
		return Stats{}, fmt.Errorf("service health check failed: %w", err)
	}

	ids := generateIdentities(run, cfg.Identities)
	for _, id := range ids {
		if err := c.enroll(ctx, id, cfg.Model); err != nil {
			return Stats{}, err
		}
	}
	t.stats.Identities = len(ids)

	var bar *progressbar.ProgressBar
	if cfg.Progress {
		bar = progressbar.NewOptions(cfg.Sessions*cfg.FramesPerSession,
			progressbar.OptionSetDescription("Posting frames"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
	}

	rng := newRand(cfg.Seed)
	frames := make([][][]byte, cfg.Sessions)
	picks := make([][][]int, cfg.Sessions)
	for s := range frames {
		for f := 0; f < cfg.FramesPerSession; f++ {
			body, picked, err := frame(rng, ids, cfg.FacesPerFrame, cfg.Model)
			if err != nil {
				return Stats{}, err
			}
			frames[s] = append(frames[s], body)
			picks[s] = append(picks[s], picked)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < cfg.Sessions; s++ {
		session := fmt.Sprintf("soak-session-%d", s)
		g.Go(func() error {
			for f, body := range frames[s] {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, _, err := c.postFrame(gctx, session, body)
				t.record(ids, picks[s][f], res, err)
				if bar != nil {
					_ = bar.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return t.snapshot(), err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	_, events, err := c.attendance(ctx)
	if err != nil {
		return t.snapshot(), err
	}
	stats := t.snapshot()
	stats.Duration = time.Since(stats.StartTime)
	if err := t.verify(ids, events, &stats); err != nil {
		return stats, err
	}

	log.Info(ctx, "soak run passed",
		logger.Int("framesPosted", stats.FramesPosted),
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("failedFaces", stats.FailedFaces),
		logger.Int("recorded", stats.Recorded),
		logger.Duration("duration", stats.Duration))
	return stats, nil
}

func (t *tally) record(ids []identity, picked []int, res model.FrameResult, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.FramesPosted++
	if err != nil {
		t.stats.FramesFailed++
		return
	}
	if res.Skipped {
		t.stats.FramesSkipped++
		return
	}
	for _, idx := range picked {
		t.seen[ids[idx].ID] = true
	}
	for _, o := range res.Accepted {
		t.stats.Accepted++
		t.accepted[o.IdentityID]++
		if prev, ok := t.eventIDs[o.IdentityID]; ok && prev != o.EventID {
			t.conflict = append(t.conflict, o.IdentityID)
		}
		t.eventIDs[o.IdentityID] = o.EventID
	}
	for _, o := range res.Duplicates {
		t.stats.Duplicates++
		if prev, ok := t.eventIDs[o.IdentityID]; ok && o.EventID != "" && prev != o.EventID {
			t.conflict = append(t.conflict, o.IdentityID)
		}
	}
	t.stats.Rejected += len(res.Rejected)
	t.stats.FailedFaces += len(res.Failed)
}

func (t *tally) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
