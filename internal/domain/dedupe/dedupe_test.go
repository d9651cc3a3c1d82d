package dedupe_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/domain/dedupe"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	. "github.com/smartystreets/goconvey/convey"
)

type brokenLookup struct{}

func (brokenLookup) FindByIdentityAndDate(context.Context, string, string) (model.AttendanceEvent, error) {
	return model.AttendanceEvent{}, storage.ErrUnavailable
}

func (brokenLookup) ListForDate(context.Context, string) ([]model.AttendanceEvent, error) {
	return nil, storage.ErrUnavailable
}

type stallingLookup struct{}

func (stallingLookup) FindByIdentityAndDate(ctx context.Context, _, _ string) (model.AttendanceEvent, error) {
	<-ctx.Done()
	return model.AttendanceEvent{}, ctx.Err()
}

func (stallingLookup) ListForDate(context.Context, string) ([]model.AttendanceEvent, error) {
	return nil, nil
}

func TestGuardLookupTimeout(t *testing.T) {
	Convey("Given a guard whose storage lookup never answers", t, func() {
		g := dedupe.New(dedupe.WithLookup(stallingLookup{}), dedupe.WithLookupTimeout(50*time.Millisecond))

		Convey("When claiming with a context that has no deadline", func() {
			begin := time.Now()
			_, err := g.TryClaim(context.Background(), "alice", "2025-01-06")

			Convey("Then the lookup gives up and the key is left unclaimed", func() {
				So(time.Since(begin), ShouldBeLessThan, time.Second)
				So(errors.Is(err, dedupe.ErrLookupFailed), ShouldBeTrue)
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
				So(g.Size(), ShouldEqual, 0)
			})
		})
	})
}

func TestGuardSequential(t *testing.T) {
	Convey("Given a guard without storage", t, func() {
		ctx := context.Background()
		g := dedupe.New(dedupe.WithShards(4))

		Convey("When the first claim for a key is made", func() {
			c, err := g.TryClaim(ctx, "alice", "2025-01-06")
			So(err, ShouldBeNil)
			So(c.Granted, ShouldBeTrue)
			So(g.Size(), ShouldEqual, 1)

			Convey("And it is committed", func() {
				So(g.Commit(c, "ev-1"), ShouldBeNil)

				Convey("Then later claims report the existing event", func() {
					again, err := g.TryClaim(ctx, "alice", "2025-01-06")
					So(err, ShouldBeNil)
					So(again.Granted, ShouldBeFalse)
					So(again.ExistingEventID, ShouldEqual, "ev-1")
				})

				Convey("Then committing twice fails", func() {
					So(errors.Is(g.Commit(c, "ev-2"), dedupe.ErrNotHeld), ShouldBeTrue)
				})

				Convey("Then another day is independent", func() {
					next, err := g.TryClaim(ctx, "alice", "2025-01-07")
					So(err, ShouldBeNil)
					So(next.Granted, ShouldBeTrue)
				})
			})

			Convey("And it is released", func() {
				g.Release(c)
				So(g.Size(), ShouldEqual, 0)

				Convey("Then the key can be claimed again", func() {
					again, err := g.TryClaim(ctx, "alice", "2025-01-06")
					So(err, ShouldBeNil)
					So(again.Granted, ShouldBeTrue)
				})

				Convey("Then committing the released claim fails", func() {
					So(errors.Is(g.Commit(c, "late"), dedupe.ErrNotHeld), ShouldBeTrue)
				})
			})
		})

		Convey("When committing a claim that was never granted", func() {
			So(errors.Is(g.Commit(dedupe.Claim{}, "x"), dedupe.ErrNotHeld), ShouldBeTrue)
			g.Release(dedupe.Claim{})
		})
	})
}

func TestGuardConcurrentClaims(t *testing.T) {
	Convey("Given 50 concurrent claims for the same identity and day", t, func() {
		ctx := context.Background()
		g := dedupe.New()
		const n = 50

		var granted, duplicates atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		ids := make(chan string, n)

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				c, err := g.TryClaim(ctx, "bob", "2025-01-06")
				if err != nil {
					return
				}
				if c.Granted {
					granted.Add(1)
					time.Sleep(5 * time.Millisecond)
					_ = g.Commit(c, "ev-bob")
					return
				}
				duplicates.Add(1)
				ids <- c.ExistingEventID
			}()
		}
		close(start)
		wg.Wait()
		close(ids)

		Convey("Then exactly one is granted and the rest see its event", func() {
			So(granted.Load(), ShouldEqual, 1)
			So(duplicates.Load(), ShouldEqual, n-1)
			for id := range ids {
				So(id, ShouldEqual, "ev-bob")
			}
		})
	})

	Convey("Given a holder that rolls back while others wait", t, func() {
		ctx := context.Background()
		g := dedupe.New()

		first, err := g.TryClaim(ctx, "carol", "2025-01-06")
		So(err, ShouldBeNil)
		So(first.Granted, ShouldBeTrue)

		result := make(chan dedupe.Claim, 1)
		go func() {
			c, _ := g.TryClaim(ctx, "carol", "2025-01-06")
			result <- c
		}()
		time.Sleep(10 * time.Millisecond)
		g.Release(first)

		Convey("Then the waiter is granted the claim", func() {
			select {
			case c := <-result:
				So(c.Granted, ShouldBeTrue)
			case <-time.After(time.Second):
				So("waiter never woke", ShouldBeEmpty)
			}
		})
	})

	Convey("Given a waiter whose context expires", t, func() {
		g := dedupe.New()
		_, _ = g.TryClaim(context.Background(), "dave", "2025-01-06")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := g.TryClaim(ctx, "dave", "2025-01-06")

		So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
	})

	Convey("Given many independent keys claimed concurrently", t, func() {
		ctx := context.Background()
		g := dedupe.New(dedupe.WithShards(8))
		var wg sync.WaitGroup
		var granted atomic.Int32
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := g.TryClaim(ctx, fmt.Sprintf("id-%d", i), "2025-01-06")
				if err == nil && c.Granted {
					granted.Add(1)
					_ = g.Commit(c, fmt.Sprintf("ev-%d", i))
				}
			}(i)
		}
		wg.Wait()
		So(granted.Load(), ShouldEqual, 200)
		So(g.Size(), ShouldEqual, 200)
	})
}

func TestGuardWithStorage(t *testing.T) {
	Convey("Given a record store that already holds an event", t, func() {
		ctx := context.Background()
		store := memory.New()
		So(store.Insert(ctx, model.AttendanceEvent{ID: "ev-old", IdentityID: "erin", Date: "2025-01-06", Timestamp: time.Now()}), ShouldBeNil)

		Convey("When a fresh guard sees a claim for that key", func() {
			g := dedupe.New(dedupe.WithLookup(store))
			c, err := g.TryClaim(ctx, "erin", "2025-01-06")

			Convey("Then the stored event wins", func() {
				So(err, ShouldBeNil)
				So(c.Granted, ShouldBeFalse)
				So(c.ExistingEventID, ShouldEqual, "ev-old")
			})
		})

		Convey("When the guard is rebuilt for the day", func() {
			g := dedupe.New(dedupe.WithLookup(store))
			added, err := g.Rebuild(ctx, "2025-01-06")
			So(err, ShouldBeNil)
			So(added, ShouldEqual, 1)

			c, _ := g.TryClaim(ctx, "erin", "2025-01-06")
			So(c.ExistingEventID, ShouldEqual, "ev-old")
		})

		Convey("When old days are pruned", func() {
			g := dedupe.New(dedupe.WithLookup(store))
			_, _ = g.Rebuild(ctx, "2025-01-06")
			pending, _ := g.TryClaim(ctx, "frank", "2025-01-05")

			removed := g.Prune("2025-01-07")
			So(removed, ShouldEqual, 1)
			So(g.Size(), ShouldEqual, 1)
			g.Release(pending)
		})
	})

	Convey("Given storage that is unavailable", t, func() {
		g := dedupe.New(dedupe.WithLookup(brokenLookup{}))
		_, err := g.TryClaim(context.Background(), "gina", "2025-01-06")

		Convey("Then the claim fails and leaves nothing behind", func() {
			So(errors.Is(err, dedupe.ErrLookupFailed), ShouldBeTrue)
			So(errors.Is(err, storage.ErrUnavailable), ShouldBeTrue)
			So(g.Size(), ShouldEqual, 0)
		})

		_, err = g.Rebuild(context.Background(), "2025-01-06")
		So(errors.Is(err, dedupe.ErrLookupFailed), ShouldBeTrue)
	})
}
