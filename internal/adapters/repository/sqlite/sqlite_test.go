package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
)

func openTemp(t *testing.T) *Store {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(id, identity string) model.AttendanceEvent {
	return model.AttendanceEvent{
		ID:             id,
		IdentityID:     identity,
		Date:           "2025-01-06",
		Timestamp:      time.Date(2025, 1, 6, 8, 55, 12, 345, time.UTC),
		Status:         types.StatusOnTime,
		Confidence:     0.91,
		SourceFrameRef: "blake3:ff",
		SessionID:      "door",
		DeviceMetadata: map[string]string{"camera": "front"},
	}
}

func TestStore(t *testing.T) {
	Convey("Given a fresh sqlite store", t, func() {
		ctx := context.Background()
		s := openTemp(t)

		Convey("When an event is inserted twice for the same day", func() {
			So(s.Insert(ctx, sampleEvent("e1", "alice")), ShouldBeNil)
			err := s.Insert(ctx, sampleEvent("e2", "alice"))

			Convey("Then the second insert is a duplicate key", func() {
				So(errors.Is(err, storage.ErrDuplicateKey), ShouldBeTrue)
			})

			Convey("Then the stored event round trips", func() {
				got, err := s.FindByIdentityAndDate(ctx, "alice", "2025-01-06")
				So(err, ShouldBeNil)
				So(got, ShouldResemble, sampleEvent("e1", "alice"))

				byID, err := s.GetEvent(ctx, "e1")
				So(err, ShouldBeNil)
				So(byID.ID, ShouldEqual, "e1")
			})
		})

		Convey("When racing inserts for one identity", func() {
			var (
				wg  sync.WaitGroup
				won atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if s.Insert(ctx, sampleEvent(fmt.Sprintf("r%d", i), "bob")) == nil {
						won.Add(1)
					}
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one row is written", func() {
				So(won.Load(), ShouldEqual, 1)
				list, err := s.ListForDate(ctx, "2025-01-06")
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 1)
			})
		})

		Convey("When looking up missing rows", func() {
			_, err := s.GetEvent(ctx, "nope")
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
			_, err = s.GetSetting(ctx, storage.SettingMatchThreshold)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
			So(errors.Is(s.InsertCorrection(ctx, model.Correction{ID: "c", EventID: "nope", CreatedAt: time.Now()}), storage.ErrNotFound), ShouldBeTrue)
		})

		Convey("When corrections are recorded", func() {
			So(s.Insert(ctx, sampleEvent("e1", "alice")), ShouldBeNil)
			first := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
			So(s.InsertCorrection(ctx, model.Correction{ID: "c2", EventID: "e1", Annotation: "second", CreatedAt: first.Add(time.Minute)}), ShouldBeNil)
			So(s.InsertCorrection(ctx, model.Correction{ID: "c1", EventID: "e1", Annotation: "first", Status: types.StatusLate, CreatedAt: first}), ShouldBeNil)

			Convey("Then they are listed oldest first for the event date", func() {
				list, err := s.ListCorrections(ctx, "2025-01-06")
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 2)
				So(list[0].ID, ShouldEqual, "c1")
				So(list[0].Status, ShouldEqual, types.StatusLate)

				other, err := s.ListCorrections(ctx, "2025-01-07")
				So(err, ShouldBeNil)
				So(other, ShouldBeEmpty)
			})
		})

		Convey("When managing the gallery", func() {
			enrolled := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			So(s.SaveIdentity(ctx, model.EnrolledIdentity{
				ID: "alice", DisplayName: "Alice", EnrolledAt: enrolled,
				Embeddings: []model.Embedding{{Values: []float32{0.5, -0.25, 1}, Model: "m"}},
			}), ShouldBeNil)
			So(s.AppendEmbeddings(ctx, "alice", []model.Embedding{{Values: []float32{1, 2, 3}, Model: "m"}}), ShouldBeNil)

			Convey("Then vectors survive the blob encoding", func() {
				list, err := s.ListEnrolled(ctx)
				So(err, ShouldBeNil)
				So(list, ShouldHaveLength, 1)
				So(list[0].EnrolledAt, ShouldEqual, enrolled)
				So(list[0].Embeddings, ShouldHaveLength, 2)
				So(list[0].Embeddings[0].Values, ShouldResemble, []float32{0.5, -0.25, 1})
			})

			Convey("Then replacing drops earlier samples", func() {
				So(s.ReplaceEmbeddings(ctx, "alice", []model.Embedding{{Values: []float32{9}, Model: "m2"}}), ShouldBeNil)
				list, _ := s.ListEnrolled(ctx)
				So(list[0].Embeddings, ShouldResemble, []model.Embedding{{Values: []float32{9}, Model: "m2"}})
			})

			Convey("Then unknown identities are not found", func() {
				So(errors.Is(s.AppendEmbeddings(ctx, "ghost", nil), storage.ErrNotFound), ShouldBeTrue)
				So(errors.Is(s.DeleteIdentity(ctx, "ghost"), storage.ErrNotFound), ShouldBeTrue)
			})

			Convey("Then deletion cascades to samples only", func() {
				So(s.Insert(ctx, sampleEvent("e1", "alice")), ShouldBeNil)
				So(s.DeleteIdentity(ctx, "alice"), ShouldBeNil)
				list, _ := s.ListEnrolled(ctx)
				So(list, ShouldBeEmpty)
				_, err := s.FindByIdentityAndDate(ctx, "alice", "2025-01-06")
				So(err, ShouldBeNil)
			})
		})

		Convey("When a setting is written twice", func() {
			So(s.SetSetting(ctx, storage.SettingCutoffTime, "09:00:00"), ShouldBeNil)
			So(s.SetSetting(ctx, storage.SettingCutoffTime, "08:45:00"), ShouldBeNil)
			v, err := s.GetSetting(ctx, storage.SettingCutoffTime)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "08:45:00")
		})

		Convey("When reopening the same file", func() {
			So(s.Migrate(ctx), ShouldBeNil)
			So(s.Ping(ctx), ShouldBeNil)
		})
	})
}
