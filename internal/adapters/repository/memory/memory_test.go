package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func event(id, identity, date string, at time.Time) model.AttendanceEvent {
	return model.AttendanceEvent{ID: id, IdentityID: identity, Date: date, Timestamp: at, Status: types.StatusOnTime}
}

func TestRecordStore(t *testing.T) {
	Convey("Given an empty memory store", t, func() {
		ctx := context.Background()
		s := memory.New()
		t0 := time.Date(2025, 2, 3, 8, 0, 0, 0, time.UTC)

		Convey("When inserting an event", func() {
			So(s.Insert(ctx, event("e1", "alice", "2025-02-03", t0)), ShouldBeNil)

			Convey("Then it can be found by identity and date", func() {
				ev, err := s.FindByIdentityAndDate(ctx, "alice", "2025-02-03")
				So(err, ShouldBeNil)
				So(ev.ID, ShouldEqual, "e1")
			})

			Convey("Then a second insert for the same day is a duplicate key", func() {
				err := s.Insert(ctx, event("e2", "alice", "2025-02-03", t0.Add(time.Hour)))
				So(errors.Is(err, storage.ErrDuplicateKey), ShouldBeTrue)
			})

			Convey("Then the next day is accepted", func() {
				So(s.Insert(ctx, event("e3", "alice", "2025-02-04", t0.Add(24*time.Hour))), ShouldBeNil)
			})

			Convey("Then corrections attach to the event's date", func() {
				So(s.InsertCorrection(ctx, model.Correction{ID: "c1", EventID: "e1", Annotation: "badge forgotten"}), ShouldBeNil)
				list, err := s.ListCorrections(ctx, "2025-02-03")
				So(err, ShouldBeNil)
				So(len(list), ShouldEqual, 1)
			})
		})

		Convey("When listing a date", func() {
			_ = s.Insert(ctx, event("b", "bob", "2025-02-03", t0.Add(time.Minute)))
			_ = s.Insert(ctx, event("a", "alice", "2025-02-03", t0))
			list, err := s.ListForDate(ctx, "2025-02-03")
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 2)
			So(list[0].IdentityID, ShouldEqual, "alice")
		})

		Convey("When an insert hook fails", func() {
			boom := errors.New("disk gone")
			s.FailInsertWith(func(model.AttendanceEvent) error { return boom })
			err := s.Insert(ctx, event("e1", "alice", "2025-02-03", t0))
			So(errors.Is(err, boom), ShouldBeTrue)
			_, err = s.FindByIdentityAndDate(ctx, "alice", "2025-02-03")
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
		})

		Convey("When a correction targets an unknown event", func() {
			err := s.InsertCorrection(ctx, model.Correction{ID: "c", EventID: "missing"})
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestGalleryAndSettingsStore(t *testing.T) {
	Convey("Given a memory store", t, func() {
		ctx := context.Background()
		s := memory.New()

		Convey("When saving and extending an identity", func() {
			So(s.SaveIdentity(ctx, model.EnrolledIdentity{ID: "u1", DisplayName: "U", Embeddings: []model.Embedding{{Values: []float32{1, 0}, Model: "m"}}}), ShouldBeNil)
			So(s.AppendEmbeddings(ctx, "u1", []model.Embedding{{Values: []float32{0, 1}, Model: "m"}}), ShouldBeNil)

			list, err := s.ListEnrolled(ctx)
			So(err, ShouldBeNil)
			So(len(list[0].Embeddings), ShouldEqual, 2)

			Convey("And replacing samples", func() {
				So(s.ReplaceEmbeddings(ctx, "u1", []model.Embedding{{Values: []float32{1, 1}, Model: "m"}}), ShouldBeNil)
				list, _ := s.ListEnrolled(ctx)
				So(len(list[0].Embeddings), ShouldEqual, 1)
			})

			Convey("And deleting", func() {
				So(s.DeleteIdentity(ctx, "u1"), ShouldBeNil)
				So(errors.Is(s.DeleteIdentity(ctx, "u1"), storage.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When reading settings", func() {
			_, err := s.GetSetting(ctx, storage.SettingCutoffTime)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)

			So(s.SetSetting(ctx, storage.SettingCutoffTime, "09:00"), ShouldBeNil)
			v, err := s.GetSetting(ctx, storage.SettingCutoffTime)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "09:00")
		})
	})
}
