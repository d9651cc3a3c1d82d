package report_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/report"
	"github.com/okian/rollcall/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

const day = "2025-01-06"

func identities() []model.EnrolledIdentity {
	return []model.EnrolledIdentity{
		{ID: "a", DisplayName: "Alice"},
		{ID: "b", DisplayName: "Bob"},
		{ID: "c", DisplayName: "Carol"},
	}
}

func TestSummarize(t *testing.T) {
	Convey("Given three enrolled identities and two events", t, func() {
		t0 := time.Date(2025, 1, 6, 1, 55, 0, 0, time.UTC)
		events := []model.AttendanceEvent{
			{ID: "e1", IdentityID: "a", Date: day, Timestamp: t0, Status: types.StatusOnTime, Confidence: 0.9},
			{ID: "e2", IdentityID: "b", Date: day, Timestamp: t0.Add(15 * time.Minute), Status: types.StatusLate, Confidence: 0.8},
		}

		Convey("When summarizing without corrections", func() {
			s := report.Summarize(day, identities(), events, nil)

			Convey("Then the missing identity is absent", func() {
				So(s.Counts, ShouldResemble, report.Counts{OnTime: 1, Late: 1, Absent: 1})
				So(len(s.Entries), ShouldEqual, 3)
				So(s.Entries[2].IdentityID, ShouldEqual, "c")
				So(s.Entries[2].Status, ShouldEqual, types.StatusAbsent)
				So(s.Entries[2].Timestamp, ShouldBeNil)
			})
		})

		Convey("When a correction overrides the late status", func() {
			corrections := []model.Correction{
				{ID: "c2", EventID: "e2", Annotation: "badge reader outage", Status: types.StatusOnTime, CreatedAt: t0.Add(2 * time.Hour)},
				{ID: "c1", EventID: "e2", Annotation: "checking", CreatedAt: t0.Add(time.Hour)},
			}
			s := report.Summarize(day, identities(), events, corrections)

			Convey("Then the summary shows the corrected status with notes in order", func() {
				So(s.Counts.OnTime, ShouldEqual, 2)
				So(s.Counts.Late, ShouldEqual, 0)
				bob := s.Entries[1]
				So(bob.Corrected, ShouldBeTrue)
				So(bob.Annotations, ShouldResemble, []string{"checking", "badge reader outage"})
			})
		})

		Convey("When an event belongs to a removed identity", func() {
			events = append(events, model.AttendanceEvent{ID: "e3", IdentityID: "zed", Date: day, Status: types.StatusLate})
			s := report.Summarize(day, identities(), events, nil)

			Convey("Then history is kept and flagged", func() {
				So(len(s.Entries), ShouldEqual, 4)
				var found bool
				for _, e := range s.Entries {
					if e.IdentityID == "zed" {
						found = e.Unenrolled
					}
				}
				So(found, ShouldBeTrue)
			})
		})
	})
}

func TestBuild(t *testing.T) {
	Convey("Given a store with one enrolled identity", t, func() {
		ctx := context.Background()
		store := memory.New()
		So(store.SaveIdentity(ctx, model.EnrolledIdentity{ID: "a", DisplayName: "Alice"}), ShouldBeNil)

		Convey("When building a day with no events", func() {
			s, err := report.Build(ctx, store, day)
			So(err, ShouldBeNil)
			So(s.Counts.Absent, ShouldEqual, 1)
		})

		Convey("When the date is malformed", func() {
			_, err := report.Build(ctx, store, "06/01/2025")
			So(errors.Is(err, report.ErrInvalidDate), ShouldBeTrue)
		})
	})
}
