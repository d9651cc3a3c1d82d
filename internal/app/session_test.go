package service

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSessionRegistry(t *testing.T) {
	Convey("Given a registry with one pinned session", t, func() {
		r := newSessionRegistry()
		t0 := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
		s := r.acquire("door", t0)

		Convey("Then ending it keeps the entry until it is released", func() {
			r.end("door")
			So(r.Len(), ShouldEqual, 1)
			So(r.acquire("door", t0), ShouldEqual, s)
			r.release("door", s)
			r.release("door", s)
			So(r.Len(), ShouldEqual, 1)

			r.end("door")
			So(r.Len(), ShouldEqual, 0)
		})

		Convey("Then an ended session is dropped on its last release", func() {
			r.end("door")
			r.release("door", s)
			So(r.Len(), ShouldEqual, 0)
			So(r.acquire("door", t0), ShouldNotEqual, s)
		})

		Convey("Then idle eviction skips it while pinned", func() {
			So(r.evictIdle(t0.Add(time.Hour)), ShouldEqual, 0)
			r.release("door", s)
			So(r.evictIdle(t0), ShouldEqual, 0)
			So(r.evictIdle(t0.Add(time.Second)), ShouldEqual, 1)
			So(r.Len(), ShouldEqual, 0)
		})
	})
}
