package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func change(id string) model.StatusChange {
	return model.StatusChange{EventID: id, IdentityID: "u-" + id, Status: types.StatusLate}
}

func TestInMemoryQueue(t *testing.T) {
	Convey("Given a queue with capacity 2", t, func() {
		ctx := context.Background()
		q := NewInMemoryQueue(WithCapacity(2))

		So(q.Len(ctx), ShouldEqual, 0)

		Convey("When enqueuing within capacity", func() {
			So(q.Enqueue(ctx, change("1")), ShouldBeTrue)
			So(q.Enqueue(ctx, change("2")), ShouldBeTrue)

			Convey("Then a third is dropped", func() {
				So(q.Enqueue(ctx, change("3")), ShouldBeFalse)
				err := q.Notify(ctx, change("3"))
				So(errors.Is(err, ErrQueueFull), ShouldBeTrue)
			})

			Convey("Then events come out in order", func() {
				ch := q.Dequeue(ctx)
				So((<-ch).EventID, ShouldEqual, "1")
				So((<-ch).EventID, ShouldEqual, "2")
				So(q.Len(ctx), ShouldEqual, 0)
			})
		})

		Convey("When the context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			So(q.Enqueue(cctx, change("1")), ShouldBeFalse)
		})

		Convey("When the queue is closed", func() {
			So(q.Enqueue(ctx, change("1")), ShouldBeTrue)
			So(q.Close(), ShouldBeNil)
			So(q.Close(), ShouldBeNil)

			Convey("Then new events are refused but queued ones drain", func() {
				So(q.IsClosed(), ShouldBeTrue)
				So(errors.Is(q.Notify(ctx, change("2")), ErrQueueClosed), ShouldBeTrue)

				var got []string
				for e := range q.Dequeue(ctx) {
					got = append(got, e.EventID)
				}
				So(got, ShouldResemble, []string{"1"})
			})
		})
	})
}

func TestInMemoryQueueConcurrentProducers(t *testing.T) {
	Convey("Given many concurrent producers", t, func() {
		ctx := context.Background()
		q := NewInMemoryQueue(WithCapacity(100))
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					q.Enqueue(ctx, change("x"))
				}
			}()
		}
		wg.Wait()

		Convey("Then the queue never exceeds its capacity", func() {
			So(q.Len(ctx), ShouldEqual, 100)
		})
	})
}
