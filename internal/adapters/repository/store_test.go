package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/adapters/repository/sqlite"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/pkg/logger"
)

func TestOpen(t *testing.T) {
	Convey("Given the storage factory", t, func() {
		ctx := context.Background()

		Convey("When opening the memory driver", func() {
			s, err := repository.Open(ctx, "Memory", repository.WithLogger(logger.Nop()))
			So(err, ShouldBeNil)
			_, ok := s.(*memory.Store)
			So(ok, ShouldBeTrue)
		})

		Convey("When opening sqlite at a temp path", func() {
			path := filepath.Join(t.TempDir(), "att.db")
			s, err := repository.Open(ctx, repository.DriverSQLite,
				repository.WithSQLitePath(path), repository.WithLogger(logger.Nop()))
			So(err, ShouldBeNil)
			defer s.Close()
			_, ok := s.(*sqlite.Store)
			So(ok, ShouldBeTrue)
			So(s.Ping(ctx), ShouldBeNil)

			_, err = s.GetSetting(ctx, storage.SettingCutoffTime)
			So(errors.Is(err, storage.ErrNotFound), ShouldBeTrue)
		})

		Convey("When postgres has no URL", func() {
			_, err := repository.Open(ctx, repository.DriverPostgres, repository.WithLogger(logger.Nop()))
			So(err, ShouldNotBeNil)
		})

		Convey("When the driver is unknown", func() {
			_, err := repository.Open(ctx, "mongo")
			So(errors.Is(err, repository.ErrUnknownDriver), ShouldBeTrue)
			So(repository.Drivers(), ShouldContain, repository.DriverSQLite)
		})
	})
}
