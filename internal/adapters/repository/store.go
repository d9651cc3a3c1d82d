// Package repository opens the configured storage backend.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/adapters/repository/postgres"
	"github.com/okian/rollcall/internal/adapters/repository/sqlite"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/pkg/logger"
)

// Supported drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Drivers lists the accepted driver names.
func Drivers() []string { return []string{DriverMemory, DriverSQLite, DriverPostgres} }

// Open returns a migrated, reachable store for driver.
func Open(ctx context.Context, driver string, opts ...Option) (storage.Store, error) {
	o := options{
		sqlitePath:   "rollcall.db",
		maxOpenConns: 10,
		maxIdleConns: 2,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		store storage.Store
		err   error
	)
	switch strings.ToLower(driver) {
	case DriverMemory:
		store = memory.New()
	case DriverSQLite:
		store, err = sqlite.Open(ctx, o.sqlitePath)
	case DriverPostgres, "postgresql":
		store, err = postgres.Open(ctx, postgres.Config{
			URL:          o.databaseURL,
			MaxOpenConns: o.maxOpenConns,
			MaxIdleConns: o.maxIdleConns,
		})
	default:
		return nil, fmt.Errorf("%q: %w", driver, ErrUnknownDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	o.log.Info(ctx, "storage ready", logger.String("driver", strings.ToLower(driver)))
	return store, nil
}
