package repository

import "github.com/okian/rollcall/pkg/logger"

type options struct {
	databaseURL  string
	sqlitePath   string
	maxOpenConns int
	maxIdleConns int
	log          logger.Logger
}

// Option configures Open.
type Option func(*options)

// WithDatabaseURL sets the PostgreSQL connection string.
func WithDatabaseURL(url string) Option {
	return func(o *options) {
		o.databaseURL = url
	}
}

// WithSQLitePath sets the SQLite database file.
func WithSQLitePath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.sqlitePath = path
		}
	}
}

// WithPoolSize bounds PostgreSQL connections.
func WithPoolSize(maxOpen, maxIdle int) Option {
	return func(o *options) {
		if maxOpen > 0 {
			o.maxOpenConns = maxOpen
		}
		if maxIdle > 0 {
			o.maxIdleConns = maxIdle
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
