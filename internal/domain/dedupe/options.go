package dedupe

import (
	"time"

	"github.com/okian/rollcall/pkg/logger"
)

// Option applies a configuration option to the Guard.
type Option func(*Guard)

// WithShards sets the number of claim table shards. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.shardCount = n
		}
	}
}

// WithLookup makes the guard consult durable storage before granting a claim
// for a key it has not seen, so a restart cannot reopen a recorded day.
func WithLookup(l Lookup) Option {
	return func(g *Guard) {
		if l != nil {
			g.lookup = l
		}
	}
}

// WithLookupTimeout bounds each storage lookup made by TryClaim.
func WithLookupTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}
