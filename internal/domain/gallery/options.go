package gallery

import (
	"github.com/okian/rollcall/pkg/logger"
)

// Option applies a configuration option to the Gallery.
type Option func(*Gallery)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Gallery) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMaxSamplesPerIdentity caps stored samples per identity; the oldest are
// dropped on append. Zero or negative keeps everything.
func WithMaxSamplesPerIdentity(n int) Option {
	return func(g *Gallery) {
		g.maxSamples = n
	}
}
