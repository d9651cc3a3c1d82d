package api

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/rollcall/pkg/logger"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxFrameBytes caps frame and image uploads.
func WithMaxFrameBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrameBytes = n
		}
	}
}

// WithStreamPingInterval sets how often capture streams are pinged.
func WithStreamPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithDocs mounts documentation routes (see the swagger package).
func WithDocs(mount func(chi.Router)) Option {
	return func(s *Server) {
		s.docs = mount
	}
}
