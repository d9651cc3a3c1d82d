package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone lookups on images without zoneinfo

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/rollcall/internal/domain/classify"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROLLCALL_"

// EnvConfigFile names the variable holding an optional YAML file path.
const EnvConfigFile = EnvPrefix + "CONFIG"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if path is non-empty, else ROLLCALL_CONFIG
//  3. env (prefix ROLLCALL_)
func Load(_ context.Context, path string) (*Config, error) {
	base := New()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// ROLLCALL_MATCH_THRESHOLD -> match_threshold. Keys are flat so
	// underscores are kept.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return invalid("timezone %q: %v", c.Timezone, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("log_format must be text or json, got %q", c.LogFormat)
	}
	switch c.StorageDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return invalid("sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return invalid("database_url is required for the postgres driver")
		}
	default:
		return invalid("unknown storage_driver %q", c.StorageDriver)
	}
	switch c.VisionBackend {
	case "precomputed":
	case "remote":
		if _, err := url.ParseRequestURI(c.InferenceURL); err != nil {
			return invalid("inference_url: %v", err)
		}
	case "gocv":
		if c.CascadePath == "" || c.NetworkPath == "" {
			return invalid("gocv backend needs gocv_cascade_path and gocv_model_path")
		}
	default:
		return invalid("unknown vision_backend %q", c.VisionBackend)
	}
	if c.CutoffTime != "" {
		if _, err := classify.ParseTimeOfDay(c.CutoffTime); err != nil {
			return invalid("cutoff_time: %v", err)
		}
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return invalid("match_threshold must be within [0,1], got %v", c.MatchThreshold)
	}
	if c.AmbiguityEpsilon < 0 || c.MinDetectorConfidence < 0 || c.MinDetectorConfidence > 1 {
		return invalid("ambiguity_epsilon and min_detector_confidence must be non-negative and bounded")
	}
	for name, v := range map[string]int{
		"frame_interval_ms":       c.FrameIntervalMS,
		"inference_timeout_ms":    c.InferenceTimeoutMS,
		"persistence_timeout_ms":  c.PersistenceTimeoutMS,
		"max_frame_skew_ms":       c.MaxFrameSkewMS,
		"session_idle_timeout_ms": c.SessionIdleTimeoutMS,
		"min_face_size":           c.MinFaceSize,
	} {
		if v < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	switch c.MatcherIndex {
	case "linear", "hnsw":
	default:
		return invalid("matcher_index must be linear or hnsw, got %q", c.MatcherIndex)
	}
	switch c.NotifySink {
	case "none", "log":
	case "webhook":
		if _, err := url.ParseRequestURI(c.NotifyWebhookURL); err != nil {
			return invalid("notify_webhook_url: %v", err)
		}
	default:
		return invalid("notify_sink must be none, log or webhook, got %q", c.NotifySink)
	}
	return nil
}

// Location resolves Timezone. Call after Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
