// Package config defines service configuration and its loading hooks.
//
// Values are layered: defaults from New, then an optional YAML file, then
// ROLLCALL_* environment variables. Cobra flags override the result.
package config

import "runtime"

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Timezone names the IANA zone that defines a calendar day.
	Timezone string `koanf:"timezone"`

	// StorageDriver is one of memory, sqlite, postgres.
	StorageDriver string `koanf:"storage_driver"`
	DatabaseURL   string `koanf:"database_url"`
	SQLitePath    string `koanf:"sqlite_path"`
	DBMaxOpen     int    `koanf:"db_max_open_conns"`

	// VisionBackend is one of precomputed, remote, gocv.
	VisionBackend  string `koanf:"vision_backend"`
	InferenceURL   string `koanf:"inference_url"`
	EmbeddingModel string `koanf:"embedding_model"`
	CascadePath    string `koanf:"gocv_cascade_path"`
	NetworkPath    string `koanf:"gocv_model_path"`

	// CutoffTime and MatchThreshold seed the settings store when unset there.
	CutoffTime     string  `koanf:"cutoff_time"`
	MatchThreshold float64 `koanf:"match_threshold"`

	AmbiguityEpsilon      float64 `koanf:"ambiguity_epsilon"`
	MinDetectorConfidence float64 `koanf:"min_detector_confidence"`
	MinFaceSize           int     `koanf:"min_face_size"`
	MaxSamplesPerIdentity int     `koanf:"max_samples_per_identity"`

	FrameIntervalMS      int `koanf:"frame_interval_ms"`
	InferenceTimeoutMS   int `koanf:"inference_timeout_ms"`
	PersistenceTimeoutMS int `koanf:"persistence_timeout_ms"`
	// MaxFrameSkewMS rejects frames captured further than this from now; 0 disables.
	MaxFrameSkewMS int `koanf:"max_frame_skew_ms"`
	MaxFrameBytes  int `koanf:"max_frame_bytes"`
	// SessionIdleTimeoutMS forgets capture sessions without frames for this long.
	SessionIdleTimeoutMS int `koanf:"session_idle_timeout_ms"`

	FaceParallelism     int `koanf:"face_parallelism"`
	ClaimShards         int `koanf:"claim_shards"`
	DedupeRetentionDays int `koanf:"dedupe_retention_days"`

	// MatcherIndex is linear or hnsw.
	MatcherIndex   string `koanf:"matcher_index"`
	HNSWMinGallery int    `koanf:"hnsw_min_gallery"`
	HNSWCandidates int    `koanf:"hnsw_candidates"`

	// NotifySink is none, log or webhook.
	NotifySink       string `koanf:"notify_sink"`
	NotifyWebhookURL string `koanf:"notify_webhook_url"`
	NotifyQueueSize  int    `koanf:"notify_queue_size"`
	NotifyWorkers    int    `koanf:"notify_workers"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		Timezone:              "UTC",
		StorageDriver:         "sqlite",
		SQLitePath:            "rollcall.db",
		DBMaxOpen:             10,
		VisionBackend:         "precomputed",
		EmbeddingModel:        "precomputed",
		CutoffTime:            "09:00",
		MatchThreshold:        0.6,
		AmbiguityEpsilon:      0.02,
		MinDetectorConfidence: 0.5,
		MinFaceSize:           40,
		FrameIntervalMS:       500,
		InferenceTimeoutMS:    3000,
		PersistenceTimeoutMS:  2000,
		MaxFrameSkewMS:        0,
		MaxFrameBytes:         8 << 20,
		SessionIdleTimeoutMS:  600000,
		FaceParallelism:       runtime.NumCPU(),
		ClaimShards:           32,
		DedupeRetentionDays:   2,
		MatcherIndex:          "linear",
		HNSWMinGallery:        512,
		HNSWCandidates:        16,
		NotifySink:            "log",
		NotifyQueueSize:       1024,
		NotifyWorkers:         2,
	}
}
