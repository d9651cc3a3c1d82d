package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/rollcall/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()

		convey.Convey("When loading config with defaults only", func() {
			clearConfigEnvVars(t)

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.MatchThreshold, convey.ShouldEqual, 0.6)
				convey.So(cfg.NotifySink, convey.ShouldEqual, "log")
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			clearConfigEnvVars(t)
			t.Setenv("ROLLCALL_ADDR", ":8080")
			t.Setenv("ROLLCALL_TIMEZONE", "Asia/Jakarta")
			t.Setenv("ROLLCALL_MATCH_THRESHOLD", "0.75")
			t.Setenv("ROLLCALL_FACE_PARALLELISM", "3")
			t.Setenv("ROLLCALL_STORAGE_DRIVER", "memory")

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.Timezone, convey.ShouldEqual, "Asia/Jakarta")
				convey.So(cfg.MatchThreshold, convey.ShouldEqual, 0.75)
				convey.So(cfg.FaceParallelism, convey.ShouldEqual, 3)
				convey.So(cfg.StorageDriver, convey.ShouldEqual, "memory")
				convey.So(cfg.Location().String(), convey.ShouldEqual, "Asia/Jakarta")
			})
		})

		convey.Convey("When loading config with a YAML file", func() {
			clearConfigEnvVars(t)
			path := writeConfigFile(t, `
addr: ":9090"
cutoff_time: "08:30"
notify_sink: none
frame_interval_ms: 250
storage_driver: postgres
database_url: postgres://u:p@localhost/db
`)
			t.Setenv("ROLLCALL_CONFIG", path)
			t.Setenv("ROLLCALL_FRAME_INTERVAL_MS", "100")

			cfg, err := config.Load(ctx, "")

			convey.Convey("Then the file applies and env still wins", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.CutoffTime, convey.ShouldEqual, "08:30")
				convey.So(cfg.NotifySink, convey.ShouldEqual, "none")
				convey.So(cfg.FrameIntervalMS, convey.ShouldEqual, 100)
				convey.So(cfg.StorageDriver, convey.ShouldEqual, "postgres")
			})
		})

		convey.Convey("When an explicit path is missing", func() {
			clearConfigEnvVars(t)
			_, err := config.Load(ctx, filepath.Join(t.TempDir(), "nope.yaml"))

			convey.Convey("Then a load error is returned", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When env produces an invalid config", func() {
			clearConfigEnvVars(t)
			t.Setenv("ROLLCALL_VISION_BACKEND", "remote")

			_, err := config.Load(ctx, "")

			convey.Convey("Then validation fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func writeConfigFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "rollcall.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearConfigEnvVars unsets every ROLLCALL_ variable for the rest of the test.
func clearConfigEnvVars(t *testing.T) {
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] != '=' {
				continue
			}
			key := kv[:i]
			if len(key) > len(config.EnvPrefix) && key[:len(config.EnvPrefix)] == config.EnvPrefix {
				t.Setenv(key, "")
				os.Unsetenv(key)
			}
			break
		}
	}
}
