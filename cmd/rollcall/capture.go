package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/adapters/vision/precomputed"
	service "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
)

var (
	captureSession string
	captureMode    string
	captureDevice  string
)

var captureCmd = &cobra.Command{
	Use:   "capture <dir>",
	Short: "Run a pull-mode capture session over the frames in a directory",
	Long: `Feeds the image (or precomputed .json) files of a directory, in name order,
to a capture session at the configured frame interval and prints one JSON
frame result per line.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode, err := types.ParseCaptureMode(captureMode)
		if err != nil {
			return err
		}
		src, err := newDirSource(args[0], map[string]string{"device": captureDevice})
		if err != nil {
			return err
		}
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		return runCapture(ctx, a.svc, captureSession, mode, src, cmd.OutOrStdout())
	},
}

func init() {
	captureCmd.Flags().StringVar(&captureSession, "session", "cli", "session id")
	captureCmd.Flags().StringVar(&captureMode, "mode", string(types.ModeSingle), "capture mode: single or multi")
	captureCmd.Flags().StringVar(&captureDevice, "device", "cli", "device name stored with recorded events")
	rootCmd.AddCommand(captureCmd)
}

// runCapture drives one session and writes results as JSON lines.
func runCapture(ctx context.Context, svc *service.Service, session string, mode types.CaptureMode, src service.FrameSource, w io.Writer) error {
	results := make(chan model.FrameResult)
	enc := json.NewEncoder(w)
	var wg sync.WaitGroup
	var encErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for res := range results {
			if encErr == nil {
				encErr = enc.Encode(res)
			}
		}
	}()

	err := svc.RunSession(ctx, session, mode, src, results)
	close(results)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return err
	}
	return encErr
}

// dirSource yields the files of a directory as frames, in name order.
type dirSource struct {
	files  []string
	next   int
	device map[string]string
}

var _ service.FrameSource = (*dirSource)(nil)

func newDirSource(dir string, device map[string]string) (*dirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameContentType(e.Name()) != "" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return &dirSource{files: files, device: device}, nil
}

func frameContentType(name string) string {
	if filepath.Ext(name) == ".json" {
		return precomputed.ContentType
	}
	return contentType(name)
}

// Next implements service.FrameSource.
func (d *dirSource) Next(ctx context.Context) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	if d.next >= len(d.files) {
		return model.Frame{}, io.EOF
	}
	path := d.files[d.next]
	d.next++
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Frame{}, err
	}
	return model.Frame{
		Data:           data,
		ContentType:    frameContentType(path),
		CapturedAt:     time.Now().UTC(),
		DeviceMetadata: d.device,
	}, nil
}
