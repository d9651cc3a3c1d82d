package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/soak"
	"github.com/okian/rollcall/pkg/logger"
)

var soakCfg = soak.DefaultConfig()

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "Drive a running server with concurrent sessions and verify at-most-once recording",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.Init(); err != nil {
			return err
		}
		if levelFlag != "" {
			_ = logger.SetLevelString(levelFlag)
		}
		stats, err := soak.Run(cmd.Context(), soakCfg)
		displayFinalStats(cmd, stats)
		return err
	},
}

func init() {
	f := soakCmd.Flags()
	f.StringVar(&soakCfg.BaseURL, "url", soakCfg.BaseURL, "base URL of the rollcall server")
	f.IntVar(&soakCfg.Identities, "identities", soakCfg.Identities, "synthetic identities to enroll")
	f.IntVar(&soakCfg.Sessions, "sessions", soakCfg.Sessions, "concurrent capture sessions")
	f.IntVar(&soakCfg.FramesPerSession, "frames", soakCfg.FramesPerSession, "frames per session")
	f.IntVar(&soakCfg.FacesPerFrame, "faces", soakCfg.FacesPerFrame, "maximum faces per frame")
	f.DurationVar(&soakCfg.Timeout, "timeout", soakCfg.Timeout, "HTTP request timeout")
	f.Uint64Var(&soakCfg.Seed, "seed", 0, "random seed (0 uses the clock)")
	f.BoolVar(&soakCfg.Progress, "progress", soakCfg.Progress, "show a progress bar")
	rootCmd.AddCommand(soakCmd)
}

func displayFinalStats(cmd *cobra.Command, s soak.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n=== Soak Results ===")
	fmt.Fprintf(out, "Duration:          %v\n", s.Duration)
	fmt.Fprintf(out, "Identities:        %d (%d seen, %d recorded)\n", s.Identities, s.SeenIdentities, s.Recorded)
	fmt.Fprintf(out, "Frames posted:     %d (%d skipped, %d failed)\n", s.FramesPosted, s.FramesSkipped, s.FramesFailed)
	fmt.Fprintf(out, "Faces:             %d accepted, %d duplicate, %d rejected, %d failed\n",
		s.Accepted, s.Duplicates, s.Rejected, s.FailedFaces)
	if s.Duration > 0 {
		fmt.Fprintf(out, "Throughput:        %.1f frames/sec\n", float64(s.FramesPosted)/s.Duration.Seconds())
	}
}
