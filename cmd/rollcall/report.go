package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/domain/report"
)

var (
	reportDate   string
	reportAsJSON bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the attendance summary for a day",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		// Reports never process frames or publish changes.
		cfg.VisionBackend = "precomputed"
		cfg.NotifySink = "none"
		a, err := startApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Stop()

		date := reportDate
		if date == "" {
			date = a.svc.Today()
		}
		summary, err := a.svc.Summary(ctx, date)
		if err != nil {
			return err
		}
		if reportAsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}
		return printSummary(cmd, summary, a.svc.Location())
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "day to report as YYYY-MM-DD (default today)")
	reportCmd.Flags().BoolVar(&reportAsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(reportCmd)
}

func printSummary(cmd *cobra.Command, s report.Summary, loc *time.Location) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Attendance for %s: %d on time, %d late, %d absent\n\n",
		s.Date, s.Counts.OnTime, s.Counts.Late, s.Counts.Absent)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tNAME\tSTATUS\tTIME\tCONFIDENCE\tNOTE")
	for _, e := range s.Entries {
		at, conf, note := "-", "-", ""
		if e.Timestamp != nil {
			at = e.Timestamp.In(loc).Format(time.TimeOnly)
			conf = fmt.Sprintf("%.3f", e.Confidence)
		}
		switch {
		case e.Unenrolled:
			note = "unenrolled"
		case e.Corrected:
			note = "corrected"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.IdentityID, e.DisplayName, e.Status, at, conf, note)
	}
	return tw.Flush()
}
