package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"async-notify/internal/config"
	"async-notify/internal/logging"
	"async-notify/internal/models"
)

var statusErrors int

var statusCmd = &cobra.Command{
	Use:   "status [category]",
	Short: "Report queue depth, failures and recent errors",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusErrors, "errors", 10, "number of recent error log lines to show")
}

type categoryStatus struct {
	Category string
	Counts   models.Counts
	Err      error
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	categories, err := categoriesFor(a, args)
	if err != nil {
		return err
	}

	rows := make([]categoryStatus, 0, len(categories))
	for _, c := range categories {
		counts, err := a.Processor.Status(ctx, c)
		rows = append(rows, categoryStatus{Category: c, Counts: counts, Err: err})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend: %s\n\n", a.Primary.Name())
	printStatus(out, rows)

	if alerts := alertsFor(rows, cfg.Monitoring); len(alerts) > 0 {
		fmt.Fprintln(out, "\nALERTS")
		for _, line := range alerts {
			fmt.Fprintln(out, "  "+line)
		}
	}

	if cfg.Logging.File != "" && statusErrors > 0 {
		lines, err := logging.RecentErrors(cfg.Logging.File, 1000, statusErrors)
		if err != nil {
			logger.Warn().Err(err).Msg("read log file")
		} else if len(lines) > 0 {
			fmt.Fprintln(out, "\nRECENT ERRORS")
			for _, line := range lines {
				fmt.Fprintln(out, "  "+line)
			}
		}
	}
	return nil
}

func printStatus(out io.Writer, rows []categoryStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tPENDING\tPROCESSING\tRETRY\tFAILED\tBACKLOG")
	for _, r := range rows {
		if r.Err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%v\n", r.Category, r.Err)
			continue
		}
		c := r.Counts
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", r.Category, c.Pending, c.Processing, c.Retry, c.Failed, c.Backlog())
	}
	w.Flush()
}

// alertsFor flags categories whose failed count or backlog exceeds the thresholds.
func alertsFor(rows []categoryStatus, m config.MonitoringConfig) []string {
	var out []string
	for _, r := range rows {
		if r.Err != nil {
			out = append(out, fmt.Sprintf("%s: status unavailable: %v", r.Category, r.Err))
			continue
		}
		if m.FailedThreshold > 0 && r.Counts.Failed > m.FailedThreshold {
			out = append(out, fmt.Sprintf("%s: %d failed tasks (threshold %d)", r.Category, r.Counts.Failed, m.FailedThreshold))
		}
		if m.QueueThreshold > 0 && r.Counts.Backlog() > m.QueueThreshold {
			out = append(out, fmt.Sprintf("%s: backlog %d (threshold %d)", r.Category, r.Counts.Backlog(), m.QueueThreshold))
		}
	}
	return out
}
