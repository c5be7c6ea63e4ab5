package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"async-notify/internal/worker"
)

var (
	drainType  string
	drainLimit int
	drainAll   bool
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Execute queued notifications",
	Long: `Pop up to --limit tasks of one category and run them through the
category's executor. Failed executions are rescheduled or marked failed.
The command exits non-zero only when a backend could not be read.`,
	Example: `  asyncctl drain --type alipay --limit 100
  asyncctl drain --all`,
	RunE: runDrain,
}

func init() {
	rootCmd.AddCommand(drainCmd)

	drainCmd.Flags().StringVarP(&drainType, "type", "t", "", "category to drain")
	drainCmd.Flags().IntVarP(&drainLimit, "limit", "l", 0, "maximum tasks per category (default batch.size)")
	drainCmd.Flags().BoolVar(&drainAll, "all", false, "drain every configured category concurrently")
}

func runDrain(cmd *cobra.Command, _ []string) error {
	if !drainAll && drainType == "" {
		return fmt.Errorf("either specify --type or use --all")
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	categories := []string{drainType}
	if drainAll {
		categories = a.Registry.Categories()
	} else if _, err := a.Registry.Get(drainType); err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		summaries = make(map[string]worker.Summary, len(categories))
		failures  = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, category := range categories {
		g.Go(func() error {
			summary, err := a.Processor.Drain(gctx, category, drainLimit)
			mu.Lock()
			defer mu.Unlock()
			summaries[category] = summary
			if err != nil {
				failures[category] = err
				logger.Error().Err(err).Str("category", category).Msg("drain failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	printSummaries(cmd.OutOrStdout(), categories, summaries, failures)
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d categories could not be drained", len(failures), len(categories))
	}
	return nil
}

func printSummaries(out io.Writer, categories []string, summaries map[string]worker.Summary, failures map[string]error) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tTOTAL\tSUCCEEDED\tFAILED\tRECLAIMED\tERROR")
	var total, succeeded, failed int
	for _, c := range categories {
		s := summaries[c]
		errMsg := "-"
		if err := failures[c]; err != nil {
			errMsg = err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n", c, s.Total, s.Succeeded, s.Failed, s.Reclaimed, errMsg)
		total += s.Total
		succeeded += s.Succeeded
		failed += s.Failed
	}
	if len(categories) > 1 {
		fmt.Fprintf(w, "ALL\t%d\t%d\t%d\t\t\n", total, succeeded, failed)
	}
	w.Flush()
}
