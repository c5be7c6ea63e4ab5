package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"async-notify/internal/app"
	"async-notify/internal/config"
	"async-notify/internal/logging"
)

var (
	cfgFile string
	cfg     config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "asyncctl",
	Short: "Operate the payment notification queues",
	Long: `asyncctl drains, inspects and maintains the asynchronous payment
notification queues. It reads the same configuration as the api and worker
binaries (config.yaml, ASYNC_NOTIFY_* environment variables).`,
	SilenceUsage:      true,
	PersistentPreRunE: persistentPreRun,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ./config/config.yaml)")
}

func persistentPreRun(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger = logging.Init(cfg.Logging)
	return nil
}

// openApp connects the configured backend for a single command.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if a.Degraded {
		logger.Warn().Str("backend", cfg.Queue.Backend).Msg("configured backend unreachable, operating on the file queue")
	}
	return a, nil
}

func categoriesFor(a *app.App, args []string) ([]string, error) {
	if len(args) == 0 {
		return a.Registry.Categories(), nil
	}
	if _, err := a.Registry.Get(args[0]); err != nil {
		return nil, err
	}
	return []string{args[0]}, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
