package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"async-notify/internal/archive"
	"async-notify/internal/config"
	"async-notify/internal/queue"
)

var cleanupArchive bool

var clearCmd = &cobra.Command{
	Use:   "clear <category>",
	Short: "Delete every task of a category, including failed ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Registry.Get(args[0]); err != nil {
			return err
		}
		if err := a.Processor.Clear(ctx, args[0]); err != nil {
			return fmt.Errorf("clear %s: %w", args[0], err)
		}
		logger.Warn().Str("category", args[0]).Msg("queue cleared")
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-failed [category]",
	Short: "Purge failed tasks, optionally archiving them first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		var exporter *archive.Exporter
		if cleanupArchive {
			uploader, err := archive.New(ctx, cfg.Archive)
			if err != nil {
				return err
			}
			exporter = archive.NewExporter(uploader)
		}

		out := cmd.OutOrStdout()
		for _, c := range categories {
			if exporter != nil {
				tasks, err := a.Processor.Failed(ctx, c, 0)
				if err != nil {
					return fmt.Errorf("list failed %s: %w", c, err)
				}
				location, err := exporter.Export(ctx, c, tasks)
				if err != nil {
					return err
				}
				if location != "" {
					fmt.Fprintf(out, "%s: archived %d tasks to %s\n", c, len(tasks), location)
				}
			}
			n, err := a.Processor.PurgeFailed(ctx, c)
			if err != nil {
				return fmt.Errorf("purge failed %s: %w", c, err)
			}
			logger.Info().Str("category", c).Int("removed", n).Msg("failed tasks purged")
			fmt.Fprintf(out, "%s: removed %d failed tasks\n", c, n)
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Create queue and log directories and apply the relational schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		for _, dir := range installDirs(cfg) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
			fmt.Fprintf(out, "ok  directory %s\n", dir)
		}

		if config.NormalizeBackend(cfg.Queue.Backend) == "file" {
			return nil
		}
		// queue.Open migrates relational backends and pings kv.
		b, err := queue.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect %s backend: %w", cfg.Queue.Backend, err)
		}
		defer b.Close()
		fmt.Fprintf(out, "ok  backend %s\n", b.Name())
		return nil
	},
}

func installDirs(c config.Config) []string {
	dirs := []string{c.File.Dir}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}
	if c.Archive.Dir != "" && c.Archive.S3Bucket == "" {
		dirs = append(dirs, c.Archive.Dir)
	}
	return dirs
}

func init() {
	rootCmd.AddCommand(clearCmd, cleanupCmd, installCmd)
	cleanupCmd.Flags().BoolVar(&cleanupArchive, "archive", false, "export failed tasks to archive.dir or archive.s3_bucket before purging")
}
