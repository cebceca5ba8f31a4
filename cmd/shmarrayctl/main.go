// Package main is the CLI entry point for shmarrayctl, a demo harness that
// drives the shared-memory array transport against real OS processes.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
)

func main() {
	root := &cobra.Command{
		Use:   "shmarrayctl",
		Short: "Exercise the shared-memory array transport end to end",
		Long:  `shmarrayctl demonstrates the shared-memory array transport's reduction rules against real worker processes.`,
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	}

	root.PersistentFlags().
		StringVarP(&cfgFile, "config", "c", "", "options file (TOML; not read by run or worker, which use built-in defaults)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress informational output")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(runCmd())
	root.AddCommand(workerCmd())

	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	setupLoggingWithWriter(os.Stderr)
}

func setupLoggingWithWriter(w io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})))
}
