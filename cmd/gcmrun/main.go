package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	rootCmd := &cobra.Command{
		Use:           "gcmrun",
		Short:         "run restart-chained GCM experiments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to the experiment's log_level")

	rootCmd.AddCommand(newRunCmd(), newRenderCmd(), newStatusCmd(), newTemplatesCmd())

	// Setup context with manual signal handling
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("interrupt received, killing the running segment; completed segments are kept and a rerun resumes from the last one", "signal", sig)
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	signal.Stop(sigChan)
	cancel()
	if err != nil {
		slog.Error("gcmrun failed", "error", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. The --log-level flag wins
// over the experiment file.
func setupLogging(fromConfig string) error {
	name := logLevel
	if name == "" {
		name = fromConfig
	}
	if name == "" {
		name = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}
