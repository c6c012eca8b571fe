// Command gridharvest searches a federated search grid, harvests dataset
// metadata and coordinates file downloads.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"gridharvest/cmd/gridharvest/cli"
	"gridharvest/internal/logging"
)

var version = "dev"

func main() {
	var logger *slog.Logger

	rootCmd := &cobra.Command{
		Use:           "gridharvest",
		Short:         "Federated search grid metadata harvester",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(cmd)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "warn", "default log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().StringArray("log-component", nil, "per-component log level (e.g. harvest=debug), repeatable")

	rootCmd.AddCommand(cli.NewCommands(func() *slog.Logger { return logger }, version)...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger builds the base logger from the logging flags. Records go to
// stderr so command output on stdout stays machine readable.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	components, _ := cmd.Flags().GetStringArray("log-component")

	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger, _, err := logging.New(os.Stderr, logging.Options{
		Format:     format,
		Level:      level,
		Components: components,
	})
	return logger, err
}
