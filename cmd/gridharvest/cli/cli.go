// Package cli implements the gridharvest subcommands.
//
// Every command opens the home directory, loads the config and the saved
// search state, runs, and writes the state back before exiting. Harvests
// interrupted with Ctrl-C are paused and resume on the next harvest run.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewCommands returns every gridharvest subcommand. logger is called once a
// command runs, after the root command has parsed the logging flags.
func NewCommands(logger func() *slog.Logger, version string) []*cobra.Command {
	env := &env{logger: logger, version: version}

	cmds := []*cobra.Command{
		newSearchCmd(env),
		newSaveCmd(env),
		newListCmd(env),
		newShowCmd(env),
		newRenameCmd(env),
		newRemoveCmd(env),
		newHarvestCmd(env),
		newRetryCmd(env),
		newResetCmd(env),
		newExportCmd(env),
		newDownloadCmd(env),
		newWatchCmd(env),
		newConfigCmd(env),
		{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	}
	for _, c := range cmds {
		if c.Name() == "version" || c.HasSubCommands() {
			continue
		}
		c.Flags().String("home", "", "home directory (default: platform config dir)")
		c.Flags().String("store", "", "state store type: file, sqlite or memory (default from config)")
		c.Flags().Bool("demo", false, "search a built-in in-memory grid instead of the network")
		c.Flags().StringP("output", "o", "table", "output format: table or json")
	}
	return cmds
}

// env carries what every command needs before it opens the app.
type env struct {
	logger  func() *slog.Logger
	version string
}

// outputFormat returns "json" or "table" from the --output flag.
func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
