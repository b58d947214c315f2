// Package cli wires the sdforge commands. Each command has a constructor
// returning a *cobra.Command; main registers them on the root.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// RootCommand builds the sdforge command tree.
func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sdforge",
		Short:         "Assemble bootable two-partition disk images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd)
		},
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")

	root.AddCommand(BuildCommand())
	root.AddCommand(VersionCommand())
	return root
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
