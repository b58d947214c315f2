package cli

import (
	"github.com/spf13/cobra"

	"github.com/sdforge/sdforge/internal/provision"
	"github.com/sdforge/sdforge/internal/run"
)

// FirstBootCommand is the root of sdforge-firstboot. It runs the
// provisioning sequence and exits 0 if the system ends up provisioned.
func FirstBootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sdforge-firstboot",
		Short:         "Provision an assembled system on its first boot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd)
		},
		RunE: runFirstBoot,
	}

	flags := cmd.Flags()
	flags.Bool("verbose", false, "enable debug logging")
	flags.String("root", "/", "mounted root filesystem to provision")
	flags.Bool("skip-grow", false, "skip partition and filesystem growth")
	return cmd
}

func runFirstBoot(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	skipGrow, _ := cmd.Flags().GetBool("skip-grow")

	p := provision.New(run.NewExec(), provision.Options{
		Root:     root,
		SkipGrow: skipGrow,
	})
	return p.Run(cmd.Context())
}
