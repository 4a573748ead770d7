package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ctf-scoring",
		Short: "Flag verification and scoring service for CTF competitions",
		Long: `ctf-scoring verifies flag submissions against per-challenge SHA3-512
digests and credits each user exactly once per challenge, with a bonus
for the first solver.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML); falls back to $CONFIG_PATH")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newProvisionCommand(opts))
	cmd.AddCommand(newHashCommand())

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
