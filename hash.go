package main

import (
	"fmt"

	"ctf-scoring/verify"

	"github.com/spf13/cobra"
)

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <flag>",
		Short: "Print the stored digest form of a flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), verify.Digest(args[0]))
			return err
		},
	}
}
