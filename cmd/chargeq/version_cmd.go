package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/chargeq/internal/version"
)

func newVersionCommand() *cobra.Command {
	var onlyVersion, semver bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the chargeq version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch {
			case onlyVersion:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			case semver:
				_, err = fmt.Fprintln(cmd.OutOrStdout(), version.CurrentSemver())
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&onlyVersion, "version", false, "print only the version")
	cmd.Flags().BoolVar(&semver, "semver", false, "print only the version without build metadata")
	cmd.MarkFlagsMutuallyExclusive("version", "semver")
	return cmd
}
