package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X github.com/godzie44/dgramtest/cmd/dgramtest/cmd.dgramtestVersion=x.y.z"
var dgramtestVersion = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show dgramtest version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "dgramtest version %s\n", dgramtestVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
