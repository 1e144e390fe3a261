package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"orgatlas.dev/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "orgatlas %s (corpus schema %s)\n", version.Version, version.SchemaVersion)

		verbose, _ := cmd.Flags().GetBool("verbose")
		if !verbose {
			return
		}
		info := version.GetBuildInfo()
		fmt.Fprintf(out, "go: %s\n", info.GoVersion)
		for _, dep := range info.Dependencies {
			fmt.Fprintf(out, "  %s %s\n", dep.Path, dep.Version)
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "include Go version and dependency list")
}
