package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ywci/tbc/internal/journal"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and journal backend information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "tbc version %s\n", rootCmd.Version)
		fmt.Fprintf(out, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "journal backends: %s\n", strings.Join(journal.AvailableBackends(), ", "))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
