package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft synchronizes a project directory with a branched document store",
	Long: `Weft mirrors a project directory into a replicated document store with
git-like branches. Local edits become commits on the checked-out branch,
remote commits are written back to disk, and branches can be forked,
merged, reverted and compared.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Project lifecycle
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)

	// Branch management
	rootCmd.AddCommand(branchCmd)
	branchCmd.AddCommand(branchListCmd, branchForkCmd, branchMergeCmd, branchDeleteCmd)
	rootCmd.AddCommand(checkoutCmd)

	// Inspection
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(diffCmd)
}
