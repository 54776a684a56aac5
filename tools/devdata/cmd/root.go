package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devdata",
	Short: "Generate casevault development datasets",
	Long: "devdata writes synthetic evidence archives with the same layout as real exports " +
		"(complete and reported-content record files, a nested container, malformed rows, " +
		"media with some files missing) for developing and demoing casevault without real evidence.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
