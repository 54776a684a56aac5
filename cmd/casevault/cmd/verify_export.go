package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/export"
)

var verifyExportCmd = &cobra.Command{
	Use:   "verify-export <bundle-dir>",
	Short: "Check an evidence bundle against its manifest",
	Long: `Recompute the digests of every file listed in a bundle's manifest and
report files that are missing or were modified. Exits non-zero when any
mismatch is found.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := export.VerifyManifest(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		m := report.Manifest
		fmt.Fprintf(out, "Bundle:    %s\n", m.BundleID)
		fmt.Fprintf(out, "Case:      %s\n", m.CaseKey)
		fmt.Fprintf(out, "Generated: %s\n", m.GeneratedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
		fmt.Fprintf(out, "Scope:     %s\n", m.Scope)
		fmt.Fprintf(out, "Checked:   %d files\n", report.Checked)

		if report.OK() {
			fmt.Fprintln(out, "\nOK: all files match the manifest")
			return nil
		}
		fmt.Fprintf(out, "\n%d mismatch(es):\n", len(report.Mismatches))
		for _, mm := range report.Mismatches {
			fmt.Fprintf(out, "  %s: %s\n", mm.File, mm.Reason)
		}
		return fmt.Errorf("bundle verification failed")
	},
}

func init() {
	rootCmd.AddCommand(verifyExportCmd)
}
