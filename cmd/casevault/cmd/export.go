package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/export"
)

var (
	exportOut     string
	exportFormat  string
	exportFields  string
	exportConv    string
	exportNoMedia bool
)

var exportCmd = &cobra.Command{
	Use:   "export <archive.zip> [query]",
	Short: "Write an evidence bundle for the messages matching a query",
	Long: `Write an evidence bundle: an HTML report and/or a CSV of the matching
messages, the referenced media files, and a manifest with MD5 and SHA-256
digests of every file in the bundle.

Missing media is listed in the manifest and does not fail the export.
The output directory must not already hold a bundle.

Examples:
  casevault export export.zip --out ./bundle tag:evidence
  casevault export export.zip --out ./c1 --conv c1 --format both
  casevault export export.zip --out ./csv --format csv --fields timestamp,sender,text`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOut == "" {
			return fmt.Errorf("--out is required")
		}
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		fields, err := export.ParseFields(exportFields)
		if err != nil {
			return err
		}
		pred, err := buildPredicate(args[1:], exportConv)
		if err != nil {
			return err
		}
		outDir, err := filepath.Abs(exportOut)
		if err != nil {
			return fmt.Errorf("resolve output path: %w", err)
		}

		c, err := openCase(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		view := c.Filter(pred)
		if view.Len() == 0 {
			return fmt.Errorf("no messages match (%s)", view.Status())
		}

		_, stats, err := c.Export(cmd.Context(), view, export.Options{
			OutDir:       outDir,
			Format:       format,
			Fields:       fields,
			Scope:        exportScope(args[1:], exportConv),
			IncludeMedia: !exportNoMedia,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), export.FormatExportResult(stats))
		return nil
	},
}

// exportScope describes the filter for the manifest.
func exportScope(query []string, conv string) string {
	var parts []string
	if conv != "" {
		parts = append(parts, "conversation "+conv)
	}
	if q := strings.TrimSpace(strings.Join(query, " ")); q != "" {
		parts = append(parts, q)
	}
	if len(parts) == 0 {
		return "all conversations"
	}
	return strings.Join(parts, "; ")
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output directory (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "html", "report format: html, csv or both")
	exportCmd.Flags().StringVar(&exportFields, "fields", "", "comma-separated fields (default: all standard fields)")
	exportCmd.Flags().StringVar(&exportConv, "conv", "", "restrict to one conversation")
	exportCmd.Flags().BoolVar(&exportNoMedia, "no-media", false, "do not copy media into the bundle")
	rootCmd.AddCommand(exportCmd)
}
