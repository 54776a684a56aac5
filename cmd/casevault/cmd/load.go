package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/export"
	"github.com/wesm/casevault/internal/pipeline"
)

var loadMaxErrors int

var loadCmd = &cobra.Command{
	Use:   "load <archive.zip>",
	Short: "Load an evidence archive and print what was recovered",
	Long: `Load an evidence archive, register it as a case and print the load
summary: record files and their schemas, malformed rows with their line
numbers, unreadable archive entries and the review state that was
re-attached.

Loading is read-only with respect to the archive.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCase(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		printLoadSummary(out, c.Summary(), loadMaxErrors)

		if s := c.Session(); s != nil {
			ms := s.MergeStats()
			fmt.Fprintf(out, "\nReview state: %d tagged messages restored", ms.Matched)
			if ms.Retained > 0 {
				fmt.Fprintf(out, ", %d kept for messages not in this load", ms.Retained)
			}
			fmt.Fprintln(out)
			for _, cf := range s.LoadReport().Corrupt {
				fmt.Fprintf(out, "  ! unreadable case file %s (recovered from %s, copy at %s)\n",
					cf.Path, cf.Recovered, cf.Quarantine)
			}
		}
		if related := c.RelatedCases(); len(related) > 0 {
			fmt.Fprintln(out, "\nShares record files with:")
			for _, k := range related {
				fmt.Fprintf(out, "  %s\n", k)
			}
		}
		fmt.Fprintf(out, "\nCase: %s\n", c.Key())
		return nil
	},
}

func printLoadSummary(w io.Writer, s *pipeline.LoadSummary, maxErrors int) {
	fmt.Fprintf(w, "Archive:  %s\n", s.ArchivePath)
	fmt.Fprintf(w, "State:    %s", s.State)
	if s.Incomplete {
		fmt.Fprint(w, " (incomplete)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Files:    %d parsed of %d found\n", s.Counts.FilesParsed, s.Counts.FilesDiscovered)
	fmt.Fprintf(w, "Messages: %d\n", s.Counts.RowsIngested)
	fmt.Fprintf(w, "Duration: %s\n", formatDuration(s.Duration))

	if len(s.Files) > 0 {
		fmt.Fprintln(w)
		t := newTable("FILE", "SCHEMA", "ROWS", "MALFORMED", "SIZE").limit(0, 60)
		for _, f := range s.Files {
			schema := f.Schema.String()
			if f.Err != nil {
				schema = "rejected: " + f.Err.Error()
			}
			t.add(f.SourceFile, schema, fmt.Sprint(f.Rows), fmt.Sprint(f.Malformed),
				export.FormatBytesLong(f.Fingerprint.Size))
		}
		t.write(w)
	}

	if n := len(s.Malformed); n > 0 {
		fmt.Fprintf(w, "\nMalformed rows (%d):\n", n)
		for i, re := range s.Malformed {
			if maxErrors > 0 && i >= maxErrors {
				fmt.Fprintf(w, "  ... and %d more\n", n-i)
				break
			}
			fmt.Fprintf(w, "  %s:%d: %v\n", re.SourceFile, re.Line, re.Err)
		}
	}
	if n := len(s.Problems); n > 0 {
		fmt.Fprintf(w, "\nUnreadable entries (%d):\n", n)
		for i, p := range s.Problems {
			if maxErrors > 0 && i >= maxErrors {
				fmt.Fprintf(w, "  ... and %d more\n", n-i)
				break
			}
			fmt.Fprintf(w, "  %s: %v\n", p.Path, p.Err)
		}
	}
}

func init() {
	loadCmd.Flags().IntVar(&loadMaxErrors, "max-errors", 20, "malformed rows and problems to list (0 = all)")
	rootCmd.AddCommand(loadCmd)
}
