package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/export"
	"github.com/wesm/casevault/internal/store"
)

var casesRuns int

var casesCmd = &cobra.Command{
	Use:   "cases [case-key-prefix]",
	Short: "Show the case registry",
	Long: `List every case loaded on this machine, or show one case in detail:
its record files with fingerprints, its load history and the bundles
exported from it.

A case key prefix of at least a few characters is enough to pick a case.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("open case registry: %w", err)
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			return fmt.Errorf("init case registry: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			c, err := st.FindCase(args[0])
			if err != nil {
				return err
			}
			return printCase(out, st, c)
		}

		cases, err := st.ListCases()
		if err != nil {
			return err
		}
		if len(cases) == 0 {
			fmt.Fprintln(out, "No cases loaded yet.")
			return nil
		}
		t := newTable("CASE", "ARCHIVE", "FILES", "MESSAGES", "LOADS", "EXPORTS", "LAST LOADED").limit(1, 50)
		for _, c := range cases {
			t.add(shortKey(c.Key), c.ArchivePath, fmt.Sprint(c.FileCount), fmt.Sprint(c.MessageCount),
				fmt.Sprint(c.LoadCount), fmt.Sprint(c.ExportCount), formatTime(c.LastLoadedAt))
		}
		t.write(out)

		stats, err := st.GetStats()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nRegistry: %s (%s)\n", st.Path(), export.FormatBytesLong(stats.DatabaseSize))
		return nil
	},
}

func printCase(w io.Writer, st *store.Store, c *store.Case) error {
	fmt.Fprintf(w, "Case:        %s\n", c.Key)
	fmt.Fprintf(w, "Archive:     %s\n", c.ArchivePath)
	fmt.Fprintf(w, "Fingerprint: %s\n", c.ArchiveFingerprint)
	fmt.Fprintf(w, "Messages:    %d in %d record files\n", c.MessageCount, c.FileCount)
	fmt.Fprintf(w, "First seen:  %s\n", formatTime(c.FirstSeenAt))
	fmt.Fprintf(w, "Last loaded: %s\n", formatTime(c.LastLoadedAt))

	files, err := st.ListRecordFiles(c.Key)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		fmt.Fprintln(w, "\nRecord files:")
		t := newTable("FILE", "SCHEMA", "ROWS", "MALFORMED", "SHA256").limit(0, 50)
		for _, f := range files {
			t.add(f.SourceFile, f.Schema, fmt.Sprint(f.Rows), fmt.Sprint(f.Malformed), f.SHA256)
		}
		t.write(w)
	}

	runs, err := st.ListLoadRuns(c.Key, casesRuns)
	if err != nil {
		return err
	}
	if len(runs) > 0 {
		fmt.Fprintln(w, "\nLoads:")
		t := newTable("STARTED", "STATUS", "FILES", "ROWS", "MALFORMED", "PROBLEMS", "REVIEW", "ERROR").limit(7, 40)
		for _, r := range runs {
			n := r.Counters
			t.add(formatTime(r.StartedAt), r.Status, fmt.Sprint(n.FilesParsed), fmt.Sprint(n.RowsIngested),
				fmt.Sprint(n.MalformedRows), fmt.Sprint(n.Problems),
				fmt.Sprintf("%d/%d/%d", n.ReviewMatched, n.ReviewRetained, n.ReviewCorrupt),
				r.ErrorMessage.String)
		}
		t.write(w)
	}

	exports, err := st.ListExportRuns(c.Key)
	if err != nil {
		return err
	}
	if len(exports) > 0 {
		fmt.Fprintln(w, "\nExports:")
		t := newTable("CREATED", "BUNDLE", "FORMAT", "MESSAGES", "MEDIA", "MISSING", "SCOPE", "DIRECTORY").
			limit(6, 30).limit(7, 50)
		for _, e := range exports {
			t.add(formatTime(e.CreatedAt), e.BundleID, e.Format, fmt.Sprint(e.Messages),
				fmt.Sprint(e.MediaExported), fmt.Sprint(e.MediaMissing), e.Scope, e.OutDir)
		}
		t.write(w)
	}
	return nil
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	return k
}

func init() {
	casesCmd.Flags().IntVar(&casesRuns, "runs", 10, "load runs to show (0 = all)")
	rootCmd.AddCommand(casesCmd)
}
