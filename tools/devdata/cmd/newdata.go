package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/export"
	"github.com/wesm/casevault/tools/devdata/dataset"
)

var (
	newDataDirFlag   string
	newDataConvs     int
	newDataMessages  int
	newDataMalformed int
	newDataSeed      uint64
	newDataFlat      bool
	newDataForce     bool
)

var newDataCmd = &cobra.Command{
	Use:   "new-data <name>",
	Short: "Write a synthetic evidence archive",
	Long:  "Writes <dir>/<name>.zip, a deterministic synthetic evidence archive. The same seed always produces the same bytes, so case keys and review state are stable across regenerations.",
	Args:  cobra.ExactArgs(1),
	RunE:  runNewData,
}

func init() {
	d := dataset.DefaultOptions()
	newDataCmd.Flags().StringVar(&newDataDirFlag, "dir", ".", "output directory")
	newDataCmd.Flags().IntVar(&newDataConvs, "conversations", d.Conversations, "number of conversations")
	newDataCmd.Flags().IntVar(&newDataMessages, "messages", d.MessagesPerConv, "messages per conversation")
	newDataCmd.Flags().IntVar(&newDataMalformed, "malformed", d.Malformed, "malformed rows to append")
	newDataCmd.Flags().Uint64Var(&newDataSeed, "seed", d.Seed, "random seed")
	newDataCmd.Flags().BoolVar(&newDataFlat, "flat", false, "do not nest record files in an inner zip")
	newDataCmd.Flags().BoolVar(&newDataForce, "force", false, "overwrite an existing archive")
	rootCmd.AddCommand(newDataCmd)
}

func runNewData(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := dataset.ValidateDatasetName(name); err != nil {
		return err
	}
	if newDataConvs <= 0 || newDataMessages <= 0 {
		return fmt.Errorf("--conversations and --messages must be positive")
	}

	outPath, err := filepath.Abs(filepath.Join(newDataDirFlag, name+".zip"))
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	if _, err := os.Stat(outPath); err == nil && !newDataForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
	}

	opts := dataset.DefaultOptions()
	opts.Conversations = newDataConvs
	opts.MessagesPerConv = newDataMessages
	opts.Malformed = newDataMalformed
	opts.Seed = newDataSeed
	opts.Nested = !newDataFlat

	start := time.Now()
	f, err := os.CreateTemp(filepath.Dir(outPath), ".devdata-*.zip")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	res, err := dataset.Generate(f, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}

	fmt.Fprintf(os.Stderr, "devdata: wrote %s in %s\n", outPath, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(os.Stdout, "Record files:  %d\n", len(res.RecordFiles))
	for _, rf := range res.RecordFiles {
		fmt.Fprintf(os.Stdout, "  %s\n", rf)
	}
	fmt.Fprintf(os.Stdout, "Messages:      %d (+%d malformed)\n", res.Messages, res.Malformed)
	fmt.Fprintf(os.Stdout, "Conversations: %d\n", res.Conversations)
	fmt.Fprintf(os.Stdout, "Media:         %d of %d present\n", res.MediaPresent, res.MediaRefs)
	fmt.Fprintf(os.Stdout, "Archive size:  %s\n", export.FormatBytesLong(res.Bytes))
	return nil
}
