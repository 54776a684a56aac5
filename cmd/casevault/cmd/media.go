package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/export"
	"github.com/wesm/casevault/internal/fileutil"
	"github.com/wesm/casevault/internal/filter"
	"github.com/wesm/casevault/internal/media"
)

var mediaOut string

var mediaCmd = &cobra.Command{
	Use:   "media <archive.zip> [reference...]",
	Short: "Resolve media references and print their digests",
	Long: `Resolve media references against the archive and print the matched
entry, size, MD5 and SHA-256 of each. Without references every media item
referenced by a message is resolved.

With --out the bytes of a single reference are written to a file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refs := args[1:]
		if mediaOut != "" && len(refs) != 1 {
			return fmt.Errorf("--out needs exactly one reference")
		}

		c, err := openCase(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		r := c.Resolver()

		if mediaOut != "" {
			data, d, err := r.Resolve(ctx, refs[0])
			if err != nil {
				return err
			}
			if err := fileutil.SecureWriteFile(mediaOut, data, 0600); err != nil {
				return fmt.Errorf("write %s: %w", mediaOut, err)
			}
			fmt.Fprintf(out, "Wrote %s (%s) from %s\n", mediaOut, export.FormatBytesLong(d.Size), d.SourcePath)
			fmt.Fprintf(out, "  md5:    %s\n  sha256: %s\n", d.MD5, d.SHA256)
			return nil
		}

		if len(refs) == 0 {
			view := c.Filter(filter.Predicate{})
			refs = view.MediaRefs()
		}
		if len(refs) == 0 {
			fmt.Fprintln(out, "No media references.")
			return nil
		}

		t := newTable("REFERENCE", "ENTRY", "SIZE", "MD5", "SHA256").limit(1, 50)
		resolved, missing := 0, 0
		err = r.ResolveEach(ctx, refs, func(ref string, _ []byte, d media.Digest, err error) error {
			switch {
			case errors.Is(err, media.ErrMediaNotFound):
				missing++
				t.add(ref, "(not found)", "-", "-", "-")
			case err != nil:
				missing++
				t.add(ref, "error: "+err.Error(), "-", "-", "-")
			default:
				resolved++
				t.add(ref, d.SourcePath, export.FormatBytesLong(d.Size), d.MD5, d.SHA256)
			}
			return nil
		})
		if err != nil {
			return err
		}
		t.write(out)
		fmt.Fprintf(out, "\n%d resolved, %d missing\n", resolved, missing)
		return nil
	},
}

func init() {
	mediaCmd.Flags().StringVarP(&mediaOut, "out", "o", "", "write the media bytes to this file")
	rootCmd.AddCommand(mediaCmd)
}
