package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	noteReviewed   bool
	noteUnreviewed bool
)

var noteCmd = &cobra.Command{
	Use:   "note <archive.zip> <conversation-id> [text...]",
	Short: "Annotate a conversation or change its review status",
	Long: `Append a note to a conversation and/or mark it reviewed. Without text
or flags the conversation's current notes are printed.

Examples:
  casevault note export.zip c1 "subject confirms meeting location"
  casevault note export.zip c1 --reviewed`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if noteReviewed && noteUnreviewed {
			return fmt.Errorf("--reviewed and --unreviewed are mutually exclusive")
		}
		convID := args[1]
		text := strings.TrimSpace(strings.Join(args[2:], " "))

		c, err := openCase(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		out := cmd.OutOrStdout()
		s := c.Session()
		changed := false
		if text != "" {
			if err := s.AddNote(convID, text); err != nil {
				return err
			}
			changed = true
		}
		if noteReviewed || noteUnreviewed {
			if err := s.MarkReviewed(convID, noteReviewed); err != nil {
				return err
			}
			changed = true
		}
		if changed {
			if err := c.Save(); err != nil {
				return fmt.Errorf("save review state: %w", err)
			}
		}

		conv, ok := c.Store().Conversation(convID)
		if !ok {
			return fmt.Errorf("conversation %q not found", convID)
		}
		fmt.Fprintf(out, "%s  reviewed: %s\n", conversationLabel(&conv), yesNo(conv.Reviewed))
		for i, n := range conv.Notes {
			fmt.Fprintf(out, "  %d. %s\n", i+1, n)
		}
		return nil
	},
}

func init() {
	noteCmd.Flags().BoolVar(&noteReviewed, "reviewed", false, "mark the conversation reviewed")
	noteCmd.Flags().BoolVar(&noteUnreviewed, "unreviewed", false, "clear the reviewed flag")
	rootCmd.AddCommand(noteCmd)
}
