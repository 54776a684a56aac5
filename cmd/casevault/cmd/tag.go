package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	tagRemove bool
	tagMatch  string
)

var tagCmd = &cobra.Command{
	Use:   "tag <archive.zip> [message-id] <tag>...",
	Short: "Add or remove analyst tags on messages",
	Long: `Add tags to a message, or with --remove take them off. Message IDs are
the ID column printed by "casevault messages" (source_file#line).

With --match the tags are applied to every message matching the query
instead of a single message ID.

Examples:
  casevault tag export.zip 'json/chat.csv#12' evidence threat
  casevault tag export.zip --match 'from:alice has:media' evidence
  casevault tag export.zip --remove 'json/chat.csv#12' threat`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		archivePath, rest := args[0], args[1:]

		var targets []string
		var query string
		if tagMatch != "" {
			query = tagMatch
		} else {
			if len(rest) < 2 {
				return fmt.Errorf("need a message ID and at least one tag")
			}
			targets, rest = rest[:1], rest[1:]
		}
		tags := rest

		c, err := openCase(cmd, archivePath)
		if err != nil {
			return err
		}
		defer c.Close()

		if query != "" {
			pred, err := buildPredicate([]string{query}, "")
			if err != nil {
				return err
			}
			view := c.Filter(pred)
			for _, m := range view.Messages {
				targets = append(targets, m.Identity)
			}
		}

		s := c.Session()
		for _, id := range targets {
			if tagRemove {
				err = s.RemoveTags(id, tags...)
			} else {
				err = s.AddTags(id, tags...)
			}
			if err != nil {
				return err
			}
		}
		if err := c.Save(); err != nil {
			return fmt.Errorf("save review state: %w", err)
		}

		verb := "Tagged"
		if tagRemove {
			verb = "Untagged"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d message(s): %s\n", verb, len(targets), strings.Join(tags, ", "))
		return nil
	},
}

func init() {
	tagCmd.Flags().BoolVar(&tagRemove, "remove", false, "remove the tags instead of adding them")
	tagCmd.Flags().StringVar(&tagMatch, "match", "", "apply to every message matching this query")
	rootCmd.AddCommand(tagCmd)
}
