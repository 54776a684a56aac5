package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/evidence"
)

var conversationsJSON bool

var conversationsCmd = &cobra.Command{
	Use:     "conversations <archive.zip>",
	Aliases: []string{"convs"},
	Short:   "List the conversations of an archive",
	Long: `List every conversation in the archive, most recent activity first,
with participants, message counts and review status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCase(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		convs := c.Store().Conversations()
		out := cmd.OutOrStdout()
		if conversationsJSON {
			type convJSON struct {
				ID           string    `json:"id"`
				Title        string    `json:"title,omitempty"`
				Participants []string  `json:"participants"`
				Messages     int       `json:"messages"`
				First        time.Time `json:"first,omitzero"`
				Last         time.Time `json:"last,omitzero"`
				Reviewed     bool      `json:"reviewed"`
				Notes        []string  `json:"notes,omitempty"`
			}
			list := make([]convJSON, 0, len(convs))
			for _, cv := range convs {
				list = append(list, convJSON{
					ID: cv.ID, Title: cv.Title, Participants: cv.Participants,
					Messages: cv.MessageCount, First: cv.First, Last: cv.Last,
					Reviewed: cv.Reviewed, Notes: cv.Notes,
				})
			}
			return writeJSON(out, list)
		}

		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		t := newTable("CONVERSATION", "PARTICIPANTS", "MESSAGES", "LAST", "REVIEWED", "NOTES").
			limit(0, 40).limit(1, 40)
		for _, cv := range convs {
			t.add(conversationLabel(&cv), strings.Join(cv.Participants, ", "),
				fmt.Sprint(cv.MessageCount), formatTime(cv.Last), yesNo(cv.Reviewed),
				fmt.Sprint(len(cv.Notes)))
		}
		t.write(out)
		return nil
	},
}

func conversationLabel(cv *evidence.Conversation) string {
	if cv.Title != "" && cv.Title != cv.ID {
		return cv.Title + " (" + cv.ID + ")"
	}
	return cv.ID
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(conversationsCmd)
}
