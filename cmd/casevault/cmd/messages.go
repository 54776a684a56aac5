package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/textutil"
)

var (
	messagesConv  string
	messagesLimit int
	messagesJSON  bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages <archive.zip> [query]",
	Short: "List messages matching a filter query",
	Long: `List messages of an archive, optionally filtered by a query.

Query syntax:
  from:alice to:bob        sender / receiver
  conv:<id>                conversation
  type:MEDIA               content type
  tag:evidence             analyst tag
  after:2023-01-01         on or after a date
  before:2023-02-01        before a date
  newer_than:7d            relative dates (d, w, m, y)
  saved:yes reviewed:no partial:yes has:media
  word "exact phrase"      text search

Examples:
  casevault messages export.zip from:alice has:media
  casevault messages export.zip --conv c1 "meet at"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pred, err := buildPredicate(args[1:], messagesConv)
		if err != nil {
			return err
		}
		c, err := openCase(cmd, args[0])
		if err != nil {
			return err
		}
		defer c.Close()

		view := c.Filter(pred)
		out := cmd.OutOrStdout()
		msgs := view.Messages
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[:messagesLimit]
		}

		if messagesJSON {
			return writeJSON(out, messagesToJSON(msgs))
		}

		if len(msgs) > 0 {
			t := newTable("ID", "TIME", "CONVERSATION", "FROM", "TO", "TYPE", "TEXT").
				limit(2, 24).limit(3, 20).limit(4, 20).limit(6, 60)
			for i := range msgs {
				m := &msgs[i]
				t.add(m.Identity, messageTime(m), m.ConversationID, m.Sender, m.Receiver,
					m.ContentType, messageText(m))
			}
			t.write(out)
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%s messages in %d conversations", view.Status(), view.Conversations)
		if len(msgs) < view.Len() {
			fmt.Fprintf(out, " (showing %d)", len(msgs))
		}
		fmt.Fprintln(out)
		return nil
	},
}

func messageTime(m *evidence.Message) string {
	if m.TimestampInvalid {
		return "invalid: " + m.RawTimestamp
	}
	return formatTime(m.Timestamp)
}

// messageText is the text column: the first line of the body, then media
// references and tags.
func messageText(m *evidence.Message) string {
	parts := []string{}
	if m.Text != "" {
		body := strings.TrimSpace(textutil.FirstLine(m.Text))
		if body != strings.TrimSpace(m.Text) {
			body += " …"
		}
		parts = append(parts, body)
	}
	if len(m.MediaRefs) > 0 {
		parts = append(parts, "[media: "+strings.Join(m.MediaRefs, ", ")+"]")
	}
	if len(m.Tags) > 0 {
		parts = append(parts, "#"+strings.Join(m.Tags, " #"))
	}
	return strings.Join(parts, " ")
}

type messageJSON struct {
	ID           string   `json:"id"`
	MessageID    string   `json:"message_id,omitempty"`
	Conversation string   `json:"conversation"`
	Sender       string   `json:"sender"`
	Receiver     string   `json:"receiver,omitempty"`
	Timestamp    string   `json:"timestamp"`
	Type         string   `json:"type"`
	Text         string   `json:"text,omitempty"`
	Media        []string `json:"media,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Partial      bool     `json:"partial,omitempty"`
	SourceFile   string   `json:"source_file"`
	SourceLine   int      `json:"source_line"`
}

func messagesToJSON(msgs []evidence.Message) []messageJSON {
	out := make([]messageJSON, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		ts := m.RawTimestamp
		if !m.TimestampInvalid {
			ts = m.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, messageJSON{
			ID: m.Identity, MessageID: m.MessageID, Conversation: m.ConversationID,
			Sender: m.Sender, Receiver: m.Receiver, Timestamp: ts, Type: m.ContentType,
			Text: m.Text, Media: m.MediaRefs, Tags: m.Tags, Partial: m.IsPartial,
			SourceFile: m.SourceFile, SourceLine: m.SourceLine,
		})
	}
	return out
}

func init() {
	messagesCmd.Flags().StringVar(&messagesConv, "conv", "", "restrict to one conversation")
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 100, "maximum messages to print (0 = all)")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(messagesCmd)
}
