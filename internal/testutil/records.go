package testutil

import (
	"bytes"
	"encoding/csv"
	"testing"
)

// CompleteHeader is the column set used by full conversation exports in tests.
var CompleteHeader = []string{
	"conversation_id", "conversation_title", "message_id", "content_type",
	"timestamp", "sender_username", "sender_user_id", "recipient_username",
	"text", "media_id", "reactions", "saved_by", "screenshotted_by",
	"replayed_by", "group_member_user_ids",
}

// PartialHeader is the column set of reported-content exports.
var PartialHeader = []string{"sender_username", "timestamp", "media_id"}

// CSV renders header and rows as RFC 4180 text, quoting fields that contain
// delimiters, quotes or newlines.
func CSV(t testing.TB, header []string, rows ...[]string) string {
	t.Helper()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		t.Fatalf("write csv header: %v", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			t.Fatalf("write csv row: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		t.Fatalf("flush csv: %v", err)
	}
	return buf.String()
}

// CompleteRow builds a row for CompleteHeader from a column map; missing
// columns are left empty.
func CompleteRow(cols map[string]string) []string {
	row := make([]string, len(CompleteHeader))
	for i, name := range CompleteHeader {
		row[i] = cols[name]
	}
	return row
}
