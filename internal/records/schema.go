// Package records parses tabular record files from a forensic export. Each
// file is classified by its header as either the complete conversation
// schema or the partial "reported content" schema, and every data row is
// yielded as exactly one Row variant: CompleteRow, PartialRow or
// MalformedRow.
package records

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wesm/casevault/internal/textutil"
)

// ErrUnrecognizedSchema is returned when a header matches neither schema.
// No rows are produced for such a file.
var ErrUnrecognizedSchema = errors.New("unrecognized record file schema")

// Schema identifies a record file layout.
type Schema int

const (
	SchemaUnknown Schema = iota
	SchemaComplete
	SchemaPartial
)

func (s Schema) String() string {
	switch s {
	case SchemaComplete:
		return "complete"
	case SchemaPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Column names of the complete schema.
const (
	ColConversationID    = "conversation_id"
	ColConversationTitle = "conversation_title"
	ColMessageID         = "message_id"
	ColContentType       = "content_type"
	ColMessageType       = "message_type"
	ColTimestamp         = "timestamp"
	ColSenderUsername    = "sender_username"
	ColSenderUserID      = "sender_user_id"
	ColRecipientUsername = "recipient_username"
	ColRecipientUserID   = "recipient_user_id"
	ColText              = "text"
	ColMediaID           = "media_id"
	ColReactions         = "reactions"
	ColSavedBy           = "saved_by"
	ColScreenshottedBy   = "screenshotted_by"
	ColReplayedBy        = "replayed_by"
	ColGroupMembers      = "group_member_user_ids"
	ColIP                = "ip"
	ColPort              = "port"
)

var requiredComplete = []string{ColConversationID, ColMessageID, ColContentType, ColTimestamp}

var knownComplete = map[string]bool{
	ColConversationID: true, ColConversationTitle: true, ColMessageID: true,
	ColContentType: true, ColMessageType: true, ColTimestamp: true,
	ColSenderUsername: true, ColSenderUserID: true, ColRecipientUsername: true,
	ColRecipientUserID: true, ColText: true, ColMediaID: true, ColReactions: true,
	ColSavedBy: true, ColScreenshottedBy: true, ColReplayedBy: true,
	ColGroupMembers: true, ColIP: true, ColPort: true,
}

var partialColumns = []string{ColSenderUsername, ColTimestamp, ColMediaID}

// IsKnownColumn reports whether name is part of the complete schema.
// Other columns are carried through as extras.
func IsKnownColumn(name string) bool {
	return knownComplete[name]
}

// NormalizeHeader trims and lower-cases header names and strips a leading
// UTF-8 byte order mark from the first one.
func NormalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = textutil.StripBOM(h)
		}
		out[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return out
}

// Detect classifies a normalized header. Detection looks at column names
// only, never at row contents.
func Detect(header []string) (Schema, error) {
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if h == "" {
			continue
		}
		if seen[h] {
			return SchemaUnknown, fmt.Errorf("%w: duplicate column %q", ErrUnrecognizedSchema, h)
		}
		seen[h] = true
	}

	if len(header) == len(partialColumns) && len(seen) == len(partialColumns) {
		partial := true
		for _, c := range partialColumns {
			if !seen[c] {
				partial = false
				break
			}
		}
		if partial {
			return SchemaPartial, nil
		}
	}

	var missing []string
	for _, c := range requiredComplete {
		if !seen[c] {
			missing = append(missing, c)
		}
	}
	if !seen[ColSenderUsername] && !seen[ColSenderUserID] {
		missing = append(missing, ColSenderUsername+"|"+ColSenderUserID)
	}
	if len(missing) > 0 {
		return SchemaUnknown, fmt.Errorf("%w: missing columns %s", ErrUnrecognizedSchema, strings.Join(missing, ", "))
	}
	return SchemaComplete, nil
}

// Row is one data row of a record file.
type Row interface {
	// Line is the 1-based physical line the row starts on. The header is
	// line 1.
	Line() int
	row()
}

// CompleteRow holds the fields of a complete-schema row keyed by normalized
// column name. Every header column is present, possibly empty.
type CompleteRow struct {
	LineNo int
	Fields map[string]string
}

// Get returns the value of a column, or "" when the column is absent.
func (r CompleteRow) Get(col string) string {
	return r.Fields[col]
}

// PartialRow holds a reported-content row.
type PartialRow struct {
	LineNo         int
	SenderUsername string
	Timestamp      string
	MediaID        string
}

// MalformedRow is a row that could not be parsed. Raw holds its text,
// truncated for runaway records.
type MalformedRow struct {
	LineNo int
	Raw    string
	Err    error
}

func (r CompleteRow) Line() int  { return r.LineNo }
func (r PartialRow) Line() int   { return r.LineNo }
func (r MalformedRow) Line() int { return r.LineNo }

func (CompleteRow) row()  {}
func (PartialRow) row()   {}
func (MalformedRow) row() {}
