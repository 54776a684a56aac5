package export

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/evidence"
)

// Field names accepted by ParseFields.
const (
	FieldIdentity          = "identity"
	FieldTimestamp         = "timestamp"
	FieldConversationID    = "conversation_id"
	FieldConversationTitle = "conversation_title"
	FieldMessageID         = "message_id"
	FieldSender            = "sender"
	FieldReceiver          = "receiver"
	FieldContentType       = "content_type"
	FieldText              = "text"
	FieldMedia             = "media"
	FieldReactions         = "reactions"
	FieldSavedBy           = "saved_by"
	FieldScreenshottedBy   = "screenshotted_by"
	FieldReplayedBy        = "replayed_by"
	FieldGroupMembers      = "group_members"
	FieldIP                = "ip"
	FieldPort              = "port"
	FieldTags              = "tags"
	FieldPartial           = "partial"
	FieldSourceFile        = "source_file"
	FieldSourceLine        = "source_line"
)

// DefaultFields is the field selection used when none is given.
var DefaultFields = []string{
	FieldTimestamp,
	FieldConversationID,
	FieldConversationTitle,
	FieldSender,
	FieldReceiver,
	FieldContentType,
	FieldText,
	FieldMedia,
	FieldTags,
	FieldSourceFile,
	FieldSourceLine,
}

// fieldValues renders one field of a message as text. List fields are
// joined with "; ".
var fieldValues = map[string]func(m *evidence.Message) string{
	FieldIdentity:          func(m *evidence.Message) string { return m.Identity },
	FieldTimestamp:         formatTimestamp,
	FieldConversationID:    func(m *evidence.Message) string { return m.ConversationID },
	FieldConversationTitle: func(m *evidence.Message) string { return m.ConversationTitle },
	FieldMessageID:         func(m *evidence.Message) string { return m.MessageID },
	FieldSender:            func(m *evidence.Message) string { return m.Sender },
	FieldReceiver:          func(m *evidence.Message) string { return m.Receiver },
	FieldContentType:       func(m *evidence.Message) string { return m.ContentType },
	FieldText:              func(m *evidence.Message) string { return m.Text },
	FieldMedia:             func(m *evidence.Message) string { return joinList(m.MediaRefs) },
	FieldReactions:         formatReactions,
	FieldSavedBy:           func(m *evidence.Message) string { return joinList(m.SavedBy) },
	FieldScreenshottedBy:   func(m *evidence.Message) string { return joinList(m.ScreenshottedBy) },
	FieldReplayedBy:        func(m *evidence.Message) string { return joinList(m.ReplayedBy) },
	FieldGroupMembers:      func(m *evidence.Message) string { return joinList(m.GroupMembers) },
	FieldIP:                func(m *evidence.Message) string { return m.IP },
	FieldPort:              func(m *evidence.Message) string { return m.Port },
	FieldTags:              func(m *evidence.Message) string { return joinList(m.Tags) },
	FieldPartial:           func(m *evidence.Message) string { return strconv.FormatBool(m.IsPartial) },
	FieldSourceFile:        func(m *evidence.Message) string { return m.SourceFile },
	FieldSourceLine:        func(m *evidence.Message) string { return strconv.Itoa(m.SourceLine) },
}

// ParseFields parses a comma-separated field list. An empty list selects
// DefaultFields.
func ParseFields(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return append([]string(nil), DefaultFields...), nil
	}
	var fields []string
	seen := make(map[string]bool)
	for _, f := range strings.Split(s, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		if _, ok := fieldValues[f]; !ok {
			return nil, fmt.Errorf("unknown export field %q", f)
		}
		seen[f] = true
		fields = append(fields, f)
	}
	return fields, nil
}

// FieldValue renders one field of m.
func FieldValue(m *evidence.Message, field string) string {
	if fn, ok := fieldValues[field]; ok {
		return fn(m)
	}
	return ""
}

func formatTimestamp(m *evidence.Message) string {
	if m.TimestampInvalid {
		return "invalid: " + m.RawTimestamp
	}
	if m.Timestamp.IsZero() {
		return ""
	}
	return m.Timestamp.UTC().Format(time.RFC3339Nano)
}

func formatReactions(m *evidence.Message) string {
	parts := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		if r.User == "" {
			parts = append(parts, r.Reaction)
			continue
		}
		parts = append(parts, r.User+": "+r.Reaction)
	}
	return joinList(parts)
}

func joinList(items []string) string {
	return strings.Join(items, "; ")
}
