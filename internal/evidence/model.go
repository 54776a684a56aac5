// Package evidence holds the normalized message model and the in-memory
// store that ingestion fills and every reader (filters, exports, review)
// consumes.
package evidence

import (
	"sort"
	"strings"
	"time"
)

// ReportedFilesID is the conversation that collects every partial
// (reported/removed content) row across all record files.
const ReportedFilesID = "ReportedFiles"

// ReportedFilesTitle is the display title of the ReportedFiles conversation.
const ReportedFilesTitle = "Reported Files"

// Reaction is one reaction left on a message.
type Reaction struct {
	User     string `json:"user"`
	Reaction string `json:"reaction"`
}

// Message is one normalized row. SourceFile and SourceLine are the
// provenance of the row and are never renumbered after ingestion.
type Message struct {
	Identity          string // source_file#source_line, see caseid.MessageIdentity
	MessageID         string // empty for partial rows
	ConversationID    string
	ConversationTitle string
	Sender            string
	Receiver          string
	Timestamp         time.Time // UTC; zero when TimestampInvalid
	TimestampInvalid  bool
	RawTimestamp      string
	ContentType       string
	Text              string
	MediaRefs         []string
	Reactions         []Reaction
	SavedBy           []string
	ScreenshottedBy   []string
	ReplayedBy        []string
	GroupMembers      []string
	IP                string
	Port              string
	Extra             map[string]string // columns outside the known schema
	SourceFile        string
	SourceLine        int
	IsPartial         bool
	Unresolved        bool // at least one user identifier had no mapping
	Tags              []string
}

// HasMedia reports whether the message references any media.
func (m *Message) HasMedia() bool {
	return len(m.MediaRefs) > 0
}

// Saved reports whether anyone saved the message.
func (m *Message) Saved() bool {
	return len(m.SavedBy) > 0
}

// HasTag reports whether the message carries tag (case-insensitive).
func (m *Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Less orders messages within a conversation: valid timestamps ascending,
// invalid timestamps after all valid ones, then source file, then source
// line. The order is total, so it does not depend on which worker parsed a
// file first.
func Less(a, b *Message) bool {
	switch {
	case a.TimestampInvalid != b.TimestampInvalid:
		return !a.TimestampInvalid
	case !a.TimestampInvalid && !a.Timestamp.Equal(b.Timestamp):
		return a.Timestamp.Before(b.Timestamp)
	case a.SourceFile != b.SourceFile:
		return a.SourceFile < b.SourceFile
	default:
		return a.SourceLine < b.SourceLine
	}
}

// Conversation is the metadata of one conversation. Reviewed and Notes are
// the only fields that change after ingestion.
type Conversation struct {
	ID           string
	Title        string
	Participants []string
	MessageCount int
	First        time.Time // earliest valid timestamp
	Last         time.Time // latest valid timestamp
	Reviewed     bool
	Notes        []string
	SourceFiles  []string // record files that contributed messages
}

// DisplayName returns the title, or the ID when there is none.
func (c *Conversation) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	return c.ID
}

// NormalizeTags trims, drops empties and duplicates (case-insensitive,
// first spelling wins) and sorts.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		k := strings.ToLower(t)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}
