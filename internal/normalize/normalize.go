// Package normalize maps parsed record rows onto the evidence message
// model: user identifiers are resolved through an injected UserMap,
// reactions are decoded, timestamps are parsed, and partial rows are routed
// to the ReportedFiles conversation.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/records"
)

// UnresolvedPrefix marks a user identifier that has no user map entry.
const UnresolvedPrefix = "unresolved:"

// ErrMalformedRow is returned when asked to normalize a MalformedRow.
var ErrMalformedRow = errors.New("malformed row")

// Normalizer converts rows to messages. It is safe for concurrent use.
type Normalizer struct {
	users *UserMap
}

// New returns a Normalizer resolving identifiers through users, which may
// be nil.
func New(users *UserMap) *Normalizer {
	return &Normalizer{users: users}
}

// Normalize maps one row from sourceFile to exactly one message.
func (n *Normalizer) Normalize(sourceFile string, row records.Row) (evidence.Message, error) {
	switch r := row.(type) {
	case records.CompleteRow:
		return n.complete(sourceFile, r), nil
	case records.PartialRow:
		return n.partial(sourceFile, r), nil
	default:
		return evidence.Message{}, ErrMalformedRow
	}
}

func (n *Normalizer) partial(sourceFile string, r records.PartialRow) evidence.Message {
	m := evidence.Message{
		Identity:          caseid.MessageIdentity(sourceFile, r.LineNo),
		ConversationID:    evidence.ReportedFilesID,
		ConversationTitle: evidence.ReportedFilesTitle,
		Sender:            strings.TrimSpace(r.SenderUsername),
		RawTimestamp:      r.Timestamp,
		SourceFile:        sourceFile,
		SourceLine:        r.LineNo,
		IsPartial:         true,
	}
	if ref := strings.TrimSpace(r.MediaID); ref != "" {
		m.MediaRefs = []string{ref}
	}
	m.Timestamp, m.TimestampInvalid = parseOrFlag(r.Timestamp)
	return m
}

func (n *Normalizer) complete(sourceFile string, r records.CompleteRow) evidence.Message {
	m := evidence.Message{
		Identity:          caseid.MessageIdentity(sourceFile, r.LineNo),
		MessageID:         strings.TrimSpace(r.Get(records.ColMessageID)),
		ConversationTitle: strings.TrimSpace(r.Get(records.ColConversationTitle)),
		ContentType:       strings.TrimSpace(r.Get(records.ColContentType)),
		Text:              r.Get(records.ColText),
		RawTimestamp:      r.Get(records.ColTimestamp),
		IP:                strings.TrimSpace(r.Get(records.ColIP)),
		Port:              strings.TrimSpace(r.Get(records.ColPort)),
		SourceFile:        sourceFile,
		SourceLine:        r.LineNo,
		MediaRefs:         splitList(r.Get(records.ColMediaID)),
	}
	if m.ContentType == "" {
		m.ContentType = strings.TrimSpace(r.Get(records.ColMessageType))
	}
	m.Timestamp, m.TimestampInvalid = parseOrFlag(m.RawTimestamp)

	var u bool
	m.Sender, u = n.resolveUser(r.Get(records.ColSenderUsername), r.Get(records.ColSenderUserID))
	m.Unresolved = m.Unresolved || u
	m.Receiver, u = n.resolveUser(r.Get(records.ColRecipientUsername), r.Get(records.ColRecipientUserID))
	m.Unresolved = m.Unresolved || u

	m.GroupMembers, u = n.resolveList(r.Get(records.ColGroupMembers))
	m.Unresolved = m.Unresolved || u
	m.SavedBy, u = n.resolveList(r.Get(records.ColSavedBy))
	m.Unresolved = m.Unresolved || u
	m.ScreenshottedBy, u = n.resolveList(r.Get(records.ColScreenshottedBy))
	m.Unresolved = m.Unresolved || u
	m.ReplayedBy, u = n.resolveList(r.Get(records.ColReplayedBy))
	m.Unresolved = m.Unresolved || u
	m.Reactions, u = n.decodeReactions(r.Get(records.ColReactions))
	m.Unresolved = m.Unresolved || u

	for col, v := range r.Fields {
		if records.IsKnownColumn(col) || strings.TrimSpace(v) == "" {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[col] = v
	}

	m.ConversationID = conversationID(
		strings.TrimSpace(r.Get(records.ColConversationID)),
		m.ConversationTitle,
		participants(&m),
	)
	return m
}

// parseOrFlag returns the parsed instant, or the zero time and true when
// the value cannot be parsed. The row is kept either way.
func parseOrFlag(raw string) (time.Time, bool) {
	ts, ok := ParseTimestamp(raw)
	if !ok {
		return time.Time{}, true
	}
	return ts, false
}

// resolveUser prefers the username column. An identifier without a user
// map entry passes through as UnresolvedPrefix+id.
func (n *Normalizer) resolveUser(username, userID string) (string, bool) {
	if name := strings.TrimSpace(username); name != "" {
		return name, false
	}
	return n.resolveID(userID)
}

func (n *Normalizer) resolveID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if name, ok := n.users.User(id); ok {
		return name, false
	}
	return UnresolvedPrefix + id, true
}

// resolveValue treats all-digit values as identifiers and anything else as
// a username.
func (n *Normalizer) resolveValue(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if isDigits(v) {
		return n.resolveID(v)
	}
	return v, false
}

func (n *Normalizer) resolveList(raw string) ([]string, bool) {
	items := splitList(raw)
	unresolved := false
	for i, item := range items {
		name, u := n.resolveValue(item)
		items[i] = name
		unresolved = unresolved || u
	}
	return items, unresolved
}

// splitList splits a list column on ';', ',' or '|', trimming items and
// dropping empties. Order is preserved.
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == '|'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func participants(m *evidence.Message) []string {
	var out []string
	if m.Sender != "" {
		out = append(out, m.Sender)
	}
	if m.Receiver != "" {
		out = append(out, m.Receiver)
	}
	return append(out, m.GroupMembers...)
}

// conversationID picks the conversation identity: the exported id, else
// the title, else a hash of the sorted participant set.
func conversationID(id, title string, members []string) string {
	if id != "" {
		return id
	}
	if title != "" {
		return title
	}
	return ParticipantsKey(members)
}

// ParticipantsKey returns "participants:" plus the first 16 hex digits of a
// SHA-256 over the sorted, de-duplicated participant set.
func ParticipantsKey(members []string) string {
	set := make(map[string]bool, len(members))
	var sorted []string
	for _, m := range members {
		if m == "" || set[m] {
			continue
		}
		set[m] = true
		sorted = append(sorted, m)
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return "participants:" + hex.EncodeToString(sum[:])[:16]
}
