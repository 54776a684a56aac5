// Package filter selects messages from the evidence store. A Predicate is a
// conjunction of independent conditions; Apply evaluates it without
// touching the store and returns the matches in chronological order.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/evidence"
)

// Predicate is a conjunction of conditions. Zero-valued fields match
// everything, so the zero Predicate selects every message of every
// conversation ("All Conversations" mode).
type Predicate struct {
	// ConversationIDs restricts the view to these conversations.
	ConversationIDs []string
	// After is inclusive, Before exclusive. A message with an invalid
	// timestamp never satisfies a date bound.
	After  *time.Time
	Before *time.Time
	// Senders and Receivers match case-insensitively; any listed value
	// matches.
	Senders      []string
	Receivers    []string
	ContentTypes []string
	// Tags must all be present on the message.
	Tags     []string
	Saved    *bool
	Reviewed *bool // conversation-level flag
	Partial  *bool
	HasMedia *bool
	// Text terms must each appear (case-insensitive) in at least one of:
	// text, sender, receiver, media references, conversation title.
	Text []string
}

// IsEmpty reports whether the predicate matches every message.
func (p *Predicate) IsEmpty() bool {
	return len(p.ConversationIDs) == 0 &&
		p.After == nil &&
		p.Before == nil &&
		len(p.Senders) == 0 &&
		len(p.Receivers) == 0 &&
		len(p.ContentTypes) == 0 &&
		len(p.Tags) == 0 &&
		p.Saved == nil &&
		p.Reviewed == nil &&
		p.Partial == nil &&
		p.HasMedia == nil &&
		len(p.Text) == 0
}

// InConversation returns a copy of p restricted to one conversation.
func (p Predicate) InConversation(id string) Predicate {
	p.ConversationIDs = []string{id}
	return p
}

// Match reports whether m satisfies the predicate. conv is m's conversation
// and may be nil when no conversation-level condition is set.
func (p *Predicate) Match(m *evidence.Message, conv *evidence.Conversation) bool {
	if len(p.ConversationIDs) > 0 && !containsFold(p.ConversationIDs, m.ConversationID, false) {
		return false
	}
	if p.After != nil || p.Before != nil {
		if m.TimestampInvalid || m.Timestamp.IsZero() {
			return false
		}
		if p.After != nil && m.Timestamp.Before(*p.After) {
			return false
		}
		if p.Before != nil && !m.Timestamp.Before(*p.Before) {
			return false
		}
	}
	if len(p.Senders) > 0 && !containsFold(p.Senders, m.Sender, true) {
		return false
	}
	if len(p.Receivers) > 0 && !containsFold(p.Receivers, m.Receiver, true) {
		return false
	}
	if len(p.ContentTypes) > 0 && !containsFold(p.ContentTypes, m.ContentType, true) {
		return false
	}
	for _, tag := range p.Tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	if p.Saved != nil && m.Saved() != *p.Saved {
		return false
	}
	if p.Partial != nil && m.IsPartial != *p.Partial {
		return false
	}
	if p.HasMedia != nil && m.HasMedia() != *p.HasMedia {
		return false
	}
	if p.Reviewed != nil {
		reviewed := conv != nil && conv.Reviewed
		if reviewed != *p.Reviewed {
			return false
		}
	}
	for _, term := range p.Text {
		if !matchText(m, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

func containsFold(set []string, v string, fold bool) bool {
	for _, s := range set {
		if s == v || (fold && strings.EqualFold(s, v)) {
			return true
		}
	}
	return false
}

func matchText(m *evidence.Message, term string) bool {
	fields := []string{m.Text, m.Sender, m.Receiver, m.ConversationTitle}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	for _, ref := range m.MediaRefs {
		if strings.Contains(strings.ToLower(ref), term) {
			return true
		}
	}
	return false
}

// Source is the read side of the evidence store.
type Source interface {
	Len() int
	Conversations() []evidence.Conversation
	Messages(conversationID string) []evidence.Message
	AllMessages() []evidence.Message
}

// View is the ordered result of Apply.
type View struct {
	Messages      []evidence.Message
	Total         int // messages in the store
	Conversations int // distinct conversations in the view
}

// Len returns the number of matching messages.
func (v *View) Len() int {
	return len(v.Messages)
}

// Status is the filter status line, "matched / total".
func (v *View) Status() string {
	return fmt.Sprintf("%d / %d", len(v.Messages), v.Total)
}

// ConversationIDs returns the conversations present in the view, in first
// appearance order.
func (v *View) ConversationIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for i := range v.Messages {
		id := v.Messages[i].ConversationID
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// MediaRefs returns the distinct media references of the view in message
// order.
func (v *View) MediaRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for i := range v.Messages {
		for _, ref := range v.Messages[i].MediaRefs {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// Apply returns the messages of src that satisfy p, ordered by
// evidence.Less. Apply only reads from src.
func Apply(src Source, p Predicate) View {
	convs := make(map[string]*evidence.Conversation)
	for _, c := range src.Conversations() {
		c := c
		convs[c.ID] = &c
	}

	var candidates []evidence.Message
	switch len(p.ConversationIDs) {
	case 0:
		candidates = src.AllMessages()
	case 1:
		candidates = src.Messages(p.ConversationIDs[0])
	default:
		picked := make(map[string]bool)
		for _, id := range p.ConversationIDs {
			if !picked[id] {
				picked[id] = true
				candidates = append(candidates, src.Messages(id)...)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return evidence.Less(&candidates[i], &candidates[j])
		})
	}

	view := View{Total: src.Len()}
	seen := make(map[string]bool)
	for i := range candidates {
		m := &candidates[i]
		if !p.Match(m, convs[m.ConversationID]) {
			continue
		}
		view.Messages = append(view.Messages, *m)
		if !seen[m.ConversationID] {
			seen[m.ConversationID] = true
			view.Conversations++
		}
	}
	return view
}
