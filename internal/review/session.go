package review

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/evidence"
)

// MergeStats counts how loaded records matched the in-memory store.
type MergeStats struct {
	Matched               int // message records applied to a message
	Retained              int // message records with no message, kept for the next save
	Conversations         int
	ConversationsRetained int
}

// Merge applies st onto the messages and conversations in ev. Records that
// match nothing stay in st untouched so the next Save writes them back.
func Merge(ev *evidence.Store, st *State) MergeStats {
	var stats MergeStats
	for identity, e := range st.messages {
		if err := ev.SetTags(identity, e.rec.Tags); err != nil {
			stats.Retained++
			continue
		}
		stats.Matched++
	}
	for id, e := range st.convs {
		if _, ok := ev.Conversation(id); !ok {
			stats.ConversationsRetained++
			continue
		}
		_ = ev.SetReviewed(id, e.rec.Reviewed)
		_ = ev.SetNotes(id, e.rec.Notes)
		stats.Conversations++
	}
	return stats
}

// Session is the review state of one open case. Mutations update the
// evidence store immediately and are written on the next Save.
type Session struct {
	store *Store
	ev    *evidence.Store
	id    caseid.Identity

	mu     sync.Mutex
	state  *State
	dirty  bool
	report LoadReport
	stats  MergeStats
}

// Attach loads the persisted state of id and merges it into ev.
func (s *Store) Attach(ctx context.Context, id caseid.Identity, ev *evidence.Store) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, report, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	stats := Merge(ev, st)
	s.log.Info("review state merged",
		"case", id.ShortKey(),
		"matched", stats.Matched,
		"retained", stats.Retained,
		"conversations", stats.Conversations,
		"corrupt_files", len(report.Corrupt))
	return &Session{
		store:  s,
		ev:     ev,
		id:     id,
		state:  st,
		report: *report,
		stats:  stats,
	}, nil
}

// Identity returns the case identity the session is bound to.
func (ss *Session) Identity() caseid.Identity {
	return ss.id
}

// LoadReport returns what Attach read from disk.
func (ss *Session) LoadReport() LoadReport {
	return ss.report
}

// MergeStats returns how the loaded records matched the store.
func (ss *Session) MergeStats() MergeStats {
	return ss.stats
}

// Dirty reports whether there are unsaved mutations.
func (ss *Session) Dirty() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.dirty
}

// State returns the session's review state. Callers must not mutate it.
func (ss *Session) State() *State {
	return ss.state
}

// SetTags replaces the tags of a message. An empty tag list clears them.
func (ss *Session) SetTags(identity string, tags []string) error {
	msg, ok := ss.ev.Message(identity)
	if !ok {
		return fmt.Errorf("%w: %q", evidence.ErrUnknownMessage, identity)
	}
	fp, ok := ss.id.Lookup(msg.SourceFile)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoFingerprint, msg.SourceFile)
	}
	tags = evidence.NormalizeTags(tags)
	if err := ss.ev.SetTags(identity, tags); err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.state.putMessage(TagRecord{
		Identity:       identity,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Tags:           tags,
		UpdatedAt:      ss.store.now().UTC(),
	}, fp.SHA256)
	ss.dirty = true
	return nil
}

// AddTags adds tags to the existing tags of a message.
func (ss *Session) AddTags(identity string, tags ...string) error {
	msg, ok := ss.ev.Message(identity)
	if !ok {
		return fmt.Errorf("%w: %q", evidence.ErrUnknownMessage, identity)
	}
	return ss.SetTags(identity, append(append([]string(nil), msg.Tags...), tags...))
}

// RemoveTags removes tags (case-insensitive) from a message.
func (ss *Session) RemoveTags(identity string, tags ...string) error {
	msg, ok := ss.ev.Message(identity)
	if !ok {
		return fmt.Errorf("%w: %q", evidence.ErrUnknownMessage, identity)
	}
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[strings.ToLower(strings.TrimSpace(t))] = true
	}
	var keep []string
	for _, t := range msg.Tags {
		if !drop[strings.ToLower(t)] {
			keep = append(keep, t)
		}
	}
	return ss.SetTags(identity, keep)
}

// MarkReviewed sets the reviewed flag of a conversation.
func (ss *Session) MarkReviewed(conversationID string, reviewed bool) error {
	if err := ss.ev.SetReviewed(conversationID, reviewed); err != nil {
		return err
	}
	return ss.recordConversation(conversationID)
}

// AddNote appends a note to a conversation.
func (ss *Session) AddNote(conversationID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return fmt.Errorf("empty note")
	}
	if err := ss.ev.AddNote(conversationID, note); err != nil {
		return err
	}
	return ss.recordConversation(conversationID)
}

// recordConversation copies the conversation's current review state into
// its record and binds the record to every record file that contributed
// messages to it.
func (ss *Session) recordConversation(conversationID string) error {
	conv, ok := ss.ev.Conversation(conversationID)
	if !ok {
		return fmt.Errorf("%w: %q", evidence.ErrUnknownConversation, conversationID)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	e, ok := ss.state.convs[conversationID]
	if !ok {
		e = convEntry{fingerprints: make(map[string]bool)}
	}
	e.rec = ConversationRecord{
		ConversationID: conversationID,
		Reviewed:       conv.Reviewed,
		Notes:          append([]string(nil), conv.Notes...),
		UpdatedAt:      ss.store.now().UTC(),
	}
	for _, file := range conv.SourceFiles {
		if fp, ok := ss.id.Lookup(file); ok {
			e.fingerprints[fp.SHA256] = true
		}
	}
	if len(e.fingerprints) == 0 {
		return fmt.Errorf("%w: conversation %q", ErrNoFingerprint, conversationID)
	}
	ss.state.convs[conversationID] = e
	ss.dirty = true
	return nil
}

// Save writes the session state to disk.
func (ss *Session) Save() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err := ss.store.Save(ss.id, ss.state); err != nil {
		return err
	}
	ss.dirty = false
	return nil
}
