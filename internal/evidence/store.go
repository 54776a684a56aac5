package evidence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDuplicateProvenance is returned by Add for a message whose
	// (source file, source line) is already stored.
	ErrDuplicateProvenance = errors.New("duplicate message provenance")
	// ErrUnknownMessage is returned when a mutation names a message
	// identity that is not in the store.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnknownConversation is returned when a mutation names a
	// conversation that is not in the store.
	ErrUnknownConversation = errors.New("unknown conversation")
)

type conversation struct {
	mu           sync.RWMutex
	meta         Conversation
	participants map[string]bool
	files        map[string]bool
	msgs         []*Message
	sorted       bool
}

// sortLocked orders the messages if appends left them unsorted. Callers
// hold c.mu for writing.
func (c *conversation) sortLocked() {
	if c.sorted {
		return
	}
	sort.SliceStable(c.msgs, func(i, j int) bool { return Less(c.msgs[i], c.msgs[j]) })
	c.sorted = true
}

// rlockSorted returns with c.mu read-locked and the messages in order.
func (c *conversation) rlockSorted() {
	c.mu.RLock()
	if c.sorted {
		return
	}
	c.mu.RUnlock()
	c.mu.Lock()
	c.sortLocked()
	c.mu.Unlock()
	c.mu.RLock()
	// A writer may have appended between Unlock and RLock.
	if !c.sorted {
		c.mu.RUnlock()
		c.rlockSorted()
	}
}

// Store is the in-memory evidence store. Writes to one conversation are
// serialized by that conversation's lock; any number of readers may run
// concurrently with writers to other conversations. Readers always observe
// a conversation's messages in Less order.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*conversation
	index    map[string]*Message
	indexC   map[string]*conversation
	complete bool
}

// NewStore returns an empty store. It starts out incomplete; the loader
// calls SetComplete once every record file has been ingested.
func NewStore() *Store {
	return &Store{
		convs:  make(map[string]*conversation),
		index:  make(map[string]*Message),
		indexC: make(map[string]*conversation),
	}
}

// Add inserts messages. Messages whose provenance is already stored are
// skipped and reported in the returned error; all others are added.
func (s *Store) Add(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	byConv := make(map[*conversation][]*Message)
	var dups []error

	s.mu.Lock()
	for i := range msgs {
		m := msgs[i]
		if _, ok := s.index[m.Identity]; ok || m.Identity == "" {
			dups = append(dups, fmt.Errorf("%w: %q", ErrDuplicateProvenance, m.Identity))
			continue
		}
		c := s.convs[m.ConversationID]
		if c == nil {
			c = &conversation{
				meta:         Conversation{ID: m.ConversationID},
				participants: make(map[string]bool),
				files:        make(map[string]bool),
				sorted:       true,
			}
			if m.ConversationID == ReportedFilesID {
				c.meta.Title = ReportedFilesTitle
			}
			s.convs[m.ConversationID] = c
		}
		s.index[m.Identity] = &m
		s.indexC[m.Identity] = c
		byConv[c] = append(byConv[c], &m)
	}
	s.mu.Unlock()

	for c, batch := range byConv {
		c.mu.Lock()
		for _, m := range batch {
			c.appendLocked(m)
		}
		c.mu.Unlock()
	}
	return errors.Join(dups...)
}

func (c *conversation) appendLocked(m *Message) {
	if n := len(c.msgs); n > 0 && c.sorted && Less(m, c.msgs[n-1]) {
		c.sorted = false
	}
	c.msgs = append(c.msgs, m)
	c.meta.MessageCount++
	if c.meta.Title == "" && m.ConversationTitle != "" {
		c.meta.Title = m.ConversationTitle
	}
	if !m.TimestampInvalid {
		if c.meta.First.IsZero() || m.Timestamp.Before(c.meta.First) {
			c.meta.First = m.Timestamp
		}
		if m.Timestamp.After(c.meta.Last) {
			c.meta.Last = m.Timestamp
		}
	}
	for _, p := range participantsOf(m) {
		c.participants[p] = true
	}
	c.files[m.SourceFile] = true
}

func participantsOf(m *Message) []string {
	var out []string
	if m.Sender != "" {
		out = append(out, m.Sender)
	}
	if m.Receiver != "" {
		out = append(out, m.Receiver)
	}
	return append(out, m.GroupMembers...)
}

func (c *conversation) snapshotLocked() Conversation {
	meta := c.meta
	meta.Participants = sortedKeys(c.participants)
	meta.SourceFiles = sortedKeys(c.files)
	meta.Notes = append([]string(nil), c.meta.Notes...)
	return meta
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) lookupConv(id string) *conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[id]
}

func (s *Store) allConvs() []*conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Conversation returns the metadata of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	c := s.lookupConv(id)
	if c == nil {
		return Conversation{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(), true
}

// Conversations returns all conversations ordered by display name, with
// ReportedFiles last.
func (s *Store) Conversations() []Conversation {
	convs := s.allConvs()
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		c.mu.RLock()
		out = append(out, c.snapshotLocked())
		c.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].ID == ReportedFilesID, out[j].ID == ReportedFilesID
		if ri != rj {
			return rj
		}
		ni, nj := strings.ToLower(out[i].DisplayName()), strings.ToLower(out[j].DisplayName())
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns a copy of one conversation's messages in order.
func (s *Store) Messages(conversationID string) []Message {
	c := s.lookupConv(conversationID)
	if c == nil {
		return nil
	}
	c.rlockSorted()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = *m
	}
	return out
}

// AllMessages returns every message, all conversations merged into a single
// sequence in Less order.
func (s *Store) AllMessages() []Message {
	var out []Message
	for _, c := range s.allConvs() {
		c.rlockSorted()
		for _, m := range c.msgs {
			out = append(out, *m)
		}
		c.mu.RUnlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(&out[i], &out[j]) })
	return out
}

// Message returns one message by identity.
func (s *Store) Message(identity string) (Message, bool) {
	s.mu.RLock()
	m, ok := s.index[identity]
	c := s.indexC[identity]
	s.mu.RUnlock()
	if !ok {
		return Message{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *m, true
}

// SetTags replaces the tags of a message. Tags are normalized with
// NormalizeTags.
func (s *Store) SetTags(identity string, tags []string) error {
	s.mu.RLock()
	m, ok := s.index[identity]
	c := s.indexC[identity]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, identity)
	}
	norm := NormalizeTags(tags)
	c.mu.Lock()
	m.Tags = norm
	c.mu.Unlock()
	return nil
}

// SetReviewed sets the reviewed flag of a conversation.
func (s *Store) SetReviewed(conversationID string, reviewed bool) error {
	c := s.lookupConv(conversationID)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownConversation, conversationID)
	}
	c.mu.Lock()
	c.meta.Reviewed = reviewed
	c.mu.Unlock()
	return nil
}

// SetNotes replaces the notes of a conversation.
func (s *Store) SetNotes(conversationID string, notes []string) error {
	c := s.lookupConv(conversationID)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownConversation, conversationID)
	}
	c.mu.Lock()
	c.meta.Notes = append([]string(nil), notes...)
	c.mu.Unlock()
	return nil
}

// AddNote appends a note to a conversation.
func (s *Store) AddNote(conversationID, note string) error {
	c := s.lookupConv(conversationID)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownConversation, conversationID)
	}
	c.mu.Lock()
	c.meta.Notes = append(c.meta.Notes, note)
	c.mu.Unlock()
	return nil
}

// SetComplete marks whether every record file was ingested. A store left
// incomplete by a cancelled or failed load is still consistent and
// readable.
func (s *Store) SetComplete(complete bool) {
	s.mu.Lock()
	s.complete = complete
	s.mu.Unlock()
}

// Complete reports whether the load that filled the store finished.
func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.complete
}
