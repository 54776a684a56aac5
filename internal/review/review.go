// Package review persists analyst review state (message tags, conversation
// reviewed flags and notes) across runs. State is stored in one JSON case
// file per record-file fingerprint, so it reattaches to the same evidence
// even when an archive is re-exported with more or fewer record files.
package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/fileutil"
)

// CaseFileVersion is the version written by Save. Files with a newer
// version are still read; fields this version does not know are ignored.
const CaseFileVersion = 1

var (
	// ErrCorrupt marks a case file that could not be decoded or does not
	// belong to the fingerprint it is stored under.
	ErrCorrupt = errors.New("review store corrupt")
	// ErrNoFingerprint is returned when a message's record file is not part
	// of the case identity, so its review state has nowhere to live.
	ErrNoFingerprint = errors.New("record file has no fingerprint in this case")
	// ErrMissing marks a case file that is gone while its backup remains,
	// as after a crash during a save.
	ErrMissing = errors.New("review case file missing")
)

// TagRecord is the persisted review state of one message.
type TagRecord struct {
	Identity       string    `json:"identity"`
	MessageID      string    `json:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Tags           []string  `json:"tags"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationRecord is the persisted review state of one conversation.
type ConversationRecord struct {
	ConversationID string    `json:"conversation_id"`
	Reviewed       bool      `json:"reviewed"`
	Notes          []string  `json:"notes,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CaseFile is the on-disk document for one record-file fingerprint.
// Byte-identical record files at several paths share one case file;
// SourceFiles lists every path the content had when it was saved.
type CaseFile struct {
	Version       int                  `json:"version"`
	Fingerprint   string               `json:"fingerprint"`
	SourceFile    string               `json:"source_file"`
	SourceFiles   []string             `json:"source_files,omitempty"`
	SavedAt       time.Time            `json:"saved_at"`
	Messages      []TagRecord          `json:"messages"`
	Conversations []ConversationRecord `json:"conversations"`
}

// CorruptFile describes a case file that failed to load, either because it
// could not be decoded (ErrCorrupt) or because only its backup was left
// (ErrMissing).
type CorruptFile struct {
	Fingerprint string
	Path        string
	Quarantine  string // copy of the unreadable file, kept for recovery
	Recovered   string // "backup" or "empty"
	Err         error
}

// LoadReport summarizes a Load.
type LoadReport struct {
	FilesRead     int
	Messages      int
	Conversations int
	Corrupt       []CorruptFile
}

type messageEntry struct {
	rec         TagRecord
	fingerprint string
}

type convEntry struct {
	rec          ConversationRecord
	fingerprints map[string]bool
}

// State is the review state of one case, keyed by message identity and
// conversation ID. Each record remembers which case files it belongs to.
type State struct {
	messages map[string]messageEntry
	convs    map[string]convEntry
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		messages: make(map[string]messageEntry),
		convs:    make(map[string]convEntry),
	}
}

// Len returns the number of message records.
func (st *State) Len() int {
	return len(st.messages)
}

// Record returns the record of a message identity.
func (st *State) Record(identity string) (TagRecord, bool) {
	e, ok := st.messages[identity]
	return e.rec, ok
}

// Records returns every message record keyed by identity.
func (st *State) Records() map[string]TagRecord {
	out := make(map[string]TagRecord, len(st.messages))
	for k, e := range st.messages {
		out[k] = e.rec
	}
	return out
}

// Conversation returns the record of a conversation.
func (st *State) Conversation(id string) (ConversationRecord, bool) {
	e, ok := st.convs[id]
	return e.rec, ok
}

// ConversationIDs returns the IDs of every conversation record, sorted.
func (st *State) ConversationIDs() []string {
	ids := make([]string, 0, len(st.convs))
	for id := range st.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (st *State) putMessage(rec TagRecord, fingerprint string) {
	if len(rec.Tags) == 0 {
		delete(st.messages, rec.Identity)
		return
	}
	st.messages[rec.Identity] = messageEntry{rec: rec, fingerprint: fingerprint}
}

// mergeConversation folds rec into the state: reviewed flags are OR'ed and
// notes unioned in first-seen order.
func (st *State) mergeConversation(rec ConversationRecord, fingerprint string) {
	e, ok := st.convs[rec.ConversationID]
	if !ok {
		e = convEntry{rec: ConversationRecord{ConversationID: rec.ConversationID}, fingerprints: make(map[string]bool)}
	}
	e.rec.Reviewed = e.rec.Reviewed || rec.Reviewed
	e.rec.Notes = unionNotes(e.rec.Notes, rec.Notes)
	if rec.UpdatedAt.After(e.rec.UpdatedAt) {
		e.rec.UpdatedAt = rec.UpdatedAt
	}
	e.fingerprints[fingerprint] = true
	st.convs[rec.ConversationID] = e
}

func unionNotes(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Store reads and writes case files under <dataDir>/cases.
type Store struct {
	dir string
	log *slog.Logger
	now func() time.Time

	// Serializes saves; review state has a single writer per process.
	mu sync.Mutex
}

// NewStore returns a store rooted at dataDir.
func NewStore(dataDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		dir: filepath.Join(dataDir, "cases"),
		log: log,
		now: time.Now,
	}
}

// Dir returns the directory holding the case files.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the case file path for a record-file fingerprint.
func (s *Store) Path(fingerprint string) string {
	prefix := fingerprint
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.dir, prefix, fingerprint+".json")
}

// Load reads the case file of every record file in id. A corrupt file is
// copied aside, its backup is used when readable, and the condition is
// recorded in the report; Load itself only fails on I/O errors other than
// a missing file.
func (s *Store) Load(id caseid.Identity) (*State, *LoadReport, error) {
	st := NewState()
	report := &LoadReport{}

	for _, g := range groupByContent(id.Files()) {
		cf, err := s.loadFile(g.sha, report)
		if err != nil {
			return nil, nil, err
		}
		if cf == nil {
			continue
		}
		report.FilesRead++
		moves := movedPaths(cf, g.paths)
		for _, rec := range cf.Messages {
			rec.Identity = rebase(rec.Identity, moves)
			rec.Tags = evidence.NormalizeTags(rec.Tags)
			st.putMessage(rec, g.sha)
		}
		for _, rec := range cf.Conversations {
			st.mergeConversation(rec, g.sha)
		}
	}
	report.Messages = len(st.messages)
	report.Conversations = len(st.convs)
	return st, report, nil
}

type contentGroup struct {
	sha   string
	paths []string
}

// groupByContent collects the paths of byte-identical record files, in the
// order their content first appears.
func groupByContent(files []caseid.FileFingerprint) []contentGroup {
	var groups []contentGroup
	index := make(map[string]int)
	for _, fp := range files {
		i, ok := index[fp.SHA256]
		if !ok {
			i = len(groups)
			index[fp.SHA256] = i
			groups = append(groups, contentGroup{sha: fp.SHA256})
		}
		groups[i].paths = append(groups[i].paths, fp.SourceFile)
	}
	for i := range groups {
		sort.Strings(groups[i].paths)
	}
	return groups
}

// movedPaths maps the one recorded path that no longer exists to the one
// current path the case file has never seen. Any other combination is
// ambiguous and records keep their identities.
func movedPaths(cf *CaseFile, current []string) map[string]string {
	recorded := make(map[string]bool)
	if cf.SourceFile != "" {
		recorded[cf.SourceFile] = true
	}
	for _, f := range cf.SourceFiles {
		recorded[f] = true
	}
	for _, rec := range cf.Messages {
		if f, _, err := caseid.ParseMessageIdentity(rec.Identity); err == nil {
			recorded[f] = true
		}
	}

	now := make(map[string]bool, len(current))
	var unclaimed []string
	for _, f := range current {
		now[f] = true
		if !recorded[f] {
			unclaimed = append(unclaimed, f)
		}
	}
	var orphans []string
	for f := range recorded {
		if !now[f] {
			orphans = append(orphans, f)
		}
	}
	if len(orphans) != 1 || len(unclaimed) != 1 {
		return nil
	}
	return map[string]string{orphans[0]: unclaimed[0]}
}

// rebase moves an identity recorded under an old source path to the path
// the same bytes have in the current archive.
func rebase(identity string, moves map[string]string) string {
	if len(moves) == 0 {
		return identity
	}
	file, line, err := caseid.ParseMessageIdentity(identity)
	if err != nil {
		return identity
	}
	to, ok := moves[file]
	if !ok {
		return identity
	}
	return caseid.MessageIdentity(to, line)
}

func (s *Store) loadFile(sha string, report *LoadReport) (*CaseFile, error) {
	path := s.Path(sha)
	cf, err := readCaseFile(path, sha)
	if err == nil {
		return cf, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return s.recoverMissing(path, sha, report), nil
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, fmt.Errorf("read case file %s: %w", path, err)
	}

	bad := CorruptFile{Fingerprint: sha, Path: path, Err: err}
	quarantine := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if _, cpErr := fileutil.CopyFile(path, quarantine, 0600); cpErr != nil {
		s.log.Warn("could not quarantine corrupt case file", "path", path, "error", cpErr)
	} else {
		bad.Quarantine = quarantine
	}

	backup, bakErr := readCaseFile(path+".bak", sha)
	if bakErr == nil && backup != nil {
		bad.Recovered = "backup"
		cf = backup
	} else {
		bad.Recovered = "empty"
		cf = nil
	}
	report.Corrupt = append(report.Corrupt, bad)
	s.log.Warn("corrupt case file", "path", path, "recovered", bad.Recovered, "quarantine", bad.Quarantine, "error", err)
	return cf, nil
}

// recoverMissing reads the backup of a case file that does not exist. No
// backup means the record file simply has no review state yet.
func (s *Store) recoverMissing(path, sha string, report *LoadReport) *CaseFile {
	backup, err := readCaseFile(path+".bak", sha)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	missing := CorruptFile{
		Fingerprint: sha,
		Path:        path,
		Recovered:   "backup",
		Err:         fmt.Errorf("%w: %s", ErrMissing, path),
	}
	if err != nil {
		missing.Recovered = "empty"
		missing.Err = fmt.Errorf("%w: backup unreadable: %v", ErrMissing, err)
		backup = nil
	}
	report.Corrupt = append(report.Corrupt, missing)
	s.log.Warn("case file missing", "path", path, "recovered", missing.Recovered, "error", missing.Err)
	return backup
}

func readCaseFile(path, fingerprint string) (*CaseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf CaseFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cf.Version < 1 {
		return nil, fmt.Errorf("%w: missing version", ErrCorrupt)
	}
	if cf.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%w: file is for fingerprint %q", ErrCorrupt, cf.Fingerprint)
	}
	return &cf, nil
}

// Save writes the state back to one case file per distinct record-file
// content in id. Each file is written to a temp file, synced, and renamed
// into place; the previous version is kept as <file>.bak. Record files
// without review state and without an existing case file are skipped.
func (s *Store) Save(id caseid.Identity, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := groupByContent(id.Files())
	byFP := make(map[string]*CaseFile, len(groups))
	savedAt := s.now().UTC()
	for _, g := range groups {
		byFP[g.sha] = &CaseFile{
			Version:       CaseFileVersion,
			Fingerprint:   g.sha,
			SourceFile:    g.paths[0],
			SourceFiles:   g.paths,
			SavedAt:       savedAt,
			Messages:      []TagRecord{},
			Conversations: []ConversationRecord{},
		}
	}
	for _, e := range st.messages {
		if cf := byFP[e.fingerprint]; cf != nil {
			cf.Messages = append(cf.Messages, e.rec)
		}
	}
	for _, e := range st.convs {
		for fp := range e.fingerprints {
			if cf := byFP[fp]; cf != nil {
				cf.Conversations = append(cf.Conversations, e.rec)
			}
		}
	}

	var errs []error
	for _, g := range groups {
		cf := byFP[g.sha]
		path := s.Path(g.sha)
		if len(cf.Messages) == 0 && len(cf.Conversations) == 0 {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
		}
		sortCaseFile(cf)
		data, err := json.MarshalIndent(cf, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("encode case file %s: %w", path, err))
			continue
		}
		if err := fileutil.WriteFileAtomic(path, data, 0600, path+".bak"); err != nil {
			errs = append(errs, fmt.Errorf("write case file %s: %w", path, err))
			continue
		}
		s.log.Debug("saved case file", "path", path, "messages", len(cf.Messages), "conversations", len(cf.Conversations))
	}
	return errors.Join(errs...)
}

func sortCaseFile(cf *CaseFile) {
	sort.Slice(cf.Messages, func(i, j int) bool {
		return identityLess(cf.Messages[i].Identity, cf.Messages[j].Identity)
	})
	sort.Slice(cf.Conversations, func(i, j int) bool {
		return cf.Conversations[i].ConversationID < cf.Conversations[j].ConversationID
	})
}

// identityLess orders identities by source file, then numerically by line.
func identityLess(a, b string) bool {
	fa, la, errA := caseid.ParseMessageIdentity(a)
	fb, lb, errB := caseid.ParseMessageIdentity(b)
	if errA != nil || errB != nil {
		return a < b
	}
	if fa != fb {
		return fa < fb
	}
	return la < lb
}
