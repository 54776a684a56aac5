package review

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/testutil"
)

const (
	fileA = "json/conversations.csv"
	fileB = "part_2.zip!/json/conversations.csv"
)

func fingerprint(file, content string) caseid.FileFingerprint {
	fp, err := caseid.FingerprintReader(file, strings.NewReader(content))
	if err != nil {
		panic(err)
	}
	return fp
}

func testIdentity() caseid.Identity {
	return caseid.NewIdentity(fingerprint(fileA, "aaa"), fingerprint(fileB, "bbb"))
}

func msg(file string, line int, conv string, ts time.Time) evidence.Message {
	return evidence.Message{
		Identity:       caseid.MessageIdentity(file, line),
		MessageID:      file + "-" + string(rune('0'+line)),
		ConversationID: conv,
		Sender:         "alice",
		Timestamp:      ts,
		SourceFile:     file,
		SourceLine:     line,
	}
}

// loadEvidence builds a fresh store the way a load of the same archive
// would: c1 spans both record files, c2 only the second.
func loadEvidence(t *testing.T) *evidence.Store {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ev := evidence.NewStore()
	err := ev.Add(
		msg(fileA, 2, "c1", base),
		msg(fileA, 3, "c1", base.Add(time.Minute)),
		msg(fileB, 2, "c1", base.Add(2*time.Minute)),
		msg(fileB, 3, "c2", base.Add(3*time.Minute)),
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return ev
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir(), nil)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSession_TagSaveReattach(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()
	ctx := context.Background()

	sess, err := s.Attach(ctx, id, loadEvidence(t))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	target := caseid.MessageIdentity(fileB, 3)
	if err := sess.SetTags(target, []string{"Evidence", "  ", "follow-up", "evidence"}); err != nil {
		t.Fatalf("SetTags: %v", err)
	}
	if err := sess.MarkReviewed("c1", true); err != nil {
		t.Fatalf("MarkReviewed: %v", err)
	}
	if err := sess.AddNote("c1", "discussed meetup"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	if !sess.Dirty() {
		t.Error("session should be dirty after mutations")
	}
	if err := sess.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if sess.Dirty() {
		t.Error("session should be clean after Save")
	}

	// A later run over the same evidence.
	ev2 := loadEvidence(t)
	sess2, err := s.Attach(ctx, testIdentity(), ev2)
	if err != nil {
		t.Fatalf("Attach (second run): %v", err)
	}
	got, _ := ev2.Message(target)
	if diff := cmp.Diff([]string{"Evidence", "follow-up"}, got.Tags); diff != "" {
		t.Errorf("tags after reattach (-want +got):\n%s", diff)
	}
	conv, _ := ev2.Conversation("c1")
	if !conv.Reviewed {
		t.Error("c1 should be reviewed after reattach")
	}
	if diff := cmp.Diff([]string{"discussed meetup"}, conv.Notes); diff != "" {
		t.Errorf("notes after reattach (-want +got):\n%s", diff)
	}
	want := MergeStats{Matched: 1, Conversations: 1}
	if diff := cmp.Diff(want, sess2.MergeStats()); diff != "" {
		t.Errorf("MergeStats (-want +got):\n%s", diff)
	}
}

func TestSession_ConversationStateWrittenToEveryContributingFile(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()

	sess, err := s.Attach(context.Background(), id, loadEvidence(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.MarkReviewed("c1", true); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	for _, fp := range id.Files() {
		data, err := os.ReadFile(s.Path(fp.SHA256))
		if err != nil {
			t.Fatalf("case file for %s: %v", fp.SourceFile, err)
		}
		var cf CaseFile
		if err := json.Unmarshal(data, &cf); err != nil {
			t.Fatal(err)
		}
		if len(cf.Conversations) != 1 || cf.Conversations[0].ConversationID != "c1" || !cf.Conversations[0].Reviewed {
			t.Errorf("%s conversations = %+v", fp.SourceFile, cf.Conversations)
		}
		if cf.Version != CaseFileVersion || cf.SourceFile != fp.SourceFile {
			t.Errorf("%s header = version %d source %q", fp.SourceFile, cf.Version, cf.SourceFile)
		}
	}
}

func TestSession_ReloadIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Attach(ctx, testIdentity(), loadEvidence(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.SetTags(caseid.MessageIdentity(fileA, 2), []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	var runs [2]struct {
		key   string
		stats MergeStats
		tags  map[string][]string
	}
	for i := range runs {
		ev := loadEvidence(t)
		id := testIdentity()
		ss, err := s.Attach(ctx, id, ev)
		if err != nil {
			t.Fatal(err)
		}
		runs[i].key = id.Key()
		runs[i].stats = ss.MergeStats()
		runs[i].tags = make(map[string][]string)
		for _, m := range ev.AllMessages() {
			runs[i].tags[m.Identity] = m.Tags
		}
	}
	if runs[0].key != runs[1].key {
		t.Errorf("case keys differ: %s vs %s", runs[0].key, runs[1].key)
	}
	if diff := cmp.Diff(runs[0].stats, runs[1].stats); diff != "" {
		t.Errorf("merge stats differ:\n%s", diff)
	}
	if diff := cmp.Diff(runs[0].tags, runs[1].tags); diff != "" {
		t.Errorf("merged tags differ:\n%s", diff)
	}
}

func TestSession_UnmatchedRecordsRetained(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity()

	sess, err := s.Attach(ctx, id, loadEvidence(t))
	if err != nil {
		t.Fatal(err)
	}
	gone := caseid.MessageIdentity(fileB, 2)
	if err := sess.SetTags(gone, []string{"keep-me"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	// A partial re-import that lacks the tagged row.
	ev := evidence.NewStore()
	if err := ev.Add(msg(fileB, 3, "c2", time.Now())); err != nil {
		t.Fatal(err)
	}
	sess2, err := s.Attach(ctx, id, ev)
	if err != nil {
		t.Fatal(err)
	}
	if got := sess2.MergeStats().Retained; got != 1 {
		t.Errorf("Retained = %d, want 1", got)
	}
	// An unrelated edit followed by a save must not drop the retained record.
	if err := sess2.SetTags(caseid.MessageIdentity(fileB, 3), []string{"new"}); err != nil {
		t.Fatal(err)
	}
	if err := sess2.Save(); err != nil {
		t.Fatal(err)
	}

	st, _, err := s.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := st.Record(gone)
	if !ok {
		t.Fatalf("record %s was dropped", gone)
	}
	if diff := cmp.Diff([]string{"keep-me"}, rec.Tags); diff != "" {
		t.Errorf("retained tags (-want +got):\n%s", diff)
	}
}

func TestSession_DifferentCaseDoesNotSeeTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Attach(ctx, testIdentity(), loadEvidence(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.SetTags(caseid.MessageIdentity(fileA, 2), []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	// Same paths, different bytes: a different case.
	other := caseid.NewIdentity(fingerprint(fileA, "zzz"), fingerprint(fileB, "yyy"))
	ev := loadEvidence(t)
	sess2, err := s.Attach(ctx, other, ev)
	if err != nil {
		t.Fatal(err)
	}
	if sess2.State().Len() != 0 {
		t.Errorf("other case loaded %d records", sess2.State().Len())
	}
	m, _ := ev.Message(caseid.MessageIdentity(fileA, 2))
	if len(m.Tags) != 0 {
		t.Errorf("tags leaked across cases: %v", m.Tags)
	}
}

func TestSession_ClearingTagsPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	target := caseid.MessageIdentity(fileA, 3)

	sess, _ := s.Attach(ctx, testIdentity(), loadEvidence(t))
	if err := sess.SetTags(target, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.RemoveTags(target, "A"); err != nil {
		t.Fatal(err)
	}
	if err := sess.AddTags(target, "c"); err != nil {
		t.Fatal(err)
	}
	rec, _ := sess.State().Record(target)
	if diff := cmp.Diff([]string{"b", "c"}, rec.Tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
	if err := sess.SetTags(target, nil); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	st, _, err := s.Load(testIdentity())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Record(target); ok {
		t.Error("cleared record should not be persisted")
	}
}

func TestSession_Errors(t *testing.T) {
	s := newTestStore(t)
	ev := loadEvidence(t)
	// Identity without fileB: its messages have nowhere to persist.
	id := caseid.NewIdentity(fingerprint(fileA, "aaa"))
	sess, err := s.Attach(context.Background(), id, ev)
	if err != nil {
		t.Fatal(err)
	}

	if err := sess.SetTags("nope#1", []string{"x"}); !errors.Is(err, evidence.ErrUnknownMessage) {
		t.Errorf("unknown message err = %v", err)
	}
	if err := sess.SetTags(caseid.MessageIdentity(fileB, 3), []string{"x"}); !errors.Is(err, ErrNoFingerprint) {
		t.Errorf("missing fingerprint err = %v", err)
	}
	if err := sess.MarkReviewed("nope", true); !errors.Is(err, evidence.ErrUnknownConversation) {
		t.Errorf("unknown conversation err = %v", err)
	}
	if err := sess.AddNote("c1", "   "); err == nil {
		t.Error("empty note should fail")
	}
}

func TestAttach_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestStore(t).Attach(ctx, testIdentity(), loadEvidence(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLoad_CorruptFileFallsBackToBackup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity()
	target := caseid.MessageIdentity(fileA, 2)

	sess, _ := s.Attach(ctx, id, loadEvidence(t))
	if err := sess.SetTags(target, []string{"first"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}
	if err := sess.SetTags(target, []string{"second"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	fpA, _ := id.Lookup(fileA)
	path := s.Path(fpA.SHA256)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	st, report, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(report.Corrupt) != 1 {
		t.Fatalf("Corrupt = %+v, want one entry", report.Corrupt)
	}
	bad := report.Corrupt[0]
	if !errors.Is(bad.Err, ErrCorrupt) || bad.Recovered != "backup" {
		t.Errorf("corrupt entry = %+v", bad)
	}
	testutil.AssertFileContent(t, bad.Quarantine, "{not json")
	rec, ok := st.Record(target)
	if !ok || rec.Tags[0] != "first" {
		t.Errorf("record from backup = %+v, %v", rec, ok)
	}
}

func TestLoad_CorruptWithoutBackupIsEmpty(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()
	fpA, _ := id.Lookup(fileA)
	path := s.Path(fpA.SHA256)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	// Valid JSON for the wrong fingerprint is as unusable as garbage.
	if err := os.WriteFile(path, []byte(`{"version":1,"fingerprint":"other"}`), 0600); err != nil {
		t.Fatal(err)
	}

	st, report, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Len() != 0 || len(report.Corrupt) != 1 || report.Corrupt[0].Recovered != "empty" {
		t.Errorf("state len %d, report %+v", st.Len(), report)
	}
}

func TestLoad_IgnoresUnknownFieldsAndNewerVersion(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()
	fpA, _ := id.Lookup(fileA)
	path := s.Path(fpA.SHA256)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	doc := `{
  "version": 2,
  "fingerprint": "` + fpA.SHA256 + `",
  "source_file": "` + fileA + `",
  "future_field": {"x": 1},
  "messages": [{"identity": "` + caseid.MessageIdentity(fileA, 2) + `", "tags": ["kept"], "color": "red"}]
}`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	st, report, err := s.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(report.Corrupt) != 0 || st.Len() != 1 {
		t.Errorf("report %+v len %d", report, st.Len())
	}
}

func TestLoad_RebasesMovedRecordFile(t *testing.T) {
	s := newTestStore(t)
	old := caseid.NewIdentity(fingerprint("old/conversations.csv", "aaa"))
	ev := evidence.NewStore()
	if err := ev.Add(msg("old/conversations.csv", 4, "c1", time.Now())); err != nil {
		t.Fatal(err)
	}
	sess, _ := s.Attach(context.Background(), old, ev)
	if err := sess.SetTags(caseid.MessageIdentity("old/conversations.csv", 4), []string{"moved"}); err != nil {
		t.Fatal(err)
	}
	if err := sess.Save(); err != nil {
		t.Fatal(err)
	}

	// Same bytes at a new path inside a re-packaged archive.
	moved := caseid.NewIdentity(fingerprint("new/conversations.csv", "aaa"))
	st, _, err := s.Load(moved)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Record(caseid.MessageIdentity("new/conversations.csv", 4)); !ok {
		t.Errorf("record not rebased: %v", st.Records())
	}
}

func TestSession_DuplicateContentAtTwoPaths(t *testing.T) {
	const (
		batch1 = "batch_1.zip!/json/conversations.csv"
		batch2 = "batch_2.zip!/json/conversations.csv"
	)
	s := newTestStore(t)
	id := caseid.NewIdentity(fingerprint(batch1, "same bytes"), fingerprint(batch2, "same bytes"))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	load := func() *evidence.Store {
		ev := evidence.NewStore()
		if err := ev.Add(msg(batch1, 7, "c1", base), msg(batch2, 7, "c1", base.Add(time.Second))); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	sess, err := s.Attach(context.Background(), id, load())
	testutil.MustNoErr(t, err, "Attach")
	testutil.MustNoErr(t, sess.SetTags(caseid.MessageIdentity(batch2, 7), []string{"threat"}), "SetTags")
	testutil.MustNoErr(t, sess.Save(), "Save")

	for run := 1; run <= 2; run++ {
		ev := load()
		sess, err := s.Attach(context.Background(), id, ev)
		testutil.MustNoErr(t, err, "reattach")
		a, _ := ev.Message(caseid.MessageIdentity(batch1, 7))
		b, _ := ev.Message(caseid.MessageIdentity(batch2, 7))
		if len(a.Tags) != 0 {
			t.Errorf("run %d: twin picked up tags %v", run, a.Tags)
		}
		if diff := cmp.Diff([]string{"threat"}, b.Tags); diff != "" {
			t.Errorf("run %d: tagged message (-want +got):\n%s", run, diff)
		}
		testutil.MustNoErr(t, sess.Save(), "resave")
	}

	fp, _ := id.Lookup(batch1)
	var cf CaseFile
	if err := json.Unmarshal(testutil.ReadFile(t, s.Path(fp.SHA256)), &cf); err != nil {
		t.Fatal(err)
	}
	testutil.AssertStrings(t, cf.SourceFiles, batch1, batch2)
}

func TestLoad_RebaseSkipsPathsStillPresent(t *testing.T) {
	cf := &CaseFile{
		SourceFile: "a.csv",
		Messages:   []TagRecord{{Identity: caseid.MessageIdentity("a.csv", 2)}},
	}
	tests := []struct {
		name    string
		current []string
		want    map[string]string
	}{
		{"moved", []string{"b.csv"}, map[string]string{"a.csv": "b.csv"}},
		{"unchanged", []string{"a.csv"}, nil},
		{"copy added", []string{"a.csv", "b.csv"}, nil},
		{"moved to two places", []string{"b.csv", "c.csv"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, movedPaths(cf, tc.current)); diff != "" {
				t.Errorf("movedPaths (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_RecoversFromBackupWhenFileMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testIdentity()
	target := caseid.MessageIdentity(fileA, 2)

	sess, _ := s.Attach(ctx, id, loadEvidence(t))
	testutil.MustNoErr(t, sess.SetTags(target, []string{"first"}), "SetTags")
	testutil.MustNoErr(t, sess.Save(), "Save")
	testutil.MustNoErr(t, sess.SetTags(target, []string{"second"}), "SetTags")
	testutil.MustNoErr(t, sess.Save(), "Save")

	// A crash after the old file was moved aside and before the new one
	// was renamed into place.
	fpA, _ := id.Lookup(fileA)
	path := s.Path(fpA.SHA256)
	if err := os.Rename(path, path+".bak"); err != nil {
		t.Fatal(err)
	}

	st, report, err := s.Load(id)
	testutil.MustNoErr(t, err, "Load")
	rec, ok := st.Record(target)
	if !ok || rec.Tags[0] != "second" {
		t.Errorf("record = %+v, %v; want recovered from backup", rec, ok)
	}
	if len(report.Corrupt) != 1 || !errors.Is(report.Corrupt[0].Err, ErrMissing) || report.Corrupt[0].Recovered != "backup" {
		t.Errorf("report = %+v", report.Corrupt)
	}

	// The next save writes the file back and keeps the backup intact.
	sess2, err := s.Attach(ctx, id, loadEvidence(t))
	testutil.MustNoErr(t, err, "Attach")
	testutil.MustNoErr(t, sess2.Save(), "Save after recovery")
	testutil.MustExist(t, path)
	st2, report2, err := s.Load(id)
	testutil.MustNoErr(t, err, "Load after recovery")
	if rec, ok := st2.Record(target); !ok || rec.Tags[0] != "second" || len(report2.Corrupt) != 0 {
		t.Errorf("after resave: record %+v %v, corrupt %+v", rec, ok, report2.Corrupt)
	}
}

func TestSave_CurrentFileExistsWhileBackupRotates(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()
	target := caseid.MessageIdentity(fileA, 2)
	sess, _ := s.Attach(context.Background(), id, loadEvidence(t))
	for _, tag := range []string{"one", "two", "three"} {
		testutil.MustNoErr(t, sess.SetTags(target, []string{tag}), "SetTags")
		testutil.MustNoErr(t, sess.Save(), "Save")
	}
	fpA, _ := id.Lookup(fileA)
	path := s.Path(fpA.SHA256)
	var cur, bak CaseFile
	testutil.MustNoErr(t, json.Unmarshal(testutil.ReadFile(t, path), &cur), "decode current")
	testutil.MustNoErr(t, json.Unmarshal(testutil.ReadFile(t, path+".bak"), &bak), "decode backup")
	if cur.Messages[0].Tags[0] != "three" || bak.Messages[0].Tags[0] != "two" {
		t.Errorf("current %v backup %v", cur.Messages[0].Tags, bak.Messages[0].Tags)
	}
}

func TestSave_TagRecordCarriesConversation(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()
	sess, _ := s.Attach(context.Background(), id, loadEvidence(t))
	testutil.MustNoErr(t, sess.SetTags(caseid.MessageIdentity(fileB, 3), []string{"x"}), "SetTags")
	testutil.MustNoErr(t, sess.Save(), "Save")

	// Reloaded against evidence that no longer holds the message, the
	// retained record still names its conversation.
	st, _, err := s.Load(id)
	testutil.MustNoErr(t, err, "Load")
	rec, ok := st.Record(caseid.MessageIdentity(fileB, 3))
	if !ok || rec.ConversationID != "c2" {
		t.Errorf("record = %+v, %v", rec, ok)
	}
}

func TestSave_SkipsFilesWithoutState(t *testing.T) {
	s := newTestStore(t)
	id := testIdentity()
	if err := s.Save(id, NewState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(s.Dir()); !os.IsNotExist(err) {
		t.Errorf("empty save created %s (err %v)", s.Dir(), err)
	}
}

func TestPath_Sharded(t *testing.T) {
	s := NewStore("/data", nil)
	got := s.Path("abcdef")
	want := filepath.Join("/data", "cases", "ab", "abcdef.json")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}
