package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/wesm/casevault/internal/archive"
	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/records"
	"github.com/wesm/casevault/internal/testutil"
)

type recordingProgress struct {
	NullProgress
	mu        sync.Mutex
	states    []State
	last      Counts
	monotonic bool
	onState   func(State)
	onFile    func(FileResult)
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{monotonic: true}
}

func (r *recordingProgress) OnStateChange(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	if r.onState != nil {
		r.onState(s)
	}
}

func (r *recordingProgress) OnProgress(c Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.FilesDiscovered < r.last.FilesDiscovered || c.FilesParsed < r.last.FilesParsed || c.RowsIngested < r.last.RowsIngested {
		r.monotonic = false
	}
	r.last = c
}

func (r *recordingProgress) OnFileComplete(res FileResult) {
	if r.onFile != nil {
		r.onFile(res)
	}
}

func chatCSV(t *testing.T, conv string, rows int, startLine int) string {
	t.Helper()
	var data [][]string
	for i := 0; i < rows; i++ {
		// Descending timestamps so ingestion order differs from display order.
		data = append(data, testutil.CompleteRow(map[string]string{
			"conversation_id": conv,
			"message_id":      fmt.Sprintf("%s-%d", conv, i+startLine),
			"content_type":    "TEXT",
			"timestamp":       fmt.Sprintf("2023-01-01 00:%02d:00 UTC", 59-i),
			"sender_username": "alice",
			"text":            fmt.Sprintf("message %d", i),
		}))
	}
	return testutil.CSV(t, testutil.CompleteHeader, data...)
}

func evidenceArchive(t *testing.T) string {
	t.Helper()
	reported := testutil.CSV(t, testutil.PartialHeader,
		[]string{"mallory", "2023-01-01 00:30:00 UTC", "media-1"},
		[]string{"mallory", "garbage", "media-2"},
	)
	withBadRow := chatCSV(t, "c2", 3, 1) + "c2,oops\n"
	nested := testutil.ZipBytes(t,
		testutil.Text("json/conversations.csv", withBadRow),
		testutil.Text("media/media-1.jpg", "jpegbytes"),
	)
	return testutil.CreateTempZip(t,
		testutil.Text("conversations.csv", chatCSV(t, "c1", 5, 1)),
		testutil.Text("reported_content.csv", reported),
		testutil.Text("friends.csv", "name,email\nx,y\n"),
		testutil.ZipFile{Name: "part_2.zip", Content: nested},
		testutil.Text("README.txt", "not a record file"),
	)
}

func runLoad(t *testing.T, path string, opts Options, progress Progress) (*evidence.Store, *LoadSummary, error) {
	t.Helper()
	store := evidence.NewStore()
	p := New(store, opts, progress)
	a, summary, err := p.Load(context.Background(), path)
	if a != nil {
		t.Cleanup(func() { a.Close() })
	}
	return store, summary, err
}

func TestLoad_EndToEnd(t *testing.T) {
	progress := newRecordingProgress()
	store, summary, err := runLoad(t, evidenceArchive(t), Options{Workers: 2, BatchSize: 2}, progress)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantStates := []State{StateScanning, StateParsing, StateMerging, StateReady}
	if diff := cmp.Diff(wantStates, progress.states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if !progress.monotonic {
		t.Error("progress counts went backwards")
	}
	if summary.State != StateReady || summary.Incomplete || !store.Complete() {
		t.Errorf("summary state=%v incomplete=%v store complete=%v", summary.State, summary.Incomplete, store.Complete())
	}

	// 5 + 3 complete rows, 2 partial rows; the malformed row is reported.
	if store.Len() != 10 {
		t.Errorf("store.Len = %d, want 10", store.Len())
	}
	if summary.Counts.FilesDiscovered != 4 || summary.Counts.FilesParsed != 4 || summary.Counts.RowsIngested != 10 {
		t.Errorf("counts = %+v", summary.Counts)
	}
	if len(summary.Malformed) != 1 || summary.Malformed[0].SourceFile != "part_2.zip!/json/conversations.csv" || summary.Malformed[0].Line != 5 {
		t.Errorf("malformed = %+v", summary.Malformed)
	}

	rejected := summary.FileErrors()
	if len(rejected) != 1 || rejected[0].SourceFile != "friends.csv" || !errors.Is(rejected[0].Err, records.ErrUnrecognizedSchema) {
		t.Errorf("file errors = %+v", rejected)
	}
	if summary.Identity.Len() != 3 {
		t.Errorf("identity has %d files, want 3", summary.Identity.Len())
	}

	c1 := store.Messages("c1")
	if len(c1) != 5 {
		t.Fatalf("c1 has %d messages", len(c1))
	}
	for i := 1; i < len(c1); i++ {
		if c1[i].Timestamp.Before(c1[i-1].Timestamp) {
			t.Errorf("c1 not chronological at %d", i)
		}
	}

	reported := store.Messages(evidence.ReportedFilesID)
	if len(reported) != 2 {
		t.Fatalf("reported has %d messages", len(reported))
	}
	if !reported[1].TimestampInvalid || reported[1].SourceLine != 3 {
		t.Errorf("invalid-timestamp partial row = %+v", reported[1])
	}
	for _, m := range reported {
		if !m.IsPartial || m.MessageID != "" || m.Receiver != "" || len(m.MediaRefs) != 1 {
			t.Errorf("partial row carries extra fields: %+v", m)
		}
	}
}

func TestLoad_ProvenanceUnique(t *testing.T) {
	store, _, err := runLoad(t, evidenceArchive(t), Options{Workers: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for _, m := range store.AllMessages() {
		key := caseid.MessageIdentity(m.SourceFile, m.SourceLine)
		if seen[key] {
			t.Errorf("duplicate provenance %s", key)
		}
		seen[key] = true
		if key != m.Identity {
			t.Errorf("identity %q does not match provenance %q", m.Identity, key)
		}
	}
}

func TestLoad_IdentityIsDeterministic(t *testing.T) {
	path := evidenceArchive(t)
	_, s1, err := runLoad(t, path, Options{Workers: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, s2, err := runLoad(t, path, Options{Workers: 8, BatchSize: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s1.Identity.Key() != s2.Identity.Key() {
		t.Errorf("case keys differ: %s vs %s", s1.Identity.Key(), s2.Identity.Key())
	}
}

func TestLoad_DuplicateRecordPaths(t *testing.T) {
	path := testutil.CreateTempZip(t,
		testutil.Text("chat.csv", chatCSV(t, "c1", 2, 1)),
		testutil.Text("chat.csv", chatCSV(t, "c1", 2, 1)),
	)
	store, summary, err := runLoad(t, path, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if store.Len() != 4 {
		t.Errorf("Len = %d, want 4", store.Len())
	}
	var files []string
	for _, f := range summary.Files {
		files = append(files, f.SourceFile)
	}
	if diff := cmp.Diff([]string{"chat.csv", "chat.csv (2)"}, files); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
}

func TestLoad_UnreadableArchiveFails(t *testing.T) {
	store := evidence.NewStore()
	progress := newRecordingProgress()
	p := New(store, Options{}, progress)
	a, summary, err := p.Load(context.Background(), "/nonexistent/export.zip")
	if a != nil {
		t.Error("archive should be nil")
	}
	if !errors.Is(err, archive.ErrArchiveUnreadable) {
		t.Fatalf("err = %v, want ErrArchiveUnreadable", err)
	}
	if summary == nil || summary.State != StateFailed || p.State() != StateFailed {
		t.Errorf("summary = %+v, state = %v", summary, p.State())
	}
}

func TestRun_CancelBeforeParsing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := newRecordingProgress()
	progress.onState = func(s State) {
		if s == StateParsing {
			cancel()
		}
	}

	a, err := archive.Open(evidenceArchive(t), archive.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	store := evidence.NewStore()
	p := New(store, Options{Workers: 1}, progress)
	summary, err := p.Run(ctx, a)
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if p.State() != StateCancelled || summary.State != StateCancelled || !summary.Incomplete {
		t.Errorf("state = %v summary = %+v", p.State(), summary)
	}
	if store.Complete() {
		t.Error("store must stay incomplete after cancel")
	}
	if summary.Counts.FilesDiscovered != 4 || summary.Counts.FilesParsed != 0 {
		t.Errorf("counts = %+v", summary.Counts)
	}
}

func TestRun_CancelMidParsingKeepsPartialData(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := newRecordingProgress()
	progress.onFile = func(FileResult) { cancel() }

	path := testutil.CreateTempZip(t,
		testutil.Text("a.csv", chatCSV(t, "a", 4, 1)),
		testutil.Text("b.csv", chatCSV(t, "b", 4, 1)),
		testutil.Text("c.csv", chatCSV(t, "c", 4, 1)),
	)

	a, err := archive.Open(path, archive.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	store := evidence.NewStore()
	p := New(store, Options{Workers: 1}, progress)
	summary, err := p.Run(ctx, a)
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if summary.Counts.FilesParsed != 1 {
		t.Errorf("FilesParsed = %d, want 1", summary.Counts.FilesParsed)
	}
	if store.Len() != 4 || len(store.Messages("a")) != 4 {
		t.Errorf("partial data not visible: Len = %d", store.Len())
	}
	if store.Complete() {
		t.Error("store must be incomplete")
	}
}

func TestRun_TwiceIsInvalid(t *testing.T) {
	a, err := archive.Open(evidenceArchive(t), archive.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	p := New(evidence.NewStore(), Options{}, nil)
	if _, err := p.Run(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), a); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Run err = %v, want ErrInvalidTransition", err)
	}
}

func TestRun_MergerCalledWithIdentity(t *testing.T) {
	a, err := archive.Open(evidenceArchive(t), archive.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var got caseid.Identity
	merger := MergerFunc(func(ctx context.Context, id caseid.Identity, s *evidence.Store) error {
		got = id
		if s.Len() != 10 {
			t.Errorf("merge saw %d messages, want all 10", s.Len())
		}
		return nil
	})
	p := New(evidence.NewStore(), Options{Merger: merger}, nil)
	summary, err := p.Run(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if got.Key() == "" || got.Key() != summary.Identity.Key() {
		t.Errorf("merger identity %q, summary %q", got.Key(), summary.Identity.Key())
	}
}

func TestRun_MergerFailureFailsLoad(t *testing.T) {
	a, err := archive.Open(evidenceArchive(t), archive.Limits{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	boom := errors.New("disk full")
	p := New(evidence.NewStore(), Options{Merger: MergerFunc(func(context.Context, caseid.Identity, *evidence.Store) error {
		return boom
	})}, nil)
	summary, err := p.Run(context.Background(), a)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if summary.State != StateFailed {
		t.Errorf("state = %v", summary.State)
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateScanning, true},
		{StateScanning, StateParsing, true},
		{StateParsing, StateMerging, true},
		{StateMerging, StateReady, true},
		{StateScanning, StateCancelled, true},
		{StateParsing, StateCancelled, true},
		{StateMerging, StateCancelled, false},
		{StateIdle, StateFailed, true},
		{StateMerging, StateFailed, true},
		{StateReady, StateScanning, false},
		{StateIdle, StateParsing, false},
	}
	for _, tc := range tests {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%v -> %v = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	if !StateReady.Terminal() || StateParsing.Terminal() {
		t.Error("Terminal mismatch")
	}
}
