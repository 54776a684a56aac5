package media

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wesm/casevault/internal/archive"
	"github.com/wesm/casevault/internal/testutil"
)

func openArchive(t *testing.T, files ...testutil.ZipFile) *archive.Archive {
	t.Helper()
	a, err := archive.Open(testutil.CreateTempZip(t, files...), archive.Limits{}, nil)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// countingSource counts walks of the wrapped archive.
type countingSource struct {
	mu    sync.Mutex
	walks int
	a     *archive.Archive
}

func (c *countingSource) Walk(ctx context.Context, fn archive.WalkFunc) (*archive.WalkReport, error) {
	c.mu.Lock()
	c.walks++
	c.mu.Unlock()
	return c.a.Walk(ctx, fn)
}

func TestResolve_ExactStemMatch(t *testing.T) {
	a := openArchive(t,
		testutil.Text("json/chat_history.csv", "media_abc"),
		testutil.Text("chat_media/2024-01-01_media_abc_extra.jpg", "partial"),
		testutil.Text("chat_media/media_abc.jpg", "exact"),
	)
	r := New(a, Options{})

	data, d, err := r.Resolve(context.Background(), "media_abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(data) != "exact" {
		t.Errorf("data = %q, want exact", data)
	}
	if d.SourcePath != "chat_media/media_abc.jpg" {
		t.Errorf("SourcePath = %q", d.SourcePath)
	}
	wantMD5, wantSHA := ComputeDigest([]byte("exact"))
	if d.MD5 != wantMD5 || d.SHA256 != wantSHA {
		t.Errorf("digest = %s/%s, want %s/%s", d.MD5, d.SHA256, wantMD5, wantSHA)
	}
	if d.Size != 5 {
		t.Errorf("Size = %d, want 5", d.Size)
	}
}

func TestResolve_ContainsFallback(t *testing.T) {
	inner := testutil.ZipBytes(t, testutil.Text("chat_media/2024-01-01_b~XYZ.mp4", "video"))
	a := openArchive(t, testutil.ZipFile{Name: "part_2.zip", Content: inner})
	r := New(a, Options{})

	data, d, err := r.Resolve(context.Background(), "b~XYZ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(data) != "video" {
		t.Errorf("data = %q", data)
	}
	if d.SourcePath != "part_2.zip!/chat_media/2024-01-01_b~XYZ.mp4" {
		t.Errorf("SourcePath = %q", d.SourcePath)
	}
}

func TestResolve_RecordFilesAreNotMedia(t *testing.T) {
	a := openArchive(t, testutil.Text("json/media_abc.csv", "x"))
	r := New(a, Options{})

	_, _, err := r.Resolve(context.Background(), "media_abc")
	if !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("err = %v, want ErrMediaNotFound", err)
	}
}

func TestResolve_NotFoundIsRemembered(t *testing.T) {
	src := &countingSource{a: openArchive(t, testutil.Text("a.jpg", "x"))}
	r := New(src, Options{})

	for i := 0; i < 3; i++ {
		if _, _, err := r.Resolve(context.Background(), "missing"); !errors.Is(err, ErrMediaNotFound) {
			t.Fatalf("Resolve #%d err = %v", i, err)
		}
	}
	if src.walks != 1 {
		t.Errorf("walks = %d, want 1", src.walks)
	}
	if got := r.Stats().NotFound; got != 3 {
		t.Errorf("NotFound = %d, want 3", got)
	}
}

func TestResolve_CachesBytes(t *testing.T) {
	src := &countingSource{a: openArchive(t, testutil.Text("m1.jpg", "one"))}
	r := New(src, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := r.Resolve(ctx, "m1"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	st := r.Stats()
	if st.Extractions != 1 || st.Hits != 4 || src.walks != 1 {
		t.Errorf("stats = %+v walks=%d, want 1 extraction, 4 hits, 1 walk", st, src.walks)
	}
}

func TestResolve_ConcurrentRequestsShareExtraction(t *testing.T) {
	a := openArchive(t, testutil.Text("m1.jpg", "payload"))
	r := New(a, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := r.Resolve(context.Background(), "m1")
			if err == nil && string(data) != "payload" {
				err = errors.New("wrong bytes: " + string(data))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := r.Stats().Extractions; got != 1 {
		t.Errorf("Extractions = %d, want 1", got)
	}
}

func TestResolve_EvictionKeepsDigest(t *testing.T) {
	a := openArchive(t,
		testutil.Text("m1.jpg", "aaaaaaaaaa"),
		testutil.Text("m2.jpg", "bbbbbbbbbb"),
	)
	r := New(a, Options{CacheMaxBytes: 15})
	ctx := context.Background()

	_, d1, err := r.Resolve(ctx, "m1")
	if err != nil {
		t.Fatalf("Resolve m1: %v", err)
	}
	if _, _, err := r.Resolve(ctx, "m2"); err != nil {
		t.Fatalf("Resolve m2: %v", err)
	}

	st := r.Stats()
	if st.CachedEntries != 1 || st.CachedBytes != 10 || st.Evictions != 1 {
		t.Errorf("stats = %+v, want 1 entry of 10 bytes after 1 eviction", st)
	}

	// Digest of the evicted entry is answered without a new extraction.
	got, err := r.Digest(ctx, "m1")
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if got != d1 {
		t.Errorf("Digest = %+v, want %+v", got, d1)
	}
	if r.Stats().Extractions != 2 {
		t.Errorf("Extractions = %d, want 2", r.Stats().Extractions)
	}

	// Bytes of the evicted entry are extracted again with the same digest.
	data, d, err := r.Resolve(ctx, "m1")
	if err != nil {
		t.Fatalf("Resolve m1 again: %v", err)
	}
	if string(data) != "aaaaaaaaaa" || d != d1 {
		t.Errorf("re-resolve = %q %+v", data, d)
	}
	if r.Stats().Extractions != 3 {
		t.Errorf("Extractions = %d, want 3", r.Stats().Extractions)
	}
}

func TestResolve_OversizedValueNotCached(t *testing.T) {
	a := openArchive(t, testutil.Text("big.bin", "0123456789"))
	r := New(a, Options{CacheMaxBytes: 4})

	if _, _, err := r.Resolve(context.Background(), "big"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	st := r.Stats()
	if st.CachedEntries != 0 || st.Digests != 1 {
		t.Errorf("stats = %+v, want no cached bytes and one digest", st)
	}
}

func TestResolveEach_SingleWalk(t *testing.T) {
	src := &countingSource{a: openArchive(t,
		testutil.Text("json/chat_history.csv", "x"),
		testutil.Text("chat_media/m1.jpg", "one"),
		testutil.Text("chat_media/m2.png", "two"),
	)}
	r := New(src, Options{})

	type result struct {
		ref, data string
		missing   bool
	}
	var got []result
	err := r.ResolveEach(context.Background(), []string{"m2", "nope", "m1", "m2", " "}, func(ref string, data []byte, d Digest, err error) error {
		if err != nil && !errors.Is(err, ErrMediaNotFound) {
			return err
		}
		got = append(got, result{ref: ref, data: string(data), missing: err != nil})
		return nil
	})
	if err != nil {
		t.Fatalf("ResolveEach: %v", err)
	}

	want := []result{
		{ref: "m2", data: "two"},
		{ref: "nope", missing: true},
		{ref: "m1", data: "one"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if src.walks != 1 {
		t.Errorf("walks = %d, want 1", src.walks)
	}
}

func TestResolveEach_CallbackErrorStops(t *testing.T) {
	a := openArchive(t, testutil.Text("m1.jpg", "1"), testutil.Text("m2.jpg", "2"))
	r := New(a, Options{})
	stop := errors.New("stop")

	calls := 0
	err := r.ResolveEach(context.Background(), []string{"m1", "m2"}, func(string, []byte, Digest, error) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestResolve_Cancelled(t *testing.T) {
	a := openArchive(t, testutil.Text("m1.jpg", "x"))
	r := New(a, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := r.Resolve(ctx, "m1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// A cancelled lookup is not remembered as missing.
	if _, _, err := r.Resolve(context.Background(), "m1"); err != nil {
		t.Fatalf("Resolve after cancel: %v", err)
	}
}

func TestByteLRU(t *testing.T) {
	c := newByteLRU(6)
	c.add("a", []byte("aa"))
	c.add("b", []byte("bb"))
	c.get("a") // a is now most recent
	if ev := c.add("c", []byte("ccc")); ev != 1 {
		t.Fatalf("evicted = %d, want 1", ev)
	}
	if _, ok := c.get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("a should be cached")
	}
	if c.bytes() != 5 || c.len() != 2 {
		t.Errorf("size=%d len=%d, want 5/2", c.bytes(), c.len())
	}

	c.add("a", []byte("a"))
	if c.bytes() != 4 {
		t.Errorf("size after replace = %d, want 4", c.bytes())
	}
}
