package testutil

import (
	"archive/zip"
	"bytes"
	"io"
	"path/filepath"
	"testing"
)

func TestNewTestStore(t *testing.T) {
	st := NewTestStore(t)

	stats, err := st.GetStats()
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.CaseCount != 0 || stats.LoadRunCount != 0 {
		t.Errorf("fresh registry should be empty, got %+v", stats)
	}
}

func TestWriteAndReadFile(t *testing.T) {
	dir := t.TempDir()
	path := WriteFile(t, dir, "subdir/nested/test.txt", []byte("hello world"))
	MustExist(t, filepath.Join(dir, "subdir", "nested"))
	AssertFileContent(t, path, "hello world")
	MustNotExist(t, filepath.Join(dir, "does-not-exist.txt"))
}

func TestValidateRelativePath(t *testing.T) {
	dir := t.TempDir()
	absPath, err := filepath.Abs("/some/path.txt")
	if err != nil {
		t.Fatalf("failed to get absolute path: %v", err)
	}

	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute path", absPath, true},
		{"escape dot dot", "../escape.txt", true},
		{"escape dot dot nested", "subdir/../../escape.txt", true},
		{"escape just dot dot", "..", true},
		{"valid with dots", "file-with-dots.test.txt", false},
		{"valid current dir", "./current.txt", false},
		{"valid nested", "a/b/c/deep.txt", false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRelativePath(dir, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRelativePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestZipBytes_RoundTrip(t *testing.T) {
	data := ZipBytes(t,
		Text("json/chat.csv", CSV(t, PartialHeader, []string{"alice", "2023-01-01 00:00:00 UTC", "m1"})),
		Text("chat_media/m1.jpg", "jpeg"),
	)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	MustNoErr(t, err, "open zip")

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	AssertStrings(t, names, "json/chat.csv", "chat_media/m1.jpg")

	rc, err := zr.File[0].Open()
	MustNoErr(t, err, "open entry")
	defer rc.Close()
	body, err := io.ReadAll(rc)
	MustNoErr(t, err, "read entry")
	AssertContainsAll(t, string(body), []string{"sender_username,timestamp,media_id", "alice,2023-01-01 00:00:00 UTC,m1"})
}

func TestEncodedFields_FreshCopies(t *testing.T) {
	first := EncodedFields()
	first[0].Raw[0] = 'X'
	if second := EncodedFields(); second[0].Raw[0] == 'X' {
		t.Error("EncodedFields should return independent copies")
	}
}
