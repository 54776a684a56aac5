package testutil

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// ZipFile is one entry of a test archive. Entries are written in slice
// order, which is also the order an archive walk visits them.
type ZipFile struct {
	Name    string
	Content []byte
}

// ZipBytes builds an in-memory ZIP from files. The result can itself be used
// as the content of a ZipFile to build nested archives.
func ZipBytes(t testing.TB, files ...ZipFile) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range files {
		fw, err := w.Create(f.Name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", f.Name, err)
		}
		if _, err := fw.Write(f.Content); err != nil {
			t.Fatalf("write zip entry %s: %v", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

// CreateTempZip writes a ZIP built from files into a temp directory and
// returns its path.
func CreateTempZip(t testing.TB, files ...ZipFile) string {
	t.Helper()

	zipPath := filepath.Join(t.TempDir(), "export.zip")
	if err := os.WriteFile(zipPath, ZipBytes(t, files...), 0600); err != nil {
		t.Fatalf("write zip file: %v", err)
	}
	return zipPath
}

// Text is a shorthand for a ZipFile with string content.
func Text(name, content string) ZipFile {
	return ZipFile{Name: name, Content: []byte(content)}
}
