package export

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/casevault/internal/fileutil"
	"github.com/wesm/casevault/internal/media"
)

// ManifestVersion is the version written into manifest.json.
const ManifestVersion = 1

// Bundle file names.
const (
	ManifestJSON = "manifest.json"
	ManifestCSV  = "manifest.csv"
	ReportHTML   = "report.html"
	MessagesCSV  = "messages.csv"
	MediaDir     = "media"
)

// Entry kinds.
const (
	KindMedia  = "media"
	KindReport = "report"
)

// ErrInvalidManifest is returned when a manifest cannot be read or names a
// file outside its bundle.
var ErrInvalidManifest = errors.New("invalid export manifest")

// Entry is one hashed file of a bundle.
type Entry struct {
	Kind       string            `json:"kind"`
	Reference  string            `json:"reference,omitempty"`   // media reference from the message rows
	File       string            `json:"file"`                  // slash-separated, relative to the bundle
	SourcePath string            `json:"source_path,omitempty"` // virtual path inside the evidence archive
	Size       int64             `json:"size"`
	Digests    map[string]string `json:"digests"`
}

// MissingMedia is a referenced media item that was not exported.
type MissingMedia struct {
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Totals are the counts of an export.
type Totals struct {
	Messages        int   `json:"messages"`
	Conversations   int   `json:"conversations"`
	MediaReferenced int   `json:"media_referenced"`
	MediaExported   int   `json:"media_exported"`
	MediaMissing    int   `json:"media_missing"`
	MediaBytes      int64 `json:"media_bytes"`
}

// Manifest describes an export bundle for chain-of-custody review.
type Manifest struct {
	Version     int            `json:"version"`
	BundleID    string         `json:"bundle_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	CaseKey     string         `json:"case_key"`
	ArchivePath string         `json:"archive_path,omitempty"`
	Scope       string         `json:"scope"`
	Fields      []string       `json:"fields"`
	Algorithms  []string       `json:"algorithms"`
	Totals      Totals         `json:"totals"`
	Files       []Entry        `json:"files"`
	Missing     []MissingMedia `json:"missing,omitempty"`
}

// MediaEntries returns the media entries of the manifest.
func (m *Manifest) MediaEntries() []Entry {
	var out []Entry
	for _, e := range m.Files {
		if e.Kind == KindMedia {
			out = append(out, e)
		}
	}
	return out
}

// WriteManifest writes manifest.json and manifest.csv into dir.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, ManifestJSON), data, 0600, ""); err != nil {
		return fmt.Errorf("write %s: %w", ManifestJSON, err)
	}

	var buf bytes.Buffer
	if err := writeManifestCSV(&buf, m); err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, ManifestCSV), buf.Bytes(), 0600, ""); err != nil {
		return fmt.Errorf("write %s: %w", ManifestCSV, err)
	}
	return nil
}

// writeManifestCSV writes one row per file and digest algorithm.
func writeManifestCSV(w io.Writer, m *Manifest) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"kind", "reference", "file", "source_path", "size", "algorithm", "digest"})
	for _, e := range m.Files {
		for _, alg := range m.Algorithms {
			_ = cw.Write([]string{e.Kind, e.Reference, e.File, e.SourcePath, strconv.FormatInt(e.Size, 10), alg, e.Digests[alg]})
		}
	}
	for _, miss := range m.Missing {
		_ = cw.Write([]string{"missing", miss.Reference, "", "", "", "", miss.Reason})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write manifest csv: %w", err)
	}
	return nil
}

// LoadManifest reads manifest.json from a bundle directory.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestJSON))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Version < 1 {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	return &m, nil
}

// Mismatch is a bundle file that does not match its manifest entry.
type Mismatch struct {
	File   string
	Reason string
}

// VerifyReport is the result of VerifyManifest.
type VerifyReport struct {
	Manifest   *Manifest
	Checked    int
	Mismatches []Mismatch
}

// OK reports whether every file matched.
func (r *VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// VerifyManifest recomputes the digest of every file listed in the bundle's
// manifest and reports files that are missing, replaced by links or
// directories, or whose size or digests differ.
func VerifyManifest(dir string) (*VerifyReport, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	report := &VerifyReport{Manifest: m}
	for _, e := range m.Files {
		report.Checked++
		if reason := verifyEntry(dir, m.Algorithms, e); reason != "" {
			report.Mismatches = append(report.Mismatches, Mismatch{File: e.File, Reason: reason})
		}
	}
	return report, nil
}

func verifyEntry(dir string, algorithms []string, e Entry) string {
	rel, err := bundlePath(e.File)
	if err != nil {
		return err.Error()
	}
	f, err := openNoFollow(filepath.Join(dir, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "missing"
		}
		return fmt.Sprintf("open: %v", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Sprintf("stat: %v", err)
	}
	if !st.Mode().IsRegular() {
		return "not a regular file"
	}

	got, n, err := hashAll(f, algorithms)
	if err != nil {
		return fmt.Sprintf("read: %v", err)
	}
	if n != e.Size {
		return fmt.Sprintf("size %d, manifest says %d", n, e.Size)
	}
	for _, alg := range algorithms {
		if !strings.EqualFold(got[alg], e.Digests[alg]) {
			return fmt.Sprintf("%s %s, manifest says %s", alg, got[alg], e.Digests[alg])
		}
	}
	return ""
}

// bundlePath converts a manifest file name to a local relative path,
// rejecting names that leave the bundle.
func bundlePath(name string) (string, error) {
	clean := path.Clean(name)
	if name == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: file %q is outside the bundle", ErrInvalidManifest, name)
	}
	return filepath.FromSlash(clean), nil
}

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case media.AlgMD5:
		return md5.New(), nil
	case media.AlgSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// hashAll streams r through every algorithm at once.
func hashAll(r io.Reader, algorithms []string) (map[string]string, int64, error) {
	hashes := make(map[string]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, alg := range algorithms {
		h, err := newHash(alg)
		if err != nil {
			return nil, 0, err
		}
		hashes[alg] = h
		writers = append(writers, h)
	}
	n, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return nil, n, err
	}
	out := make(map[string]string, len(hashes))
	for alg, h := range hashes {
		out[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return out, n, nil
}

// hashFile hashes a bundle file into a manifest entry.
func hashFile(dir, rel, kind string, algorithms []string) (Entry, error) {
	f, err := openNoFollow(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	digests, n, err := hashAll(f, algorithms)
	if err != nil {
		return Entry{}, fmt.Errorf("hash %s: %w", rel, err)
	}
	return Entry{Kind: kind, File: rel, Size: n, Digests: digests}, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind == KindReport
		}
		return entries[i].File < entries[j].File
	})
}
