// Package caseid derives the deterministic identities that review state is
// keyed by: one fingerprint per record file, the case identity built from the
// set of those fingerprints, and the per-message identity.
package caseid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strconv"
	"strings"
)

// FileFingerprint is the content hash of one record file.
type FileFingerprint struct {
	SourceFile string // virtual path inside the root archive
	SHA256     string // lowercase hex
	Size       int64
}

// Identity is the set of record-file fingerprints for a loaded archive.
// The zero value is an empty identity.
type Identity struct {
	files []FileFingerprint
}

// NewIdentity builds an identity from fingerprints. Order does not matter and
// duplicate (source file, hash) pairs collapse.
func NewIdentity(fps ...FileFingerprint) Identity {
	var id Identity
	for _, fp := range fps {
		id = id.With(fp)
	}
	return id
}

// With returns a copy of the identity that includes fp.
func (id Identity) With(fp FileFingerprint) Identity {
	files := make([]FileFingerprint, 0, len(id.files)+1)
	for _, f := range id.files {
		if f.SourceFile == fp.SourceFile && f.SHA256 == fp.SHA256 {
			return id
		}
		files = append(files, f)
	}
	files = append(files, fp)
	sort.Slice(files, func(i, j int) bool {
		if files[i].SourceFile != files[j].SourceFile {
			return files[i].SourceFile < files[j].SourceFile
		}
		return files[i].SHA256 < files[j].SHA256
	})
	return Identity{files: files}
}

// Files returns the fingerprints sorted by source file.
func (id Identity) Files() []FileFingerprint {
	out := make([]FileFingerprint, len(id.files))
	copy(out, id.files)
	return out
}

// Len returns the number of record files in the identity.
func (id Identity) Len() int {
	return len(id.files)
}

// Lookup returns the fingerprint recorded for a source file.
func (id Identity) Lookup(sourceFile string) (FileFingerprint, bool) {
	for _, f := range id.files {
		if f.SourceFile == sourceFile {
			return f, true
		}
	}
	return FileFingerprint{}, false
}

// Key returns the case key: a SHA-256 over the sorted
// "source_file NUL sha256 LF" lines. The key is independent of load order.
func (id Identity) Key() string {
	if len(id.files) == 0 {
		return ""
	}
	h := sha256.New()
	for _, f := range id.files {
		fmt.Fprintf(h, "%s\x00%s\n", f.SourceFile, f.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortKey returns the first 12 hex characters of Key for display.
func (id Identity) ShortKey() string {
	k := id.Key()
	if len(k) > 12 {
		return k[:12]
	}
	return k
}

// Hasher computes a FileFingerprint from a stream. Use it as the writer side
// of an io.TeeReader so a record file is hashed while it is parsed.
type Hasher struct {
	sourceFile string
	h          hash.Hash
	n          int64
}

// NewHasher starts a fingerprint for sourceFile.
func NewHasher(sourceFile string) *Hasher {
	return &Hasher{sourceFile: sourceFile, h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, _ := h.h.Write(p)
	h.n += int64(n)
	return n, nil
}

// Fingerprint returns the fingerprint of everything written so far.
func (h *Hasher) Fingerprint() FileFingerprint {
	return FileFingerprint{
		SourceFile: h.sourceFile,
		SHA256:     hex.EncodeToString(h.h.Sum(nil)),
		Size:       h.n,
	}
}

// FingerprintReader hashes all of r.
func FingerprintReader(sourceFile string, r io.Reader) (FileFingerprint, error) {
	h := NewHasher(sourceFile)
	if _, err := io.Copy(h, r); err != nil {
		return FileFingerprint{}, fmt.Errorf("fingerprint %s: %w", sourceFile, err)
	}
	return h.Fingerprint(), nil
}

// MessageIdentity is the join key for persisted review state. It is built
// from the message's provenance only, never from message_id.
func MessageIdentity(sourceFile string, line int) string {
	return sourceFile + "#" + strconv.Itoa(line)
}

// ParseMessageIdentity splits a message identity back into source file and
// line. The split is on the last '#' since virtual paths may contain '#'.
func ParseMessageIdentity(s string) (sourceFile string, line int, err error) {
	i := strings.LastIndexByte(s, '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid message identity %q", s)
	}
	line, err = strconv.Atoi(s[i+1:])
	if err != nil || line < 1 {
		return "", 0, fmt.Errorf("invalid line in message identity %q", s)
	}
	return s[:i], line, nil
}
