// Package archive walks forensic export archives. A root ZIP may contain
// further ZIPs at any depth; nested containers are opened from memory and
// walked in place so nothing is ever extracted to disk during a walk.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
)

var (
	// ErrArchiveUnreadable means the root archive could not be opened.
	// It is fatal for a load.
	ErrArchiveUnreadable = errors.New("archive unreadable")
	// ErrArchiveTooDeep is reported for a nested container beyond
	// Limits.MaxDepth. Only that subtree is skipped.
	ErrArchiveTooDeep = errors.New("archive nesting too deep")
	// ErrArchiveTooLarge is reported when an entry or a subtree exceeds the
	// decompressed-size budget. Only that subtree is skipped.
	ErrArchiveTooLarge = errors.New("archive too large")
	// ErrStopWalk may be returned by a WalkFunc to end the walk early
	// without an error.
	ErrStopWalk = errors.New("stop walk")
)

// These defaults bound resource use against zip bombs while leaving room
// for multi-gigabyte law-enforcement returns.
const (
	DefaultMaxDepth            = 8
	DefaultMaxTotalBytes int64 = 64 << 30
	DefaultMaxEntryBytes int64 = 4 << 30
)

// PathSeparator joins container names and the entry name in a virtual path,
// e.g. "batch_2.zip!/json/chat_history.csv".
const PathSeparator = "!/"

// Limits bounds a walk.
type Limits struct {
	MaxDepth      int
	MaxTotalBytes int64
	MaxEntryBytes int64
}

// DefaultLimits returns the default walk limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:      DefaultMaxDepth,
		MaxTotalBytes: DefaultMaxTotalBytes,
		MaxEntryBytes: DefaultMaxEntryBytes,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = d.MaxTotalBytes
	}
	if l.MaxEntryBytes <= 0 {
		l.MaxEntryBytes = d.MaxEntryBytes
	}
	return l
}

// Entry is a leaf inside the archive tree.
type Entry struct {
	// Path holds the names of enclosing nested containers followed by the
	// entry name. The root archive's own file name is not included.
	Path  []string
	Size  int64 // declared uncompressed size
	CRC32 uint32
	Depth int // 0 for entries of the root archive

	open func() (io.ReadCloser, error)
}

// VirtualPath returns the entry's path joined with PathSeparator.
func (e Entry) VirtualPath() string {
	return strings.Join(e.Path, PathSeparator)
}

// Name returns the entry name within its innermost container.
func (e Entry) Name() string {
	if len(e.Path) == 0 {
		return ""
	}
	return e.Path[len(e.Path)-1]
}

// Base returns the last path element of the entry name.
func (e Entry) Base() string {
	return path.Base(e.Name())
}

// Open returns a stream of the entry's decompressed bytes. Reads past the
// per-entry limit fail with ErrArchiveTooLarge. Open is safe to call from
// multiple goroutines, including after Walk has returned, for as long as the
// Archive is open.
func (e Entry) Open() (io.ReadCloser, error) {
	if e.open == nil {
		return nil, fmt.Errorf("entry %q has no opener", e.VirtualPath())
	}
	return e.open()
}

// Problem records a subtree that could not be walked.
type Problem struct {
	Path string
	Err  error
}

// WalkReport summarizes a walk.
type WalkReport struct {
	Entries    int
	Containers int
	Bytes      int64 // declared bytes of yielded entries plus buffered containers
	Problems   []Problem
}

// WalkFunc is called for every leaf entry. Returning ErrStopWalk ends the
// walk cleanly; any other error aborts it.
type WalkFunc func(e Entry) error

// Archive is an open root archive.
type Archive struct {
	path   string
	size   int64
	f      *os.File
	zr     *zip.Reader
	limits Limits
	log    *slog.Logger
}

// Open opens the root archive read-only. Any failure wraps
// ErrArchiveUnreadable.
func Open(archivePath string, limits Limits, log *slog.Logger) (*Archive, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnreadable, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat: %v", ErrArchiveUnreadable, err)
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %q is not a regular file", ErrArchiveUnreadable, archivePath)
	}
	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnreadable, err)
	}
	return &Archive{
		path:   archivePath,
		size:   st.Size(),
		f:      f,
		zr:     zr,
		limits: limits.withDefaults(),
		log:    log,
	}, nil
}

// Close releases the root archive file.
func (a *Archive) Close() error {
	return a.f.Close()
}

// Path returns the file system path of the root archive.
func (a *Archive) Path() string {
	return a.path
}

// Size returns the size in bytes of the root archive file.
func (a *Archive) Size() int64 {
	return a.size
}

// Walk enumerates every leaf entry depth-first in central directory order,
// descending into nested ZIP containers. Subtrees that exceed the depth or
// size limits are recorded in the report and skipped; the walk continues
// with their siblings.
func (a *Archive) Walk(ctx context.Context, fn WalkFunc) (*WalkReport, error) {
	w := &walker{
		limits: a.limits,
		fn:     fn,
		log:    a.log,
		report: &WalkReport{},
	}
	err := w.walkZip(ctx, a.zr, nil, 0, nil)
	if errors.Is(err, ErrStopWalk) {
		err = nil
	}
	if err != nil {
		if isSubtreeError(err) {
			w.problem("", err)
			err = nil
		}
	}
	return w.report, err
}

type containerID struct {
	size int64
	crc  uint32
}

type walker struct {
	limits Limits
	fn     WalkFunc
	log    *slog.Logger
	report *WalkReport
	total  int64
}

func (w *walker) problem(p string, err error) {
	w.log.Warn("skipping archive subtree", "path", p, "error", err)
	w.report.Problems = append(w.report.Problems, Problem{Path: p, Err: err})
}

func isSubtreeError(err error) bool {
	return errors.Is(err, ErrArchiveTooDeep) || errors.Is(err, ErrArchiveTooLarge)
}

func (w *walker) charge(n int64) error {
	if w.total+n > w.limits.MaxTotalBytes {
		return fmt.Errorf("%w: total decompressed bytes exceed %d", ErrArchiveTooLarge, w.limits.MaxTotalBytes)
	}
	w.total += n
	w.report.Bytes = w.total
	return nil
}

func (w *walker) walkZip(ctx context.Context, zr *zip.Reader, prefix []string, depth int, ancestors []containerID) error {
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			continue
		}
		name, err := cleanEntryName(zf.Name)
		if err != nil {
			w.problem(strings.Join(append(clonePath(prefix), zf.Name), PathSeparator), err)
			continue
		}
		entryPath := append(clonePath(prefix), name)
		vpath := strings.Join(entryPath, PathSeparator)
		size := int64(zf.UncompressedSize64)

		if size > w.limits.MaxEntryBytes {
			w.problem(vpath, fmt.Errorf("%w: entry is %d bytes, limit %d", ErrArchiveTooLarge, size, w.limits.MaxEntryBytes))
			continue
		}

		if IsContainer(name) {
			if err := w.walkNested(ctx, zf, entryPath, depth, ancestors); err != nil {
				if isSubtreeError(err) {
					w.problem(vpath, err)
					continue
				}
				return err
			}
			continue
		}

		// The budget covers the whole subtree: once exhausted, the rest of
		// this container is skipped and the parent continues.
		if err := w.charge(size); err != nil {
			return err
		}

		w.report.Entries++
		entry := Entry{
			Path:  entryPath,
			Size:  size,
			CRC32: zf.CRC32,
			Depth: depth,
			open:  zipOpener(zf, w.limits.MaxEntryBytes),
		}
		if err := w.fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walkNested(ctx context.Context, zf *zip.File, entryPath []string, depth int, ancestors []containerID) error {
	if depth+1 > w.limits.MaxDepth {
		return fmt.Errorf("%w: depth %d exceeds limit %d", ErrArchiveTooDeep, depth+1, w.limits.MaxDepth)
	}
	id := containerID{size: int64(zf.UncompressedSize64), crc: zf.CRC32}
	for _, anc := range ancestors {
		if anc == id && id.size > 0 {
			return fmt.Errorf("%w: container repeats an enclosing container", ErrArchiveTooDeep)
		}
	}

	limit := w.limits.MaxEntryBytes
	if remaining := w.limits.MaxTotalBytes - w.total; remaining < limit {
		limit = remaining
	}
	if limit <= 0 {
		return fmt.Errorf("%w: total decompressed bytes exceed %d", ErrArchiveTooLarge, w.limits.MaxTotalBytes)
	}

	rc, err := zf.Open()
	if err != nil {
		w.problem(strings.Join(entryPath, PathSeparator), fmt.Errorf("open nested container: %w", err))
		return nil
	}
	var buf bytes.Buffer
	n, copyErr := CopyWithLimit(&buf, rc, limit)
	_ = rc.Close()
	if copyErr != nil {
		if errors.Is(copyErr, ErrArchiveTooLarge) {
			return copyErr
		}
		w.problem(strings.Join(entryPath, PathSeparator), fmt.Errorf("read nested container: %w", copyErr))
		return nil
	}
	if err := w.charge(n); err != nil {
		return err
	}

	data := buf.Bytes()
	nested, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		w.problem(strings.Join(entryPath, PathSeparator), fmt.Errorf("nested container is not a readable zip: %w", err))
		return nil
	}
	w.report.Containers++

	return w.walkZip(ctx, nested, entryPath, depth+1, append(ancestors, id))
}

// IsContainer reports whether an entry name denotes a nested archive.
func IsContainer(name string) bool {
	return strings.EqualFold(path.Ext(name), ".zip")
}

// cleanEntryName normalizes a ZIP entry name. ZIP uses forward slashes but
// some producers write backslashes; leading slashes and parent references
// are dropped since names are only used as virtual paths.
func cleanEntryName(name string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	return cleaned, nil
}

func clonePath(p []string) []string {
	out := make([]string, len(p), len(p)+1)
	copy(out, p)
	return out
}

func zipOpener(zf *zip.File, max int64) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		rc, err := zf.Open()
		if err != nil {
			return nil, err
		}
		return &limitedReadCloser{rc: rc, remaining: max}, nil
	}
}

type limitedReadCloser struct {
	rc        io.ReadCloser
	remaining int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		var one [1]byte
		n, err := l.rc.Read(one[:])
		if n > 0 {
			return 0, fmt.Errorf("%w: entry exceeds declared limit", ErrArchiveTooLarge)
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error {
	return l.rc.Close()
}

// MetadataKey returns a cheap key for the root archive derived from its size
// and central directory (names, sizes, CRCs). It identifies the evidence
// container in the case registry without hashing a multi-gigabyte file; it
// is not a cryptographic integrity check.
func (a *Archive) MetadataKey() string {
	type zipEntry struct {
		Name string
		Size uint64
		CRC  uint32
	}
	entries := make([]zipEntry, 0, len(a.zr.File))
	for _, zf := range a.zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, zipEntry{
			Name: path.Clean(strings.ReplaceAll(zf.Name, "\\", "/")),
			Size: zf.UncompressedSize64,
			CRC:  zf.CRC32,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	h := sha256.New()
	fmt.Fprintf(h, "zip:%x\n", a.size)
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%x\x00%x\n", e.Name, e.Size, e.CRC)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return "z" + sum[:16]
}

// CopyWithLimit copies from src to dst, failing with ErrArchiveTooLarge if
// src holds more than max bytes. A non-positive max copies without limit.
// On overflow one extra byte may be consumed from src.
func CopyWithLimit(dst io.Writer, src io.Reader, max int64) (int64, error) {
	if max <= 0 {
		return io.Copy(dst, src)
	}

	var n int64
	buf := make([]byte, 32*1024)
	for {
		if n == max {
			var one [1]byte
			nr, er := src.Read(one[:])
			if nr > 0 {
				return n, fmt.Errorf("%w: limit %d bytes", ErrArchiveTooLarge, max)
			}
			if er == io.EOF {
				return n, nil
			}
			if er != nil {
				return n, er
			}
			return n, io.ErrNoProgress
		}

		toRead := len(buf)
		if rem := max - n; rem < int64(toRead) {
			toRead = int(rem)
		}

		nr, er := src.Read(buf[:toRead])
		if nr == 0 && er == nil {
			return n, io.ErrNoProgress
		}
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			n += int64(nw)
			if ew != nil {
				return n, ew
			}
			if nw != nr {
				return n, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return n, nil
			}
			return n, er
		}
	}
}
