// Package export writes evidence export bundles: an HTML report and/or a
// flat CSV of a filtered message view, the referenced media, and a hash
// manifest of every file written so the bundle can be verified later.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/casevault/internal/fileutil"
	"github.com/wesm/casevault/internal/filter"
	"github.com/wesm/casevault/internal/media"
)

// ErrBundleExists is returned when the output directory already holds a
// bundle. Bundles are never overwritten.
var ErrBundleExists = errors.New("export bundle already exists")

// Format selects the report files of a bundle.
type Format string

const (
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
	FormatBoth Format = "both"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatHTML, FormatCSV, FormatBoth:
		return f, nil
	case "":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want html, csv or both)", s)
	}
}

// MediaSource resolves media references for bundling.
type MediaSource interface {
	ResolveEach(ctx context.Context, refs []string, fn media.EachFunc) error
}

// Options configures an export.
type Options struct {
	OutDir       string
	Format       Format
	Fields       []string // nil = DefaultFields
	Scope        string   // human description of the filter, e.g. the query string
	CaseKey      string
	ArchivePath  string
	IncludeMedia bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// ExportStats contains the results of an export.
type ExportStats struct {
	Dir      string
	BundleID string
	Totals   Totals
	Errors   []string // media that could not be bundled
}

// Export writes a bundle for view into opts.OutDir. Missing media is
// recorded in the manifest and does not fail the export; write failures
// and cancellation do.
func Export(ctx context.Context, view filter.View, src MediaSource, opts Options) (*Manifest, ExportStats, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Format == "" {
		opts.Format = FormatHTML
	}
	if len(opts.Fields) == 0 {
		opts.Fields = append([]string(nil), DefaultFields...)
	}
	if opts.OutDir == "" {
		return nil, ExportStats{}, fmt.Errorf("export: no output directory")
	}
	if _, err := os.Lstat(filepath.Join(opts.OutDir, ManifestJSON)); err == nil {
		return nil, ExportStats{}, fmt.Errorf("%w: %s", ErrBundleExists, opts.OutDir)
	}
	if err := fileutil.SecureMkdirAll(opts.OutDir, 0700); err != nil {
		return nil, ExportStats{}, fmt.Errorf("create export dir: %w", err)
	}

	m := &Manifest{
		Version:     ManifestVersion,
		BundleID:    uuid.NewString(),
		GeneratedAt: opts.Now().UTC(),
		CaseKey:     opts.CaseKey,
		ArchivePath: opts.ArchivePath,
		Scope:       opts.Scope,
		Fields:      opts.Fields,
		Algorithms:  append([]string(nil), media.DigestAlgorithms...),
		Files:       []Entry{},
	}
	if m.Scope == "" {
		m.Scope = "all conversations"
	}
	m.Totals.Messages = len(view.Messages)
	m.Totals.Conversations = view.Conversations

	stats := ExportStats{Dir: opts.OutDir, BundleID: m.BundleID}
	refs := view.MediaRefs()
	m.Totals.MediaReferenced = len(refs)

	if opts.IncludeMedia && len(refs) > 0 {
		if src == nil {
			return nil, stats, fmt.Errorf("export: media requested without a media source")
		}
		if err := bundleMedia(ctx, src, refs, opts, m, &stats); err != nil {
			return nil, stats, err
		}
	}

	var reports []string
	if opts.Format == FormatCSV || opts.Format == FormatBoth {
		var buf bytes.Buffer
		if err := WriteCSV(&buf, view.Messages, opts.Fields); err != nil {
			return nil, stats, err
		}
		if err := writeBundleFile(opts.OutDir, MessagesCSV, buf.Bytes()); err != nil {
			return nil, stats, err
		}
		reports = append(reports, MessagesCSV)
	}
	if opts.Format == FormatHTML || opts.Format == FormatBoth {
		var buf bytes.Buffer
		if err := WriteHTML(&buf, view.Messages, opts.Fields, m); err != nil {
			return nil, stats, err
		}
		if err := writeBundleFile(opts.OutDir, ReportHTML, buf.Bytes()); err != nil {
			return nil, stats, err
		}
		reports = append(reports, ReportHTML)
	}

	for _, name := range reports {
		e, err := hashFile(opts.OutDir, name, KindReport, m.Algorithms)
		if err != nil {
			return nil, stats, err
		}
		m.Files = append(m.Files, e)
	}
	sortEntries(m.Files)

	if err := WriteManifest(opts.OutDir, m); err != nil {
		return nil, stats, err
	}
	stats.Totals = m.Totals
	opts.Logger.Info("export written",
		"dir", opts.OutDir,
		"bundle", m.BundleID,
		"messages", m.Totals.Messages,
		"media", m.Totals.MediaExported,
		"missing", m.Totals.MediaMissing)
	return m, stats, nil
}

// bundleMedia copies every resolvable reference into <out>/media and adds
// its digests to the manifest.
func bundleMedia(ctx context.Context, src MediaSource, refs []string, opts Options, m *Manifest, stats *ExportStats) error {
	usedNames := make(map[string]int)
	mediaDir := filepath.Join(opts.OutDir, MediaDir)
	if err := fileutil.SecureMkdirAll(mediaDir, 0700); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	err := src.ResolveEach(ctx, refs, func(ref string, data []byte, d media.Digest, err error) error {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			reason := err.Error()
			if errors.Is(err, media.ErrMediaNotFound) {
				reason = "not found in archive"
			}
			m.Missing = append(m.Missing, MissingMedia{Reference: ref, Reason: reason})
			m.Totals.MediaMissing++
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", ref, reason))
			opts.Logger.Warn("media not exported", "reference", ref, "error", err)
			return nil
		}

		name := resolveUniqueFilename(path.Base(d.SourcePath), ref, usedNames)
		rel := path.Join(MediaDir, name)
		if err := writeBundleFile(opts.OutDir, rel, data); err != nil {
			return err
		}
		m.Files = append(m.Files, Entry{
			Kind:       KindMedia,
			Reference:  ref,
			File:       rel,
			SourcePath: d.SourcePath,
			Size:       d.Size,
			Digests: map[string]string{
				media.AlgMD5:    d.MD5,
				media.AlgSHA256: d.SHA256,
			},
		})
		m.Totals.MediaExported++
		m.Totals.MediaBytes += d.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("bundle media: %w", err)
	}
	return nil
}

// writeBundleFile creates a new file in the bundle, refusing to replace an
// existing one.
func writeBundleFile(dir, rel string, data []byte) error {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", rel, err)
	}
	return nil
}

// resolveUniqueFilename sanitizes original and suffixes _2, _3, ... on
// collisions. fallback is used when nothing usable is left of original.
func resolveUniqueFilename(original, fallback string, usedNames map[string]int) string {
	filename := SanitizeFilename(original)
	if filename == "" || filename == "." || filename == ".." {
		filename = SanitizeFilename(fallback)
	}
	if filename == "" || filename == "." || filename == ".." {
		filename = "media"
	}

	key := strings.ToLower(filename)
	count, exists := usedNames[key]
	if !exists {
		usedNames[key] = 1
		return filename
	}
	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	for {
		count++
		candidate := fmt.Sprintf("%s_%d%s", base, count, ext)
		ckey := strings.ToLower(candidate)
		if _, taken := usedNames[ckey]; !taken {
			usedNames[key] = count
			usedNames[ckey] = 1
			return candidate
		}
	}
}

// SanitizeFilename removes or replaces characters that are invalid in filenames.
func SanitizeFilename(s string) string {
	var result []rune
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\n', '\r', '\t', 0:
			result = append(result, '_')
		default:
			result = append(result, r)
		}
	}
	return string(result)
}

// FormatBytesLong formats bytes with full precision for export results.
func FormatBytesLong(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// FormatExportResult formats ExportStats for display.
func FormatExportResult(stats ExportStats) string {
	t := stats.Totals
	result := fmt.Sprintf("Exported %d message(s) from %d conversation(s)\n", t.Messages, t.Conversations)
	if t.MediaReferenced > 0 {
		result += fmt.Sprintf("Media: %d of %d exported (%s), %d missing\n",
			t.MediaExported, t.MediaReferenced, FormatBytesLong(t.MediaBytes), t.MediaMissing)
	}
	result += fmt.Sprintf("Bundle %s saved to:\n%s", stats.BundleID, stats.Dir)
	if len(stats.Errors) > 0 {
		result += "\n\nMissing media:\n" + strings.Join(stats.Errors, "\n")
	}
	return result
}
