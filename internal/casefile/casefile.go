// Package casefile opens an evidence archive as a reviewable case: it runs
// the load pipeline, attaches persisted review state, keeps the archive open
// for media resolution and logs the load in the case registry.
package casefile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/wesm/casevault/internal/archive"
	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/config"
	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/export"
	"github.com/wesm/casevault/internal/filter"
	"github.com/wesm/casevault/internal/media"
	"github.com/wesm/casevault/internal/normalize"
	"github.com/wesm/casevault/internal/pipeline"
	"github.com/wesm/casevault/internal/review"
	"github.com/wesm/casevault/internal/store"
)

// LoadError is returned by Open when the load did not reach Ready. Summary
// describes what was recovered before the load stopped.
type LoadError struct {
	Summary *pipeline.LoadSummary
	Err     error
}

func (e *LoadError) Error() string { return e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// Case is an open evidence archive. After a cancelled load it holds the
// messages parsed so far and Summary().Incomplete is set.
type Case struct {
	cfg         *config.Config
	log         *slog.Logger
	archivePath string
	users       *normalize.UserMap

	archive  *archive.Archive
	ev       *evidence.Store
	session  *review.Session
	resolver *media.Resolver
	registry *store.Store

	summary *pipeline.LoadSummary
	loadID  string
	related []string
}

// Open loads archivePath. progress may be nil.
//
// When the load is cancelled Open returns the partially loaded case along
// with a *LoadError; the caller still owns the case and must Close it. Any
// other load failure closes the case and returns only the error.
func Open(ctx context.Context, cfg *config.Config, archivePath string, progress pipeline.Progress) (*Case, error) {
	c, err := Begin(cfg, archivePath)
	if err != nil {
		return nil, err
	}
	err = c.Load(ctx, progress)
	if err == nil {
		return c, nil
	}
	if pipeline.IsCancelled(err) && c.archive != nil {
		return c, err
	}
	_ = c.Close()
	return nil, err
}

// Begin prepares a load of archivePath without reading it. Store() is
// valid immediately and fills up while Load runs, so a caller can show
// messages as they arrive.
func Begin(cfg *config.Config, archivePath string) (*Case, error) {
	log := slog.Default()
	absPath, err := filepath.Abs(archivePath)
	if err != nil {
		return nil, fmt.Errorf("resolve archive path: %w", err)
	}

	var users *normalize.UserMap
	if cfg.Ingest.UserMap != "" {
		users, err = normalize.LoadUserMap(cfg.Ingest.UserMap)
		if err != nil {
			return nil, err
		}
	}

	registry, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open case registry: %w", err)
	}
	if err := registry.InitSchema(); err != nil {
		registry.Close()
		return nil, fmt.Errorf("init case registry: %w", err)
	}

	return &Case{
		cfg:         cfg,
		log:         log,
		archivePath: absPath,
		users:       users,
		ev:          evidence.NewStore(),
		registry:    registry,
	}, nil
}

// Load runs the pipeline over the archive, merges review state and
// registers the case. It may be called once. A cancelled load keeps the
// archive open and the media resolver usable over the partial case.
func (c *Case) Load(ctx context.Context, progress pipeline.Progress) error {
	if c.summary != nil {
		return errors.New("case already loaded")
	}
	cfg := c.cfg
	loadID, err := c.registry.StartLoad(c.archivePath)
	if err != nil {
		return err
	}
	c.loadID = loadID

	reviews := review.NewStore(cfg.Data.DataDir, c.log)
	merger := pipeline.MergerFunc(func(ctx context.Context, id caseid.Identity, ev *evidence.Store) error {
		s, err := reviews.Attach(ctx, id, ev)
		if err != nil {
			return err
		}
		c.session = s
		return nil
	})

	p := pipeline.New(c.ev, pipeline.Options{
		Limits: archive.Limits{
			MaxDepth:      cfg.Limits.MaxDepth,
			MaxTotalBytes: cfg.Limits.MaxTotalBytes,
			MaxEntryBytes: cfg.Limits.MaxEntryBytes,
		},
		Workers:        cfg.Ingest.Workers,
		BatchSize:      cfg.Ingest.BatchSize,
		RecordPatterns: cfg.Ingest.RecordPatterns,
		Users:          c.users,
		Merger:         merger,
		Logger:         c.log,
	}, progress)

	a, summary, loadErr := p.Load(ctx, c.archivePath)
	c.archive = a
	c.summary = summary

	if loadErr != nil {
		c.finishLoad(summary, loadErr)
		if a != nil {
			c.resolver = c.newResolver()
		}
		return &LoadError{Summary: c.summary, Err: loadErr}
	}

	if err := c.register(); err != nil {
		return err
	}
	c.resolver = c.newResolver()
	return nil
}

func (c *Case) newResolver() *media.Resolver {
	return media.New(c.archive, media.Options{
		CacheMaxBytes:  c.cfg.Media.CacheMaxBytes,
		RecordPatterns: c.cfg.Ingest.RecordPatterns,
		Logger:         c.log,
	})
}

// register records the case and its record files, then closes the load run.
func (c *Case) register() error {
	id := c.summary.Identity
	var files []store.RecordFile
	var shas []string
	for _, f := range c.summary.Files {
		if f.Err != nil {
			continue
		}
		files = append(files, store.RecordFile{
			SourceFile: f.SourceFile,
			SHA256:     f.Fingerprint.SHA256,
			Size:       f.Fingerprint.Size,
			Schema:     f.Schema.String(),
			Rows:       int64(f.Rows),
			Malformed:  int64(f.Malformed),
		})
		shas = append(shas, f.Fingerprint.SHA256)
	}

	err := c.registry.RecordCase(&store.Case{
		Key:                id.Key(),
		ArchivePath:        c.archivePath,
		ArchiveFingerprint: c.archive.MetadataKey(),
		FileCount:          int64(len(files)),
		MessageCount:       int64(c.ev.Len()),
	}, files)
	if err != nil {
		return fmt.Errorf("register case: %w", err)
	}

	related, err := c.registry.CasesSharingFiles(id.Key(), shas)
	if err != nil {
		c.log.Warn("related case lookup failed", "error", err)
	}
	c.related = related

	return c.registry.FinishLoad(c.loadID, store.LoadCompleted, id.Key(), c.counters(), "")
}

// finishLoad closes the load run of a load that did not complete. Registry
// errors are logged; the load error is what the caller needs to see.
func (c *Case) finishLoad(summary *pipeline.LoadSummary, loadErr error) {
	status := store.LoadFailed
	if pipeline.IsCancelled(loadErr) {
		status = store.LoadCancelled
	}
	if summary != nil {
		c.summary = summary
	} else {
		c.summary = &pipeline.LoadSummary{ArchivePath: c.archivePath}
	}
	if err := c.registry.FinishLoad(c.loadID, status, "", c.counters(), loadErr.Error()); err != nil {
		c.log.Warn("record load outcome", "load", c.loadID, "error", err)
	}
}

func (c *Case) counters() store.LoadCounters {
	s := c.summary
	lc := store.LoadCounters{
		FilesParsed:   s.Counts.FilesParsed,
		RowsIngested:  s.Counts.RowsIngested,
		MalformedRows: int64(len(s.Malformed)),
		Problems:      int64(len(s.Problems)),
	}
	if c.session != nil {
		ms := c.session.MergeStats()
		lc.ReviewMatched = int64(ms.Matched)
		lc.ReviewRetained = int64(ms.Retained)
		lc.ReviewCorrupt = int64(len(c.session.LoadReport().Corrupt))
	}
	return lc
}

// Store returns the loaded messages.
func (c *Case) Store() *evidence.Store { return c.ev }

// Session returns the review session of the case.
func (c *Case) Session() *review.Session { return c.session }

// Resolver returns the media resolver over the open archive.
func (c *Case) Resolver() *media.Resolver { return c.resolver }

// Summary returns the load summary, nil before Load.
func (c *Case) Summary() *pipeline.LoadSummary { return c.summary }

// Identity returns the case identity. It is empty before Load.
func (c *Case) Identity() caseid.Identity {
	if c.summary == nil {
		return caseid.Identity{}
	}
	return c.summary.Identity
}

// Key returns the case key.
func (c *Case) Key() string { return c.Identity().Key() }

// ArchivePath returns the absolute path the case was loaded from.
func (c *Case) ArchivePath() string { return c.archivePath }

// LoadID returns the registry ID of this load.
func (c *Case) LoadID() string { return c.loadID }

// RelatedCases returns the keys of other registered cases that share at
// least one record file with this one.
func (c *Case) RelatedCases() []string { return c.related }

// Registry returns the case registry.
func (c *Case) Registry() *store.Store { return c.registry }

// Filter applies a predicate to the case's messages.
func (c *Case) Filter(p filter.Predicate) filter.View {
	return filter.Apply(c.ev, p)
}

// Export writes an export bundle of view and logs it in the registry.
// CaseKey and ArchivePath are filled in from the case.
func (c *Case) Export(ctx context.Context, view filter.View, opts export.Options) (*export.Manifest, export.ExportStats, error) {
	opts.CaseKey = c.Key()
	opts.ArchivePath = c.archivePath
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	m, stats, err := export.Export(ctx, view, c.resolver, opts)
	if err != nil {
		return nil, stats, err
	}
	format := opts.Format
	if format == "" {
		format = export.FormatHTML
	}
	err = c.registry.RecordExport(&store.ExportRun{
		BundleID:      m.BundleID,
		CaseKey:       c.Key(),
		OutDir:        stats.Dir,
		Scope:         m.Scope,
		Format:        string(format),
		Messages:      int64(m.Totals.Messages),
		Conversations: int64(m.Totals.Conversations),
		MediaExported: int64(m.Totals.MediaExported),
		MediaMissing:  int64(m.Totals.MediaMissing),
		MediaBytes:    m.Totals.MediaBytes,
	})
	if err != nil {
		return m, stats, fmt.Errorf("bundle written but not logged: %w", err)
	}
	return m, stats, nil
}

// Save persists pending review changes.
func (c *Case) Save() error {
	if c.session == nil {
		return nil
	}
	return c.session.Save()
}

// Close releases the archive and the registry. Unsaved review changes are
// not written.
func (c *Case) Close() error {
	var errs []error
	if c.archive != nil {
		errs = append(errs, c.archive.Close())
		c.archive = nil
	}
	if c.registry != nil {
		errs = append(errs, c.registry.Close())
		c.registry = nil
	}
	return errors.Join(errs...)
}
