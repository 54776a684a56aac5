package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/casevault/internal/archive"
	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/evidence"
	"github.com/wesm/casevault/internal/normalize"
	"github.com/wesm/casevault/internal/records"
)

// Merger reconciles persisted review state into a freshly parsed store.
type Merger interface {
	Merge(ctx context.Context, id caseid.Identity, store *evidence.Store) error
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(ctx context.Context, id caseid.Identity, store *evidence.Store) error

func (f MergerFunc) Merge(ctx context.Context, id caseid.Identity, store *evidence.Store) error {
	return f(ctx, id, store)
}

// Pipeline runs one load into a store. The store is readable while the
// load runs; it is marked complete only when the load reaches Ready.
type Pipeline struct {
	opts     Options
	store    *evidence.Store
	norm     *normalize.Normalizer
	log      *slog.Logger
	progress Progress

	stateMu sync.Mutex
	state   State

	// progressMu serializes Progress callbacks.
	progressMu sync.Mutex

	filesDiscovered atomic.Int64
	filesParsed     atomic.Int64
	rowsIngested    atomic.Int64

	resultsMu sync.Mutex
	summary   *LoadSummary
}

// New creates a pipeline that fills store.
func New(store *evidence.Store, opts Options, progress Progress) *Pipeline {
	if progress == nil {
		progress = NullProgress{}
	}
	opts = opts.withDefaults()
	return &Pipeline{
		opts:     opts,
		store:    store,
		norm:     normalize.New(opts.Users),
		log:      opts.Logger,
		progress: progress,
		state:    StateIdle,
	}
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// Counts returns the current progress counters.
func (p *Pipeline) Counts() Counts {
	return Counts{
		FilesDiscovered: p.filesDiscovered.Load(),
		FilesParsed:     p.filesParsed.Load(),
		RowsIngested:    p.rowsIngested.Load(),
	}
}

func (p *Pipeline) transition(to State) error {
	p.stateMu.Lock()
	from := p.state
	if !from.CanTransition(to) {
		p.stateMu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	p.state = to
	p.stateMu.Unlock()

	p.log.Debug("pipeline state", "from", from, "to", to)
	p.notify(func(pr Progress) { pr.OnStateChange(to) })
	return nil
}

func (p *Pipeline) notify(fn func(Progress)) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	fn(p.progress)
}

// Load opens the archive at archivePath and runs the pipeline over it. The
// returned archive stays open for media resolution; the caller closes it.
// An unreadable root fails the load with archive.ErrArchiveUnreadable.
func (p *Pipeline) Load(ctx context.Context, archivePath string) (*archive.Archive, *LoadSummary, error) {
	a, err := archive.Open(archivePath, p.opts.Limits, p.log)
	if err != nil {
		summary := &LoadSummary{ArchivePath: archivePath, Incomplete: true}
		if terr := p.transition(StateFailed); terr != nil {
			return nil, nil, terr
		}
		summary.State = StateFailed
		err = eris.Wrapf(err, "load %s", archivePath)
		p.notify(func(pr Progress) { pr.OnError(err) })
		return nil, summary, err
	}
	summary, err := p.Run(ctx, a)
	if err != nil && summary == nil {
		a.Close()
		return nil, nil, err
	}
	return a, summary, err
}

type recordEntry struct {
	entry      archive.Entry
	sourceFile string
}

// Run drives Idle → Scanning → Parsing → Merging → Ready over an open
// archive. On cancellation it returns the partial summary together with
// the context error; everything ingested so far stays in the store, which
// is left marked incomplete.
func (p *Pipeline) Run(ctx context.Context, a *archive.Archive) (*LoadSummary, error) {
	start := time.Now()
	if err := p.transition(StateScanning); err != nil {
		return nil, err
	}
	p.store.SetComplete(false)
	p.summary = &LoadSummary{ArchivePath: a.Path()}

	finish := func(state State, err error) (*LoadSummary, error) {
		s := p.summary
		s.State = state
		s.Duration = time.Since(start)
		s.Counts = p.Counts()
		s.Incomplete = state != StateReady
		sort.Slice(s.Files, func(i, j int) bool { return s.Files[i].SourceFile < s.Files[j].SourceFile })
		sort.Slice(s.Malformed, func(i, j int) bool {
			if s.Malformed[i].SourceFile != s.Malformed[j].SourceFile {
				return s.Malformed[i].SourceFile < s.Malformed[j].SourceFile
			}
			return s.Malformed[i].Line < s.Malformed[j].Line
		})
		if err != nil {
			p.notify(func(pr Progress) { pr.OnError(err) })
		}
		p.notify(func(pr Progress) { pr.OnComplete(s) })
		return s, err
	}

	entries, err := p.scan(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			_ = p.transition(StateCancelled)
			return finish(StateCancelled, ctx.Err())
		}
		_ = p.transition(StateFailed)
		return finish(StateFailed, eris.Wrap(err, "scan archive"))
	}

	if err := p.transition(StateParsing); err != nil {
		return finish(StateFailed, err)
	}
	if err := p.parseAll(ctx, entries); err != nil {
		if ctx.Err() != nil {
			_ = p.transition(StateCancelled)
			return finish(StateCancelled, ctx.Err())
		}
		_ = p.transition(StateFailed)
		return finish(StateFailed, eris.Wrap(err, "parse record files"))
	}

	if err := p.transition(StateMerging); err != nil {
		return finish(StateFailed, err)
	}
	id := caseid.NewIdentity()
	for _, f := range p.summary.Files {
		if f.Err == nil {
			id = id.With(f.Fingerprint)
		}
	}
	p.summary.Identity = id
	if p.opts.Merger != nil {
		if err := p.opts.Merger.Merge(ctx, id, p.store); err != nil {
			_ = p.transition(StateFailed)
			return finish(StateFailed, eris.Wrap(err, "merge review state"))
		}
	}

	p.store.SetComplete(true)
	if err := p.transition(StateReady); err != nil {
		return finish(StateFailed, err)
	}
	p.log.Info("load complete",
		"archive", a.Path(),
		"record_files", id.Len(),
		"messages", p.rowsIngested.Load(),
		"malformed", len(p.summary.Malformed),
		"case", id.ShortKey(),
	)
	return finish(StateReady, nil)
}

// scan walks the archive once on the calling goroutine and collects record
// files. Duplicate virtual paths get a numeric suffix so provenance keys
// stay unique.
func (p *Pipeline) scan(ctx context.Context, a *archive.Archive) ([]recordEntry, error) {
	var entries []recordEntry
	seen := make(map[string]int)
	report, err := a.Walk(ctx, func(e archive.Entry) error {
		if !p.isRecordFile(e.Base()) {
			return nil
		}
		src := e.VirtualPath()
		seen[src]++
		if n := seen[src]; n > 1 {
			src = fmt.Sprintf("%s (%d)", src, n)
			p.log.Warn("duplicate record file path", "file", e.VirtualPath(), "renamed", src)
		}
		entries = append(entries, recordEntry{entry: e, sourceFile: src})
		p.filesDiscovered.Add(1)
		p.notify(func(pr Progress) {
			pr.OnFileDiscovered(src)
			pr.OnProgress(p.Counts())
		})
		return nil
	})
	if report != nil {
		p.summary.Problems = report.Problems
	}
	return entries, err
}

func (p *Pipeline) isRecordFile(base string) bool {
	base = strings.ToLower(base)
	for _, pat := range p.opts.RecordPatterns {
		if ok, _ := path.Match(strings.ToLower(pat), base); ok {
			return true
		}
	}
	return false
}

// parseAll parses record files on at most Workers goroutines. File-scoped
// failures are recorded and never stop the other files; only cancellation
// ends the stage early, and no new file is started once it is seen.
func (p *Pipeline) parseAll(ctx context.Context, entries []recordEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	for _, re := range entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := p.parseFile(gctx, re)
			p.resultsMu.Lock()
			p.summary.Files = append(p.summary.Files, res)
			p.resultsMu.Unlock()
			if err != nil {
				return err
			}
			p.filesParsed.Add(1)
			p.notify(func(pr Progress) {
				pr.OnFileComplete(res)
				pr.OnProgress(p.Counts())
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// parseFile streams one record file through the parser and normalizer,
// hashing it on the way. It returns an error only for cancellation.
func (p *Pipeline) parseFile(ctx context.Context, re recordEntry) (FileResult, error) {
	start := time.Now()
	res := FileResult{SourceFile: re.sourceFile}
	log := p.log.With("file", re.sourceFile)

	rc, err := re.entry.Open()
	if err != nil {
		res.Err = fmt.Errorf("open record file: %w", err)
		log.Warn("skipping record file", "error", res.Err)
		return res, nil
	}
	defer rc.Close()

	h := caseid.NewHasher(re.sourceFile)
	rd, err := records.NewReader(io.TeeReader(rc, h))
	if err != nil {
		res.Err = err
		log.Warn("skipping record file", "error", err)
		return res, nil
	}
	res.Schema = rd.Schema()

	batch := make([]evidence.Message, 0, p.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.store.Add(batch...); err != nil {
			log.Warn("store rejected messages", "error", err)
		}
		res.Rows += len(batch)
		p.rowsIngested.Add(int64(len(batch)))
		batch = batch[:0]
		p.notify(func(pr Progress) { pr.OnProgress(p.Counts()) })
	}

	for {
		row, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			flush()
			res.Err = fmt.Errorf("read record file: %w", err)
			log.Warn("record file truncated", "line", rd.Lines(), "error", err)
			res.Duration = time.Since(start)
			return res, nil
		}

		if bad, ok := row.(records.MalformedRow); ok {
			res.Malformed++
			log.Warn("skipping malformed row", "line", bad.LineNo, "error", bad.Err)
			p.resultsMu.Lock()
			p.summary.Malformed = append(p.summary.Malformed, RowError{
				SourceFile: re.sourceFile,
				Line:       bad.LineNo,
				Raw:        bad.Raw,
				Err:        bad.Err,
			})
			p.resultsMu.Unlock()
			continue
		}

		msg, err := p.norm.Normalize(re.sourceFile, row)
		if err != nil {
			continue
		}
		if msg.TimestampInvalid {
			log.Debug("invalid timestamp", "line", msg.SourceLine, "value", msg.RawTimestamp)
		}
		batch = append(batch, msg)
		if len(batch) >= p.opts.BatchSize {
			flush()
			if err := ctx.Err(); err != nil {
				res.Err = err
				res.Duration = time.Since(start)
				return res, err
			}
		}
	}
	flush()

	res.Fingerprint = h.Fingerprint()
	res.Duration = time.Since(start)
	log.Debug("record file parsed", "rows", res.Rows, "malformed", res.Malformed, "sha256", res.Fingerprint.SHA256)
	return res, nil
}

// IsCancelled reports whether err ended a load by cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
