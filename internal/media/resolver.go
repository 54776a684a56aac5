// Package media resolves media references from message rows to bytes
// inside the evidence archive. Entries are located and extracted on first
// request only; bytes are kept in a size-bounded cache and digests for the
// life of the resolver.
package media

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/wesm/casevault/internal/archive"
)

// ErrMediaNotFound is returned when no archive entry matches a reference.
// It is not fatal: exported media may have been removed from the export.
var ErrMediaNotFound = errors.New("media not found")

// Digest algorithm names. The pair is fixed so that manifests from
// different runs over the same archive can be compared.
const (
	AlgMD5    = "md5"
	AlgSHA256 = "sha256"
)

// DigestAlgorithms lists the algorithms every Digest carries, in manifest
// order.
var DigestAlgorithms = []string{AlgMD5, AlgSHA256}

// DefaultCacheMaxBytes bounds cached media bytes.
const DefaultCacheMaxBytes int64 = 256 << 20

// Digest identifies the bytes a reference resolved to.
type Digest struct {
	Reference  string
	SourcePath string // virtual path of the matched entry
	Size       int64
	MD5        string
	SHA256     string
}

// Hex returns the digest for one algorithm name.
func (d Digest) Hex(alg string) string {
	switch alg {
	case AlgMD5:
		return d.MD5
	case AlgSHA256:
		return d.SHA256
	default:
		return ""
	}
}

// Source is the archive the resolver reads from.
type Source interface {
	Walk(ctx context.Context, fn archive.WalkFunc) (*archive.WalkReport, error)
}

// Options configures a Resolver.
type Options struct {
	CacheMaxBytes int64
	// RecordPatterns are base-name globs of record files, which are never
	// media candidates.
	RecordPatterns []string
	Logger         *slog.Logger
}

// Stats are resolver counters.
type Stats struct {
	Walks         int64
	Extractions   int64
	Hits          int64
	NotFound      int64
	Evictions     int64
	CachedEntries int
	CachedBytes   int64
	Digests       int
}

// Resolver resolves media references. It is safe for concurrent use;
// concurrent first requests for one reference share a single extraction.
type Resolver struct {
	src      Source
	patterns []string
	log      *slog.Logger
	group    singleflight.Group

	mu       sync.Mutex
	cache    *byteLRU
	digests  map[string]Digest
	notFound map[string]bool

	walks       atomic.Int64
	extractions atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
}

// New creates a resolver over src.
func New(src Source, opts Options) *Resolver {
	if opts.CacheMaxBytes <= 0 {
		opts.CacheMaxBytes = DefaultCacheMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.RecordPatterns) == 0 {
		opts.RecordPatterns = []string{"*.csv"}
	}
	return &Resolver{
		src:      src,
		patterns: opts.RecordPatterns,
		log:      opts.Logger,
		cache:    newByteLRU(opts.CacheMaxBytes),
		digests:  make(map[string]Digest),
		notFound: make(map[string]bool),
	}
}

type resolved struct {
	data   []byte
	digest Digest
}

// Resolve returns the bytes and digest of a reference. The archive is
// walked and the entry extracted on the first request only; later requests
// are served from the cache until the bytes are evicted.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, Digest, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, Digest{}, fmt.Errorf("%w: empty reference", ErrMediaNotFound)
	}
	if data, d, ok := r.cached(ref); ok {
		return data, d, nil
	}
	if r.knownMissing(ref) {
		r.misses.Add(1)
		return nil, Digest{}, fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
	}

	v, err, _ := r.group.Do(ref, func() (any, error) {
		if data, d, ok := r.cached(ref); ok {
			return resolved{data: data, digest: d}, nil
		}
		found, err := r.locate(ctx, []string{ref})
		if err != nil {
			return nil, err
		}
		e, ok := found[ref]
		if !ok {
			r.markMissing(ref)
			return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, ref)
		}
		data, d, err := r.extract(ref, e)
		if err != nil {
			return nil, err
		}
		return resolved{data: data, digest: d}, nil
	})
	if err != nil {
		return nil, Digest{}, err
	}
	res := v.(resolved)
	return res.data, res.digest, nil
}

// Digest returns the digest of a reference, resolving it if needed.
func (r *Resolver) Digest(ctx context.Context, ref string) (Digest, error) {
	r.mu.Lock()
	d, ok := r.digests[strings.TrimSpace(ref)]
	r.mu.Unlock()
	if ok {
		return d, nil
	}
	_, d, err := r.Resolve(ctx, ref)
	return d, err
}

// EachFunc receives one reference's result from ResolveEach. err is
// ErrMediaNotFound (wrapped) for missing media.
type EachFunc func(ref string, data []byte, d Digest, err error) error

// ResolveEach resolves many references with at most one archive walk,
// calling fn once per distinct reference in input order. Missing media is
// passed to fn and does not stop the iteration; an error returned by fn
// does.
func (r *Resolver) ResolveEach(ctx context.Context, refs []string, fn EachFunc) error {
	var distinct, pending []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		distinct = append(distinct, ref)
		if _, _, ok := r.peek(ref); !ok && !r.knownMissing(ref) {
			pending = append(pending, ref)
		}
	}

	var found map[string]archive.Entry
	if len(pending) > 0 {
		var err error
		found, err = r.locate(ctx, pending)
		if err != nil {
			return err
		}
		for _, ref := range pending {
			if _, ok := found[ref]; !ok {
				r.markMissing(ref)
			}
		}
	}

	for _, ref := range distinct {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, d, err := r.resolveWith(ctx, ref, found)
		if cbErr := fn(ref, data, d, err); cbErr != nil {
			return cbErr
		}
	}
	return nil
}

func (r *Resolver) resolveWith(ctx context.Context, ref string, found map[string]archive.Entry) ([]byte, Digest, error) {
	if data, d, ok := r.cached(ref); ok {
		return data, d, nil
	}
	e, ok := found[ref]
	if !ok {
		return r.Resolve(ctx, ref)
	}
	v, err, _ := r.group.Do(ref, func() (any, error) {
		if data, d, ok := r.cached(ref); ok {
			return resolved{data: data, digest: d}, nil
		}
		data, d, err := r.extract(ref, e)
		if err != nil {
			return nil, err
		}
		return resolved{data: data, digest: d}, nil
	})
	if err != nil {
		return nil, Digest{}, err
	}
	res := v.(resolved)
	return res.data, res.digest, nil
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Walks:         r.walks.Load(),
		Extractions:   r.extractions.Load(),
		Hits:          r.hits.Load(),
		NotFound:      r.misses.Load(),
		Evictions:     r.evictions.Load(),
		CachedEntries: r.cache.len(),
		CachedBytes:   r.cache.bytes(),
		Digests:       len(r.digests),
	}
}

func (r *Resolver) cached(ref string) ([]byte, Digest, bool) {
	data, d, ok := r.peek(ref)
	if ok {
		r.hits.Add(1)
	}
	return data, d, ok
}

func (r *Resolver) peek(ref string) ([]byte, Digest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.cache.get(ref)
	if !ok {
		return nil, Digest{}, false
	}
	return data, r.digests[ref], true
}

func (r *Resolver) knownMissing(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notFound[ref]
}

func (r *Resolver) markMissing(ref string) {
	r.misses.Add(1)
	r.mu.Lock()
	r.notFound[ref] = true
	r.mu.Unlock()
	r.log.Warn("media not found", "reference", ref)
}

// locate walks the archive once and picks an entry for each reference: an
// entry whose name without extension equals the reference wins, otherwise
// the first entry whose name contains it.
func (r *Resolver) locate(ctx context.Context, refs []string) (map[string]archive.Entry, error) {
	r.walks.Add(1)
	exact := make(map[string]archive.Entry, len(refs))
	partial := make(map[string]archive.Entry)
	byStem := make(map[string][]string, len(refs))
	for _, ref := range refs {
		k := strings.ToLower(ref)
		byStem[k] = append(byStem[k], ref)
	}

	_, err := r.src.Walk(ctx, func(e archive.Entry) error {
		base := e.Base()
		if r.isRecordFile(base) {
			return nil
		}
		lower := strings.ToLower(base)
		stem := strings.TrimSuffix(lower, path.Ext(lower))
		for _, key := range []string{stem, lower} {
			for _, ref := range byStem[key] {
				if _, ok := exact[ref]; !ok {
					exact[ref] = e
				}
			}
		}
		for _, ref := range refs {
			if _, ok := exact[ref]; ok {
				continue
			}
			if _, ok := partial[ref]; ok {
				continue
			}
			if strings.Contains(base, ref) {
				partial[ref] = e
			}
		}
		if len(exact) == len(refs) {
			return archive.ErrStopWalk
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("locate media: %w", err)
	}

	for ref, e := range partial {
		if _, ok := exact[ref]; !ok {
			exact[ref] = e
		}
	}
	return exact, nil
}

func (r *Resolver) isRecordFile(base string) bool {
	base = strings.ToLower(base)
	for _, pat := range r.patterns {
		if ok, _ := path.Match(strings.ToLower(pat), base); ok {
			return true
		}
	}
	return false
}

// extract reads an entry, hashes it with both digest algorithms, and
// caches the result.
func (r *Resolver) extract(ref string, e archive.Entry) ([]byte, Digest, error) {
	rc, err := e.Open()
	if err != nil {
		return nil, Digest{}, fmt.Errorf("open media %s: %w", e.VirtualPath(), err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if e.Size > 0 {
		buf.Grow(int(e.Size))
	}
	md5h := md5.New()
	sha := sha256.New()
	n, err := io.Copy(io.MultiWriter(&buf, md5h, sha), rc)
	if err != nil {
		return nil, Digest{}, fmt.Errorf("extract media %s: %w", e.VirtualPath(), err)
	}
	r.extractions.Add(1)

	d := Digest{
		Reference:  ref,
		SourcePath: e.VirtualPath(),
		Size:       n,
		MD5:        hex.EncodeToString(md5h.Sum(nil)),
		SHA256:     hex.EncodeToString(sha.Sum(nil)),
	}
	data := buf.Bytes()

	r.mu.Lock()
	r.digests[ref] = d
	if ev := r.cache.add(ref, data); ev > 0 {
		r.evictions.Add(int64(ev))
	}
	r.mu.Unlock()

	r.log.Debug("media extracted", "reference", ref, "path", d.SourcePath, "bytes", n)
	return data, d, nil
}

// ComputeDigest hashes data with both digest algorithms. Manifest
// verification uses it to recompute digests independently.
func ComputeDigest(data []byte) (md5Hex, sha256Hex string) {
	m := md5.Sum(data)
	s := sha256.Sum256(data)
	return hex.EncodeToString(m[:]), hex.EncodeToString(s[:])
}
