// Package pipeline loads a forensic export archive into an evidence store:
// it scans the archive for record files, parses them on a bounded pool of
// workers, and reconciles persisted review state once parsing finishes.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/wesm/casevault/internal/archive"
	"github.com/wesm/casevault/internal/caseid"
	"github.com/wesm/casevault/internal/normalize"
	"github.com/wesm/casevault/internal/records"
)

// State is the lifecycle state of one load.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateParsing
	StateMerging
	StateReady
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:      "idle",
	StateScanning:  "scanning",
	StateParsing:   "parsing",
	StateMerging:   "merging",
	StateReady:     "ready",
	StateCancelled: "cancelled",
	StateFailed:    "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateReady || s == StateCancelled || s == StateFailed
}

// transitions lists the allowed moves. Failed is reachable from every
// non-terminal state; Cancelled only while scanning or parsing.
var transitions = map[State][]State{
	StateIdle:     {StateScanning, StateFailed},
	StateScanning: {StateParsing, StateCancelled, StateFailed},
	StateParsing:  {StateMerging, StateCancelled, StateFailed},
	StateMerging:  {StateReady, StateFailed},
}

// CanTransition reports whether a load may move from s to to.
func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a pipeline is driven out of order,
// for example Run called twice.
var ErrInvalidTransition = errors.New("invalid pipeline state transition")

// DefaultBatchSize is the number of rows between store flushes and
// cancellation checks.
const DefaultBatchSize = 512

// DefaultRecordPatterns match record files by base name.
var DefaultRecordPatterns = []string{"*.csv"}

// Options configures a load.
type Options struct {
	Limits         archive.Limits
	Workers        int // 0 = runtime.NumCPU()
	BatchSize      int
	RecordPatterns []string
	Users          *normalize.UserMap
	// Merger reconciles persisted review state after parsing. Optional.
	Merger Merger
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if len(o.RecordPatterns) == 0 {
		o.RecordPatterns = DefaultRecordPatterns
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Counts are the monotonically increasing progress counters of a load.
type Counts struct {
	FilesDiscovered int64
	FilesParsed     int64
	RowsIngested    int64
}

// FileResult describes one record file.
type FileResult struct {
	SourceFile  string
	Schema      records.Schema
	Fingerprint caseid.FileFingerprint
	Rows        int // messages ingested
	Malformed   int
	Err         error // rejected schema or read failure; the file contributed no fingerprint
	Duration    time.Duration
}

// RowError is a malformed row, kept with its provenance.
type RowError struct {
	SourceFile string
	Line       int
	Raw        string
	Err        error
}

// LoadSummary aggregates everything a load recovered from.
type LoadSummary struct {
	ArchivePath string
	State       State
	Duration    time.Duration
	Identity    caseid.Identity
	Counts      Counts
	Files       []FileResult
	Malformed   []RowError
	Problems    []archive.Problem
	// Incomplete is set when the store does not hold every record file,
	// because the load was cancelled or failed part way.
	Incomplete bool
}

// FileErrors returns the files that were rejected or failed to read.
func (s *LoadSummary) FileErrors() []FileResult {
	var out []FileResult
	for _, f := range s.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Progress receives load progress. Calls are serialized by the pipeline.
type Progress interface {
	OnStateChange(state State)
	OnFileDiscovered(sourceFile string)
	OnProgress(counts Counts)
	OnFileComplete(result FileResult)
	OnComplete(summary *LoadSummary)
	OnError(err error)
}

// NullProgress is a no-op implementation of Progress.
type NullProgress struct{}

func (NullProgress) OnStateChange(State)         {}
func (NullProgress) OnFileDiscovered(string)     {}
func (NullProgress) OnProgress(Counts)           {}
func (NullProgress) OnFileComplete(FileResult)   {}
func (NullProgress) OnComplete(*LoadSummary)     {}
func (NullProgress) OnError(error)               {}
