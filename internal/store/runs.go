package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Load run statuses.
const (
	LoadRunning   = "running"
	LoadCompleted = "completed"
	LoadCancelled = "cancelled"
	LoadFailed    = "failed"
)

// LoadCounters are the totals recorded when a load finishes.
type LoadCounters struct {
	FilesParsed    int64
	RowsIngested   int64
	MalformedRows  int64
	Problems       int64
	ReviewMatched  int64
	ReviewRetained int64
	ReviewCorrupt  int64
}

// LoadRun represents a load in progress or finished.
type LoadRun struct {
	ID           string
	CaseKey      sql.NullString // unset until the case identity is known
	ArchivePath  string
	StartedAt    time.Time
	CompletedAt  sql.NullTime
	Status       string
	Counters     LoadCounters
	ErrorMessage sql.NullString
}

// StartLoad creates a new load run record and returns its ID. Runs for the
// same archive path still marked running belonged to a process that never
// finished them; they are marked failed.
func (s *Store) StartLoad(archivePath string) (string, error) {
	_, err := s.db.Exec(`
		UPDATE load_runs
		SET status = 'failed',
		    error_message = 'superseded by new load',
		    completed_at = datetime('now')
		WHERE archive_path = ? AND status = 'running'
	`, archivePath)
	if err != nil {
		return "", fmt.Errorf("mark old loads failed: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO load_runs (id, archive_path, started_at, status)
		VALUES (?, ?, datetime('now'), 'running')
	`, id, archivePath)
	if err != nil {
		return "", fmt.Errorf("insert load_run: %w", err)
	}
	return id, nil
}

// FinishLoad records the outcome of a load. caseKey may be empty when the
// load ended before the case identity was known.
func (s *Store) FinishLoad(id, status, caseKey string, c LoadCounters, errMsg string) error {
	switch status {
	case LoadCompleted, LoadCancelled, LoadFailed:
	default:
		return fmt.Errorf("finish load: invalid status %q", status)
	}
	res, err := s.db.Exec(`
		UPDATE load_runs
		SET status = ?,
		    completed_at = datetime('now'),
		    case_key = ?,
		    files_parsed = ?,
		    rows_ingested = ?,
		    malformed_rows = ?,
		    problems = ?,
		    review_matched = ?,
		    review_retained = ?,
		    review_corrupt = ?,
		    error_message = ?
		WHERE id = ?
	`, status, nullString(caseKey),
		c.FilesParsed, c.RowsIngested, c.MalformedRows, c.Problems,
		c.ReviewMatched, c.ReviewRetained, c.ReviewCorrupt,
		nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("update load_run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("load run %s not found", id)
	}
	return nil
}

const loadRunColumns = `
	id, case_key, archive_path, started_at, completed_at, status,
	files_parsed, rows_ingested, malformed_rows, problems,
	review_matched, review_retained, review_corrupt, error_message`

func scanLoadRun(sc interface{ Scan(...any) error }) (*LoadRun, error) {
	var run LoadRun
	c := &run.Counters
	err := sc.Scan(
		&run.ID, &run.CaseKey, &run.ArchivePath, &run.StartedAt, &run.CompletedAt, &run.Status,
		&c.FilesParsed, &c.RowsIngested, &c.MalformedRows, &c.Problems,
		&c.ReviewMatched, &c.ReviewRetained, &c.ReviewCorrupt, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetLoadRun returns a load run by ID, or nil if none.
func (s *Store) GetLoadRun(id string) (*LoadRun, error) {
	run, err := scanLoadRun(s.db.QueryRow(`SELECT `+loadRunColumns+` FROM load_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get load run: %w", err)
	}
	return run, nil
}

// ListLoadRuns returns the most recent load runs, newest first. An empty
// caseKey lists runs of every case; limit <= 0 means no limit.
func (s *Store) ListLoadRuns(caseKey string, limit int) ([]*LoadRun, error) {
	query := `SELECT ` + loadRunColumns + ` FROM load_runs`
	var args []interface{}
	if caseKey != "" {
		query += ` WHERE case_key = ?`
		args = append(args, caseKey)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query load runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*LoadRun
	for rows.Next() {
		run, err := scanLoadRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan load run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ExportRun is one export bundle written for a case.
type ExportRun struct {
	BundleID      string
	CaseKey       string
	OutDir        string
	Scope         string
	Format        string
	Messages      int64
	Conversations int64
	MediaExported int64
	MediaMissing  int64
	MediaBytes    int64
	CreatedAt     time.Time
}

// RecordExport logs an export bundle. The case must be registered.
func (s *Store) RecordExport(r *ExportRun) error {
	_, err := s.db.Exec(`
		INSERT INTO export_runs (bundle_id, case_key, out_dir, scope, format,
			messages, conversations, media_exported, media_missing, media_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.BundleID, r.CaseKey, r.OutDir, r.Scope, r.Format,
		r.Messages, r.Conversations, r.MediaExported, r.MediaMissing, r.MediaBytes)
	if err != nil {
		return fmt.Errorf("insert export_run: %w", err)
	}
	return nil
}

// ListExportRuns returns the export runs of a case, newest first.
func (s *Store) ListExportRuns(caseKey string) ([]*ExportRun, error) {
	rows, err := s.db.Query(`
		SELECT bundle_id, case_key, out_dir, scope, format,
		       messages, conversations, media_exported, media_missing, media_bytes, created_at
		FROM export_runs
		WHERE case_key = ?
		ORDER BY created_at DESC, rowid DESC
	`, caseKey)
	if err != nil {
		return nil, fmt.Errorf("query export runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*ExportRun
	for rows.Next() {
		var r ExportRun
		if err := rows.Scan(&r.BundleID, &r.CaseKey, &r.OutDir, &r.Scope, &r.Format,
			&r.Messages, &r.Conversations, &r.MediaExported, &r.MediaMissing, &r.MediaBytes,
			&r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan export run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
