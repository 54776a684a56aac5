package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrCaseNotFound is returned when no registered case matches a key.
	ErrCaseNotFound = errors.New("case not found")
	// ErrAmbiguousCase is returned when a key prefix matches several cases.
	ErrAmbiguousCase = errors.New("case key prefix is ambiguous")
)

// Case is one registered case. A case is identified by the key of its
// record-file fingerprints, so the same evidence loaded from a renamed or
// moved archive is the same case.
type Case struct {
	Key                string
	ArchivePath        string
	ArchiveFingerprint string
	FileCount          int64
	MessageCount       int64
	FirstSeenAt        time.Time
	LastLoadedAt       time.Time
	LoadCount          int64
	ExportCount        int64
}

// RecordFile is one record file of a case.
type RecordFile struct {
	SourceFile string
	SHA256     string
	Size       int64
	Schema     string
	Rows       int64
	Malformed  int64
}

// RecordCase registers a load of c and replaces its record file list.
// first_seen_at survives re-registration; everything else reflects the
// latest load.
func (s *Store) RecordCase(c *Case, files []RecordFile) error {
	if c.Key == "" {
		return fmt.Errorf("record case: empty case key")
	}
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO cases (case_key, archive_path, archive_fingerprint, file_count, message_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(case_key) DO UPDATE SET
				archive_path = excluded.archive_path,
				archive_fingerprint = excluded.archive_fingerprint,
				file_count = excluded.file_count,
				message_count = excluded.message_count,
				last_loaded_at = datetime('now')
		`, c.Key, c.ArchivePath, nullString(c.ArchiveFingerprint), c.FileCount, c.MessageCount)
		if err != nil {
			return fmt.Errorf("upsert case: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM record_files WHERE case_key = ?`, c.Key); err != nil {
			return fmt.Errorf("clear record files: %w", err)
		}
		err = insertInChunks(tx, len(files), 7,
			`INSERT INTO record_files (case_key, source_file, sha256, size, schema, row_count, malformed_count) VALUES `,
			func(start, end int) ([]string, []interface{}) {
				values := make([]string, 0, end-start)
				args := make([]interface{}, 0, (end-start)*7)
				for _, f := range files[start:end] {
					values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
					args = append(args, c.Key, f.SourceFile, f.SHA256, f.Size, f.Schema, f.Rows, f.Malformed)
				}
				return values, args
			})
		if err != nil {
			return fmt.Errorf("insert record files: %w", err)
		}
		return nil
	})
}

const caseColumns = `
	c.case_key, c.archive_path, c.archive_fingerprint, c.file_count, c.message_count,
	c.first_seen_at, c.last_loaded_at,
	(SELECT COUNT(*) FROM load_runs l WHERE l.case_key = c.case_key),
	(SELECT COUNT(*) FROM export_runs e WHERE e.case_key = c.case_key)`

func scanCase(sc interface{ Scan(...any) error }) (*Case, error) {
	var c Case
	var fp sql.NullString
	if err := sc.Scan(&c.Key, &c.ArchivePath, &fp, &c.FileCount, &c.MessageCount,
		&c.FirstSeenAt, &c.LastLoadedAt, &c.LoadCount, &c.ExportCount); err != nil {
		return nil, err
	}
	c.ArchiveFingerprint = fp.String
	return &c, nil
}

// GetCase returns the case with the exact key, or nil if none.
func (s *Store) GetCase(key string) (*Case, error) {
	c, err := scanCase(s.db.QueryRow(`SELECT `+caseColumns+` FROM cases c WHERE c.case_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

// FindCase resolves a full key or a unique key prefix.
func (s *Store) FindCase(prefix string) (*Case, error) {
	if prefix == "" {
		return nil, ErrCaseNotFound
	}
	rows, err := s.db.Query(`SELECT `+caseColumns+` FROM cases c
		WHERE substr(c.case_key, 1, length(?)) = ?
		ORDER BY c.case_key LIMIT 2`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("find case: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, prefix)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousCase, prefix)
	}
}

// ListCases returns every case, most recently loaded first.
func (s *Store) ListCases() ([]*Case, error) {
	rows, err := s.db.Query(`SELECT ` + caseColumns + ` FROM cases c
		ORDER BY c.last_loaded_at DESC, c.case_key`)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cases []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// ListRecordFiles returns the record files of a case ordered by path.
func (s *Store) ListRecordFiles(caseKey string) ([]RecordFile, error) {
	rows, err := s.db.Query(`
		SELECT source_file, sha256, size, schema, row_count, malformed_count
		FROM record_files
		WHERE case_key = ?
		ORDER BY source_file
	`, caseKey)
	if err != nil {
		return nil, fmt.Errorf("query record files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []RecordFile
	for rows.Next() {
		var f RecordFile
		if err := rows.Scan(&f.SourceFile, &f.SHA256, &f.Size, &f.Schema, &f.Rows, &f.Malformed); err != nil {
			return nil, fmt.Errorf("scan record file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CasesSharingFiles returns the keys of other cases that contain any of the
// given record file digests, sorted.
func (s *Store) CasesSharingFiles(caseKey string, sha256s []string) ([]string, error) {
	seen := make(map[string]bool)
	err := queryInChunks(s.db, sha256s, []interface{}{caseKey},
		`SELECT DISTINCT case_key FROM record_files WHERE case_key != ? AND sha256 IN (%s)`,
		func(rows *sql.Rows) error {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			seen[key] = true
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query shared record files: %w", err)
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
