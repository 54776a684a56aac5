// Package testutil provides test helpers for casevault tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings, etc.)
//   - archive_helpers.go: in-memory and on-disk zip archives (ZipBytes, CreateTempZip)
//   - records.go: record file builders (CSV, CompleteRow)
//   - store_helpers.go: case registry setup (NewTestStore)
//   - fs_helpers.go: filesystem operations (WriteFile, ReadFile, MustExist)
//   - security_data.go: path escape vectors (EscapingPaths)
//   - encoding.go: legacy-encoded field samples (EncodedFields)
package testutil
