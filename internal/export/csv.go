package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/wesm/casevault/internal/evidence"
)

// WriteCSV writes messages as a flat table with a header row. Fields with
// delimiters, quotes or newlines are quoted.
func WriteCSV(w io.Writer, messages []evidence.Message, fields []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fields); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(fields))
	for i := range messages {
		for j, f := range fields {
			row[j] = FieldValue(&messages[i], f)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
