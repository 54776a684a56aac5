package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/casefile"
	"github.com/wesm/casevault/internal/filter"
	"github.com/wesm/casevault/internal/textutil"
)

// openCase loads the archive named by the first argument.
func openCase(cmd *cobra.Command, archivePath string) (*casefile.Case, error) {
	c, err := casefile.Open(cmd.Context(), cfg, archivePath, newCLIProgress())
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		var le *casefile.LoadError
		if errors.As(err, &le) && le.Summary != nil {
			printLoadSummary(os.Stderr, le.Summary, 10)
		}
		return nil, err
	}
	return c, nil
}

// buildPredicate parses the query words and adds --conv.
func buildPredicate(args []string, conv string) (filter.Predicate, error) {
	p, err := filter.Parse(strings.Join(args, " "))
	if err != nil {
		return filter.Predicate{}, err
	}
	if conv != "" {
		p = p.InConversation(conv)
	}
	return p, nil
}

// table writes aligned columns, measuring display width so emoji and CJK
// names do not break alignment.
type table struct {
	header []string
	rows   [][]string
	max    []int // per-column width cap, 0 = none
}

func newTable(header ...string) *table {
	return &table{header: header, max: make([]int, len(header))}
}

func (t *table) limit(col, width int) *table {
	t.max[col] = width
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) write(w io.Writer) {
	widths := make([]int, len(t.header))
	cell := func(row []string, i int) string {
		if i >= len(row) {
			return ""
		}
		s := strings.ReplaceAll(row[i], "\n", " ")
		if t.max[i] > 0 {
			s = textutil.Truncate(s, t.max[i])
		}
		return s
	}
	for i, h := range t.header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i := range t.header {
			widths[i] = max(widths[i], runewidth.StringWidth(cell(row, i)))
		}
	}

	line := func(cells []string) {
		var sb strings.Builder
		for i := range t.header {
			s := cell(cells, i)
			if i == len(t.header)-1 {
				sb.WriteString(s)
			} else {
				sb.WriteString(textutil.PadRight(s, widths[i]))
				sb.WriteString("  ")
			}
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}

	line(t.header)
	rule := make([]string, len(t.header))
	for i := range rule {
		rule[i] = strings.Repeat("─", widths[i])
	}
	line(rule)
	for _, row := range t.rows {
		line(row)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
