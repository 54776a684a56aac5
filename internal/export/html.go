package export

import (
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/wesm/casevault/internal/evidence"
)

//go:embed report.html.tmpl
var reportTemplate string

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"join":  strings.Join,
	"bytes": FormatBytesLong,
}).Parse(reportTemplate))

type link struct {
	Href  string
	Label string
}

type cell struct {
	Value string
	Text  bool
	Link  bool
	Links []link
}

type row struct {
	Partial bool
	Cells   []cell
}

type reportData struct {
	Manifest *Manifest
	Fields   []string
	Rows     []row
	Media    []Entry
}

// WriteHTML renders the report: export summary, the message table and the
// media hash manifest. Media references that were exported link to their
// bundle file.
func WriteHTML(w io.Writer, messages []evidence.Message, fields []string, m *Manifest) error {
	files := make(map[string]string)
	for _, e := range m.Files {
		if e.Kind == KindMedia {
			files[e.Reference] = e.File
		}
	}

	data := reportData{
		Manifest: m,
		Fields:   fields,
		Rows:     make([]row, 0, len(messages)),
		Media:    m.MediaEntries(),
	}
	for i := range messages {
		msg := &messages[i]
		r := row{Partial: msg.IsPartial, Cells: make([]cell, len(fields))}
		for j, f := range fields {
			c := cell{Value: FieldValue(msg, f), Text: f == FieldText}
			if f == FieldMedia && len(msg.MediaRefs) > 0 {
				c.Link = true
				for _, ref := range msg.MediaRefs {
					if file, ok := files[ref]; ok {
						c.Links = append(c.Links, link{Href: file, Label: ref})
					} else {
						c.Links = append(c.Links, link{Label: ref + " (missing)"})
					}
				}
			}
			r.Cells[j] = c
		}
		data.Rows = append(data.Rows, r)
	}

	if err := reportTmpl.Execute(w, data); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}
