package records

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/wesm/casevault/internal/textutil"
)

// MaxRecordBytes caps one logical record. A record that grows past it,
// almost always because of an unbalanced quote, is reported as malformed
// and scanning resumes on the line after the one it started on.
const MaxRecordBytes = 1 << 20

// maxRawBytes bounds MalformedRow.Raw.
const maxRawBytes = 4 << 10

var (
	// ErrRecordTooLong marks a row whose logical record exceeds MaxRecordBytes.
	ErrRecordTooLong = errors.New("record too long")
	// ErrUnterminatedQuote marks a row whose quoted field never closes.
	ErrUnterminatedQuote = errors.New("unterminated quoted field")
	// ErrFieldCount marks a row whose field count differs from the header.
	ErrFieldCount = errors.New("wrong number of fields")
)

var utf8BOM = []byte("\ufeff")

// Reader yields the rows of one record file in file order.
type Reader struct {
	sc     *scanner
	header []string
	schema Schema
}

// NewReader reads and classifies the header. It fails with
// ErrUnrecognizedSchema when the header matches neither schema, in which
// case the file must not be parsed further.
func NewReader(r io.Reader) (*Reader, error) {
	sc := newScanner(r)
	for {
		lg, err := sc.next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no header", ErrUnrecognizedSchema)
		}
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if lg.err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrUnrecognizedSchema, lg.err)
		}
		data := lg.data
		if lg.start == 1 {
			data = bytes.TrimPrefix(data, utf8BOM)
		}
		if isBlank(data) {
			continue
		}

		fields, err := parseRecord(data)
		if err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrUnrecognizedSchema, err)
		}
		header := NormalizeHeader(fields)
		schema, err := Detect(header)
		if err != nil {
			return nil, err
		}
		return &Reader{sc: sc, header: header, schema: schema}, nil
	}
}

// Schema returns the detected schema.
func (r *Reader) Schema() Schema {
	return r.schema
}

// Header returns the normalized header.
func (r *Reader) Header() []string {
	out := make([]string, len(r.header))
	copy(out, r.header)
	return out
}

// Lines returns the number of physical lines consumed so far.
func (r *Reader) Lines() int {
	return r.sc.lineNo
}

// Next returns the next row, or io.EOF after the last one. Parse problems
// never end the stream: they come back as MalformedRow values and the
// following rows are still returned. Only read errors from the underlying
// stream are returned as errors.
func (r *Reader) Next() (Row, error) {
	for {
		lg, err := r.sc.next()
		if err != nil {
			return nil, err
		}
		if lg.err != nil {
			return MalformedRow{LineNo: lg.start, Raw: rawText(lg.data), Err: lg.err}, nil
		}
		if isBlank(lg.data) {
			continue
		}

		fields, err := parseRecord(lg.data)
		if err != nil {
			return MalformedRow{LineNo: lg.start, Raw: rawText(lg.data), Err: err}, nil
		}
		if len(fields) != len(r.header) {
			return MalformedRow{
				LineNo: lg.start,
				Raw:    rawText(lg.data),
				Err:    fmt.Errorf("%w: got %d, header has %d", ErrFieldCount, len(fields), len(r.header)),
			}, nil
		}
		for i := range fields {
			fields[i] = textutil.EnsureUTF8(fields[i])
		}

		if r.schema == SchemaPartial {
			row := PartialRow{LineNo: lg.start}
			for i, col := range r.header {
				switch col {
				case ColSenderUsername:
					row.SenderUsername = fields[i]
				case ColTimestamp:
					row.Timestamp = fields[i]
				case ColMediaID:
					row.MediaID = fields[i]
				}
			}
			return row, nil
		}

		m := make(map[string]string, len(r.header))
		for i, col := range r.header {
			if col == "" {
				continue
			}
			m[col] = fields[i]
		}
		return CompleteRow{LineNo: lg.start, Fields: m}, nil
	}
}

// parseRecord splits one logical record with the RFC 4180 rules of
// encoding/csv. Exactly one record is expected.
func parseRecord(data []byte) ([]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	fields, err := cr.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, perr.Err
		}
		return nil, err
	}
	if _, err := cr.Read(); err != io.EOF {
		return nil, errors.New("record splits into more than one row")
	}
	return fields, nil
}

func isBlank(data []byte) bool {
	return len(bytes.TrimSpace(data)) == 0
}

func rawText(data []byte) string {
	if len(data) > maxRawBytes {
		data = data[:maxRawBytes]
	}
	return textutil.SanitizeUTF8(string(bytes.TrimRight(data, "\r\n")))
}

type physLine struct {
	no      int
	data    []byte
	tooLong bool
}

type logical struct {
	start int
	data  []byte
	err   error
}

// scanner groups physical lines into logical records by tracking quote
// state. Lines consumed while looking for a closing quote that never comes
// are pushed back so they are scanned again as records of their own.
type scanner struct {
	br       *bufio.Reader
	lineNo   int
	pushback []physLine
}

func newScanner(r io.Reader) *scanner {
	return &scanner{br: bufio.NewReaderSize(r, 64<<10)}
}

func (s *scanner) nextLine() (physLine, error) {
	if len(s.pushback) > 0 {
		l := s.pushback[0]
		s.pushback = s.pushback[1:]
		return l, nil
	}

	var buf []byte
	tooLong := false
	for {
		chunk, err := s.br.ReadSlice('\n')
		if !tooLong {
			if room := MaxRecordBytes - len(buf); len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				tooLong = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(buf) == 0 {
				return physLine{}, io.EOF
			}
			break
		}
		if err != nil {
			return physLine{}, err
		}
		break
	}
	s.lineNo++
	return physLine{no: s.lineNo, data: buf, tooLong: tooLong}, nil
}

func (s *scanner) next() (logical, error) {
	first, err := s.nextLine()
	if err != nil {
		return logical{}, err
	}
	if first.tooLong {
		return logical{start: first.no, data: first.data, err: ErrRecordTooLong}, nil
	}

	inQuote := quoteState(first.data, false)
	if !inQuote {
		return logical{start: first.no, data: first.data}, nil
	}

	lines := []physLine{first}
	buf := append([]byte(nil), first.data...)
	for inQuote {
		l, err := s.nextLine()
		if err == io.EOF {
			s.replay(lines[1:])
			return logical{start: first.no, data: first.data, err: ErrUnterminatedQuote}, nil
		}
		if err != nil {
			return logical{}, err
		}
		lines = append(lines, l)
		if l.tooLong || len(buf)+len(l.data) > MaxRecordBytes {
			s.replay(lines[1:])
			return logical{start: first.no, data: first.data, err: ErrRecordTooLong}, nil
		}
		buf = append(buf, l.data...)
		inQuote = quoteState(l.data, inQuote)
	}
	return logical{start: first.no, data: buf}, nil
}

func (s *scanner) replay(lines []physLine) {
	if len(lines) == 0 {
		return
	}
	pb := make([]physLine, 0, len(lines)+len(s.pushback))
	pb = append(pb, lines...)
	s.pushback = append(pb, s.pushback...)
}

// quoteState returns whether a quoted field is still open after data. An
// escaped quote ("") toggles twice and so leaves the state unchanged.
func quoteState(data []byte, inQuote bool) bool {
	for _, b := range data {
		if b == '"' {
			inQuote = !inQuote
		}
	}
	return inQuote
}
