package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidQuery is returned by Parse for an operator value it cannot use.
var ErrInvalidQuery = errors.New("invalid filter query")

// operatorFn applies one operator:value pair to the predicate.
type operatorFn func(p *Predicate, value string, now time.Time) error

var operators = map[string]operatorFn{
	"from": func(p *Predicate, v string, _ time.Time) error {
		p.Senders = append(p.Senders, v)
		return nil
	},
	"to": func(p *Predicate, v string, _ time.Time) error {
		p.Receivers = append(p.Receivers, v)
		return nil
	},
	"conv": func(p *Predicate, v string, _ time.Time) error {
		p.ConversationIDs = append(p.ConversationIDs, v)
		return nil
	},
	"type": func(p *Predicate, v string, _ time.Time) error {
		p.ContentTypes = append(p.ContentTypes, v)
		return nil
	},
	"tag": func(p *Predicate, v string, _ time.Time) error {
		p.Tags = append(p.Tags, v)
		return nil
	},
	"has": func(p *Predicate, v string, _ time.Time) error {
		switch strings.ToLower(v) {
		case "media", "attachment", "attachments":
			b := true
			p.HasMedia = &b
			return nil
		}
		return fmt.Errorf("%w: has:%s", ErrInvalidQuery, v)
	},
	"saved":    boolOperator(func(p *Predicate, b *bool) { p.Saved = b }),
	"reviewed": boolOperator(func(p *Predicate, b *bool) { p.Reviewed = b }),
	"partial":  boolOperator(func(p *Predicate, b *bool) { p.Partial = b }),
	"after": func(p *Predicate, v string, _ time.Time) error {
		t, err := parseDate(v)
		if err != nil {
			return err
		}
		p.After = &t
		return nil
	},
	"before": func(p *Predicate, v string, _ time.Time) error {
		t, err := parseDate(v)
		if err != nil {
			return err
		}
		p.Before = &t
		return nil
	},
	"older_than": func(p *Predicate, v string, now time.Time) error {
		t, err := parseRelativeDate(v, now)
		if err != nil {
			return err
		}
		p.Before = &t
		return nil
	},
	"newer_than": func(p *Predicate, v string, now time.Time) error {
		t, err := parseRelativeDate(v, now)
		if err != nil {
			return err
		}
		p.After = &t
		return nil
	},
}

func boolOperator(set func(p *Predicate, b *bool)) operatorFn {
	return func(p *Predicate, v string, _ time.Time) error {
		var b bool
		switch strings.ToLower(v) {
		case "yes", "true", "1":
			b = true
		case "no", "false", "0":
			b = false
		default:
			return fmt.Errorf("%w: expected yes or no, got %q", ErrInvalidQuery, v)
		}
		set(p, &b)
		return nil
	}
}

// Parser parses filter query strings.
type Parser struct {
	Now func() time.Time // time source for relative dates
}

// NewParser creates a Parser using the current time.
func NewParser() *Parser {
	return &Parser{Now: func() time.Time { return time.Now().UTC() }}
}

// Parse turns a query string into a Predicate.
//
// Supported operators:
//   - from:, to: - sender / receiver
//   - conv: - conversation ID
//   - type: - content type
//   - tag: - analyst tag (all listed tags required)
//   - after:, before: - dates (YYYY-MM-DD); after inclusive, before exclusive
//   - older_than:, newer_than: - relative dates (7d, 2w, 1m, 1y)
//   - saved:, reviewed:, partial: - yes or no
//   - has:media
//   - Bare words and "quoted phrases" - text search
func (ps *Parser) Parse(query string) (Predicate, error) {
	var p Predicate
	now := time.Now().UTC()
	if ps.Now != nil {
		now = ps.Now()
	}

	for _, token := range tokenize(query) {
		if isQuotedPhrase(token) {
			p.Text = append(p.Text, unquote(token))
			continue
		}
		if idx := strings.Index(token, ":"); idx > 0 {
			op := strings.ToLower(token[:idx])
			if handler, ok := operators[op]; ok {
				value := unquote(token[idx+1:])
				if value == "" {
					return Predicate{}, fmt.Errorf("%w: %s: needs a value", ErrInvalidQuery, op)
				}
				if err := handler(&p, value, now); err != nil {
					return Predicate{}, err
				}
				continue
			}
		}
		p.Text = append(p.Text, token)
	}
	return p, nil
}

// Parse parses with the current time.
func Parse(query string) (Predicate, error) {
	return NewParser().Parse(query)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func isQuotedPhrase(token string) bool {
	return len(token) > 2 && token[0] == '"' && token[len(token)-1] == '"'
}

// tokenize splits on spaces outside quotes. A quote right after a colon
// belongs to the operator token, so from:"Jane Doe" stays one token; any
// other quoted section becomes a "phrase" token.
func tokenize(query string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	afterColon := false
	opQuoted := false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range query {
		switch {
		case quote == 0 && (r == '"' || r == '\''):
			quote = r
			opQuoted = afterColon
			if opQuoted {
				cur.WriteRune('"')
			} else {
				flush()
			}
			afterColon = false
		case quote != 0 && r == quote:
			if opQuoted {
				cur.WriteRune('"')
				flush()
			} else if cur.Len() > 0 {
				tokens = append(tokens, "\""+cur.String()+"\"")
				cur.Reset()
			}
			quote = 0
			opQuoted = false
		case quote == 0 && (r == ' ' || r == '\t'):
			flush()
			afterColon = false
		default:
			cur.WriteRune(r)
			afterColon = r == ':'
		}
	}
	flush()
	return tokens
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrInvalidQuery, value)
}

var relativeDate = regexp.MustCompile(`^(\d+)([dwmy])$`)

// parseRelativeDate parses 7d, 2w, 1m, 1y as an offset back from now.
func parseRelativeDate(value string, now time.Time) (time.Time, error) {
	match := relativeDate.FindStringSubmatch(strings.ToLower(strings.TrimSpace(value)))
	if match == nil {
		return time.Time{}, fmt.Errorf("%w: unrecognized relative date %q", ErrInvalidQuery, value)
	}
	n, _ := strconv.Atoi(match[1])
	switch match[2] {
	case "d":
		return now.AddDate(0, 0, -n), nil
	case "w":
		return now.AddDate(0, 0, -7*n), nil
	case "m":
		return now.AddDate(0, -n, 0), nil
	default:
		return now.AddDate(-n, 0, 0), nil
	}
}
