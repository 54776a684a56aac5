package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/wesm/casevault/internal/evidence"
)

// GenericReaction stands in for any reaction code that cannot be decoded.
// Codes are never guessed.
const GenericReaction = "reaction"

// decodeReactions parses a reactions column. Two encodings occur in
// exports: a JSON array of objects, and delimited "user:code" pairs.
func (n *Normalizer) decodeReactions(raw string) ([]evidence.Reaction, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if strings.HasPrefix(raw, "[") {
		if rs, unresolved, ok := n.decodeJSONReactions(raw); ok {
			return rs, unresolved
		}
	}

	var out []evidence.Reaction
	unresolved := false
	for _, tok := range splitList(raw) {
		user, code := "", tok
		if i := strings.LastIndexByte(tok, ':'); i >= 0 {
			user, code = strings.TrimSpace(tok[:i]), strings.TrimSpace(tok[i+1:])
		}
		name, u := n.resolveValue(user)
		unresolved = unresolved || u
		out = append(out, evidence.Reaction{User: name, Reaction: n.decodeReactionCode(code)})
	}
	return out, unresolved
}

func (n *Normalizer) decodeJSONReactions(raw string) ([]evidence.Reaction, bool, bool) {
	var items []map[string]any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false, false
	}
	var out []evidence.Reaction
	unresolved := false
	for _, item := range items {
		user := firstString(item, "user", "username", "user_id", "sender")
		code := firstString(item, "reaction", "code", "emoji", "type")
		name, u := n.resolveValue(user)
		unresolved = unresolved || u
		out = append(out, evidence.Reaction{User: name, Reaction: n.decodeReactionCode(code)})
	}
	return out, unresolved, true
}

func firstString(item map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := item[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return strings.TrimSpace(t)
			}
		case float64:
			return fmt.Sprintf("%.0f", t)
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

// decodeReactionCode maps one code to a symbolic reaction. Words are
// lower-cased, numeric codes go through the user map's reaction table,
// emoji are kept, and everything else becomes GenericReaction.
func (n *Normalizer) decodeReactionCode(code string) string {
	code = strings.TrimSpace(code)
	switch {
	case code == "":
		return GenericReaction
	case isDigits(code):
		if r, ok := n.users.Reaction(code); ok {
			return r
		}
		return GenericReaction
	case isWord(code):
		return strings.ToLower(code)
	case hasSymbol(code):
		return code
	default:
		return GenericReaction
	}
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '_' && r != '-' && r != ' ' {
			return false
		}
	}
	return true
}

func hasSymbol(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.So, r) {
			return true
		}
	}
	return false
}
