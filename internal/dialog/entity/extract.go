package entity

import (
	"regexp"
	"strings"

	"github.com/tasktalk/server/internal/dialog/model"
)

// TypeEmail is the canonical type name for email entities. Upstream
// recognisers report emails under different labels; Normalize folds them.
const TypeEmail = "EMAIL"

var emailTypeAliases = map[string]bool{
	"email":    true,
	"duckling": true,
	"DUCKLING": true,
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Normalize canonicalises extractor output: email-flavoured type labels
// become EMAIL, and spoken email forms are rewritten to address syntax.
func Normalize(entities []model.Entity) []model.Entity {
	out := make([]model.Entity, 0, len(entities))
	for _, e := range entities {
		if emailTypeAliases[e.Name] {
			e.Name = TypeEmail
		}
		if e.Name == TypeEmail {
			e.Value = NormalizeEmail(e.Value)
		}
		out = append(out, e)
	}
	return out
}

// NormalizeEmail rewrites a spoken or spelled-out address into address form,
// e.g. "j o h n at g mail dot com" becomes "john@gmail.com". Values that
// already look like addresses pass through unchanged.
func NormalizeEmail(v string) string {
	if emailRe.MatchString(v) {
		return v
	}
	words := strings.Fields(strings.ToLower(v))
	var b strings.Builder
	for _, w := range words {
		switch w {
		case "at", "@":
			b.WriteByte('@')
		case "dot", ".":
			b.WriteByte('.')
		case "underscore":
			b.WriteByte('_')
		case "dash", "hyphen":
			b.WriteByte('-')
		default:
			b.WriteString(w)
		}
	}
	joined := b.String()
	if emailRe.MatchString(joined) {
		return joined
	}
	return v
}

// JoinSpelled collapses a letter-by-letter utterance such as "a b 1 2 3"
// into "ab123". Returns ok=false when the utterance is not a spelling.
func JoinSpelled(utterance string) (string, bool) {
	words := strings.Fields(utterance)
	if len(words) < 2 {
		return "", false
	}
	var b strings.Builder
	for _, w := range words {
		if len([]rune(w)) > 1 {
			return "", false
		}
		b.WriteString(strings.ToLower(w))
	}
	return b.String(), true
}

// FilterByTypes keeps entities whose name matches one of the wanted types.
// An empty want list keeps everything.
func FilterByTypes(entities []model.Entity, want []string) []model.Entity {
	if len(want) == 0 {
		return entities
	}
	wanted := make(map[string]bool, len(want))
	for _, t := range want {
		wanted[t] = true
	}
	var out []model.Entity
	for _, e := range entities {
		if wanted[e.Name] {
			out = append(out, e)
		}
	}
	return out
}
