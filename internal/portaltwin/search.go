package portaltwin

import (
	"strings"
)

type term struct {
	field string
	value string
}

// parseQuery splits a portal query into OR-ed groups of AND-ed
// field:"value" terms. Parentheses are ignored. Bare words match the title.
func parseQuery(q string) [][]term {
	var groups [][]term
	for _, alt := range splitKeyword(q, "OR") {
		var group []term
		for _, part := range splitKeyword(alt, "AND") {
			part = strings.Trim(strings.TrimSpace(part), "()")
			if part == "" {
				continue
			}
			field, value, ok := strings.Cut(part, ":")
			if !ok {
				group = append(group, term{field: "title", value: unquote(part)})
				continue
			}
			group = append(group, term{field: strings.ToLower(strings.TrimSpace(field)), value: unquote(value)})
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

// splitKeyword splits s on a boolean keyword outside of quotes.
func splitKeyword(s, kw string) []string {
	var parts []string
	sep := " " + kw + " "
	inQuote := false
	last := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[last:i])
			i += len(sep) - 1
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	return strings.ReplaceAll(v, `\"`, `"`)
}

func (it *item) matches(groups [][]term) bool {
	for _, g := range groups {
		if it.matchesAll(g) {
			return true
		}
	}
	return false
}

func (it *item) matchesAll(terms []term) bool {
	for _, t := range terms {
		if !it.matchTerm(t) {
			return false
		}
	}
	return true
}

// matchTerm mirrors the portal's loose matching: titles match on a
// case-insensitive substring, owner, type and org must be exact.
func (it *item) matchTerm(t term) bool {
	switch t.field {
	case "title":
		return strings.Contains(strings.ToLower(it.Title), strings.ToLower(t.value))
	case "owner":
		return it.Owner == t.value
	case "type":
		return strings.EqualFold(it.Type, t.value)
	case "orgid":
		return it.OrgID == t.value
	case "id":
		return it.ID == t.value
	case "typekeywords":
		for _, kw := range it.TypeKeywords {
			if strings.EqualFold(kw, t.value) {
				return true
			}
		}
		return false
	case "access":
		return it.Access == t.value
	}
	return false
}
