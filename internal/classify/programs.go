package classify

import (
	"strings"
	"unicode"
)

// Uncategorized is the bucket for artifacts no strategy recognizes.
const Uncategorized = "Uncategorized"

// Program maps keyword tokens and phrases onto a canonical program name.
type Program struct {
	Name    string
	Tokens  []string
	Phrases []string
}

// DefaultPrograms lists the labor certification programs published on the
// performance data page.
func DefaultPrograms() []Program {
	return []Program{
		{Name: "PERM Program", Tokens: []string{"perm"}, Phrases: []string{"permanent labor certification"}},
		{Name: "LCA Program", Tokens: []string{"lca"}, Phrases: []string{"labor condition application"}},
		{Name: "Prevailing Wage Program", Tokens: []string{"pw", "pwd"}, Phrases: []string{"prevailing wage"}},
		{Name: "H-2A Program", Tokens: []string{"h-2a", "h2a"}},
		{Name: "H-2B Program", Tokens: []string{"h-2b", "h2b"}},
		{Name: "CW-1 Program", Tokens: []string{"cw-1", "cw1"}},
	}
}

// match returns the first program whose keyword appears in text.
func match(programs []Program, text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	idx := tokenize(text)
	for _, p := range programs {
		for _, tok := range p.Tokens {
			if idx.has(tok) {
				return p.Name, true
			}
		}
		for _, ph := range p.Phrases {
			if idx.hasPhrase(ph) {
				return p.Name, true
			}
		}
	}
	return "", false
}

type tokenIndex struct {
	order []string
	set   map[string]struct{}
}

// tokenize lowercases text and splits it on anything other than letters,
// digits and hyphens. Hyphenated tokens are indexed whole and by part.
func tokenize(text string) tokenIndex {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	idx := tokenIndex{set: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f == "" {
			continue
		}
		idx.set[f] = struct{}{}
		for _, part := range strings.Split(f, "-") {
			if part == "" {
				continue
			}
			idx.set[part] = struct{}{}
			idx.order = append(idx.order, part)
		}
	}
	return idx
}

func (t tokenIndex) has(tok string) bool {
	_, ok := t.set[tok]
	return ok
}

func (t tokenIndex) hasPhrase(phrase string) bool {
	joined := " " + strings.Join(t.order, " ") + " "
	return strings.Contains(joined, " "+phrase+" ")
}
