package catalog

import "strings"

// BuildSearchTokens derives the full-text token string for a record from its
// identifying fields: lower-cased, split on non-alphanumeric runs,
// deduplicated in first-seen order, space-joined. Regenerated wholesale on
// every merge; never patched incrementally.
func BuildSearchTokens(fields ...string) string {
	seen := map[string]bool{}
	var tokens []string
	for _, f := range fields {
		for _, tok := range splitAlnum(strings.ToLower(f)) {
			if tok == "" || seen[tok] {
				continue
			}
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, " ")
}

func splitAlnum(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
