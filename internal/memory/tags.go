package memory

import (
	"sort"
	"strings"
	"unicode"
)

// keywordTags maps a content keyword to the tag it implies. Keywords ending in
// '*' match any word with that prefix.
var keywordTags = []struct {
	keyword string
	tag     string
}{
	{"rust", "rust"},
	{"cargo", "rust"},
	{"python", "python"},
	{"pytest", "python"},
	{"golang", "go"},
	{"goroutine*", "go"},
	{"javascript", "javascript"},
	{"typescript", "typescript"},
	{"react", "react"},
	{"node", "nodejs"},
	{"nodejs", "nodejs"},
	{"api", "api"},
	{"endpoint*", "api"},
	{"database", "database"},
	{"sql", "sql"},
	{"sqlite", "sql"},
	{"postgres*", "sql"},
	{"auth*", "authentication"},
	{"oauth", "authentication"},
	{"login", "authentication"},
	{"test*", "testing"},
	{"debug*", "debugging"},
	{"performance", "performance"},
	{"latency", "performance"},
	{"security", "security"},
	{"vulnerab*", "security"},
	{"docker*", "docker"},
	{"kubernetes", "kubernetes"},
	{"css", "css"},
}

// ExtractTags derives keyword tags from content.
func ExtractTags(content string) []string {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	found := make(map[string]struct{})
	for _, kt := range keywordTags {
		if prefix, ok := strings.CutSuffix(kt.keyword, "*"); ok {
			for w := range set {
				if strings.HasPrefix(w, prefix) {
					found[kt.tag] = struct{}{}
					break
				}
			}
			continue
		}
		if _, ok := set[kt.keyword]; ok {
			found[kt.tag] = struct{}{}
		}
	}
	out := make([]string, 0, len(found))
	for tag := range found {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// NormalizeTags lowercases tags into kebab-case, drops empties and duplicates
// and sorts the result.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		var b strings.Builder
		dash := false
		for _, r := range strings.ToLower(strings.TrimSpace(tag)) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
				dash = false
				continue
			}
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
		norm := strings.TrimRight(b.String(), "-")
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
