package search

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "…"

// Span is a matched byte range within a snippet.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// buildSnippet cuts a window of about width bytes from content and reports the
// matched ranges inside it. A verbatim occurrence of the query is always kept
// whole and unaltered, even when it is wider than width. Whitespace runs
// elsewhere collapse to one space. The highlighted form wraps matches in
// <mark> and HTML-escapes everything else.
func buildSnippet(content, query string, terms []string, width int) (string, string, []Span) {
	if width <= 0 {
		width = 240
	}
	phrase := phraseRegexp(query)

	start, end := 0, len(content)
	if len(content) > width {
		start, end = snippetWindow(content, query, phrase, terms, width)
	}
	start, end = snapRunes(content, start, end)
	body := content[start:end]

	keep := verbatimSpans(body, query, phrase)
	text, pos := compactSpace(body, keep)

	var prefix, suffix string
	if start > 0 {
		prefix = ellipsis
	}
	if end < len(content) {
		suffix = ellipsis
	}
	snippet := prefix + text + suffix
	spans := matchSpans(body, phrase, terms)
	for i := range spans {
		spans[i].Start = pos[spans[i].Start] + len(prefix)
		spans[i].End = pos[spans[i].End] + len(prefix)
	}
	return snippet, highlight(snippet, spans), spans
}

// phraseRegexp matches the query case-insensitively with any whitespace run
// between its words.
func phraseRegexp(query string) *regexp.Regexp {
	words := strings.Fields(query)
	if len(words) == 0 {
		return nil
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(words, `\s+`))
}

// phraseLoc locates the query in text, preferring an exact occurrence.
func phraseLoc(text, query string, phrase *regexp.Regexp) []int {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if i := strings.Index(text, query); i >= 0 {
		return []int{i, i + len(query)}
	}
	if phrase != nil {
		return phrase.FindStringIndex(text)
	}
	return nil
}

// verbatimSpans lists the ranges of body that must survive compaction: exact
// occurrences of the query and whitespace-tolerant phrase matches.
func verbatimSpans(body, query string, phrase *regexp.Regexp) []Span {
	var spans []Span
	if strings.TrimSpace(query) != "" {
		for off := 0; off <= len(body); {
			i := strings.Index(body[off:], query)
			if i < 0 {
				break
			}
			spans = append(spans, Span{Start: off + i, End: off + i + len(query)})
			off += i + len(query)
		}
	}
	if phrase != nil {
		for _, loc := range phrase.FindAllStringIndex(body, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1]})
		}
	}
	return mergeSpans(spans)
}

// compactSpace collapses whitespace runs outside keep to a single space and
// drops them at either end. pos maps every byte offset of body, plus
// len(body), to the matching offset in the result.
func compactSpace(body string, keep []Span) (string, []int) {
	var b strings.Builder
	b.Grow(len(body))
	pos := make([]int, len(body)+1)
	k := 0
	pending := false
	for i := 0; i < len(body); {
		for k < len(keep) && keep[k].End <= i {
			k++
		}
		if k < len(keep) && keep[k].Start <= i {
			if pending {
				b.WriteByte(' ')
				pending = false
			}
			pos[i] = b.Len()
			b.WriteByte(body[i])
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(body[i:])
		if unicode.IsSpace(r) {
			for j := i; j < i+size; j++ {
				pos[j] = b.Len()
			}
			pending = b.Len() > 0
			i += size
			continue
		}
		if pending {
			b.WriteByte(' ')
			pending = false
		}
		for j := i; j < i+size; j++ {
			pos[j] = b.Len()
		}
		b.WriteString(body[i : i+size])
		i += size
	}
	pos[len(body)] = b.Len()
	return b.String(), pos
}

// snippetWindow centers on the first occurrence of the query when there is
// one; otherwise it picks the shortest window with the most distinct matched
// terms.
func snippetWindow(text, query string, phrase *regexp.Regexp, terms []string, width int) (int, int) {
	if loc := phraseLoc(text, query, phrase); loc != nil {
		return centerOn(loc[0], loc[1], len(text), width)
	}
	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}
	var hits []token
	for _, tk := range tokenize(text) {
		if _, ok := want[tk.term]; ok {
			hits = append(hits, tk)
		}
	}
	if len(hits) == 0 {
		return 0, width
	}

	bestI, bestJ := 0, 0
	bestDistinct, bestCount, bestSpan := -1, -1, 0
	j := 0
	for i := range hits {
		if j < i {
			j = i
		}
		for j+1 < len(hits) && hits[j+1].end-hits[i].start <= width {
			j++
		}
		distinct := make(map[string]struct{})
		for _, h := range hits[i : j+1] {
			distinct[h.term] = struct{}{}
		}
		d, c, span := len(distinct), j-i+1, hits[j].end-hits[i].start
		if d > bestDistinct || (d == bestDistinct && (c > bestCount || (c == bestCount && span < bestSpan))) {
			bestI, bestJ, bestDistinct, bestCount, bestSpan = i, j, d, c, span
		}
	}
	return centerOn(hits[bestI].start, hits[bestJ].end, len(text), width)
}

func centerOn(s, e, n, width int) (int, int) {
	if e-s >= width {
		return s, e
	}
	start := max(s-(width-(e-s))/2, 0)
	end := start + width
	if end > n {
		end = n
		start = max(end-width, 0)
	}
	return start, end
}

func snapRunes(text string, start, end int) (int, int) {
	for start > 0 && start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	for end < len(text) && end > start && !utf8.RuneStart(text[end]) {
		end--
	}
	return start, end
}

func matchSpans(body string, phrase *regexp.Regexp, terms []string) []Span {
	var spans []Span
	if phrase != nil {
		for _, loc := range phrase.FindAllStringIndex(body, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1]})
		}
	}
	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}
	for _, tk := range tokenize(body) {
		if _, ok := want[tk.term]; ok {
			spans = append(spans, Span{Start: tk.start, End: tk.end})
		}
	}
	return mergeSpans(spans)
}

func mergeSpans(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.Start <= last.End {
			last.End = max(last.End, sp.End)
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

func highlight(s string, spans []Span) string {
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(html.EscapeString(s[prev:sp.Start]))
		b.WriteString("<mark>")
		b.WriteString(html.EscapeString(s[sp.Start:sp.End]))
		b.WriteString("</mark>")
		prev = sp.End
	}
	b.WriteString(html.EscapeString(s[prev:]))
	return b.String()
}
