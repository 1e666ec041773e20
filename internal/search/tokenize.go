package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {}, "into": {}, "what": {}, "how": {},
	"you": {}, "your": {}, "are": {}, "was": {}, "were": {}, "can": {}, "could": {}, "should": {}, "would": {},
	"an": {}, "as": {}, "at": {}, "be": {}, "by": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "to": {},
}

// token is a normalized term with its ordinal position and byte range in the
// source text.
type token struct {
	term  string
	pos   int
	start int
	end   int
}

func isTermRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func tokenize(text string) []token {
	var out []token
	start := -1
	emit := func(end int) {
		term := strings.ToLower(text[start:end])
		if utf8.RuneCountInString(term) < 2 {
			return
		}
		if _, ok := stopWords[term]; ok {
			return
		}
		out = append(out, token{term: term, pos: len(out), start: start, end: end})
	}
	for i, r := range text {
		if isTermRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			emit(i)
			start = -1
		}
	}
	if start >= 0 {
		emit(len(text))
	}
	return out
}

// QueryTerms returns at most max distinct query terms in first-seen order.
func QueryTerms(q string, max int) []string {
	if max <= 0 {
		max = 16
	}
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tokenize(q) {
		if _, ok := seen[t.term]; ok {
			continue
		}
		seen[t.term] = struct{}{}
		out = append(out, t.term)
		if len(out) >= max {
			break
		}
	}
	return out
}
