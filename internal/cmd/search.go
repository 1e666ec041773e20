package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/off-context/off-context/internal/search"
)

// DefaultSearchLimit is the CLI's result count when --limit is not given.
const DefaultSearchLimit = 5

func (a *App) runSearch(ctx context.Context, args []string) error {
	fs := a.newFlagSet("search", "<query> [--limit N] [--json]")
	limit := fs.Int("limit", DefaultSearchLimit, "maximum number of results")
	jsonOutput := fs.Bool("json", false, "print results as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fs.Usage()
		return errUsage
	}
	if *limit <= 0 {
		fmt.Fprintln(a.Stderr, "--limit must be positive")
		return errUsage
	}

	res, err := a.svc.Search(ctx, a.projectRoot(), query, *limit)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(a.Stdout, res)
	}
	renderResults(a.Stdout, res)
	return nil
}

func renderResults(w io.Writer, res *search.Results) {
	if len(res.Hits) == 0 {
		fmt.Fprintf(w, "%s no turns match %q (%d searched)\n", mutedStyle.Render("•"), res.Query, res.Total)
		return
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(fmt.Sprintf("%d of %d turns", len(res.Hits), res.Total)),
		mutedStyle.Render("scorer "+res.Scorer))
	for _, h := range res.Hits {
		header := fmt.Sprintf("#%d  %.3f  %s", h.TurnID, h.Score, h.TS.Local().Format(time.DateTime))
		if h.SessionID != "" {
			header += "  session " + h.SessionID
		}
		fmt.Fprintf(w, "\n%s\n", infoStyle.Render(header))
		fmt.Fprintf(w, "  %s\n", markSpans(h.Snippet, h.Spans))
		if len(h.Tags) > 0 {
			fmt.Fprintf(w, "  %s\n", mutedStyle.Render("tags: "+strings.Join(h.Tags, ", ")))
		}
	}
}

// markSpans styles the matched ranges of s. Spans are sorted and disjoint.
func markSpans(s string, spans []search.Span) string {
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp.Start < prev || sp.End > len(s) || sp.Start >= sp.End {
			continue
		}
		b.WriteString(s[prev:sp.Start])
		b.WriteString(matchStyle.Render(s[sp.Start:sp.End]))
		prev = sp.End
	}
	b.WriteString(s[prev:])
	return b.String()
}
