// Package assembler turns recent and relevant turns into a token-budgeted
// context block for injection into a new prompt.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/memory"
	"github.com/off-context/off-context/internal/search"
	log "github.com/sirupsen/logrus"
)

// TurnSource is the read side of the conversation store.
type TurnSource interface {
	ReadAll() ([]memory.Turn, error)
}

// Searcher ranks turns against the live prompt.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (*search.Results, error)
}

// Request is one injection request.
type Request struct {
	SessionID string
	Prompt    string
}

// Candidate is a turn considered for inclusion.
type Candidate struct {
	Turn   memory.Turn `json:"turn"`
	Score  float64     `json:"score"`
	Recent bool        `json:"recent"`
}

// Result is the outcome of Build. Turns are chronological.
type Result struct {
	Turns      []Candidate `json:"turns"`
	TokensUsed int         `json:"tokens_used"`
	Budget     int         `json:"budget"`
	Considered int         `json:"considered"`
	Text       string      `json:"text"`
}

// Empty reports whether nothing qualified for injection.
func (r *Result) Empty() bool { return r == nil || len(r.Turns) == 0 }

// Assembler builds context for one project.
type Assembler struct {
	store    TurnSource
	searcher Searcher
	budget   config.ContextConfig
	now      func() time.Time
}

// New returns an assembler over store and searcher using budget.
func New(store TurnSource, searcher Searcher, budget config.ContextConfig) *Assembler {
	return &Assembler{store: store, searcher: searcher, budget: budget, now: time.Now}
}

// Build gathers recent session turns and relevant hits, ranks them and
// includes whole turns until the token or turn budget is reached.
func (a *Assembler) Build(ctx context.Context, req Request) (*Result, error) {
	k := a.budget.GetRecencyWindow()
	m := a.budget.GetRelevanceTop()
	floor := a.budget.GetRelevanceFloor()

	var recent []memory.Turn
	if k > 0 {
		all, err := a.store.ReadAll()
		if err != nil {
			return nil, err
		}
		recent = recentTurns(all, req.SessionID, k, a.budget.IsCarryOverEnabled())
	}

	var hits []search.Hit
	prompt := memory.StripInjectedContext(req.Prompt)
	if m > 0 && prompt != "" && a.searcher != nil {
		res, err := a.searcher.Search(ctx, prompt, m)
		if err != nil {
			return nil, err
		}
		for _, h := range res.Hits {
			if h.Score >= floor {
				hits = append(hits, h)
			}
		}
	}

	cands := merge(recent, hits)
	chosen := Select(cands, a.budget.GetMaxTokens(), a.budget.GetMaxTurns())
	res := &Result{
		Turns:      chosen,
		Budget:     a.budget.GetMaxTokens(),
		Considered: len(cands),
	}
	for _, c := range chosen {
		res.TokensUsed += c.Turn.TokenCount
	}
	if len(chosen) > 0 {
		res.Text = Render(chosen, a.now())
	}
	log.WithFields(log.Fields{
		"recent":     len(recent),
		"hits":       len(hits),
		"included":   len(chosen),
		"tokens":     res.TokensUsed,
		"max_tokens": res.Budget,
	}).Debug("assembler: context built")
	return res, nil
}

// recentTurns returns the last k turns of sessionID. When the session has no
// turns and carryOver is set, the tail of the most recent other session is
// used instead.
func recentTurns(all []memory.Turn, sessionID string, k int, carryOver bool) []memory.Turn {
	tail := func(id string) []memory.Turn {
		var out []memory.Turn
		for i := len(all) - 1; i >= 0 && len(out) < k; i-- {
			if all[i].SessionID == id {
				out = append(out, all[i])
			}
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out
	}
	if sessionID != "" {
		if own := tail(sessionID); len(own) > 0 {
			return own
		}
	}
	if !carryOver {
		return nil
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].SessionID != sessionID {
			return tail(all[i].SessionID)
		}
	}
	return nil
}

func merge(recent []memory.Turn, hits []search.Hit) []Candidate {
	byID := make(map[int64]*Candidate, len(recent)+len(hits))
	var order []int64
	for _, t := range recent {
		if _, ok := byID[t.ID]; ok {
			continue
		}
		byID[t.ID] = &Candidate{Turn: t, Recent: true}
		order = append(order, t.ID)
	}
	for _, h := range hits {
		if c, ok := byID[h.TurnID]; ok {
			c.Score = max(c.Score, h.Score)
			continue
		}
		byID[h.TurnID] = &Candidate{Turn: h.Turn, Score: h.Score}
		order = append(order, h.TurnID)
	}
	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// Select ranks candidates by (recent, score, id) descending and includes
// whole turns in that order. It stops at the first turn that would exceed
// maxTokens, or once maxTurns are included. The result is chronological.
func Select(cands []Candidate, maxTokens, maxTurns int) []Candidate {
	ranked := make([]Candidate, len(cands))
	copy(ranked, cands)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Recent != b.Recent {
			return a.Recent
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Turn.ID > b.Turn.ID
	})

	var out []Candidate
	used := 0
	for _, c := range ranked {
		if maxTurns > 0 && len(out) >= maxTurns {
			break
		}
		if used+c.Turn.TokenCount > maxTokens {
			break
		}
		used += c.Turn.TokenCount
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Turn.ID < out[j].Turn.ID })
	return out
}

// Render formats included turns as a context block. It has no side effects.
func Render(turns []Candidate, now time.Time) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(memory.ContextHeader)
	b.WriteString("\n")
	for i, c := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		t := c.Turn
		fmt.Fprintf(&b, "#%d | %s", t.ID, age(t.TS, now))
		if len(t.Tags) > 0 {
			fmt.Fprintf(&b, " | tags: %s", strings.Join(t.Tags, ", "))
		}
		b.WriteString("\n")
		b.WriteString(t.Content())
		b.WriteString("\n")
	}
	b.WriteString(memory.ContextFooter)
	return b.String()
}

func age(ts, now time.Time) string {
	if ts.IsZero() {
		return "unknown time"
	}
	d := now.Sub(ts)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
