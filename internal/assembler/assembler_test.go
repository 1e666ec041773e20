package assembler

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/memory"
	"github.com/off-context/off-context/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{ turns []memory.Turn }

func (f *fakeStore) ReadAll() ([]memory.Turn, error) { return f.turns, nil }

type fakeSearcher struct {
	hits    []search.Hit
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) (*search.Results, error) {
	f.queries = append(f.queries, query)
	hits := f.hits
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return &search.Results{Query: query, Total: len(f.hits), Hits: hits}, nil
}

func turn(id int64, session string, tokens int) memory.Turn {
	return memory.Turn{
		ID:         id,
		SessionID:  session,
		Kind:       memory.KindExchange,
		Prompt:     "prompt " + string(rune('a'+id)),
		Response:   "response",
		TokenCount: tokens,
		TS:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func hit(t memory.Turn, score float64) search.Hit {
	return search.Hit{TurnID: t.ID, Score: score, TokenCount: t.TokenCount, Turn: t}
}

func intRef(v int) *int { return &v }

func budget(maxTokens, maxTurns, k, m int) config.ContextConfig {
	floor := 0.15
	carry := true
	return config.ContextConfig{
		MaxTokens:                maxTokens,
		MaxTurns:                 maxTurns,
		RecencyWindow:            intRef(k),
		RelevanceTop:             m,
		RelevanceFloor:           &floor,
		CarryOverPreviousSession: &carry,
	}
}

func ids(cands []Candidate) []int64 {
	out := make([]int64, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Turn.ID)
	}
	return out
}

func TestBuild_BudgetKeepsTheTwoSmallestTopRanked(t *testing.T) {
	sizes := map[int64]int{1: 50, 2: 10, 3: 40, 4: 20, 5: 30}
	scores := map[int64]float64{1: 0.3, 2: 0.9, 3: 0.4, 4: 0.8, 5: 0.5}
	s := &fakeSearcher{}
	for id := int64(1); id <= 5; id++ {
		s.hits = append(s.hits, hit(turn(id, "old", sizes[id]), scores[id]))
	}
	sort.Slice(s.hits, func(i, j int) bool { return s.hits[i].Score > s.hits[j].Score })

	a := New(&fakeStore{}, s, budget(10+20, 10, 0, 5))
	res, err := a.Build(context.Background(), Request{SessionID: "new", Prompt: "anything"})
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 4}, ids(res.Turns))
	assert.Equal(t, 30, res.TokensUsed)
	assert.Equal(t, 5, res.Considered)
	assert.True(t, strings.HasPrefix(res.Text, memory.ContextHeader))
	assert.True(t, strings.HasSuffix(res.Text, memory.ContextFooter))
}

func TestBuild_RecentSessionTurnsRankFirst(t *testing.T) {
	store := &fakeStore{turns: []memory.Turn{
		turn(1, "a", 10), turn(2, "a", 10), turn(3, "b", 10), turn(4, "a", 10),
	}}
	s := &fakeSearcher{hits: []search.Hit{hit(store.turns[2], 0.9), hit(store.turns[3], 0.5)}}

	a := New(store, s, budget(25, 10, 2, 5))
	res, err := a.Build(context.Background(), Request{SessionID: "a", Prompt: "question"})
	require.NoError(t, err)

	// Recent turns 2 and 4 outrank the better-scoring hit 3, which no longer fits.
	assert.Equal(t, []int64{2, 4}, ids(res.Turns))
	assert.True(t, res.Turns[1].Recent)
	assert.InDelta(t, 0.5, res.Turns[1].Score, 1e-9, "a recent turn keeps its relevance score")
	assert.Equal(t, 3, res.Considered)
}

func TestBuild_CarriesOverPreviousSession(t *testing.T) {
	store := &fakeStore{turns: []memory.Turn{
		turn(1, "a", 10), turn(2, "b", 10), turn(3, "b", 10), turn(4, "b", 10),
	}}

	res, err := New(store, nil, budget(100, 10, 2, 0)).Build(context.Background(), Request{SessionID: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, ids(res.Turns))

	cfg := budget(100, 10, 2, 0)
	off := false
	cfg.CarryOverPreviousSession = &off
	res, err = New(store, nil, cfg).Build(context.Background(), Request{SessionID: "fresh"})
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, res.Text)
}

func TestBuild_FloorExcludesWeakHits(t *testing.T) {
	s := &fakeSearcher{hits: []search.Hit{hit(turn(1, "x", 10), 0.1), hit(turn(2, "x", 10), 0.05)}}
	cfg := budget(100, 10, 0, 5)

	res, err := New(&fakeStore{}, s, cfg).Build(context.Background(), Request{SessionID: "y", Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, "", res.Text)
}

func TestBuild_SearchesWithoutInjectedContext(t *testing.T) {
	s := &fakeSearcher{}
	prompt := memory.ContextHeader + "\nold\n" + memory.ContextFooter + "\nhow do I rotate keys?"
	_, err := New(&fakeStore{}, s, budget(100, 10, 0, 5)).Build(context.Background(), Request{Prompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, []string{"how do I rotate keys?"}, s.queries)
}

func TestSelect_NeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 500; iter++ {
		n := rng.Intn(12)
		cands := make([]Candidate, n)
		for i := range cands {
			cands[i] = Candidate{
				Turn:   memory.Turn{ID: int64(i + 1), TokenCount: rng.Intn(200)},
				Score:  rng.Float64(),
				Recent: rng.Intn(4) == 0,
			}
		}
		maxTokens := rng.Intn(600)
		maxTurns := rng.Intn(6)

		got := Select(cands, maxTokens, maxTurns)
		sum := 0
		for i, c := range got {
			sum += c.Turn.TokenCount
			if i > 0 {
				require.Less(t, got[i-1].Turn.ID, c.Turn.ID, "output must be chronological")
			}
		}
		require.LessOrEqual(t, sum, maxTokens)
		if maxTurns > 0 {
			require.LessOrEqual(t, len(got), maxTurns)
		}
	}
}

func TestSelect_StopsAtFirstOversizedTurn(t *testing.T) {
	cands := []Candidate{
		{Turn: memory.Turn{ID: 1, TokenCount: 5}, Score: 0.9},
		{Turn: memory.Turn{ID: 2, TokenCount: 500}, Score: 0.8},
		{Turn: memory.Turn{ID: 3, TokenCount: 5}, Score: 0.7},
	}
	assert.Equal(t, []int64{1}, ids(Select(cands, 100, 10)))
	assert.Equal(t, []int64{1}, ids(Select(cands, 100, 1)))
}

func TestRender(t *testing.T) {
	now := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	t1 := turn(7, "a", 10)
	t1.Tags = []string{"api", "testing"}
	t2 := turn(9, "a", 10)
	t2.Kind = memory.KindSummary
	t2.Summary = "migrated the auth flow"
	t2.TS = now.Add(-30 * time.Second)

	out := Render([]Candidate{{Turn: t1}, {Turn: t2}}, now)
	want := memory.ContextHeader + "\n" +
		"#7 | 3h ago | tags: api, testing\nUser: prompt h\nAssistant: response\n" +
		"\n#9 | just now\nmigrated the auth flow\n" +
		memory.ContextFooter
	assert.Equal(t, want, out)
	assert.Equal(t, "", Render(nil, now))
}
