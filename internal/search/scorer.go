package search

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/embeddings"
	"github.com/off-context/off-context/internal/memory"
	log "github.com/sirupsen/logrus"
)

// Scorer names.
const (
	ScorerLexical = "lexical"
	ScorerBlended = "lexical+vector"
)

// Query is a normalized search request.
type Query struct {
	Text  string
	Terms []string
}

// Scorer assigns a relevance score in [0,1] to indexed turns. Turns missing
// from the returned map scored zero.
type Scorer interface {
	Name() string
	Score(ctx context.Context, idx *Index, q Query, turns map[int64]memory.Turn) (map[int64]float64, error)
}

// NewScorer picks the scoring strategy for a project once, from its config.
// A nil embedder selects lexical scoring.
func NewScorer(cfg *config.ProjectConfig, embedder embeddings.Embedder) Scorer {
	lex := &LexicalScorer{
		K1:          cfg.Search.GetK1(),
		B:           cfg.Search.GetB(),
		PhraseBoost: cfg.Search.GetPhraseBoost(),
	}
	if embedder == nil || !cfg.Embeddings.Enabled {
		return lex
	}
	return &BlendedScorer{
		Lexical:  lex,
		Embedder: embedder,
		Weight:   cfg.Embeddings.GetWeight(),
		Timeout:  cfg.Embeddings.GetTimeout(),
	}
}

// LexicalScorer ranks with BM25 over the index postings plus a bonus when the
// whole query appears verbatim.
type LexicalScorer struct {
	K1          float64
	B           float64
	PhraseBoost float64
}

func (s *LexicalScorer) Name() string { return ScorerLexical }

func (s *LexicalScorer) Score(ctx context.Context, idx *Index, q Query, turns map[int64]memory.Turn) (map[int64]float64, error) {
	raw := make(map[int64]float64)

	if len(q.Terms) > 0 {
		n, avgLen, err := idx.Stats(ctx)
		if err != nil {
			return nil, err
		}
		posts, err := idx.postings(ctx, q.Terms)
		if err != nil {
			return nil, err
		}
		df := make(map[string]int)
		var ids []int64
		seen := make(map[int64]struct{})
		for _, p := range posts {
			if _, ok := turns[p.turnID]; !ok {
				continue
			}
			df[p.term]++
			if _, ok := seen[p.turnID]; !ok {
				seen[p.turnID] = struct{}{}
				ids = append(ids, p.turnID)
			}
		}
		lengths, err := idx.docLengths(ctx, ids)
		if err != nil {
			return nil, err
		}
		if avgLen <= 0 {
			avgLen = 1
		}
		for _, p := range posts {
			if _, ok := turns[p.turnID]; !ok {
				continue
			}
			d := float64(df[p.term])
			idf := math.Log(1 + (float64(n)-d+0.5)/(d+0.5))
			tf := float64(p.tf)
			dl := float64(lengths[p.turnID])
			raw[p.turnID] += idf * tf * (s.K1 + 1) / (tf + s.K1*(1-s.B+s.B*dl/avgLen))
		}
	}

	if phrase := strings.ToLower(strings.TrimSpace(q.Text)); phrase != "" && s.PhraseBoost > 0 {
		for id, t := range turns {
			if strings.Contains(strings.ToLower(indexText(t)), phrase) {
				raw[id] += s.PhraseBoost
			}
		}
	}

	out := make(map[int64]float64, len(raw))
	for id, x := range raw {
		if x > 0 {
			out[id] = x / (x + 1)
		}
	}
	return out, nil
}

// BlendedScorer mixes lexical scores with the cosine similarity between the
// query embedding and stored turn embeddings. It degrades to the lexical
// scores whenever the embedder is unavailable.
type BlendedScorer struct {
	Lexical  *LexicalScorer
	Embedder embeddings.Embedder
	Weight   float64
	Timeout  time.Duration
}

func (s *BlendedScorer) Name() string { return ScorerBlended }

func (s *BlendedScorer) Score(ctx context.Context, idx *Index, q Query, turns map[int64]memory.Turn) (map[int64]float64, error) {
	lex, err := s.Lexical.Score(ctx, idx, q, turns)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.Text) == "" {
		return lex, nil
	}

	embedCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		embedCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	qv, err := s.Embedder.Embed(embedCtx, []string{q.Text})
	if err != nil || len(qv) != 1 || len(qv[0]) == 0 {
		log.WithError(err).Debug("search: embedder unavailable, using lexical scores")
		searchFallbacks.Inc()
		return lex, nil
	}
	qn := norm(qv[0])
	if qn == 0 {
		return lex, nil
	}
	vecs, err := idx.vectors(ctx, s.Embedder.Model())
	if err != nil {
		return nil, err
	}

	out := make(map[int64]float64, len(turns))
	for id := range turns {
		var cos float64
		if v, ok := vecs[id]; ok && v.norm > 0 && len(v.values) == len(qv[0]) {
			cos = dot(qv[0], v.values) / (qn * v.norm)
		}
		score := (1-s.Weight)*lex[id] + s.Weight*math.Max(cos, 0)
		if score > 0 {
			out[id] = score
		}
	}
	return out, nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
