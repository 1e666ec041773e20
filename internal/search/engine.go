// Package search ranks stored turns against a query. The sqlite index is
// derived from the turn log and is rebuilt whenever it is found stale.
package search

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/embeddings"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/memory"
	log "github.com/sirupsen/logrus"
)

// DefaultLimit is the number of hits returned when the caller gives none.
const DefaultLimit = 10

// Hit is one ranked turn.
type Hit struct {
	TurnID             int64       `json:"turn_id"`
	Score              float64     `json:"score"`
	Snippet            string      `json:"snippet"`
	HighlightedSnippet string      `json:"highlighted_snippet"`
	Spans              []Span      `json:"spans,omitempty"`
	Tags               []string    `json:"tags,omitempty"`
	TokenCount         int         `json:"token_count"`
	SessionID          string      `json:"session_id,omitempty"`
	TS                 time.Time   `json:"ts"`
	Turn               memory.Turn `json:"-"`
}

// Results is a ranked answer plus the number of turns considered.
type Results struct {
	Query  string `json:"query"`
	Scorer string `json:"scorer"`
	Total  int    `json:"total"`
	Hits   []Hit  `json:"hits"`
}

// Engine answers queries for one project. It keeps no cache: every call
// reconciles the index with the store on disk.
type Engine struct {
	store        *memory.Store
	path         string
	scorer       Scorer
	embedder     embeddings.Embedder
	snippetChars int
	maxTerms     int
	backfill     int
	timeout      time.Duration
}

// NewEngine builds the engine of the project whose store is given. embedder may
// be nil; it is ignored unless embeddings are enabled in cfg.
func NewEngine(store *memory.Store, cfg *config.ProjectConfig, embedder embeddings.Embedder) *Engine {
	if cfg == nil {
		cfg = config.DefaultProjectConfig()
	}
	if !cfg.Embeddings.Enabled {
		embedder = nil
	}
	return &Engine{
		store:        store,
		path:         filepath.Join(store.Dir(), IndexFile),
		scorer:       NewScorer(cfg, embedder),
		embedder:     embedder,
		snippetChars: cfg.Search.GetSnippetChars(),
		maxTerms:     cfg.Search.GetMaxQueryTerms(),
		backfill:     cfg.Embeddings.GetBackfillBatch(),
		timeout:      cfg.Embeddings.GetTimeout(),
	}
}

// Path returns the index database path.
func (e *Engine) Path() string { return e.path }

// ScorerName reports the active scoring strategy.
func (e *Engine) ScorerName() string { return e.scorer.Name() }

func (e *Engine) open() (*Index, error) {
	idx, err := OpenIndex(e.path)
	if err != nil {
		return nil, apperrors.IOFailure("open search index", err)
	}
	return idx, nil
}

// Search ranks every stored turn against query and returns at most limit hits
// in descending score order; ties go to the newer turn.
func (e *Engine) Search(ctx context.Context, query string, limit int) (*Results, error) {
	started := time.Now()
	if limit <= 0 {
		limit = DefaultLimit
	}
	idx, err := e.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = idx.Close() }()

	turns, err := e.ensureFresh(ctx, idx)
	if err != nil {
		return nil, err
	}
	res := &Results{Query: query, Scorer: e.scorer.Name(), Total: len(turns), Hits: []Hit{}}
	if strings.TrimSpace(query) == "" || len(turns) == 0 {
		return res, nil
	}

	byID := make(map[int64]memory.Turn, len(turns))
	for _, t := range turns {
		byID[t.ID] = t
	}
	if e.embedder != nil {
		e.backfillVectors(ctx, idx, byID)
	}

	terms := QueryTerms(query, e.maxTerms)
	scores, err := e.scorer.Score(ctx, idx, Query{Text: query, Terms: terms}, byID)
	if err != nil {
		return nil, apperrors.IOFailure("score turns", err)
	}

	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return ids[i] > ids[j]
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		t := byID[id]
		snippet, highlighted, spans := buildSnippet(t.Content(), query, terms, e.snippetChars)
		res.Hits = append(res.Hits, Hit{
			TurnID:             id,
			Score:              scores[id],
			Snippet:            snippet,
			HighlightedSnippet: highlighted,
			Spans:              spans,
			Tags:               t.Tags,
			TokenCount:         t.TokenCount,
			SessionID:          t.SessionID,
			TS:                 t.TS,
			Turn:               t,
		})
	}

	searchQueries.WithLabelValues(e.scorer.Name()).Inc()
	searchDurationSeconds.Observe(time.Since(started).Seconds())
	return res, nil
}

// Index brings the index up to date after turn was appended and, when vector
// scoring is active, stores the turn's embedding.
func (e *Engine) Index(ctx context.Context, turn memory.Turn) error {
	idx, err := e.open()
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	if _, err = e.ensureFresh(ctx, idx); err != nil {
		return err
	}
	if e.embedder != nil && turn.ID > 0 {
		e.embed(ctx, idx, []memory.Turn{turn})
	}
	return nil
}

// Rebuild discards the index contents and reindexes every stored turn.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	idx, err := e.open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = idx.Close() }()

	if err = idx.Truncate(ctx, ""); err != nil {
		return 0, apperrors.IndexStale(err.Error())
	}
	turns, err := e.ensureFresh(ctx, idx)
	return len(turns), err
}

// RemoveIndex deletes the index files. The next query rebuilds them.
func (e *Engine) RemoveIndex() error {
	if err := RemoveIndexFiles(e.path); err != nil {
		return apperrors.IOFailure("remove search index", err)
	}
	return nil
}

// IndexStatus describes the on-disk index.
type IndexStatus struct {
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	Docs     int    `json:"docs"`
	LastID   int64  `json:"last_indexed_id"`
	Vectors  int    `json:"vectors"`
	Scorer   string `json:"scorer"`
	Fresh    bool   `json:"fresh"`
	Embedder string `json:"embedder,omitempty"`
}

// Status reports index state without modifying it.
func (e *Engine) Status(ctx context.Context) (IndexStatus, error) {
	st := IndexStatus{Path: e.path, Scorer: e.scorer.Name()}
	if e.embedder != nil {
		st.Embedder = e.embedder.Model()
	}
	if !fileExists(e.path) {
		return st, nil
	}
	st.Exists = true
	idx, err := e.open()
	if err != nil {
		return st, err
	}
	defer func() { _ = idx.Close() }()

	gen, last, err := idx.Meta(ctx)
	if err != nil {
		return st, apperrors.IOFailure("read index meta", err)
	}
	st.LastID = last
	if st.Docs, _, err = idx.Stats(ctx); err != nil {
		return st, apperrors.IOFailure("read index stats", err)
	}
	if st.Vectors, err = idx.VectorCount(ctx); err != nil {
		return st, apperrors.IOFailure("read index stats", err)
	}
	storeGen, err := e.store.Generation()
	if err != nil {
		return st, err
	}
	storeLast, err := e.store.LastID()
	if err != nil {
		return st, err
	}
	st.Fresh = gen == storeGen && last == storeLast
	return st, nil
}

// ensureFresh reconciles the index with the store and returns the store's
// turns. A generation mismatch or an index ahead of the store forces a full
// rebuild; an index behind the store is caught up incrementally.
func (e *Engine) ensureFresh(ctx context.Context, idx *Index) ([]memory.Turn, error) {
	turns, err := e.store.ReadAll()
	if err != nil {
		return nil, err
	}
	gen, err := e.store.Generation()
	if err != nil {
		return nil, err
	}
	var storeLast int64
	if len(turns) > 0 {
		storeLast = turns[len(turns)-1].ID
	}

	idxGen, idxLast, err := idx.Meta(ctx)
	if err != nil {
		return nil, apperrors.IndexStale(err.Error())
	}
	if idxGen != gen || idxLast > storeLast {
		log.WithFields(log.Fields{"index_last": idxLast, "store_last": storeLast}).Debug("search: rebuilding stale index")
		if err = idx.Truncate(ctx, gen); err != nil {
			return nil, apperrors.IndexStale(err.Error())
		}
		idxLast = 0
		indexRebuilds.WithLabelValues("full").Inc()
	}
	if idxLast < storeLast {
		pending := turns[sort.Search(len(turns), func(i int) bool { return turns[i].ID > idxLast }):]
		if err = idx.Add(ctx, gen, pending); err != nil {
			return nil, apperrors.IndexStale(err.Error())
		}
		indexRebuilds.WithLabelValues("incremental").Inc()
	}
	return turns, nil
}

// backfillVectors embeds a bounded batch of turns that have no vector yet.
func (e *Engine) backfillVectors(ctx context.Context, idx *Index, byID map[int64]memory.Turn) {
	missing, err := idx.missingVectors(ctx, e.embedder.Model(), e.backfill)
	if err != nil || len(missing) == 0 {
		return
	}
	batch := make([]memory.Turn, 0, len(missing))
	for _, id := range missing {
		if t, ok := byID[id]; ok {
			batch = append(batch, t)
		}
	}
	e.embed(ctx, idx, batch)
}

func (e *Engine) embed(ctx context.Context, idx *Index, turns []memory.Turn) {
	if len(turns) == 0 {
		return
	}
	inputs := make([]string, len(turns))
	for i, t := range turns {
		inputs[i] = indexText(t)
	}
	embedCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	vecs, err := e.embedder.Embed(embedCtx, inputs)
	if err != nil {
		log.WithError(err).Debug("search: embedding failed")
		return
	}
	for i, v := range vecs {
		if i >= len(turns) {
			break
		}
		if errPut := idx.PutVector(ctx, turns[i].ID, e.embedder.Model(), v); errPut != nil {
			log.WithError(errPut).Warn("search: store vector")
			return
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
