package search

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/off-context/off-context/internal/memory"
	log "github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// IndexFile is the derived index database inside a project storage directory.
const IndexFile = "index.db"

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS docs (
		turn_id INTEGER PRIMARY KEY,
		length  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS postings (
		term      TEXT    NOT NULL,
		turn_id   INTEGER NOT NULL,
		tf        INTEGER NOT NULL,
		positions TEXT    NOT NULL,
		PRIMARY KEY (term, turn_id)
	);

	CREATE INDEX IF NOT EXISTS idx_postings_turn ON postings(turn_id);

	CREATE TABLE IF NOT EXISTS vectors (
		turn_id INTEGER NOT NULL,
		model   TEXT    NOT NULL,
		dim     INTEGER NOT NULL,
		norm    REAL    NOT NULL,
		vec     BLOB    NOT NULL,
		PRIMARY KEY (turn_id, model)
	);
`

const (
	metaGeneration = "generation"
	metaLastID     = "last_indexed_id"
)

// Index is the sqlite-backed inverted index of one project.
type Index struct {
	db   *sql.DB
	path string
}

// posting is one (term, turn) entry.
type posting struct {
	term   string
	turnID int64
	tf     int
}

// vector is a stored embedding with its precomputed norm.
type vector struct {
	values []float32
	norm   float64
}

// OpenIndex opens (or creates) the index at path. A file that cannot be
// migrated is treated as corrupt, removed and recreated.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("search: create index dir: %w", err)
	}
	idx, err := openIndex(path)
	if err == nil {
		return idx, nil
	}
	log.WithError(err).WithField("path", path).Warn("search: index unreadable, recreating")
	if errRemove := RemoveIndexFiles(path); errRemove != nil {
		return nil, errRemove
	}
	return openIndex(path)
}

func openIndex(path string) (*Index, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err = db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("search: pragma %q: %w", p, err)
		}
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("search: migration: %w", err)
	}
	return &Index{db: db, path: path}, nil
}

// RemoveIndexFiles deletes the database and its WAL side files.
func RemoveIndexFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("search: remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

// Meta returns the store generation the index was built from and the highest
// indexed turn id.
func (x *Index) Meta(ctx context.Context) (string, int64, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT key, value FROM meta WHERE key IN (?, ?)`, metaGeneration, metaLastID)
	if err != nil {
		return "", 0, fmt.Errorf("search: read meta: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var gen string
	var last int64
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return "", 0, fmt.Errorf("search: scan meta: %w", err)
		}
		switch k {
		case metaGeneration:
			gen = v
		case metaLastID:
			last, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return gen, last, rows.Err()
}

// Truncate drops every document and stamps the index with generation.
func (x *Index) Truncate(ctx context.Context, generation string) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("search: begin truncate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM postings`, `DELETE FROM docs`, `DELETE FROM vectors`, `DELETE FROM meta`} {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("search: truncate: %w", err)
		}
	}
	if err = setMeta(ctx, tx, generation, 0); err != nil {
		return err
	}
	return tx.Commit()
}

func setMeta(ctx context.Context, tx *sql.Tx, generation string, lastID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?), (?, ?)`,
		metaGeneration, generation, metaLastID, strconv.FormatInt(lastID, 10))
	if err != nil {
		return fmt.Errorf("search: write meta: %w", err)
	}
	return nil
}

// Add indexes turns in one transaction and advances the last indexed id.
// Re-adding a turn replaces its postings.
func (x *Index) Add(ctx context.Context, generation string, turns []memory.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("search: begin add: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delPostings, err := tx.PrepareContext(ctx, `DELETE FROM postings WHERE turn_id = ?`)
	if err != nil {
		return fmt.Errorf("search: prepare: %w", err)
	}
	defer func() { _ = delPostings.Close() }()
	insDoc, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO docs (turn_id, length) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("search: prepare: %w", err)
	}
	defer func() { _ = insDoc.Close() }()
	insPosting, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO postings (term, turn_id, tf, positions) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("search: prepare: %w", err)
	}
	defer func() { _ = insPosting.Close() }()

	var last int64
	for _, t := range turns {
		toks := tokenize(indexText(t))
		positions := make(map[string][]string)
		var order []string
		for _, tk := range toks {
			if _, ok := positions[tk.term]; !ok {
				order = append(order, tk.term)
			}
			positions[tk.term] = append(positions[tk.term], strconv.Itoa(tk.pos))
		}
		if _, err = delPostings.ExecContext(ctx, t.ID); err != nil {
			return fmt.Errorf("search: clear postings %d: %w", t.ID, err)
		}
		if _, err = insDoc.ExecContext(ctx, t.ID, len(toks)); err != nil {
			return fmt.Errorf("search: insert doc %d: %w", t.ID, err)
		}
		for _, term := range order {
			pos := positions[term]
			if _, err = insPosting.ExecContext(ctx, term, t.ID, len(pos), strings.Join(pos, ",")); err != nil {
				return fmt.Errorf("search: insert posting %d: %w", t.ID, err)
			}
		}
		if t.ID > last {
			last = t.ID
		}
	}

	prevLast, err := lastIDTx(ctx, tx)
	if err != nil {
		return err
	}
	if prevLast > last {
		last = prevLast
	}
	if err = setMeta(ctx, tx, generation, last); err != nil {
		return err
	}
	return tx.Commit()
}

func lastIDTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("search: read meta: %w", err)
	}
	last, _ := strconv.ParseInt(v, 10, 64)
	return last, nil
}

// Stats returns the indexed document count and the average document length.
func (x *Index) Stats(ctx context.Context) (int, float64, error) {
	var n int
	var avg sql.NullFloat64
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(length) FROM docs`).Scan(&n, &avg); err != nil {
		return 0, 0, fmt.Errorf("search: stats: %w", err)
	}
	return n, avg.Float64, nil
}

// postings returns every posting for terms.
func (x *Index) postings(ctx context.Context, terms []string) ([]posting, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	args := make([]any, len(terms))
	for i, t := range terms {
		args[i] = t
	}
	q := `SELECT term, turn_id, tf FROM postings WHERE term IN (` + placeholders(len(terms)) + `)`
	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search: query postings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []posting
	for rows.Next() {
		var p posting
		if err = rows.Scan(&p.term, &p.turnID, &p.tf); err != nil {
			return nil, fmt.Errorf("search: scan posting: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// docLengths returns the token length of each requested turn.
func (x *Index) docLengths(ctx context.Context, ids []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := x.db.QueryContext(ctx, `SELECT turn_id, length FROM docs WHERE turn_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("search: query docs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id int64
		var n int
		if err = rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("search: scan doc: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// PutVector stores the embedding of a turn for model.
func (x *Index) PutVector(ctx context.Context, turnID int64, model string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	_, err := x.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (turn_id, model, dim, norm, vec) VALUES (?, ?, ?, ?, ?)`,
		turnID, model, len(vec), norm(vec), encodeVector(vec))
	if err != nil {
		return fmt.Errorf("search: put vector %d: %w", turnID, err)
	}
	return nil
}

// vectors returns every stored embedding for model.
func (x *Index) vectors(ctx context.Context, model string) (map[int64]vector, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT turn_id, norm, vec FROM vectors WHERE model = ?`, model)
	if err != nil {
		return nil, fmt.Errorf("search: query vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]vector)
	for rows.Next() {
		var id int64
		var n float64
		var blob []byte
		if err = rows.Scan(&id, &n, &blob); err != nil {
			return nil, fmt.Errorf("search: scan vector: %w", err)
		}
		out[id] = vector{values: decodeVector(blob), norm: n}
	}
	return out, rows.Err()
}

// missingVectors lists the newest indexed turns that have no embedding for
// model, at most limit of them.
func (x *Index) missingVectors(ctx context.Context, model string, limit int) ([]int64, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT d.turn_id FROM docs d
		LEFT JOIN vectors v ON v.turn_id = d.turn_id AND v.model = ?
		WHERE v.turn_id IS NULL
		ORDER BY d.turn_id DESC
		LIMIT ?`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("search: query missing vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("search: scan missing vector: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// VectorCount returns the number of stored embeddings.
func (x *Index) VectorCount(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("search: count vectors: %w", err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// indexText is the searchable body of a turn, without role labels.
func indexText(t memory.Turn) string {
	if t.Kind == memory.KindSummary {
		return t.Summary
	}
	return t.Prompt + "\n" + t.Response
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}
