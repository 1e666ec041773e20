// Package memory implements the per-project conversation store: an append-only
// JSONL turn log guarded by a cross-process advisory lock.
package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// Files inside a project storage directory.
const (
	TurnsFile      = "turns.jsonl"
	SessionsFile   = "sessions.jsonl"
	GenerationFile = "generation"
	LockFile       = ".lock"
	InjectedDir    = "injected"
)

const tailChunk = 64 * 1024

// DedupeWindow is how many trailing turns AppendNew inspects for a repeat.
const DedupeWindow = 16

// Options configures a Store.
type Options struct {
	// LockTimeout bounds the wait for the write lock. <= 0 means 2s.
	LockTimeout time.Duration
	// Estimator sizes turns at write time. nil means the char estimator.
	Estimator tokens.Estimator
	// Redact masks secrets before persisting.
	Redact bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the conversation store of one project. It keeps no state between
// calls beyond its directory, so independent processes may share a directory.
type Store struct {
	dir  string
	opts Options
}

// NewStore returns a store rooted at dir. The directory is created on first write.
func NewStore(dir string, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.Estimator == nil {
		opts.Estimator = tokens.CharEstimator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{dir: dir, opts: opts}
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) lock(ctx context.Context) (*FileLock, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, apperrors.IOFailure("create storage dir", err)
	}
	return AcquireLock(ctx, s.path(LockFile), s.opts.LockTimeout)
}

// Append persists turn under the project lock and returns it with its id,
// timestamp and token count assigned.
func (s *Store) Append(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.AppendBatch(ctx, []Turn{turn})
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

// AppendBatch persists turns with one lock acquisition. Ids are contiguous.
func (s *Store) AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error) {
	return s.appendBatch(ctx, turns, nil)
}

// AppendNew appends turn unless the latest of the last DedupeWindow turns of
// its session has the same content. The check runs under the write lock, so
// concurrent deliveries of one exchange store it once. The bool reports
// whether turn was written.
func (s *Store) AppendNew(ctx context.Context, turn Turn) (Turn, bool, error) {
	out, err := s.appendBatch(ctx, []Turn{turn}, func(prepared []Turn) (bool, error) {
		recent, err := s.readTail(DedupeWindow)
		if err != nil {
			return false, err
		}
		t := prepared[0]
		for i := len(recent) - 1; i >= 0; i-- {
			if recent[i].SessionID == t.SessionID {
				return recent[i].Content() == t.Content(), nil
			}
		}
		return false, nil
	})
	if err != nil || len(out) == 0 {
		return Turn{}, false, err
	}
	return out[0], true, nil
}

// appendBatch writes turns under the lock. skip, when set, runs under the lock
// before anything is written; returning true drops the whole batch.
func (s *Store) appendBatch(ctx context.Context, turns []Turn, skip func(prepared []Turn) (bool, error)) ([]Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	prepared := make([]Turn, 0, len(turns))
	for i := range turns {
		t, err := s.prepare(turns[i])
		if err != nil {
			return nil, apperrors.InvalidRequest(err.Error())
		}
		prepared = append(prepared, t)
	}

	lk, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lk.Release() }()

	if _, err = s.ensureGeneration(); err != nil {
		return nil, err
	}
	if skip != nil {
		drop, errSkip := skip(prepared)
		if errSkip != nil {
			return nil, errSkip
		}
		if drop {
			return nil, nil
		}
	}
	last, err := s.LastID()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.path(TurnsFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.IOFailure("open turn log", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	if torn, errTorn := endsWithoutNewline(f); errTorn != nil {
		return nil, apperrors.IOFailure("inspect turn log", errTorn)
	} else if torn {
		buf.WriteByte('\n')
	}
	for i := range prepared {
		last++
		prepared[i].ID = last
		line, errMarshal := json.Marshal(prepared[i])
		if errMarshal != nil {
			return nil, apperrors.IOFailure("encode turn", errMarshal)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err = f.Write(buf.Bytes()); err != nil {
		return nil, apperrors.IOFailure("write turn log", err)
	}
	if err = f.Sync(); err != nil {
		return nil, apperrors.IOFailure("sync turn log", err)
	}
	return prepared, nil
}

func (s *Store) prepare(t Turn) (Turn, error) {
	if t.TS.IsZero() {
		t.TS = s.opts.Now().UTC()
	}
	if t.Kind == "" {
		t.Kind = KindExchange
		if strings.TrimSpace(t.Summary) != "" && strings.TrimSpace(t.Prompt) == "" && strings.TrimSpace(t.Response) == "" {
			t.Kind = KindSummary
		}
	}
	if s.opts.Redact {
		t.Prompt = RedactText(t.Prompt)
		t.Response = RedactText(t.Response)
		t.Summary = RedactText(t.Summary)
	}
	t.Prompt = strings.TrimSpace(t.Prompt)
	t.Response = strings.TrimSpace(t.Response)
	t.Summary = strings.TrimSpace(t.Summary)
	t.Tags = NormalizeTags(t.Tags)
	t.TokenCount = s.opts.Estimator.Count(t.Content())
	t.ID = 0
	return t, t.Validate()
}

func endsWithoutNewline(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return false, nil
	}
	b := make([]byte, 1)
	if _, err = f.ReadAt(b, st.Size()-1); err != nil {
		return false, err
	}
	return b[0] != '\n', nil
}

// All yields turns in ascending id order. Each range over the sequence re-reads
// the log, so it is restartable. An unterminated final line belongs to an
// in-flight append and is not yielded; corrupt lines are logged and skipped.
func (s *Store) All() iter.Seq2[Turn, error] {
	return func(yield func(Turn, error) bool) {
		f, err := os.Open(s.path(TurnsFile))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(Turn{}, apperrors.IOFailure("open turn log", err))
			}
			return
		}
		defer func() { _ = f.Close() }()

		r := bufio.NewReaderSize(f, 64*1024)
		var prev int64
		lineNo := 0
		for {
			line, errRead := r.ReadBytes('\n')
			if errRead != nil {
				if !errors.Is(errRead, io.EOF) {
					yield(Turn{}, apperrors.IOFailure("read turn log", errRead))
				}
				return
			}
			lineNo++
			t, ok := decodeTurn(line, lineNo)
			if !ok || t.ID <= prev {
				continue
			}
			prev = t.ID
			if !yield(t, nil) {
				return
			}
		}
	}
}

func decodeTurn(line []byte, lineNo int) (Turn, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Turn{}, false
	}
	var t Turn
	if err := json.Unmarshal(line, &t); err != nil {
		log.WithError(apperrors.CorruptRecord(lineNo, err)).Warn("memory: skipping corrupt turn")
		return Turn{}, false
	}
	if t.ID <= 0 || t.Validate() != nil {
		log.WithField("line", lineNo).Warn("memory: skipping invalid turn")
		return Turn{}, false
	}
	return t, true
}

// ReadAll collects All into a slice.
func (s *Store) ReadAll() ([]Turn, error) {
	var out []Turn
	for t, err := range s.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadRecent returns the last n turns by id, oldest first.
func (s *Store) ReadRecent(n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.readTail(n)
}

// LastID returns the highest readable turn id, or 0 for an empty log.
func (s *Store) LastID() (int64, error) {
	tail, err := s.readTail(1)
	if err != nil || len(tail) == 0 {
		return 0, err
	}
	return tail[0].ID, nil
}

// readTail reads backwards in growing windows until n valid turns are found or
// the whole file has been read.
func (s *Store) readTail(n int) ([]Turn, error) {
	f, err := os.Open(s.path(TurnsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.IOFailure("open turn log", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, apperrors.IOFailure("stat turn log", err)
	}
	size := st.Size()
	window := int64(tailChunk)
	for {
		if window > size {
			window = size
		}
		buf := make([]byte, window)
		if _, err = f.ReadAt(buf, size-window); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperrors.IOFailure("read turn log", err)
		}
		// Drop the in-flight tail and, unless at file start, the cut head line.
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			buf = buf[:i+1]
		} else {
			buf = nil
		}
		if window < size {
			if i := bytes.IndexByte(buf, '\n'); i >= 0 {
				buf = buf[i+1:]
			}
		}
		turns := make([]Turn, 0, n)
		var prev int64
		for _, line := range bytes.Split(buf, []byte("\n")) {
			t, ok := decodeTurn(line, 0)
			if !ok || t.ID <= prev {
				continue
			}
			prev = t.ID
			turns = append(turns, t)
		}
		if len(turns) >= n || window >= size {
			if len(turns) > n {
				turns = turns[len(turns)-n:]
			}
			return turns, nil
		}
		window *= 4
	}
}

// Count returns the number of readable turns.
func (s *Store) Count() (int, error) {
	n := 0
	for _, err := range s.All() {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Generation returns the store generation token, or "" when none was written
// yet. Clear and Reset rotate it so derived indexes can detect staleness.
func (s *Store) Generation() (string, error) {
	data, err := os.ReadFile(s.path(GenerationFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", apperrors.IOFailure("read generation", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) ensureGeneration() (string, error) {
	gen, err := s.Generation()
	if err != nil || gen != "" {
		return gen, err
	}
	return s.rotateGeneration()
}

func (s *Store) rotateGeneration() (string, error) {
	gen := uuid.NewString()
	if err := writeFileAtomic(s.path(GenerationFile), []byte(gen+"\n")); err != nil {
		return "", apperrors.IOFailure("write generation", err)
	}
	return gen, nil
}

// Clear removes every turn. It is idempotent.
func (s *Store) Clear(ctx context.Context) error {
	lk, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	if err := os.Remove(s.path(TurnsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.IOFailure("remove turn log", err)
	}
	_, err := s.rotateGeneration()
	return err
}

// Reset clears turns, session marks and injection markers and rotates the
// generation. It is idempotent and safe to retry after an interruption.
func (s *Store) Reset(ctx context.Context) error {
	lk, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	if err = s.clearLocked(); err != nil {
		return err
	}
	if err = os.Remove(s.path(SessionsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.IOFailure("remove session marks", err)
	}
	if err = os.RemoveAll(s.path(InjectedDir)); err != nil {
		return apperrors.IOFailure("remove injection markers", err)
	}
	return nil
}

// MarkSession records a session start or end.
func (s *Store) MarkSession(ctx context.Context, sessionID, event string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	if event != SessionStart && event != SessionEnd {
		return apperrors.InvalidRequest("unknown session event " + event)
	}
	line, err := json.Marshal(SessionMark{SessionID: sessionID, Event: event, TS: s.opts.Now().UTC()})
	if err != nil {
		return apperrors.IOFailure("encode session mark", err)
	}

	lk, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	f, err := os.OpenFile(s.path(SessionsFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.IOFailure("open session marks", err)
	}
	defer func() { _ = f.Close() }()
	if torn, _ := endsWithoutNewline(f); torn {
		line = append([]byte("\n"), line...)
	}
	if _, err = f.Write(append(line, '\n')); err != nil {
		return apperrors.IOFailure("write session mark", err)
	}
	return nil
}

// Sessions derives sessions from marks and turns, oldest first.
func (s *Store) Sessions() ([]Session, error) {
	byID := make(map[string]*Session)
	get := func(id string, ts time.Time) *Session {
		sess, ok := byID[id]
		if !ok {
			sess = &Session{ID: id, StartedAt: ts}
			byID[id] = sess
		}
		return sess
	}

	if data, err := os.ReadFile(s.path(SessionsFile)); err == nil {
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var m SessionMark
			if errUnmarshal := json.Unmarshal(line, &m); errUnmarshal != nil || m.SessionID == "" {
				continue
			}
			sess := get(m.SessionID, m.TS)
			switch m.Event {
			case SessionStart:
				if m.TS.Before(sess.StartedAt) {
					sess.StartedAt = m.TS
				}
			case SessionEnd:
				ts := m.TS
				sess.EndedAt = &ts
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.IOFailure("read session marks", err)
	}

	for t, err := range s.All() {
		if err != nil {
			return nil, err
		}
		if t.SessionID == "" {
			continue
		}
		sess := get(t.SessionID, t.TS)
		if t.TS.Before(sess.StartedAt) {
			sess.StartedAt = t.TS
		}
		sess.Turns++
		sess.LastTurn = t.ID
	}

	out := make([]Session, 0, len(byID))
	for _, sess := range byID {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// MarkInjected records that context was injected for sessionID. It reports
// true only for the first call per session.
func (s *Store) MarkInjected(sessionID string) (bool, error) {
	key := sanitizeSessionKey(sessionID)
	if key == "" {
		return true, nil
	}
	dir := s.path(InjectedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, apperrors.IOFailure("create marker dir", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, apperrors.IOFailure("create marker", err)
	}
	_ = f.Close()
	return true, nil
}

// SizeBytes sums the size of every file in the storage directory.
func (s *Store) SizeBytes() int64 {
	var total int64
	_ = filepath.WalkDir(s.dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, errInfo := d.Info(); errInfo == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func sanitizeSessionKey(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
	}
	return err
}
