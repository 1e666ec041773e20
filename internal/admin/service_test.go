package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/export"
	"github.com/off-context/off-context/internal/integrations"
	"github.com/off-context/off-context/internal/memory"
	"github.com/off-context/off-context/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	m := integrations.NewManager()
	m.Register(&integrations.ClaudeIntegration{})
	svc := NewService(registry.New(m), m)
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	return svc, t.TempDir()
}

func seed(t *testing.T, svc *Service, root string, turns ...memory.Turn) {
	t.Helper()
	p, err := svc.reg.Resolve(root)
	require.NoError(t, err)
	_, err = svc.reg.Open(p).Store.AppendBatch(context.Background(), turns)
	require.NoError(t, err)
}

func TestService_UninitializedErrors(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	_, err := svc.Status(ctx, root)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConfigMissing))
	_, err = svc.Search(ctx, root, "x", 5)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConfigMissing))
	_, err = svc.Export(ctx, root, "json", &bytes.Buffer{})
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConfigMissing))
	_, err = svc.Reset(ctx, root)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConfigMissing))
}

func TestService_StatusSearchExport(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	res, err := svc.Init(ctx, root)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, registry.StateInitialized, res.State)

	seed(t, svc, root,
		memory.Turn{SessionID: "s1", Prompt: "configure webhook retries", Response: "set retry.max"},
		memory.Turn{SessionID: "s1", Prompt: "rotate database credentials", Response: "use the vault"},
	)

	st, err := svc.Status(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Turns)
	assert.Equal(t, 1, st.Sessions)
	assert.True(t, st.HooksWired)
	assert.Equal(t, registry.StateInitialized, st.State)
	assert.False(t, st.IndexAvailable)
	assert.NotNil(t, st.LastActivity)
	assert.Positive(t, st.StorageBytes)
	require.Len(t, st.Integrations, 1)
	assert.True(t, st.Integrations[0].Wired)

	hits, err := svc.Search(ctx, root, "webhook", 5)
	require.NoError(t, err)
	require.Len(t, hits.Hits, 1)
	assert.Equal(t, int64(1), hits.Hits[0].TurnID)

	_, err = svc.Search(ctx, root, "   ", 5)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeInvalidRequest))

	st, err = svc.Status(ctx, root)
	require.NoError(t, err)
	assert.True(t, st.IndexAvailable)
	assert.True(t, st.IndexFresh)
	assert.Equal(t, 2, st.IndexedTurns)

	var buf bytes.Buffer
	format, err := svc.Export(ctx, root, "md", &buf)
	require.NoError(t, err)
	assert.Equal(t, export.FormatMarkdown, format)
	assert.Contains(t, buf.String(), "rotate database credentials")

	buf.Reset()
	_, err = svc.Export(ctx, root, "json", &buf)
	require.NoError(t, err)
	var doc export.Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 2, doc.TurnCount)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), doc.ExportedAt)
}

func TestService_ClearAndReset(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	_, err := svc.Init(ctx, root)
	require.NoError(t, err)
	seed(t, svc, root, memory.Turn{Prompt: "webhook", Response: "ok"})

	nested := filepath.Join(root, "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	_, err = svc.Clear(ctx, nested)
	require.NoError(t, err)
	st, err := svc.Status(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, registry.StateCleared, st.State)
	assert.Equal(t, 1, st.Turns)

	for i := 0; i < 2; i++ {
		_, err = svc.Reset(ctx, nested)
		require.NoError(t, err)
	}
	st, err = svc.Status(ctx, root)
	require.NoError(t, err)
	assert.Zero(t, st.Turns)

	hits, err := svc.Search(ctx, root, "webhook", 5)
	require.NoError(t, err)
	assert.Zero(t, hits.Total)
	assert.Empty(t, hits.Hits)
}

func TestService_ImportSkipsKnownExchanges(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	_, err := svc.Init(ctx, root)
	require.NoError(t, err)
	seed(t, svc, root, memory.Turn{SessionID: "a", Prompt: "first question", Response: "first answer"})

	dir := t.TempDir()
	jsonl := strings.Join([]string{
		`{"type":"user","sessionId":"a","message":{"role":"user","content":"first question"}}`,
		`{"type":"assistant","sessionId":"a","message":{"role":"assistant","content":[{"type":"text","text":"first answer"}]}}`,
		`{"type":"user","sessionId":"a","message":{"role":"user","content":"second question"}}`,
		`{"type":"assistant","sessionId":"a","message":{"role":"assistant","content":[{"type":"text","text":"second answer"}]}}`,
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte(jsonl), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"),
		[]byte(`{"session_id":"b","messages":[{"role":"user","content":"third question"},{"role":"assistant","content":"third answer"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden", "c.jsonl"), []byte(jsonl), 0o644))

	res, err := svc.Import(ctx, root, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 3, res.Exchanges)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Errors)

	res, err = svc.Import(ctx, root, dir)
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 3, res.Skipped)

	hits, err := svc.Search(ctx, root, "third", 5)
	require.NoError(t, err)
	require.Len(t, hits.Hits, 1)
	assert.Equal(t, "b", hits.Hits[0].SessionID)

	_, err = svc.Import(ctx, root, filepath.Join(dir, "missing"))
	assert.True(t, apperrors.IsKind(err, apperrors.CodeInvalidRequest))
}
