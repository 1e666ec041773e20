package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/off-context/off-context/internal/config"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/integrations"
	"github.com/off-context/off-context/internal/memory"
	"github.com/off-context/off-context/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry() *Registry {
	m := integrations.NewManager()
	m.Register(&integrations.ClaudeIntegration{})
	return New(m)
}

func normalized(t *testing.T, path string) string {
	t.Helper()
	out, err := NormalizeRoot(path)
	require.NoError(t, err)
	return out
}

func TestInit_IsIdempotentAndKeepsConfig(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := newRegistry()

	p, created, err := r.Init(ctx, root)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, normalized(t, root), p.Root)
	assert.Equal(t, filepath.Join(p.Root, StorageDirName), p.Dir)
	assert.Equal(t, 2000, p.Config.Context.MaxTokens)

	p.Config.Context.MaxTokens = 777
	require.NoError(t, config.SaveProjectConfig(p.Dir, p.Config))

	p, created, err = r.Init(ctx, root)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 777, p.Config.Context.MaxTokens)

	state, err := r.State(root)
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, state)
}

func TestInit_RejectsMissingDirectory(t *testing.T) {
	_, _, err := newRegistry().Init(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeInvalidRequest))
}

func TestResolve_UninitializedReportsConfigMissing(t *testing.T) {
	r := newRegistry()
	root := t.TempDir()

	_, err := r.Resolve(root)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConfigMissing))

	state, err := r.State(root)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)
}

func TestResolve_DistinctRootsNeverShareStorage(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	a := filepath.Join(base, "a", "b")
	b := filepath.Join(base, "a", "bc")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))

	r := newRegistry()
	pa, _, err := r.Init(ctx, a)
	require.NoError(t, err)
	pb, _, err := r.Init(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, pa.Dir, pb.Dir)

	_, err = r.Open(pa).Store.Append(ctx, memory.Turn{Prompt: "only in a", Response: "ok"})
	require.NoError(t, err)
	n, err := r.Open(pb).Store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolve_SymlinkedRootSharesState(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	target := filepath.Join(base, "real")
	require.NoError(t, os.MkdirAll(target, 0o755))
	link := filepath.Join(base, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	r := newRegistry()
	p, _, err := r.Init(ctx, target)
	require.NoError(t, err)

	viaLink, err := r.Resolve(link + string(filepath.Separator) + ".")
	require.NoError(t, err)
	assert.Equal(t, p.Root, viaLink.Root)
}

func TestDiscover_WalksUpToNearestProject(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	nested := filepath.Join(root, "src", "pkg")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	r := newRegistry()
	_, err := r.Discover(nested)
	assert.True(t, apperrors.IsKind(err, apperrors.CodeConfigMissing))

	_, _, err = r.Init(ctx, root)
	require.NoError(t, err)
	p, err := r.Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, normalized(t, root), p.Root)
}

func TestLifecycle_ClearKeepsMemoryAndResetDeletesIt(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := newRegistry()
	p, _, err := r.Init(ctx, root)
	require.NoError(t, err)

	b := r.Open(p)
	_, err = b.Store.Append(ctx, memory.Turn{SessionID: "s1", Prompt: "configure the webhook retries", Response: "done"})
	require.NoError(t, err)
	res, err := b.Engine.Search(ctx, "webhook", 5)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)

	_, err = r.Clear(ctx, root)
	require.NoError(t, err)
	state, err := r.State(root)
	require.NoError(t, err)
	assert.Equal(t, StateCleared, state)
	n, err := b.Store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = r.Init(ctx, root)
	require.NoError(t, err)
	state, err = r.State(root)
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, state)

	_, err = r.Reset(ctx, root)
	require.NoError(t, err)
	n, err = b.Store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, statErr := os.Stat(filepath.Join(p.Dir, search.IndexFile))
	assert.True(t, os.IsNotExist(statErr))

	state, err = r.State(root)
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, state)
	_, err = os.Stat(filepath.Join(p.Dir, config.ConfigFileName))
	assert.NoError(t, err)
}

func TestOpen_SelectsScorerFromConfig(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	p, _, err := r.Init(ctx, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, search.ScorerLexical, r.Open(p).Engine.ScorerName())

	p.Config.Embeddings.Enabled = true
	assert.Equal(t, search.ScorerBlended, r.Open(p).Engine.ScorerName())

	p.Config.Embeddings.Provider = "unknown"
	assert.Equal(t, search.ScorerLexical, r.Open(p).Engine.ScorerName())
}
