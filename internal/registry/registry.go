// Package registry maps project roots to their isolated storage and drives
// project lifecycle transitions.
package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/off-context/off-context/internal/assembler"
	"github.com/off-context/off-context/internal/config"
	"github.com/off-context/off-context/internal/embeddings"
	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/memory"
	"github.com/off-context/off-context/internal/search"
	"github.com/off-context/off-context/internal/tokens"
	log "github.com/sirupsen/logrus"
)

// StorageDirName is the per-project storage directory under the root.
const StorageDirName = ".off-context"

// State is the lifecycle state of a project.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateCleared       State = "cleared"
)

// Project is an initialized project root.
type Project struct {
	Root   string                `json:"root"`
	Name   string                `json:"name"`
	Dir    string                `json:"dir"`
	Config *config.ProjectConfig `json:"-"`
}

// HookWirer manages host hook wiring for a root.
type HookWirer interface {
	WireAll(root string) error
	UnwireAll(root string) error
	AnyWired(root string) bool
}

// EmbedderFactory builds the embedder for a project config, or nil.
type EmbedderFactory func(cfg *config.ProjectConfig) embeddings.Embedder

// Registry resolves projects and performs lifecycle operations.
type Registry struct {
	wirer    HookWirer
	embedder EmbedderFactory
}

// Option configures a Registry.
type Option func(*Registry)

// WithEmbedderFactory overrides how embedders are built.
func WithEmbedderFactory(f EmbedderFactory) Option {
	return func(r *Registry) { r.embedder = f }
}

// New returns a registry. wirer may be nil, in which case hook wiring is skipped.
func New(wirer HookWirer, opts ...Option) *Registry {
	r := &Registry{wirer: wirer, embedder: DefaultEmbedder}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultEmbedder returns an Ollama client when embeddings are enabled.
func DefaultEmbedder(cfg *config.ProjectConfig) embeddings.Embedder {
	if cfg == nil || !cfg.Embeddings.Enabled {
		return nil
	}
	switch strings.ToLower(cfg.Embeddings.Provider) {
	case "", "ollama":
		return embeddings.NewOllama(cfg.Embeddings.BaseURL, cfg.Embeddings.Model, cfg.Embeddings.GetTimeout())
	default:
		log.WithField("provider", cfg.Embeddings.Provider).Warn("registry: unsupported embeddings provider, using lexical search")
		return nil
	}
}

// NormalizeRoot makes root absolute and clean and resolves symlinks when the
// path exists, so two spellings of one directory share state and two
// distinct directories never do.
func NormalizeRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", apperrors.IOFailure("resolve working directory", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", apperrors.InvalidRequest("invalid project root: " + err.Error())
	}
	abs = filepath.Clean(abs)
	if resolved, errEval := filepath.EvalSymlinks(abs); errEval == nil {
		abs = resolved
	}
	return abs, nil
}

// StorageDir returns the storage directory of an already normalized root.
func StorageDir(root string) string {
	return filepath.Join(root, StorageDirName)
}

func isInitialized(dir string) bool {
	for _, name := range []string{config.ConfigFileName, config.LegacyConfigFileName} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

// Resolve returns the project rooted exactly at root.
func (r *Registry) Resolve(root string) (*Project, error) {
	norm, err := NormalizeRoot(root)
	if err != nil {
		return nil, err
	}
	return r.load(norm)
}

func (r *Registry) load(root string) (*Project, error) {
	dir := StorageDir(root)
	if !isInitialized(dir) {
		return nil, apperrors.ConfigMissing(root)
	}
	cfg, err := config.LoadProjectConfig(dir)
	if err != nil {
		if errors.Is(err, config.ErrNoProjectConfig) {
			return nil, apperrors.ConfigMissing(root)
		}
		return nil, apperrors.IOFailure("load project config", err).WithDetail("root", root)
	}
	return &Project{Root: root, Name: filepath.Base(root), Dir: dir, Config: cfg}, nil
}

// Discover returns the nearest initialized project at or above start.
func (r *Registry) Discover(start string) (*Project, error) {
	norm, err := NormalizeRoot(start)
	if err != nil {
		return nil, err
	}
	for dir := norm; ; {
		if isInitialized(StorageDir(dir)) {
			return r.load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, apperrors.ConfigMissing(norm)
		}
		dir = parent
	}
}

// Init creates the storage directory and default config when absent and wires
// the hooks. Running it on an initialized project only re-wires the hooks.
func (r *Registry) Init(_ context.Context, root string) (*Project, bool, error) {
	norm, err := NormalizeRoot(root)
	if err != nil {
		return nil, false, err
	}
	if info, errStat := os.Stat(norm); errStat != nil || !info.IsDir() {
		return nil, false, apperrors.InvalidRequest("project root is not a directory: " + norm)
	}
	dir := StorageDir(norm)
	created := false
	if !isInitialized(dir) {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, apperrors.IOFailure("create storage dir", err)
		}
		if err = config.SaveProjectConfig(dir, config.DefaultProjectConfig()); err != nil {
			return nil, false, apperrors.IOFailure("write project config", err)
		}
		created = true
	}
	if r.wirer != nil {
		if err = r.wirer.WireAll(norm); err != nil {
			return nil, created, apperrors.IOFailure("wire hooks", err)
		}
	}
	p, err := r.load(norm)
	if err != nil {
		return nil, created, err
	}
	log.WithFields(log.Fields{"root": norm, "created": created}).Info("registry: project initialized")
	return p, created, nil
}

// Clear removes the hook wiring and keeps stored memory.
func (r *Registry) Clear(_ context.Context, root string) (*Project, error) {
	p, err := r.Resolve(root)
	if err != nil {
		return nil, err
	}
	if r.wirer != nil {
		if err = r.wirer.UnwireAll(p.Root); err != nil {
			return nil, apperrors.IOFailure("unwire hooks", err)
		}
	}
	log.WithField("root", p.Root).Info("registry: hooks removed")
	return p, nil
}

// Reset deletes stored memory and the derived index. The project stays
// initialized and keeps its config and wiring.
func (r *Registry) Reset(ctx context.Context, root string) (*Project, error) {
	p, err := r.Resolve(root)
	if err != nil {
		return nil, err
	}
	b := r.Open(p)
	if err = b.Store.Reset(ctx); err != nil {
		return nil, err
	}
	if err = b.Engine.RemoveIndex(); err != nil {
		return nil, err
	}
	log.WithField("root", p.Root).Info("registry: project memory reset")
	return p, nil
}

// State reports the lifecycle state of root.
func (r *Registry) State(root string) (State, error) {
	norm, err := NormalizeRoot(root)
	if err != nil {
		return StateUninitialized, err
	}
	if !isInitialized(StorageDir(norm)) {
		return StateUninitialized, nil
	}
	if r.wirer != nil && !r.wirer.AnyWired(norm) {
		return StateCleared, nil
	}
	return StateInitialized, nil
}

// Bundle holds the per-invocation components of one project.
type Bundle struct {
	Project   *Project
	Store     *memory.Store
	Engine    *search.Engine
	Assembler *assembler.Assembler
}

// Open builds the store, search engine and assembler of p. The scorer is
// chosen here, once, from the project config.
func (r *Registry) Open(p *Project) *Bundle {
	cfg := p.Config
	if cfg == nil {
		cfg = config.DefaultProjectConfig()
	}
	store := memory.NewStore(p.Dir, memory.Options{
		LockTimeout: cfg.GetLockTimeout(),
		Estimator:   tokens.New(cfg.Tokens.Estimator, cfg.Tokens.Encoding),
		Redact:      cfg.IsRedactSecrets(),
	})
	var emb embeddings.Embedder
	if r.embedder != nil {
		emb = r.embedder(cfg)
	}
	engine := search.NewEngine(store, cfg, emb)
	return &Bundle{
		Project:   p,
		Store:     store,
		Engine:    engine,
		Assembler: assembler.New(store, engine, cfg.Context),
	}
}
