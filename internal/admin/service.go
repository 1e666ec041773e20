// Package admin is the query and maintenance interface shared by the CLI and
// the HTTP server. Every call reloads project state from disk.
package admin

import (
	"context"
	"io"
	"strings"
	"time"

	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/export"
	"github.com/off-context/off-context/internal/integrations"
	"github.com/off-context/off-context/internal/registry"
	"github.com/off-context/off-context/internal/search"
	log "github.com/sirupsen/logrus"
)

// StatusReporter lists hook wiring per integration.
type StatusReporter interface {
	ListStatus(root string) []integrations.IntegrationStatus
}

// Service implements the admin operations over a registry.
type Service struct {
	reg   *registry.Registry
	hooks StatusReporter
	now   func() time.Time
}

// NewService returns a service. hooks may be nil.
func NewService(reg *registry.Registry, hooks StatusReporter) *Service {
	return &Service{reg: reg, hooks: hooks, now: time.Now}
}

// EmbeddingsStatus describes the optional vector capability.
type EmbeddingsStatus struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Vectors  int    `json:"vectors"`
}

// Status is a snapshot of one project.
type Status struct {
	Project        string                           `json:"project"`
	Root           string                           `json:"root"`
	StoragePath    string                           `json:"storage_path"`
	State          registry.State                   `json:"state"`
	Turns          int                              `json:"turns"`
	Sessions       int                              `json:"sessions"`
	IndexAvailable bool                             `json:"index_available"`
	IndexedTurns   int                              `json:"indexed_turns"`
	IndexFresh     bool                             `json:"index_fresh"`
	Scorer         string                           `json:"scorer"`
	Embeddings     EmbeddingsStatus                 `json:"embeddings"`
	HooksWired     bool                             `json:"hooks_wired"`
	Integrations   []integrations.IntegrationStatus `json:"integrations,omitempty"`
	StorageBytes   int64                            `json:"storage_bytes"`
	LastActivity   *time.Time                       `json:"last_activity,omitempty"`
	Generation     string                           `json:"generation,omitempty"`
}

func (s *Service) project(root string) (*registry.Bundle, error) {
	p, err := s.reg.Discover(root)
	if err != nil {
		return nil, err
	}
	return s.reg.Open(p), nil
}

// Status reports the state of the project containing root.
func (s *Service) Status(ctx context.Context, root string) (*Status, error) {
	b, err := s.project(root)
	if err != nil {
		return nil, err
	}
	p := b.Project
	st := &Status{
		Project:     p.Name,
		Root:        p.Root,
		StoragePath: p.Dir,
		Scorer:      b.Engine.ScorerName(),
		Embeddings: EmbeddingsStatus{
			Enabled:  p.Config.Embeddings.Enabled,
			Provider: p.Config.Embeddings.Provider,
			Model:    p.Config.Embeddings.Model,
		},
		StorageBytes: b.Store.SizeBytes(),
	}
	if st.State, err = s.reg.State(p.Root); err != nil {
		return nil, err
	}
	st.HooksWired = st.State == registry.StateInitialized
	if s.hooks != nil {
		st.Integrations = s.hooks.ListStatus(p.Root)
	}

	if st.Turns, err = b.Store.Count(); err != nil {
		return nil, err
	}
	sessions, err := b.Store.Sessions()
	if err != nil {
		return nil, err
	}
	st.Sessions = len(sessions)
	if st.Generation, err = b.Store.Generation(); err != nil {
		return nil, err
	}

	var last time.Time
	for _, sess := range sessions {
		if sess.StartedAt.After(last) {
			last = sess.StartedAt
		}
		if sess.EndedAt != nil && sess.EndedAt.After(last) {
			last = *sess.EndedAt
		}
	}
	if recent, errRecent := b.Store.ReadRecent(1); errRecent == nil && len(recent) > 0 && recent[0].TS.After(last) {
		last = recent[0].TS
	}
	if !last.IsZero() {
		st.LastActivity = &last
	}

	idx, err := b.Engine.Status(ctx)
	if err != nil {
		log.WithError(err).Warn("admin: read index status")
	}
	st.IndexAvailable = idx.Exists
	st.IndexedTurns = idx.Docs
	st.IndexFresh = idx.Fresh
	st.Embeddings.Vectors = idx.Vectors
	return st, nil
}

// Search ranks the project's turns against query.
func (s *Service) Search(ctx context.Context, root, query string, limit int) (*search.Results, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.InvalidRequest("search query is empty")
	}
	b, err := s.project(root)
	if err != nil {
		return nil, err
	}
	return b.Engine.Search(ctx, query, limit)
}

// Export writes every stored turn in format to w and returns the normalized
// format name.
func (s *Service) Export(_ context.Context, root, format string, w io.Writer) (string, error) {
	format, err := export.ParseFormat(format)
	if err != nil {
		return "", err
	}
	b, err := s.project(root)
	if err != nil {
		return "", err
	}
	turns, err := b.Store.ReadAll()
	if err != nil {
		return "", err
	}
	sessions, err := b.Store.Sessions()
	if err != nil {
		return "", err
	}
	doc := export.Document{
		Project:    b.Project.Name,
		Root:       b.Project.Root,
		ExportedAt: s.now().UTC(),
		Sessions:   sessions,
		Turns:      turns,
	}
	return format, export.Write(w, format, doc)
}

// InitResult reports the outcome of Init.
type InitResult struct {
	Project *registry.Project `json:"project"`
	Created bool              `json:"created"`
	State   registry.State    `json:"state"`
}

// Init initializes root exactly, without walking up to a parent project.
func (s *Service) Init(ctx context.Context, root string) (*InitResult, error) {
	p, created, err := s.reg.Init(ctx, root)
	if err != nil {
		return nil, err
	}
	state, err := s.reg.State(p.Root)
	if err != nil {
		return nil, err
	}
	return &InitResult{Project: p, Created: created, State: state}, nil
}

// Clear removes the hook wiring of the project containing root.
func (s *Service) Clear(ctx context.Context, root string) (*registry.Project, error) {
	p, err := s.reg.Discover(root)
	if err != nil {
		return nil, err
	}
	return s.reg.Clear(ctx, p.Root)
}

// Reset deletes the stored memory of the project containing root.
func (s *Service) Reset(ctx context.Context, root string) (*registry.Project, error) {
	p, err := s.reg.Discover(root)
	if err != nil {
		return nil, err
	}
	return s.reg.Reset(ctx, p.Root)
}

// Reindex rebuilds the search index from the turn log.
func (s *Service) Reindex(ctx context.Context, root string) (int, error) {
	b, err := s.project(root)
	if err != nil {
		return 0, err
	}
	return b.Engine.Rebuild(ctx)
}
