package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// LegacyConfigFileName is the TOML layout written by earlier releases.
const LegacyConfigFileName = "config.toml"

// ErrNoProjectConfig is returned when neither config.yaml nor config.toml exist.
var ErrNoProjectConfig = errors.New("project config not found")

// ProjectConfig is the per-project configuration record.
type ProjectConfig struct {
	// Context is the budget used when assembling injected context.
	Context ContextConfig `yaml:"context" json:"context"`

	// Hooks toggles capture and injection for this project.
	Hooks HooksConfig `yaml:"hooks" json:"hooks"`

	// Search tunes lexical scoring and snippets.
	Search SearchConfig `yaml:"search" json:"search"`

	// Embeddings enables the blended lexical+vector scorer.
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`

	// Tokens selects the deterministic token estimator.
	Tokens TokensConfig `yaml:"tokens" json:"tokens"`

	// LockTimeoutMS bounds the wait for the project write lock. <= 0 means 2000.
	LockTimeoutMS int `yaml:"lock-timeout-ms,omitempty" json:"lock-timeout-ms,omitempty"`

	// RedactSecrets masks bearer tokens and API keys before persisting.
	// nil means default (true).
	RedactSecrets *bool `yaml:"redact-secrets,omitempty" json:"redact-secrets,omitempty"`
}

// ContextConfig is the context budget. It is read-only at request time.
type ContextConfig struct {
	// MaxTokens is the token budget for injected turns. <= 0 means 2000.
	MaxTokens int `yaml:"max-tokens,omitempty" json:"max-tokens,omitempty"`
	// MaxTurns caps the number of included turns. <= 0 means 5.
	MaxTurns int `yaml:"max-turns,omitempty" json:"max-turns,omitempty"`
	// RecencyWindow is k, the number of recent session turns considered. nil means 3.
	RecencyWindow *int `yaml:"recency-window,omitempty" json:"recency-window,omitempty"`
	// RelevanceTop is m, the number of search hits considered. <= 0 means 5.
	RelevanceTop int `yaml:"relevance-top,omitempty" json:"relevance-top,omitempty"`
	// RelevanceFloor excludes hits scoring below it. nil means 0.15.
	RelevanceFloor *float64 `yaml:"relevance-floor,omitempty" json:"relevance-floor,omitempty"`
	// CarryOverPreviousSession falls back to the previous session's tail when
	// the current session has no turns yet. nil means default (true).
	CarryOverPreviousSession *bool `yaml:"carry-over-previous-session,omitempty" json:"carry-over-previous-session,omitempty"`
}

// HooksConfig toggles hook behavior for a project.
type HooksConfig struct {
	// Enabled turns every hook into a no-op when false. nil means true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// AutoInject controls injection on SessionStart/UserPromptSubmit. nil means true.
	AutoInject *bool `yaml:"auto-inject,omitempty" json:"auto-inject,omitempty"`
	// Capture controls turn capture on completion. nil means true.
	Capture *bool `yaml:"capture,omitempty" json:"capture,omitempty"`
	// InjectOncePerSession limits injection to the first prompt of a session.
	InjectOncePerSession bool `yaml:"inject-once-per-session,omitempty" json:"inject-once-per-session,omitempty"`
}

// SearchConfig tunes lexical scoring.
type SearchConfig struct {
	// K1 is the BM25 term saturation parameter. nil means 1.2.
	K1 *float64 `yaml:"k1,omitempty" json:"k1,omitempty"`
	// B is the BM25 length normalization parameter. nil means 0.75.
	B *float64 `yaml:"b,omitempty" json:"b,omitempty"`
	// PhraseBoost is added to the raw score when the whole query occurs verbatim.
	// nil means 1.0.
	PhraseBoost *float64 `yaml:"phrase-boost,omitempty" json:"phrase-boost,omitempty"`
	// SnippetChars is the snippet window width. <= 0 means 240.
	SnippetChars int `yaml:"snippet-chars,omitempty" json:"snippet-chars,omitempty"`
	// MaxQueryTerms caps the number of distinct query terms. <= 0 means 16.
	MaxQueryTerms int `yaml:"max-query-terms,omitempty" json:"max-query-terms,omitempty"`
}

// EmbeddingsConfig describes the optional embeddings capability.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	BaseURL  string `yaml:"base-url,omitempty" json:"base-url,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	// Weight is the cosine share of the blended score. nil means 0.5.
	Weight *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	// TimeoutMS bounds each embedding request. <= 0 means 2000.
	TimeoutMS int `yaml:"timeout-ms,omitempty" json:"timeout-ms,omitempty"`
	// BackfillBatch caps how many missing vectors are computed per query. <= 0 means 32.
	BackfillBatch int `yaml:"backfill-batch,omitempty" json:"backfill-batch,omitempty"`
}

// TokensConfig selects the token estimator.
type TokensConfig struct {
	// Estimator is "tiktoken" (default) or "chars".
	Estimator string `yaml:"estimator,omitempty" json:"estimator,omitempty"`
	// Encoding is the tiktoken encoding name. Empty means o200k_base.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
}

// DefaultProjectConfig returns the record written by init.
func DefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Context: ContextConfig{
			MaxTokens:                2000,
			MaxTurns:                 5,
			RecencyWindow:            intPtr(3),
			RelevanceTop:             5,
			RelevanceFloor:           floatPtr(0.15),
			CarryOverPreviousSession: boolPtr(true),
		},
		Hooks: HooksConfig{
			Enabled:    boolPtr(true),
			AutoInject: boolPtr(true),
			Capture:    boolPtr(true),
		},
		Search: SearchConfig{
			K1:            floatPtr(1.2),
			B:             floatPtr(0.75),
			PhraseBoost:   floatPtr(1.0),
			SnippetChars:  240,
			MaxQueryTerms: 16,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "ollama",
			BaseURL:   "http://127.0.0.1:11434",
			Model:     "nomic-embed-text",
			Weight:    floatPtr(0.5),
			TimeoutMS: 2000,
		},
		Tokens:        TokensConfig{Estimator: "tiktoken", Encoding: "o200k_base"},
		LockTimeoutMS: 2000,
		RedactSecrets: boolPtr(true),
	}
}

// LoadProjectConfig reads <dir>/config.yaml, or the legacy <dir>/config.toml.
func LoadProjectConfig(dir string) (*ProjectConfig, error) {
	yamlPath := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		cfg := &ProjectConfig{}
		if len(bytes.TrimSpace(data)) > 0 {
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("parse %s: %w", yamlPath, errUnmarshal)
			}
		}
		return cfg, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", yamlPath, err)
	}

	tomlPath := filepath.Join(dir, LegacyConfigFileName)
	data, err = os.ReadFile(tomlPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoProjectConfig
		}
		return nil, fmt.Errorf("read %s: %w", tomlPath, err)
	}
	return parseLegacyConfig(data)
}

// SaveProjectConfig writes cfg to <dir>/config.yaml.
func SaveProjectConfig(dir string, cfg *ProjectConfig) error {
	if cfg == nil {
		cfg = DefaultProjectConfig()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(dir, ConfigFileName), data, 0o644)
}

// legacyConfig mirrors the TOML record of earlier releases.
type legacyConfig struct {
	Embeddings struct {
		Provider  string `toml:"provider"`
		Model     string `toml:"model"`
		Dimension int    `toml:"dimension"`
	} `toml:"embeddings"`
	Context struct {
		MaxResults         int      `toml:"max_results"`
		MaxTokens          int      `toml:"max_tokens"`
		RelevanceThreshold *float64 `toml:"relevance_threshold"`
	} `toml:"context"`
	Hooks struct {
		Enabled    *bool `toml:"enabled"`
		AutoInject *bool `toml:"auto_inject"`
	} `toml:"hooks"`
}

func parseLegacyConfig(data []byte) (*ProjectConfig, error) {
	var legacy legacyConfig
	if err := toml.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy config: %w", err)
	}
	cfg := &ProjectConfig{}
	cfg.Context.MaxTokens = legacy.Context.MaxTokens
	cfg.Context.RelevanceTop = legacy.Context.MaxResults
	cfg.Context.MaxTurns = legacy.Context.MaxResults
	cfg.Context.RelevanceFloor = legacy.Context.RelevanceThreshold
	cfg.Hooks.Enabled = legacy.Hooks.Enabled
	cfg.Hooks.AutoInject = legacy.Hooks.AutoInject
	provider := strings.ToLower(strings.TrimSpace(legacy.Embeddings.Provider))
	if provider == "ollama" {
		cfg.Embeddings.Enabled = true
		cfg.Embeddings.Provider = provider
		cfg.Embeddings.Model = legacy.Embeddings.Model
	}
	return cfg, nil
}

// GetMaxTokens returns the injection token budget.
func (c ContextConfig) GetMaxTokens() int {
	if c.MaxTokens <= 0 {
		return 2000
	}
	return c.MaxTokens
}

// GetMaxTurns returns the maximum number of injected turns.
func (c ContextConfig) GetMaxTurns() int {
	if c.MaxTurns <= 0 {
		return 5
	}
	return c.MaxTurns
}

// GetRecencyWindow returns k. Zero disables the recency set.
func (c ContextConfig) GetRecencyWindow() int {
	if c.RecencyWindow == nil || *c.RecencyWindow < 0 {
		return 3
	}
	return *c.RecencyWindow
}

// GetRelevanceTop returns m.
func (c ContextConfig) GetRelevanceTop() int {
	if c.RelevanceTop <= 0 {
		return 5
	}
	return c.RelevanceTop
}

// GetRelevanceFloor returns the minimum hit score.
func (c ContextConfig) GetRelevanceFloor() float64 {
	if c.RelevanceFloor == nil {
		return 0.15
	}
	return *c.RelevanceFloor
}

// IsCarryOverEnabled reports whether the previous session's tail is used.
func (c ContextConfig) IsCarryOverEnabled() bool {
	return c.CarryOverPreviousSession == nil || *c.CarryOverPreviousSession
}

// IsEnabled reports whether hooks do anything for the project.
func (h HooksConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// IsAutoInject reports whether prompt events inject context.
func (h HooksConfig) IsAutoInject() bool {
	return h.AutoInject == nil || *h.AutoInject
}

// IsCapture reports whether completion events append turns.
func (h HooksConfig) IsCapture() bool {
	return h.Capture == nil || *h.Capture
}

// GetK1 returns the BM25 k1 parameter.
func (s SearchConfig) GetK1() float64 {
	if s.K1 == nil || *s.K1 < 0 {
		return 1.2
	}
	return *s.K1
}

// GetB returns the BM25 b parameter, clamped to [0,1].
func (s SearchConfig) GetB() float64 {
	if s.B == nil {
		return 0.75
	}
	return clamp01(*s.B)
}

// GetPhraseBoost returns the verbatim-match bonus.
func (s SearchConfig) GetPhraseBoost() float64 {
	if s.PhraseBoost == nil || *s.PhraseBoost < 0 {
		return 1.0
	}
	return *s.PhraseBoost
}

// GetSnippetChars returns the snippet window width.
func (s SearchConfig) GetSnippetChars() int {
	if s.SnippetChars <= 0 {
		return 240
	}
	return s.SnippetChars
}

// GetMaxQueryTerms returns the query term cap.
func (s SearchConfig) GetMaxQueryTerms() int {
	if s.MaxQueryTerms <= 0 {
		return 16
	}
	return s.MaxQueryTerms
}

// GetWeight returns the cosine share of the blended score, clamped to [0,1].
func (e EmbeddingsConfig) GetWeight() float64 {
	if e.Weight == nil {
		return 0.5
	}
	return clamp01(*e.Weight)
}

// GetTimeout returns the per-request embedding timeout.
func (e EmbeddingsConfig) GetTimeout() time.Duration {
	if e.TimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// GetBackfillBatch returns the per-query vector backfill cap.
func (e EmbeddingsConfig) GetBackfillBatch() int {
	if e.BackfillBatch <= 0 {
		return 32
	}
	return e.BackfillBatch
}

// GetLockTimeout returns the bounded wait for the project write lock.
func (c *ProjectConfig) GetLockTimeout() time.Duration {
	if c == nil || c.LockTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// IsRedactSecrets reports whether secrets are masked before persisting.
func (c *ProjectConfig) IsRedactSecrets() bool {
	return c == nil || c.RedactSecrets == nil || *c.RedactSecrets
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
