package memory

import (
	"errors"
	"strings"
	"time"
)

// Turn kinds.
const (
	KindExchange = "exchange"
	KindSummary  = "summary"
)

// Turn is one captured exchange, or an exchange summary. Turns are immutable
// once appended; corrections are new turns.
type Turn struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	TS         time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	Prompt     string    `json:"prompt,omitempty"`
	Response   string    `json:"response,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	TokenCount int       `json:"token_count"`
	Tags       []string  `json:"tags,omitempty"`
	SourcePath string    `json:"source_path,omitempty"`
}

// Content returns the role-tagged text used for indexing, snippets and token
// counting.
func (t Turn) Content() string {
	if t.Kind == KindSummary {
		return strings.TrimSpace(t.Summary)
	}
	var b strings.Builder
	if p := strings.TrimSpace(t.Prompt); p != "" {
		b.WriteString("User: ")
		b.WriteString(p)
	}
	if r := strings.TrimSpace(t.Response); r != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Assistant: ")
		b.WriteString(r)
	}
	return b.String()
}

// Validate reports whether t can be persisted.
func (t Turn) Validate() error {
	switch t.Kind {
	case KindExchange, KindSummary:
	default:
		return errors.New("turn kind must be exchange or summary")
	}
	if t.Content() == "" {
		return errors.New("turn content is empty")
	}
	if t.TokenCount < 0 {
		return errors.New("turn token count is negative")
	}
	return nil
}

// Session marks.
const (
	SessionStart = "start"
	SessionEnd   = "end"
)

// SessionMark is one line of sessions.jsonl.
type SessionMark struct {
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	TS        time.Time `json:"ts"`
}

// Session is the view of a host session derived from its marks and turns.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Turns     int        `json:"turns"`
	LastTurn  int64      `json:"last_turn,omitempty"`
}
