// Package hook turns one host hook event into one JSON response. All state is
// reloaded from disk on every call.
package hook

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Event types. Stop is accepted as the host's name for TurnComplete.
const (
	EventSessionStart     = "SessionStart"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventTurnComplete     = "TurnComplete"
	EventSessionEnd       = "SessionEnd"
)

var eventAliases = map[string]string{
	"sessionstart":     EventSessionStart,
	"userpromptsubmit": EventUserPromptSubmit,
	"turncomplete":     EventTurnComplete,
	"stop":             EventTurnComplete,
	"subagentstop":     EventTurnComplete,
	"sessionend":       EventSessionEnd,
}

// Event is a decoded hook invocation.
type Event struct {
	Type           string
	Root           string
	SessionID      string
	Prompt         string
	Response       string
	Summary        string
	Tags           []string
	SourcePath     string
	TranscriptPath string
	// Native is set when the input used the host's own field names.
	Native bool
}

// CanonicalEvent maps an event name to one of the Event* constants, or "".
func CanonicalEvent(name string) string {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(name)))
	return eventAliases[key]
}

// ParseEvent decodes both the canonical {event_type, project_root, session_id,
// payload} shape and the host-native {hook_event_name, cwd, session_id, prompt,
// transcript_path} shape.
func ParseEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, errors.New("hook input is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Event{}, errors.New("hook input is not a JSON object")
	}

	var ev Event
	name := doc.Get("event_type").String()
	if name == "" {
		name = doc.Get("hook_event_name").String()
		ev.Native = name != ""
	}
	if name == "" {
		return Event{}, errors.New("hook input has no event type")
	}
	ev.Type = CanonicalEvent(name)
	if ev.Type == "" {
		return Event{Type: name}, errors.New("unknown hook event " + name)
	}

	ev.Root = firstString(doc, "project_root", "cwd")
	ev.SessionID = strings.TrimSpace(doc.Get("session_id").String())
	ev.TranscriptPath = doc.Get("transcript_path").String()

	switch payload := doc.Get("payload"); {
	case payload.Type == gjson.String:
		ev.Prompt = payload.String()
	case payload.IsObject():
		ev.Prompt = payload.Get("prompt").String()
		ev.Response = payload.Get("response").String()
		ev.Summary = payload.Get("summary").String()
		ev.SourcePath = payload.Get("source_path").String()
		payload.Get("tags").ForEach(func(_, tag gjson.Result) bool {
			ev.Tags = append(ev.Tags, tag.String())
			return true
		})
	}
	if ev.Prompt == "" {
		ev.Prompt = doc.Get("prompt").String()
	}
	return ev, nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(doc.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

var trivialPrompts = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "help": {}, "thanks": {}, "thank you": {}, "thx": {},
	"yes": {}, "no": {}, "ok": {}, "okay": {}, "continue": {}, "go on": {}, "next": {},
	"stop": {}, "quit": {}, "exit": {},
}

// IsTrivialPrompt reports whether prompt is a greeting or control word that
// never benefits from injected context.
func IsTrivialPrompt(prompt string) bool {
	p := strings.ToLower(strings.TrimSpace(prompt))
	p = strings.TrimRight(p, "!.? ")
	_, ok := trivialPrompts[p]
	return ok
}
