package hook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/off-context/off-context/internal/assembler"
	"github.com/off-context/off-context/internal/memory"
	"github.com/off-context/off-context/internal/registry"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

const (
	maxInputBytes  = 8 << 20
	defaultTimeout = 10 * time.Second
)

// Handler answers hook events for whichever project the event belongs to.
type Handler struct {
	reg     *registry.Registry
	timeout time.Duration
}

// NewHandler returns a handler resolving projects through reg. timeout bounds
// the work done per event; <= 0 means 10s.
func NewHandler(reg *registry.Registry, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Handler{reg: reg, timeout: timeout}
}

// Run reads one event from in and writes one response line to out. Internal
// failures never surface: the only error returned is a failed write.
func (h *Handler) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(io.LimitReader(in, maxInputBytes))
	if err != nil {
		log.WithError(err).Warn("hook: read input")
	}
	resp := h.Respond(ctx, data)
	_, err = out.Write(append(resp, '\n'))
	return err
}

// Respond maps raw event JSON to its response JSON.
func (h *Handler) Respond(ctx context.Context, data []byte) (resp []byte) {
	ev, err := ParseEvent(bytes.TrimSpace(data))
	if err != nil {
		log.WithError(err).Warn("hook: ignoring event")
		hookEvents.WithLabelValues(eventLabel(ev.Type), "invalid").Inc()
		return noop(ev)
	}
	return h.Handle(ctx, ev)
}

// Handle processes a decoded event. Panics and errors become the no-op
// response for the event type.
func (h *Handler) Handle(ctx context.Context, ev Event) (resp []byte) {
	started := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			log.WithField("event", ev.Type).Errorf("hook: panic: %v\n%s", r, debug.Stack())
			resp = noop(ev)
			outcome = "panic"
		}
		hookEvents.WithLabelValues(eventLabel(ev.Type), outcome).Inc()
		log.WithFields(log.Fields{
			"event":   ev.Type,
			"session": ev.SessionID,
			"outcome": outcome,
			"elapsed": time.Since(started).String(),
		}).Debug("hook: handled")
	}()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var err error
	switch ev.Type {
	case EventSessionStart, EventUserPromptSubmit:
		var text string
		text, err = h.inject(ctx, ev)
		if err == nil {
			return injectResponse(ev, text)
		}
	case EventTurnComplete:
		err = h.capture(ctx, ev)
	case EventSessionEnd:
		err = h.endSession(ctx, ev)
	}
	if err != nil {
		outcome = "error"
		log.WithError(err).WithField("event", ev.Type).Warn("hook: event failed")
	}
	return noop(ev)
}

func (h *Handler) open(ev Event) (*registry.Bundle, error) {
	p, err := h.reg.Discover(ev.Root)
	if err != nil {
		return nil, err
	}
	if !p.Config.Hooks.IsEnabled() {
		return nil, nil
	}
	return h.reg.Open(p), nil
}

func (h *Handler) inject(ctx context.Context, ev Event) (string, error) {
	b, err := h.open(ev)
	if err != nil || b == nil {
		return "", err
	}
	if ev.Type == EventSessionStart {
		if errMark := b.Store.MarkSession(ctx, ev.SessionID, memory.SessionStart); errMark != nil {
			log.WithError(errMark).Warn("hook: record session start")
		}
	}
	hooks := b.Project.Config.Hooks
	if !hooks.IsAutoInject() {
		return "", nil
	}
	if ev.Type == EventUserPromptSubmit && IsTrivialPrompt(memory.StripInjectedContext(ev.Prompt)) {
		return "", nil
	}

	res, err := b.Assembler.Build(ctx, assembler.Request{SessionID: ev.SessionID, Prompt: ev.Prompt})
	if err != nil {
		return "", err
	}
	if res.Empty() {
		return "", nil
	}
	if hooks.InjectOncePerSession {
		first, errMark := b.Store.MarkInjected(ev.SessionID)
		if errMark != nil {
			return "", errMark
		}
		if !first {
			return "", nil
		}
	}
	return res.Text, nil
}

func (h *Handler) capture(ctx context.Context, ev Event) error {
	b, err := h.open(ev)
	if err != nil || b == nil {
		return err
	}
	if !b.Project.Config.Hooks.IsCapture() {
		return nil
	}

	turn, ok, err := turnFromEvent(ev)
	if err != nil || !ok {
		return err
	}
	stored, written, err := b.Store.AppendNew(ctx, turn)
	if err != nil {
		return err
	}
	if !written {
		log.WithField("session", turn.SessionID).Debug("hook: skipping duplicate turn")
		return nil
	}
	if err = b.Engine.Index(ctx, stored); err != nil {
		log.WithError(err).Warn("hook: index update deferred to next query")
	}
	return nil
}

func (h *Handler) endSession(ctx context.Context, ev Event) error {
	b, err := h.open(ev)
	if err != nil || b == nil {
		return err
	}
	return b.Store.MarkSession(ctx, ev.SessionID, memory.SessionEnd)
}

// turnFromEvent builds the turn carried by the payload, falling back to the
// last exchange of the transcript.
func turnFromEvent(ev Event) (memory.Turn, bool, error) {
	turn := memory.Turn{
		SessionID:  ev.SessionID,
		Prompt:     memory.StripInjectedContext(ev.Prompt),
		Response:   strings.TrimSpace(ev.Response),
		Summary:    strings.TrimSpace(ev.Summary),
		Tags:       ev.Tags,
		SourcePath: ev.SourcePath,
	}
	switch {
	case turn.Summary != "" && turn.Prompt == "" && turn.Response == "":
		turn.Kind = memory.KindSummary
	case turn.Prompt != "" || turn.Response != "":
		turn.Kind = memory.KindExchange
	case ev.TranscriptPath != "":
		ex, ok, err := memory.LastExchange(ev.TranscriptPath)
		if err != nil {
			return memory.Turn{}, false, fmt.Errorf("read transcript: %w", err)
		}
		if !ok {
			return memory.Turn{}, false, nil
		}
		if ev.SessionID != "" {
			ex.SessionID = ev.SessionID
		}
		ex.Prompt = memory.StripInjectedContext(ex.Prompt)
		turn = ex.Turn()
	default:
		return memory.Turn{}, false, nil
	}
	if len(turn.Tags) == 0 {
		turn.Tags = memory.ExtractTags(turn.Prompt + "\n" + turn.Response + "\n" + turn.Summary)
	}
	return turn, true, nil
}

func injectResponse(ev Event, text string) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "inject", text)
	if ev.Native && text != "" {
		out, _ = sjson.SetBytes(out, "hookSpecificOutput.hookEventName", ev.Type)
		out, _ = sjson.SetBytes(out, "hookSpecificOutput.additionalContext", text)
	}
	return out
}

func noop(ev Event) []byte {
	switch ev.Type {
	case EventSessionStart, EventUserPromptSubmit:
		return []byte(`{"inject":""}`)
	case EventTurnComplete, EventSessionEnd:
		return []byte(`{"ack":true}`)
	default:
		return []byte(`{}`)
	}
}

func eventLabel(t string) string {
	if CanonicalEvent(t) == "" {
		return "unknown"
	}
	return CanonicalEvent(t)
}
