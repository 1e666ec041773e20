package memory

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Markers delimiting an injected context block.
const (
	ContextHeader = "[CONTEXT FROM PREVIOUS CONVERSATIONS]"
	ContextFooter = "[END CONTEXT]"
)

// Exchange is one user prompt paired with the assistant reply that followed it.
type Exchange struct {
	SessionID  string
	Prompt     string
	Response   string
	TS         time.Time
	SourcePath string
}

// Turn converts e into an exchange turn with keyword tags.
func (e Exchange) Turn() Turn {
	return Turn{
		SessionID:  e.SessionID,
		TS:         e.TS,
		Kind:       KindExchange,
		Prompt:     e.Prompt,
		Response:   e.Response,
		Tags:       ExtractTags(e.Prompt + "\n" + e.Response),
		SourcePath: e.SourcePath,
	}
}

// ParseTranscriptFile reads a host transcript (JSONL or a single JSON document).
func ParseTranscriptFile(path string) ([]Exchange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, err)
	}
	out := ParseTranscript(data)
	for i := range out {
		out[i].SourcePath = path
	}
	return out, nil
}

// LastExchange returns the final complete exchange of the transcript at path.
func LastExchange(path string) (Exchange, bool, error) {
	exchanges, err := ParseTranscriptFile(path)
	if err != nil || len(exchanges) == 0 {
		return Exchange{}, false, err
	}
	return exchanges[len(exchanges)-1], true, nil
}

// ParseTranscript pairs user prompts with assistant replies. It accepts the
// host's JSONL event stream ({type, sessionId, message{content}}), a JSON
// document with a messages array, and JSONL of {role, content} objects.
func ParseTranscript(data []byte) []Exchange {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if doc := gjson.ParseBytes(trimmed); doc.IsObject() && doc.Get("messages").IsArray() {
		p := &pairer{session: doc.Get("session_id").String()}
		doc.Get("messages").ForEach(func(_, msg gjson.Result) bool {
			p.add(msg.Get("role").String(), messageText(msg.Get("content")), parseTS(msg.Get("timestamp").String()), "")
			return true
		})
		return p.finish()
	}

	p := &pairer{}
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}
		v := gjson.ParseBytes(line)
		role := v.Get("type").String()
		content := v.Get("message.content")
		if role != "user" && role != "assistant" {
			role = v.Get("role").String()
			content = v.Get("content")
		}
		if role == "user" && isToolResultOnly(content) {
			continue
		}
		session := v.Get("sessionId").String()
		if session == "" {
			session = v.Get("session_id").String()
		}
		p.add(role, messageText(content), parseTS(v.Get("timestamp").String()), session)
	}
	return p.finish()
}

type pairer struct {
	session  string
	prompt   string
	reply    []string
	ts       time.Time
	pending  bool
	exchange []Exchange
}

func (p *pairer) add(role, text string, ts time.Time, session string) {
	if session != "" {
		p.session = session
	}
	switch role {
	case "user":
		text = StripInjectedContext(text)
		if text == "" {
			return
		}
		p.flush()
		p.prompt = text
		p.reply = nil
		p.ts = ts
		p.pending = true
	case "assistant":
		if !p.pending || text == "" {
			return
		}
		p.reply = append(p.reply, text)
		if !ts.IsZero() {
			p.ts = ts
		}
	}
}

func (p *pairer) flush() {
	if !p.pending || len(p.reply) == 0 {
		return
	}
	p.exchange = append(p.exchange, Exchange{
		SessionID: p.session,
		Prompt:    p.prompt,
		Response:  strings.Join(p.reply, "\n"),
		TS:        p.ts,
	})
	p.pending = false
	p.reply = nil
}

func (p *pairer) finish() []Exchange {
	p.flush()
	return p.exchange
}

func messageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String())
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Type == gjson.String {
			parts = append(parts, item.String())
			return true
		}
		if t := item.Get("type").String(); t == "text" || t == "" {
			if txt := strings.TrimSpace(item.Get("text").String()); txt != "" {
				parts = append(parts, txt)
			}
		}
		return true
	})
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func isToolResultOnly(content gjson.Result) bool {
	if !content.IsArray() {
		return false
	}
	items := content.Array()
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Get("type").String() != "tool_result" {
			return false
		}
	}
	return true
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

// StripInjectedContext removes previously injected context blocks so they are
// never captured back into memory.
func StripInjectedContext(text string) string {
	for {
		start := strings.Index(text, ContextHeader)
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], ContextFooter)
		if end < 0 {
			text = text[:start]
			break
		}
		text = text[:start] + text[start+end+len(ContextFooter):]
	}
	return strings.TrimSpace(text)
}
