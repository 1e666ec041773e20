// Package export renders a project's stored turns as JSON, Markdown or plain
// text.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "github.com/off-context/off-context/internal/errors"
	"github.com/off-context/off-context/internal/memory"
)

// Supported formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

const timeLayout = "2006-01-02 15:04:05"

// ParseFormat normalizes a format name, accepting the md and txt aliases.
func ParseFormat(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatText, "txt":
		return FormatText, nil
	default:
		return "", apperrors.InvalidRequest(fmt.Sprintf("unsupported export format %q (json, markdown, text)", name))
	}
}

// Extension returns the file extension for format, without the dot.
func Extension(format string) string {
	switch format {
	case FormatMarkdown:
		return "md"
	case FormatText:
		return "txt"
	default:
		return "json"
	}
}

// ContentType returns the MIME type for format.
func ContentType(format string) string {
	switch format {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/json; charset=utf-8"
	}
}

// Document is everything exported for one project.
type Document struct {
	Project    string           `json:"project"`
	Root       string           `json:"root"`
	ExportedAt time.Time        `json:"exported_at"`
	TurnCount  int              `json:"turn_count"`
	Sessions   []memory.Session `json:"sessions"`
	Turns      []memory.Turn    `json:"turns"`
}

// Write renders doc in format to w.
func Write(w io.Writer, format string, doc Document) error {
	if doc.Turns == nil {
		doc.Turns = []memory.Turn{}
	}
	if doc.Sessions == nil {
		doc.Sessions = []memory.Session{}
	}
	doc.TurnCount = len(doc.Turns)

	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(doc); err != nil {
			return apperrors.IOFailure("encode export", err)
		}
	case FormatMarkdown:
		writeMarkdown(&buf, doc)
	case FormatText:
		writeText(&buf, doc)
	default:
		_, err := ParseFormat(format)
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return apperrors.IOFailure("write export", err)
	}
	return nil
}

func writeMarkdown(b *bytes.Buffer, doc Document) {
	fmt.Fprintf(b, "# Conversation history: %s\n\n", doc.Project)
	fmt.Fprintf(b, "*Exported %s UTC from `%s`*\n\n", doc.ExportedAt.UTC().Format(timeLayout), doc.Root)
	fmt.Fprintf(b, "**Turns:** %d · **Sessions:** %d\n", doc.TurnCount, len(doc.Sessions))

	session := "\x00"
	for _, t := range doc.Turns {
		if t.SessionID != session {
			session = t.SessionID
			name := session
			if name == "" {
				name = "(no session)"
			}
			fmt.Fprintf(b, "\n---\n\n## Session %s\n", name)
		}
		fmt.Fprintf(b, "\n### Turn %d · %s\n\n", t.ID, t.TS.UTC().Format(timeLayout))
		if len(t.Tags) > 0 {
			fmt.Fprintf(b, "**Tags:** %s  \n", strings.Join(t.Tags, ", "))
		}
		fmt.Fprintf(b, "**Tokens:** %d\n\n", t.TokenCount)
		if t.Kind == memory.KindSummary {
			fmt.Fprintf(b, "#### Summary\n\n%s\n", t.Summary)
			continue
		}
		if t.Prompt != "" {
			fmt.Fprintf(b, "#### User\n\n%s\n\n", t.Prompt)
		}
		if t.Response != "" {
			fmt.Fprintf(b, "#### Assistant\n\n%s\n", t.Response)
		}
	}
}

func writeText(b *bytes.Buffer, doc Document) {
	title := "CONVERSATION HISTORY: " + doc.Project
	fmt.Fprintf(b, "%s\n%s\n", title, strings.Repeat("=", len([]rune(title))))
	fmt.Fprintf(b, "Root: %s\nExported: %s UTC\nTurns: %d\n", doc.Root, doc.ExportedAt.UTC().Format(timeLayout), doc.TurnCount)

	for _, t := range doc.Turns {
		fmt.Fprintf(b, "\n#%d  %s", t.ID, t.TS.UTC().Format(timeLayout))
		if t.SessionID != "" {
			fmt.Fprintf(b, "  session %s", t.SessionID)
		}
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", 50))
		b.WriteString("\n")
		if len(t.Tags) > 0 {
			fmt.Fprintf(b, "Tags: %s\n", strings.Join(t.Tags, ", "))
		}
		if t.Kind == memory.KindSummary {
			quote(b, "SUMMARY", "| ", t.Summary)
			continue
		}
		quote(b, "USER", "> ", t.Prompt)
		quote(b, "ASSISTANT", "< ", t.Response)
	}
}

func quote(b *bytes.Buffer, label, prefix, text string) {
	if text == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(":\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
