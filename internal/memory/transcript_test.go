package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostJSONL = `{"type":"summary","summary":"earlier"}
{"type":"user","sessionId":"sess-1","timestamp":"2026-02-01T10:00:00Z","message":{"role":"user","content":"why does the webhook retry twice?"}}
{"type":"assistant","sessionId":"sess-1","timestamp":"2026-02-01T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"The retry loop ignores 2xx."},{"type":"tool_use","name":"Read"}]}}
{"type":"user","sessionId":"sess-1","message":{"role":"user","content":[{"type":"tool_result","content":"file body"}]}}
{"type":"assistant","sessionId":"sess-1","timestamp":"2026-02-01T10:00:09Z","message":{"role":"assistant","content":[{"type":"text","text":"Fixed by checking the status first."}]}}
{"type":"user","sessionId":"sess-1","message":{"role":"user","content":"[CONTEXT FROM PREVIOUS CONVERSATIONS]\nold stuff\n[END CONTEXT]\nnow add tests"}}
{"type":"assistant","sessionId":"sess-1","message":{"role":"assistant","content":"Added table tests."}}
not json at all
{"type":"user","sessionId":"sess-1","message":{"role":"user","content":"unanswered"}}
`

func TestParseTranscript_HostJSONL(t *testing.T) {
	got := ParseTranscript([]byte(hostJSONL))
	require.Len(t, got, 2)

	assert.Equal(t, "sess-1", got[0].SessionID)
	assert.Equal(t, "why does the webhook retry twice?", got[0].Prompt)
	assert.Equal(t, "The retry loop ignores 2xx.\nFixed by checking the status first.", got[0].Response)
	assert.Equal(t, 2026, got[0].TS.Year())

	assert.Equal(t, "now add tests", got[1].Prompt, "injected context must be stripped")
	assert.Equal(t, "Added table tests.", got[1].Response)
}

func TestParseTranscript_MessagesDocument(t *testing.T) {
	doc := `{"session_id":"doc-1","messages":[
		{"role":"system","content":"ignored"},
		{"role":"user","content":"how do I configure sqlite?","timestamp":"2026-03-01T00:00:00Z"},
		{"role":"assistant","content":"Use WAL mode."},
		{"role":"user","content":"thanks"}
	]}`
	got := ParseTranscript([]byte(doc))
	require.Len(t, got, 1)
	assert.Equal(t, "doc-1", got[0].SessionID)
	assert.Equal(t, "Use WAL mode.", got[0].Response)

	turn := got[0].Turn()
	assert.Equal(t, KindExchange, turn.Kind)
	assert.Contains(t, turn.Tags, "sql")
}

func TestParseTranscript_RoleJSONL(t *testing.T) {
	data := "{\"role\":\"user\",\"content\":\"q1\"}\n{\"role\":\"assistant\",\"content\":\"a1\"}\n"
	got := ParseTranscript([]byte(data))
	require.Len(t, got, 1)
	assert.Equal(t, "q1", got[0].Prompt)
	assert.Equal(t, "a1", got[0].Response)
}

func TestLastExchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(hostJSONL), 0o644))

	ex, ok, err := LastExchange(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "now add tests", ex.Prompt)
	assert.Equal(t, path, ex.SourcePath)

	_, ok, err = LastExchange(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestStripInjectedContext(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain prompt", "plain prompt"},
		{ContextHeader + "\nx\n" + ContextFooter + "\n\nreal question", "real question"},
		{"a " + ContextHeader + " b " + ContextFooter + " c " + ContextHeader + " d " + ContextFooter, "a  c"},
		{"keep " + ContextHeader + " unterminated", "keep"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripInjectedContext(tt.in))
	}
}

func TestExtractAndNormalizeTags(t *testing.T) {
	tags := ExtractTags("Refactor the OAuth login flow and add tests with pytest for the API endpoints")
	assert.Equal(t, []string{"api", "authentication", "python", "testing"}, tags)
	assert.Nil(t, ExtractTags("   "))

	assert.Equal(t, []string{"bug-fix", "web-hooks"}, NormalizeTags([]string{"Web Hooks", "bug_fix", "BUG-FIX", "  ", "--"}))
	assert.Nil(t, NormalizeTags(nil))
}
