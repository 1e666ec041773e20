package integrations

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// HookEvents are the host events the hook command is wired to.
var HookEvents = []string{"SessionStart", "UserPromptSubmit", "Stop", "SessionEnd"}

// ClaudeIntegration wires the hook command into a project's
// .claude/settings.local.json.
type ClaudeIntegration struct {
	// Command is the hook command line; entries whose command contains it are
	// considered managed.
	Command string
	// SettingsFile is the settings path relative to the project root.
	SettingsFile string
	// TimeoutSeconds is written on each managed entry.
	TimeoutSeconds int
}

func (i *ClaudeIntegration) Meta() IntegrationStatus {
	return IntegrationStatus{
		ID:          "claude-code",
		Name:        "Claude Code",
		Events:      HookEvents,
		Description: "Anthropic Claude Code CLI project hooks",
	}
}

func (i *ClaudeIntegration) command() string {
	if c := strings.TrimSpace(i.Command); c != "" {
		return c
	}
	return "off-context hook"
}

// SettingsPath returns the settings file of root.
func (i *ClaudeIntegration) SettingsPath(root string) string {
	rel := i.SettingsFile
	if rel == "" {
		rel = filepath.Join(".claude", "settings.local.json")
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(root, rel)
}

func (i *ClaudeIntegration) Detect() (bool, error) {
	if _, err := exec.LookPath("claude"); err == nil {
		return true, nil
	}
	return dirExists(filepath.Join(userHomeDir(), ".claude")), nil
}

// IsWired reports whether every hook event has a managed entry.
func (i *ClaudeIntegration) IsWired(root string) (bool, error) {
	data, err := os.ReadFile(i.SettingsPath(root))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !gjson.ValidBytes(data) {
		return false, nil
	}
	for _, event := range HookEvents {
		found := false
		gjson.GetBytes(data, "hooks."+event).ForEach(func(_, entry gjson.Result) bool {
			if i.isManaged(entry) {
				found = true
				return false
			}
			return true
		})
		if !found {
			return false, nil
		}
	}
	return true, nil
}

func (i *ClaudeIntegration) isManaged(entry gjson.Result) bool {
	managed := false
	entry.Get("hooks").ForEach(func(_, h gjson.Result) bool {
		if strings.Contains(h.Get("command").String(), i.command()) {
			managed = true
			return false
		}
		return true
	})
	return managed
}

// Wire adds one managed entry per event, replacing earlier managed entries and
// preserving everything else in the file.
func (i *ClaudeIntegration) Wire(root string) error {
	path := i.SettingsPath(root)
	data, err := readSettings(path)
	if err != nil {
		return err
	}
	entry, err := sjson.Set(`{"matcher":"","hooks":[{"type":"command"}]}`, "hooks.0.command", i.command())
	if err != nil {
		return err
	}
	if i.TimeoutSeconds > 0 {
		if entry, err = sjson.Set(entry, "hooks.0.timeout", i.TimeoutSeconds); err != nil {
			return err
		}
	}
	for _, event := range HookEvents {
		kept := i.unmanagedEntries(data, event)
		kept = append(kept, entry)
		if data, err = sjson.SetRawBytes(data, "hooks."+event, []byte("["+strings.Join(kept, ",")+"]")); err != nil {
			return fmt.Errorf("set %s hooks: %w", event, err)
		}
	}
	return writeSettings(path, pretty(data))
}

// Unwire removes managed entries only. Events and the hooks object are
// deleted when nothing else remains in them.
func (i *ClaudeIntegration) Unwire(root string) error {
	path := i.SettingsPath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("settings file %s is not valid JSON", path)
	}
	for _, event := range HookEvents {
		key := "hooks." + event
		if !gjson.GetBytes(data, key).Exists() {
			continue
		}
		kept := i.unmanagedEntries(data, event)
		if len(kept) == 0 {
			data, err = sjson.DeleteBytes(data, key)
		} else {
			data, err = sjson.SetRawBytes(data, key, []byte("["+strings.Join(kept, ",")+"]"))
		}
		if err != nil {
			return fmt.Errorf("unset %s hooks: %w", event, err)
		}
	}
	if hooks := gjson.GetBytes(data, "hooks"); hooks.IsObject() && len(hooks.Map()) == 0 {
		if data, err = sjson.DeleteBytes(data, "hooks"); err != nil {
			return err
		}
	}
	return writeSettings(path, pretty(data))
}

func (i *ClaudeIntegration) unmanagedEntries(data []byte, event string) []string {
	var kept []string
	gjson.GetBytes(data, "hooks."+event).ForEach(func(_, entry gjson.Result) bool {
		if !i.isManaged(entry) {
			kept = append(kept, entry.Raw)
		}
		return true
	})
	return kept
}

func readSettings(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []byte("{}"), nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("settings file %s is not valid JSON", path)
	}
	return data, nil
}

func pretty(data []byte) []byte {
	out := gjson.GetBytes(data, "@pretty").Raw
	if out == "" {
		return data
	}
	return []byte(out)
}
