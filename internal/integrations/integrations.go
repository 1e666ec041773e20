// Package integrations wires the hook command into host tools' per-project
// settings, touching only the entries it manages.
package integrations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
)

// IntegrationStatus represents the wiring state of one host tool for a project.
type IntegrationStatus struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Installed   bool     `json:"installed"`
	Wired       bool     `json:"wired"`
	Settings    string   `json:"settings,omitempty"`
	Events      []string `json:"events,omitempty"`
	Description string   `json:"description"`
}

// Detector is the interface for tool detection.
type Detector interface {
	Detect() (bool, error)
	IsWired(root string) (bool, error)
}

// Wirer adds and removes managed hook entries.
type Wirer interface {
	Wire(root string) error
	Unwire(root string) error
}

// ToolIntegration combines detection and wiring.
type ToolIntegration interface {
	Detector
	Wirer
	Meta() IntegrationStatus
	SettingsPath(root string) string
}

// Manager handles all integrations.
type Manager struct {
	integrations map[string]ToolIntegration
}

// NewManager creates a new integration manager.
func NewManager() *Manager {
	return &Manager{integrations: make(map[string]ToolIntegration)}
}

// Register adds an integration to the manager.
func (m *Manager) Register(i ToolIntegration) {
	m.integrations[i.Meta().ID] = i
}

func (m *Manager) sorted() []ToolIntegration {
	ids := make([]string, 0, len(m.integrations))
	for id := range m.integrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ToolIntegration, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.integrations[id])
	}
	return out
}

// ListStatus returns the status of all registered integrations for root.
func (m *Manager) ListStatus(root string) []IntegrationStatus {
	var statuses []IntegrationStatus
	for _, i := range m.sorted() {
		meta := i.Meta()
		installed, _ := i.Detect()
		wired, _ := i.IsWired(root)

		meta.Installed = installed
		meta.Wired = wired
		meta.Settings = i.SettingsPath(root)
		statuses = append(statuses, meta)
	}
	return statuses
}

// AnyWired reports whether at least one integration is wired for root.
func (m *Manager) AnyWired(root string) bool {
	for _, i := range m.sorted() {
		if wired, _ := i.IsWired(root); wired {
			return true
		}
	}
	return false
}

// WireAll wires every registered integration into root.
func (m *Manager) WireAll(root string) error {
	var errs []error
	for _, i := range m.sorted() {
		if err := i.Wire(root); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", i.Meta().ID, err))
		}
	}
	return errors.Join(errs...)
}

// UnwireAll removes managed entries of every registered integration from root.
func (m *Manager) UnwireAll(root string) error {
	var errs []error
	for _, i := range m.sorted() {
		if err := i.Unwire(root); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", i.Meta().ID, err))
		}
	}
	return errors.Join(errs...)
}

// Common helpers

func userHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if runtime.GOOS == "windows" {
		return os.Getenv("USERPROFILE")
	}
	return os.Getenv("HOME")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func writeSettings(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Close()
	} else {
		_ = tmp.Close()
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
	}
	return err
}
