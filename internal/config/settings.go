package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsFile is the name of the workbench settings file inside the folder.
const SettingsFile = "settings.json"

// Workbench is the client-facing settings document. Clients poll it to learn
// what the operator configured for the next sessions; the Android app and
// other processes read the file directly, so writes are skipped when nothing
// changed. All fields are open-ended: the server only interprets link.
type Workbench struct {
	Smart             any `json:"smart"`
	Erase             any `json:"erase"`
	EraseSteps        any `json:"eraseSteps"`
	EraseLeadingZeros any `json:"eraseLeadingZeros"`
	Stress            any `json:"stress"`
	Install           any `json:"install"`
	Link              any `json:"link"`
}

// LinkRequired reports whether finished snapshots must wait for a tag link
// before upload. Unset means required; this default tracks the DeviceHub
// client.
func (w Workbench) LinkRequired() bool {
	if b, ok := w.Link.(bool); ok {
		return b
	}
	return true
}

// Settings persists the workbench settings document under dir.
type Settings struct {
	mu  sync.Mutex
	dir string
}

// NewSettings returns settings stored at {dir}/settings.json.
func NewSettings(dir string) *Settings {
	return &Settings{dir: dir}
}

// Read returns the current settings, or the zero document when none were
// ever written.
func (s *Settings) Read() (Workbench, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Write replaces the settings. The file is left untouched when the stored
// document is already equal.
func (s *Settings) Write(w Workbench) error {
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, err := s.read(); err == nil {
		if prev, err := json.Marshal(cur); err == nil && bytes.Equal(prev, b) {
			return nil
		}
	}
	path := filepath.Join(s.dir, SettingsFile)
	if err := os.WriteFile(path, append(b, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LinkRequired is a shortcut for Read().LinkRequired() that swallows read
// errors; a broken settings file falls back to the safe default.
func (s *Settings) LinkRequired() bool {
	w, err := s.Read()
	if err != nil {
		return true
	}
	return w.LinkRequired()
}

func (s *Settings) read() (Workbench, error) {
	var w Workbench
	b, err := os.ReadFile(filepath.Join(s.dir, SettingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return w, nil
		}
		return w, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return Workbench{}, fmt.Errorf("parse settings: %w", err)
	}
	return w, nil
}
