// Package settings persists user-editable preferences as JSON on disk.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings are the user-editable daemon preferences. A tool permission
// of true means the tool asks for confirmation before running; tools
// absent from the map are gated too. An explicit false lets the tool
// run unprompted.
type Settings struct {
	FaceAuthEnabled bool            `json:"face_auth_enabled"`
	CameraFlipped   bool            `json:"camera_flipped"`
	ToolPermissions map[string]bool `json:"tool_permissions"`
	// KnownDevices seed smart-home control for devices that do not
	// answer broadcast discovery.
	KnownDevices []KnownDevice `json:"known_devices,omitempty"`
	// KnownPrinters are manually configured printers, merged with the
	// ones found over mDNS.
	KnownPrinters []KnownPrinter `json:"known_printers,omitempty"`
}

// KnownDevice is a manually configured smart-home device.
type KnownDevice struct {
	IP    string `json:"ip"`
	Alias string `json:"alias"`
}

// KnownPrinter is a manually configured 3D printer.
type KnownPrinter struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Type   string `json:"type"` // "octoprint" or "moonraker"
	APIKey string `json:"api_key,omitempty"`
}

// Defaults returns the settings used when no file exists yet.
func Defaults() Settings {
	return Settings{
		FaceAuthEnabled: false,
		CameraFlipped:   false,
		ToolPermissions: map[string]bool{},
	}
}

// Store loads, serves, and saves settings. Saves are atomic so a crash
// mid-write never corrupts the file.
type Store struct {
	path string

	mu      sync.RWMutex
	current Settings
	subs    []func(Settings)
}

// NewStore reads settings from path, merging defaults for missing
// fields. A missing file is not an error.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, current: Defaults()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if s.current.ToolPermissions == nil {
		s.current.ToolPermissions = map[string]bool{}
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// ToolGated reports whether a tool must be confirmed before it runs.
// Tools not in the permission map are gated.
func (s *Store) ToolGated(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gated, ok := s.current.ToolPermissions[name]
	return !ok || gated
}

// Update applies fn to the settings, persists them, and notifies
// subscribers with the new snapshot.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	fn(&s.current)
	snap := s.snapshot()
	subs := append([]func(Settings){}, s.subs...)
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, sub := range subs {
		sub(snap)
	}
	return nil
}

// Subscribe registers a callback fired after every successful Update.
func (s *Store) Subscribe(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// snapshot deep-copies current. Caller holds at least the read lock.
func (s *Store) snapshot() Settings {
	snap := s.current
	snap.ToolPermissions = make(map[string]bool, len(s.current.ToolPermissions))
	for k, v := range s.current.ToolPermissions {
		snap.ToolPermissions[k] = v
	}
	snap.KnownDevices = append([]KnownDevice(nil), s.current.KnownDevices...)
	snap.KnownPrinters = append([]KnownPrinter(nil), s.current.KnownPrinters...)
	return snap
}

// saveLocked writes current to disk via temp file and rename. Caller
// holds the write lock.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
