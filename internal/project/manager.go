// Package project manages the on-disk workspace: one directory per
// project holding generated artifacts and the chat history.
package project

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adalabs/ada/internal/session"
)

// TempProject is the scratch project active at startup. Its contents
// do not survive a restart.
const TempProject = "temp"

// chatHistoryFile is the per-project NDJSON chat log.
const chatHistoryFile = "chat_history.jsonl"

// contextFileLimit caps how much of a file the project summary embeds.
const contextFileLimit = 10000

// contextExtensions are the file types included in project summaries.
var contextExtensions = map[string]bool{
	".txt": true, ".py": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".json": true, ".md": true, ".html": true, ".css": true,
	".jsonl": true,
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// chatRecord is one persisted chat line.
type chatRecord struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager owns the projects directory and tracks the active project.
type Manager struct {
	root string

	mu      sync.Mutex
	current string
}

// NewManager prepares the workspace under root. The scratch project is
// recreated empty on every startup.
func NewManager(root string) (*Manager, error) {
	m := &Manager{root: root, current: TempProject}

	if err := os.MkdirAll(m.projectsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("workspace dir: %w", err)
	}
	if err := os.RemoveAll(m.projectDir(TempProject)); err != nil {
		return nil, fmt.Errorf("reset scratch project: %w", err)
	}
	if err := m.scaffold(TempProject); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) projectsDir() string           { return filepath.Join(m.root, "projects") }
func (m *Manager) projectDir(name string) string { return filepath.Join(m.projectsDir(), name) }

// scaffold creates a project's directory layout.
func (m *Manager) scaffold(name string) error {
	for _, sub := range []string{"", "cad", "browser"} {
		if err := os.MkdirAll(filepath.Join(m.projectDir(name), sub), 0o755); err != nil {
			return fmt.Errorf("create project %s: %w", name, err)
		}
	}
	return nil
}

// Sanitize converts an arbitrary name into a safe directory name.
func Sanitize(name string) string {
	clean := nameSanitizer.ReplaceAllString(strings.TrimSpace(name), "-")
	return strings.Trim(clean, "-")
}

// Create makes a new project directory. Creating an existing project
// is an error; the scratch name is reserved.
func (m *Manager) Create(name string) error {
	clean := Sanitize(name)
	if clean == "" || clean == TempProject {
		return fmt.Errorf("invalid project name %q", name)
	}
	if _, err := os.Stat(m.projectDir(clean)); err == nil {
		return fmt.Errorf("project %q already exists", clean)
	}
	return m.scaffold(clean)
}

// Switch activates an existing project.
func (m *Manager) Switch(name string) error {
	clean := Sanitize(name)
	if clean == "" {
		return fmt.Errorf("invalid project name %q", name)
	}
	if _, err := os.Stat(m.projectDir(clean)); err != nil {
		return fmt.Errorf("project %q does not exist", clean)
	}
	m.mu.Lock()
	m.current = clean
	m.mu.Unlock()
	return nil
}

// List names every project except the scratch one, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.projectsDir())
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != TempProject {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Current reports the active project name.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentDir is the active project's directory.
func (m *Manager) CurrentDir() string {
	return m.projectDir(m.Current())
}

// CadDir is the active project's CAD artifact directory.
func (m *Manager) CadDir() string {
	return filepath.Join(m.CurrentDir(), "cad")
}

// ResolvePath maps a project-relative path to an absolute one inside
// the active project. Escapes are rejected.
func (m *Manager) ResolvePath(relative string) (string, error) {
	base := m.CurrentDir()
	abs := filepath.Clean(filepath.Join(base, relative))
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project", relative)
	}
	return abs, nil
}

// SaveArtifact writes data into a subdirectory of the active project
// and returns the absolute path. The name is sanitized but keeps its
// extension.
func (m *Manager) SaveArtifact(subdir, name string, data []byte) (string, error) {
	ext := filepath.Ext(name)
	base := Sanitize(strings.TrimSuffix(name, ext))
	if base == "" {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	dir := filepath.Join(m.CurrentDir(), filepath.Clean(subdir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}
	path := filepath.Join(dir, base+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// LogChat appends one utterance to the active project's history.
func (m *Manager) LogChat(sender, text string) error {
	record := chatRecord{Sender: sender, Text: text, Timestamp: time.Now().UTC()}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode chat record: %w", err)
	}

	path := filepath.Join(m.CurrentDir(), chatHistoryFile)
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open chat history: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append chat history: %w", err)
	}
	return nil
}

// Recent returns the last limit chat entries, oldest first. Corrupt
// lines are skipped.
func (m *Manager) Recent(limit int) ([]session.ChatEntry, error) {
	path := filepath.Join(m.CurrentDir(), chatHistoryFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open chat history: %w", err)
	}
	defer f.Close()

	var entries []session.ChatEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record chatRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		entries = append(entries, session.ChatEntry{Sender: record.Sender, Text: record.Text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// ContextSummary renders the active project for the model: the file
// tree plus the contents of small text files. ok is false for an
// empty scratch project.
func (m *Manager) ContextSummary() (string, bool) {
	base := m.CurrentDir()
	name := m.Current()

	var b strings.Builder
	fmt.Fprintf(&b, "Project Context Update: the current project is %q.\n", name)
	b.WriteString("Files:\n")

	fileCount := 0
	var contents strings.Builder
	filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == chatHistoryFile {
			return nil
		}
		fileCount++
		fmt.Fprintf(&b, "  %s (%d bytes)\n", rel, info.Size())

		if contextExtensions[filepath.Ext(rel)] && info.Size() <= contextFileLimit {
			if data, err := os.ReadFile(path); err == nil {
				fmt.Fprintf(&contents, "\n--- %s ---\n%s\n", rel, data)
			}
		}
		return nil
	})

	if fileCount == 0 {
		if name == TempProject {
			return "", false
		}
		b.WriteString("  (empty)\n")
	}
	b.WriteString(contents.String())
	return b.String(), true
}
