package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeProjects backs the handlers with a temp directory.
type fakeProjects struct {
	root     string
	current  string
	projects []string
	switched []string
}

func newFakeProjects(t *testing.T, current string) *fakeProjects {
	t.Helper()
	return &fakeProjects{root: t.TempDir(), current: current}
}

func (p *fakeProjects) Create(name string) error {
	p.projects = append(p.projects, name)
	return nil
}

func (p *fakeProjects) Switch(name string) error {
	p.current = name
	p.switched = append(p.switched, name)
	return nil
}

func (p *fakeProjects) List() ([]string, error) { return p.projects, nil }
func (p *fakeProjects) Current() string         { return p.current }

func (p *fakeProjects) ContextSummary() (string, bool) {
	return "Current project: " + p.current, true
}

func (p *fakeProjects) ResolvePath(relative string) (string, error) {
	if strings.Contains(relative, "..") {
		return "", fmt.Errorf("path escapes the project")
	}
	return filepath.Join(p.root, relative), nil
}

type fakeCAD struct {
	generated []string
	iterated  []string
}

func (c *fakeCAD) Generate(_ context.Context, description string) (string, error) {
	c.generated = append(c.generated, description)
	return "Saved model to cad/output.stl.", nil
}

func (c *fakeCAD) Iterate(_ context.Context, instructions string) (string, error) {
	c.iterated = append(c.iterated, instructions)
	return "Updated cad/output.stl.", nil
}

func TestWriteAndReadFile(t *testing.T) {
	projects := newFakeProjects(t, "demo")
	handlers := NewHandlers(Deps{Projects: projects})
	ctx := context.Background()

	out, err := handlers[NameWriteFile].Run(ctx, Invocation{Args: map[string]any{
		"filename": "notes.txt",
		"content":  "hello",
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "notes.txt") {
		t.Errorf("write result = %q", out)
	}

	out, err = handlers[NameReadFile].Run(ctx, Invocation{Args: map[string]any{
		"filename": "notes.txt",
	}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "hello" {
		t.Errorf("read = %q, want hello", out)
	}
}

func TestReadFileTruncates(t *testing.T) {
	projects := newFakeProjects(t, "demo")
	handlers := NewHandlers(Deps{Projects: projects})

	big := strings.Repeat("x", readFileLimit+100)
	path, _ := projects.ResolvePath("big.txt")
	if err := os.WriteFile(path, []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := handlers[NameReadFile].Run(context.Background(), Invocation{Args: map[string]any{
		"filename": "big.txt",
	}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Error("oversized file should be truncated")
	}
	if len(out) > readFileLimit+len("\n[truncated]") {
		t.Errorf("truncated read still %d bytes", len(out))
	}
}

func TestReadDirectoryListsEntries(t *testing.T) {
	projects := newFakeProjects(t, "demo")
	handlers := NewHandlers(Deps{Projects: projects})

	dir, _ := projects.ResolvePath("sub")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(projects.root, "a.txt"), []byte("a"), 0o644)

	out, err := handlers[NameReadDirectory].Run(context.Background(), Invocation{Args: map[string]any{}})
	if err != nil {
		t.Fatalf("read directory: %v", err)
	}
	if !strings.Contains(out, "a.txt") || !strings.Contains(out, "sub/") {
		t.Errorf("listing = %q", out)
	}
}

func TestFileHandlersRejectEscapes(t *testing.T) {
	projects := newFakeProjects(t, "demo")
	handlers := NewHandlers(Deps{Projects: projects})

	_, err := handlers[NameReadFile].Run(context.Background(), Invocation{Args: map[string]any{
		"filename": "../outside.txt",
	}})
	if err == nil {
		t.Fatal("path escape should be rejected")
	}
}

func TestCreateProjectPushesContext(t *testing.T) {
	projects := newFakeProjects(t, "temp")
	handlers := NewHandlers(Deps{Projects: projects})

	var pushed []string
	inv := Invocation{
		Args:        map[string]any{"name": "robot-arm"},
		PushContext: func(_ context.Context, text string) { pushed = append(pushed, text) },
	}
	out, err := handlers[NameCreateProject].Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "robot-arm") {
		t.Errorf("result = %q", out)
	}
	if projects.current != "robot-arm" {
		t.Errorf("current = %q, want robot-arm", projects.current)
	}
	if len(pushed) != 1 || !strings.Contains(pushed[0], "robot-arm") {
		t.Errorf("pushed context = %q", pushed)
	}
}

func TestGenerateCADAutoCreatesProject(t *testing.T) {
	projects := newFakeProjects(t, "temp")
	cad := &fakeCAD{}
	handlers := NewHandlers(Deps{Projects: projects, CAD: cad})

	inv := Invocation{
		Args:        map[string]any{"description": "a small gear"},
		PushContext: func(context.Context, string) {},
	}
	if _, err := handlers[NameGenerateCAD].Run(context.Background(), inv); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(projects.projects) != 1 || !strings.HasPrefix(projects.projects[0], "cad-") {
		t.Errorf("projects = %v, want one timestamped cad project", projects.projects)
	}
	if len(cad.generated) != 1 || cad.generated[0] != "a small gear" {
		t.Errorf("generated = %v", cad.generated)
	}
}

func TestGenerateCADKeepsNamedProject(t *testing.T) {
	projects := newFakeProjects(t, "robot-arm")
	cad := &fakeCAD{}
	handlers := NewHandlers(Deps{Projects: projects, CAD: cad})

	inv := Invocation{Args: map[string]any{"description": "a bracket"}}
	if _, err := handlers[NameGenerateCAD].Run(context.Background(), inv); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(projects.projects) != 0 {
		t.Errorf("no project should be auto-created, got %v", projects.projects)
	}
}

func TestNilAgentsDisableTools(t *testing.T) {
	projects := newFakeProjects(t, "demo")
	handlers := NewHandlers(Deps{Projects: projects})

	for _, name := range []string{NameGenerateCAD, NameRunWebAgent, NameControlLight, NamePrintSTL} {
		if _, ok := handlers[name]; ok {
			t.Errorf("%s should be absent without its agent", name)
		}
	}
	for _, name := range []string{NameWriteFile, NameListProjects} {
		if _, ok := handlers[name]; !ok {
			t.Errorf("%s should always be present", name)
		}
	}
}
