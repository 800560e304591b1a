package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/adalabs/ada/internal/live"
)

// readFileLimit caps how much of a file is returned to the model.
const readFileLimit = 10000

// ProjectStore is the slice of the project manager the handlers use.
type ProjectStore interface {
	Create(name string) error
	Switch(name string) error
	List() ([]string, error)
	Current() string
	// ContextSummary renders the active project for the model; ok is
	// false when there is nothing worth sending.
	ContextSummary() (string, bool)
	// ResolvePath maps a project-relative path to an absolute one,
	// rejecting escapes from the project directory.
	ResolvePath(relative string) (string, error)
}

// CADAgent generates and refines CAD models.
type CADAgent interface {
	Generate(ctx context.Context, description string) (string, error)
	Iterate(ctx context.Context, instructions string) (string, error)
}

// WebAgent runs browser automation tasks.
type WebAgent interface {
	RunTask(ctx context.Context, task string) (string, error)
}

// LightsAgent controls smart lights on the local network.
type LightsAgent interface {
	Devices(ctx context.Context) ([]string, error)
	Control(ctx context.Context, name string, on bool, brightness int, color string) (string, error)
}

// PrinterAgent discovers 3D printers and manages print jobs.
type PrinterAgent interface {
	Discover(ctx context.Context) ([]string, error)
	PrintSTL(ctx context.Context, stlPath, printer string) (string, error)
	JobStatus(ctx context.Context, printer string) (string, error)
}

// Deps are the collaborators the handler set is built over. Nil agents
// disable their tools.
type Deps struct {
	Projects ProjectStore
	CAD      CADAgent
	Web      WebAgent
	Lights   LightsAgent
	Printers PrinterAgent
}

// funcHandler adapts a function to the Handler interface.
type funcHandler struct {
	decl  live.FunctionDeclaration
	class Class
	run   func(ctx context.Context, inv Invocation) (string, error)
}

func (h *funcHandler) Declaration() live.FunctionDeclaration { return h.decl }
func (h *funcHandler) Class() Class                          { return h.class }
func (h *funcHandler) Run(ctx context.Context, inv Invocation) (string, error) {
	return h.run(ctx, inv)
}

// NewHandlers builds the static tool table.
func NewHandlers(deps Deps) map[string]Handler {
	handlers := map[string]Handler{}
	add := func(h *funcHandler) { handlers[h.decl.Name] = h }

	add(writeFileHandler(deps.Projects))
	add(readFileHandler(deps.Projects))
	add(readDirectoryHandler(deps.Projects))
	add(createProjectHandler(deps.Projects))
	add(switchProjectHandler(deps.Projects))
	add(listProjectsHandler(deps.Projects))

	if deps.CAD != nil {
		add(generateCADHandler(deps.CAD, deps.Projects))
		add(iterateCADHandler(deps.CAD))
	}
	if deps.Web != nil {
		add(runWebAgentHandler(deps.Web))
	}
	if deps.Lights != nil {
		add(listSmartDevicesHandler(deps.Lights))
		add(controlLightHandler(deps.Lights))
	}
	if deps.Printers != nil {
		add(discoverPrintersHandler(deps.Printers))
		add(printSTLHandler(deps.Printers, deps.Projects))
		add(printStatusHandler(deps.Printers))
	}
	return handlers
}

func writeFileHandler(projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameWriteFile,
			Description: "Write text content to a file in the current project.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"filename": {Type: "string", Description: "Project-relative file path."},
					"content":  {Type: "string", Description: "Full file content."},
				},
				Required: []string{"filename", "content"},
			},
		},
		class: ClassSync,
		run: func(_ context.Context, inv Invocation) (string, error) {
			filename := argString(inv.Args, "filename")
			if filename == "" {
				return "", fmt.Errorf("filename is required")
			}
			path, err := projects.ResolvePath(filename)
			if err != nil {
				return "", err
			}
			content := argString(inv.Args, "content")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", fmt.Errorf("write %s: %w", filename, err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s.", len(content), filename), nil
		},
	}
}

func readFileHandler(projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameReadFile,
			Description: "Read a text file from the current project.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"filename": {Type: "string", Description: "Project-relative file path."},
				},
				Required: []string{"filename"},
			},
		},
		class: ClassSync,
		run: func(_ context.Context, inv Invocation) (string, error) {
			filename := argString(inv.Args, "filename")
			if filename == "" {
				return "", fmt.Errorf("filename is required")
			}
			path, err := projects.ResolvePath(filename)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read %s: %w", filename, err)
			}
			if len(data) > readFileLimit {
				return string(data[:readFileLimit]) + "\n[truncated]", nil
			}
			return string(data), nil
		},
	}
}

func readDirectoryHandler(projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameReadDirectory,
			Description: "List the files in a directory of the current project.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"path": {Type: "string", Description: "Project-relative directory, empty for the root."},
				},
			},
		},
		class: ClassSync,
		run: func(_ context.Context, inv Invocation) (string, error) {
			rel := argString(inv.Args, "path")
			if rel == "" {
				rel = "."
			}
			path, err := projects.ResolvePath(rel)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", fmt.Errorf("read directory %s: %w", rel, err)
			}
			if len(entries) == 0 {
				return "The directory is empty.", nil
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	}
}

func createProjectHandler(projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameCreateProject,
			Description: "Create a new project and switch to it.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"name": {Type: "string", Description: "Project name."},
				},
				Required: []string{"name"},
			},
		},
		class: ClassSync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			name := argString(inv.Args, "name")
			if name == "" {
				return "", fmt.Errorf("name is required")
			}
			if err := projects.Create(name); err != nil {
				return "", err
			}
			if err := projects.Switch(name); err != nil {
				return "", err
			}
			pushProjectContext(ctx, inv, projects)
			return fmt.Sprintf("Created and switched to project %q.", name), nil
		},
	}
}

func switchProjectHandler(projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameSwitchProject,
			Description: "Switch to an existing project.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"name": {Type: "string", Description: "Project name."},
				},
				Required: []string{"name"},
			},
		},
		class: ClassSync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			name := argString(inv.Args, "name")
			if name == "" {
				return "", fmt.Errorf("name is required")
			}
			if err := projects.Switch(name); err != nil {
				return "", err
			}
			pushProjectContext(ctx, inv, projects)
			return fmt.Sprintf("Switched to project %q.", name), nil
		},
	}
}

func listProjectsHandler(projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameListProjects,
			Description: "List all projects.",
		},
		class: ClassSync,
		run: func(_ context.Context, _ Invocation) (string, error) {
			names, err := projects.List()
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "There are no projects yet.", nil
			}
			return "Projects: " + strings.Join(names, ", "), nil
		},
	}
}

func generateCADHandler(agent CADAgent, projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameGenerateCAD,
			Description: "Generate a new 3D CAD model from a description. Runs in the background.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"description": {Type: "string", Description: "What to model."},
				},
				Required: []string{"description"},
			},
		},
		class: ClassAsync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			description := argString(inv.Args, "description")
			if description == "" {
				return "", fmt.Errorf("description is required")
			}

			// Scratch sessions get a real project so the artifact has
			// somewhere to live.
			if projects.Current() == "temp" {
				name := "cad-" + time.Now().Format("2006-01-02-150405")
				if err := projects.Create(name); err == nil && projects.Switch(name) == nil {
					pushProjectContext(ctx, inv, projects)
				}
			}

			if inv.OnStatus != nil {
				inv.OnStatus(ctx, "Generating CAD model...")
			}
			return agent.Generate(ctx, description)
		},
	}
}

func iterateCADHandler(agent CADAgent) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameIterateCAD,
			Description: "Refine the most recent CAD model. Runs in the background.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"instructions": {Type: "string", Description: "What to change."},
				},
				Required: []string{"instructions"},
			},
		},
		class: ClassAsync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			instructions := argString(inv.Args, "instructions")
			if instructions == "" {
				return "", fmt.Errorf("instructions are required")
			}
			if inv.OnStatus != nil {
				inv.OnStatus(ctx, "Updating CAD model...")
			}
			return agent.Iterate(ctx, instructions)
		},
	}
}

func runWebAgentHandler(agent WebAgent) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameRunWebAgent,
			Description: "Run a browser automation task. Runs in the background.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"task": {Type: "string", Description: "The task to perform in the browser."},
				},
				Required: []string{"task"},
			},
		},
		class: ClassAsync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			task := argString(inv.Args, "task")
			if task == "" {
				return "", fmt.Errorf("task is required")
			}
			if inv.OnStatus != nil {
				inv.OnStatus(ctx, "Browsing: "+task)
			}
			return agent.RunTask(ctx, task)
		},
	}
}

func listSmartDevicesHandler(lights LightsAgent) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameListSmartDevices,
			Description: "List smart devices discovered on the local network.",
		},
		class: ClassSync,
		run: func(ctx context.Context, _ Invocation) (string, error) {
			names, err := lights.Devices(ctx)
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "No smart devices found.", nil
			}
			return "Devices: " + strings.Join(names, ", "), nil
		},
	}
}

func controlLightHandler(lights LightsAgent) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameControlLight,
			Description: "Turn a smart light on or off, optionally setting brightness and color.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"device_name": {Type: "string", Description: "Light name or alias."},
					"state":       {Type: "string", Enum: []string{"on", "off"}},
					"brightness":  {Type: "number", Description: "Brightness 1-100, optional."},
					"color":       {Type: "string", Description: "Color name, optional."},
				},
				Required: []string{"device_name", "state"},
			},
		},
		class: ClassSync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			name := argString(inv.Args, "device_name")
			state := argString(inv.Args, "state")
			if name == "" || (state != "on" && state != "off") {
				return "", fmt.Errorf("device_name and state (on/off) are required")
			}
			brightness := int(argFloat(inv.Args, "brightness"))
			color := argString(inv.Args, "color")
			return lights.Control(ctx, name, state == "on", brightness, color)
		},
	}
}

func discoverPrintersHandler(printers PrinterAgent) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameDiscoverPrinters,
			Description: "Discover 3D printers on the local network.",
		},
		class: ClassSync,
		run: func(ctx context.Context, _ Invocation) (string, error) {
			names, err := printers.Discover(ctx)
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "No printers found.", nil
			}
			return "Printers: " + strings.Join(names, ", "), nil
		},
	}
}

func printSTLHandler(printers PrinterAgent, projects ProjectStore) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NamePrintSTL,
			Description: "Slice and print an STL file from the current project. Runs in the background.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"filename": {Type: "string", Description: "Project-relative STL path."},
					"printer":  {Type: "string", Description: "Printer name, optional when only one is known."},
				},
				Required: []string{"filename"},
			},
		},
		class: ClassAsync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			filename := argString(inv.Args, "filename")
			if filename == "" {
				return "", fmt.Errorf("filename is required")
			}
			path, err := projects.ResolvePath(filename)
			if err != nil {
				return "", err
			}
			if inv.OnStatus != nil {
				inv.OnStatus(ctx, "Slicing and uploading "+filename)
			}
			return printers.PrintSTL(ctx, path, argString(inv.Args, "printer"))
		},
	}
}

func printStatusHandler(printers PrinterAgent) *funcHandler {
	return &funcHandler{
		decl: live.FunctionDeclaration{
			Name:        NameGetPrintStatus,
			Description: "Get the status of the current print job.",
			Parameters: &live.Schema{
				Type: "object",
				Properties: map[string]*live.Schema{
					"printer": {Type: "string", Description: "Printer name, optional."},
				},
			},
		},
		class: ClassSync,
		run: func(ctx context.Context, inv Invocation) (string, error) {
			return printers.JobStatus(ctx, argString(inv.Args, "printer"))
		},
	}
}

// pushProjectContext sends the active project summary upstream without
// closing the turn, so the model absorbs it silently.
func pushProjectContext(ctx context.Context, inv Invocation, projects ProjectStore) {
	if inv.PushContext == nil {
		return
	}
	if summary, ok := projects.ContextSummary(); ok {
		inv.PushContext(ctx, summary)
	}
}
