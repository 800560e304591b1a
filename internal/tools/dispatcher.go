package tools

import (
	"context"
	"fmt"

	"github.com/adalabs/ada/internal/live"
	"github.com/adalabs/ada/internal/trace"
)

// Tool names as declared to the model.
const (
	NameGenerateCAD      = "generate_cad"
	NameIterateCAD       = "iterate_cad"
	NameRunWebAgent      = "run_web_agent"
	NameWriteFile        = "write_file"
	NameReadFile         = "read_file"
	NameReadDirectory    = "read_directory"
	NameCreateProject    = "create_project"
	NameSwitchProject    = "switch_project"
	NameListProjects     = "list_projects"
	NameListSmartDevices = "list_smart_devices"
	NameControlLight     = "control_light"
	NameDiscoverPrinters = "discover_printers"
	NamePrintSTL         = "print_stl"
	NameGetPrintStatus   = "get_print_status"
)

// Class splits tools into those answered synchronously and those that
// run in the background and report back as a system notification.
type Class int

const (
	// ClassSync tools block the batch and return a function result.
	ClassSync Class = iota
	// ClassAsync tools return no immediate result; completion arrives
	// later as a closed-turn notification.
	ClassAsync
)

// Invocation carries one call's arguments plus the channels a handler
// uses to talk back to the conversation.
type Invocation struct {
	Args map[string]any
	// Notify delivers a system message as a closed turn.
	Notify func(ctx context.Context, text string)
	// PushContext delivers background context without closing the turn.
	PushContext func(ctx context.Context, text string)
	// OnStatus reports progress for the UI.
	OnStatus func(ctx context.Context, text string)
}

// Handler implements one tool.
type Handler interface {
	Declaration() live.FunctionDeclaration
	Class() Class
	Run(ctx context.Context, inv Invocation) (string, error)
}

// Permissions reports whether a tool must be confirmed before running.
type Permissions interface {
	ToolGated(name string) bool
}

// Dispatcher routes function-call batches to their handlers. The
// handler map is fixed at construction.
type Dispatcher struct {
	handlers map[string]Handler
	perms    Permissions
	confirm  *Confirmations

	// Notify and PushContext are stamped onto every invocation.
	Notify      func(ctx context.Context, text string)
	PushContext func(ctx context.Context, text string)
	// OnStatus is optional UI progress reporting.
	OnStatus func(ctx context.Context, text string)
}

// NewDispatcher builds a dispatcher over a fixed handler set.
func NewDispatcher(handlers map[string]Handler, perms Permissions, confirm *Confirmations) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		perms:    perms,
		confirm:  confirm,
	}
}

// Declarations lists every registered tool for session setup.
func (d *Dispatcher) Declarations() []live.FunctionDeclaration {
	decls := make([]live.FunctionDeclaration, 0, len(d.handlers))
	for _, h := range d.handlers {
		decls = append(decls, h.Declaration())
	}
	return decls
}

// DispatchBatch runs a batch of calls in arrival order and returns the
// results that go back on the wire. Synchronous tools contribute one
// result each; asynchronous tools detach and report later. A denied or
// failed call still produces a result so the model never waits on a
// dead call.
func (d *Dispatcher) DispatchBatch(ctx context.Context, calls []live.FunctionCall) []live.FunctionResult {
	log := trace.Logger(ctx)
	results := make([]live.FunctionResult, 0, len(calls))

	for _, call := range calls {
		// An unknown name contributes no result; the model treats the
		// silence as a no-op.
		handler, ok := d.handlers[call.Name]
		if !ok {
			log.Warn("unknown tool requested", "tool", call.Name)
			continue
		}

		if d.perms.ToolGated(call.Name) {
			prompt := fmt.Sprintf("Allow the assistant to run %s?", call.Name)
			if !d.confirm.Ask(ctx, call.Name, prompt) {
				log.Info("tool denied", "tool", call.Name)
				results = append(results, errorResult(call, "the user denied permission for this action"))
				continue
			}
		}

		inv := Invocation{
			Args:        call.Args,
			Notify:      d.Notify,
			PushContext: d.PushContext,
			OnStatus:    d.OnStatus,
		}

		if handler.Class() == ClassAsync {
			// Background work outlives the session context: a reconnect
			// must not abort a running generation or lose its report.
			go d.runAsync(context.WithoutCancel(ctx), handler, call, inv)
			continue
		}

		out, err := handler.Run(ctx, inv)
		if err != nil {
			log.Error("tool failed", "tool", call.Name, "error", err)
			results = append(results, errorResult(call, err.Error()))
			continue
		}
		results = append(results, live.FunctionResult{ID: call.ID, Name: call.Name, Response: out})
	}
	return results
}

// runAsync executes a background tool and reports the outcome as a
// system notification.
func (d *Dispatcher) runAsync(ctx context.Context, handler Handler, call live.FunctionCall, inv Invocation) {
	log := trace.Logger(ctx)

	out, err := handler.Run(ctx, inv)
	if d.Notify == nil {
		return
	}
	if err != nil {
		log.Error("background tool failed", "tool", call.Name, "error", err)
		d.Notify(ctx, fmt.Sprintf("System Notification: %s failed: %v", call.Name, err))
		return
	}
	d.Notify(ctx, fmt.Sprintf("System Notification: %s finished. %s", call.Name, out))
}

func errorResult(call live.FunctionCall, msg string) live.FunctionResult {
	return live.FunctionResult{
		ID:       call.ID,
		Name:     call.Name,
		Response: fmt.Sprintf("Error: %s", msg),
	}
}

// Argument helpers shared by handlers. Missing or mistyped arguments
// come back as zero values; handlers validate what they require.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
