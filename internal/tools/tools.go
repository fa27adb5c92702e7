// Package tools defines the tool contract offered to the model and the
// registry the agent loop executes against. Tools never propagate errors
// across the boundary: failures come back as text starting with "Error: " so
// the model can react to them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tinyclawhq/tinyclaw/internal/providers"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-Schema-shaped description of the arguments.
	Parameters() map[string]interface{}
	// Execute runs the tool. Failures are returned as "Error: ..." text.
	Execute(ctx context.Context, args map[string]interface{}) string
}

// Errorf formats a tool failure in the agreed "Error: " protocol.
func Errorf(format string, args ...interface{}) string {
	return "Error: " + fmt.Sprintf(format, args...)
}

// IsError reports whether a tool result is a failure.
func IsError(result string) bool {
	return strings.HasPrefix(result, "Error: ")
}

// corePrefixes are the tool-name prefixes owned by the core surfaces;
// anything else is user-supplied.
var corePrefixes = []string{
	"discord_", "telegram_", "shell_", "heartware_",
	"memory_", "config_", "secret_", "delegate_",
}

// CoreTool reports whether name belongs to a known core surface.
func CoreTool(name string) bool {
	for _, p := range corePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Registry holds tools by name. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register installs a tool. Last write wins.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider tool schemas for the named tools. Empty
// names means every registered tool.
func (r *Registry) Definitions(names []string) []providers.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs the named tool. Unknown tools and panics become "Error: "
// results; nothing escapes the boundary.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = Errorf("tool %s failed unexpectedly", name)
		}
	}()

	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool %q", name)
	}
	return t.Execute(ctx, args)
}
