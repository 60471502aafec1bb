// Package tools is the declarative tool table the agent sessions expose to
// the model: each tool declares a typed input struct (its JSON schema is
// reflected from the struct, never hand-written), a decoder, and an
// executor. No raw input maps leak past this boundary; decode failures
// surface to the model as error tool results.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/outpost-dev/selfmod/common/llm"
	"github.com/outpost-dev/selfmod/internal/gitx"
	"github.com/outpost-dev/selfmod/internal/indexer"
	"github.com/outpost-dev/selfmod/internal/memory"
	"github.com/outpost-dev/selfmod/internal/model"
)

// Result is one tool execution's outcome. Edit is set when the tool's side
// effect is an edit operation; the session records it only when IsError is
// false.
type Result struct {
	Content string
	IsError bool
	Edit    *model.EditOperation
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// execFunc executes one decoded tool call.
type execFunc func(ctx context.Context, input json.RawMessage) Result

type toolEntry struct {
	name string
	fn   execFunc
	def  llm.Tool
}

// Deps holds what the executors touch: the working copy, the repo for
// diffs, the indexer for codebase snapshots, and the memory service.
type Deps struct {
	Root   string
	Repo   *gitx.Repo
	Index  *indexer.Indexer
	Memory *memory.Service
}

// Registry holds the tool table plus the per-session read-region state.
// One Registry serves one session; regions and turn numbers are not shared
// across sessions.
type Registry struct {
	deps    Deps
	entries []toolEntry

	turn    int
	regions map[string][]model.TrackedRegion
}

// NewRegistry creates a registry with every built-in tool registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:    deps,
		regions: make(map[string][]model.TrackedRegion),
	}
	r.registerFileTools()
	r.registerRepoTools()
	r.registerMemoryTools()
	r.registerTerminalTools()
	return r
}

func (r *Registry) register(name, description string, input any, fn execFunc) {
	properties, required := schemaFor(input)
	r.entries = append(r.entries, toolEntry{
		name: name,
		fn:   fn,
		def: llm.Tool{
			Name:        name,
			Description: description,
			Properties:  properties,
			Required:    required,
		},
	})
}

// schemaFor reflects a JSON schema from a typed input struct. A nil input
// yields an empty object schema (for no-argument tools).
func schemaFor(input any) (any, []string) {
	if input == nil {
		return map[string]any{}, nil
	}
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s := reflector.Reflect(input)
	return s.Properties, s.Required
}

// decode unmarshals a tool call's raw input into its typed struct.
func decode[T any](input json.RawMessage) (T, error) {
	var v T
	if len(input) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return v, fmt.Errorf("invalid tool input: %w", err)
	}
	return v, nil
}

// Definitions returns the declarations for the named tools, in registration
// order. Unknown names are skipped.
func (r *Registry) Definitions(names []string) []llm.Tool {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	var defs []llm.Tool
	for _, t := range r.entries {
		if allowed[t.name] {
			defs = append(defs, t.def)
		}
	}
	return defs
}

// BeginTurn tells the registry which session turn is executing, for
// read-region bookkeeping.
func (r *Registry) BeginTurn(turn int) {
	r.turn = turn
}

// Execute runs a tool by name. Executors never panic the loop; every
// failure, including an unknown tool name, becomes an error Result the
// model can react to.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	for _, t := range r.entries {
		if t.name != name {
			continue
		}
		start := time.Now()
		res := t.fn(ctx, input)
		slog.DebugContext(ctx, "tool executed",
			"tool", name,
			"is_error", res.IsError,
			"read_only", IsReadOnly(name),
			"duration_ms", time.Since(start).Milliseconds())
		return res
	}
	return errorResult("unknown tool: %s", name)
}

// IsReadOnly reports whether a tool only observes state. Everything else
// mutates the working copy, the memory store, or the session itself.
func IsReadOnly(name string) bool {
	switch name {
	case "read_file", "grep_search", "file_search", "list_directory",
		"git_diff", "codebase_context", "codebase_diff", "recall_memory":
		return true
	default:
		return false
	}
}

// Regions exposes the tracked read regions for one file.
func (r *Registry) Regions(path string) []model.TrackedRegion {
	return r.regions[path]
}
