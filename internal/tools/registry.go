// Package tools implements the callable surface the model sees: a fixed
// set of built-in tools plus user-defined alias tools. Execution always
// produces a string for the model; handler errors are rendered with an
// "Error: " prefix so the model can read the reason and correct itself.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"zclaw/internal/clock"
	"zclaw/internal/cron"
	"zclaw/internal/eventbus"
	"zclaw/internal/llm"
	"zclaw/internal/memory"
	"zclaw/internal/netprobe"
	"zclaw/internal/ratelimit"
	"zclaw/internal/storage"
	logx "zclaw/pkg/logx"
)

// Handler runs one tool call. A returned error becomes a model-visible
// "Error: <reason>" string; soft outcomes ("Schedule #5 not found") are
// plain results, not errors.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one built-in: name, model-facing description, JSON-schema
// parameters and the handler.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any

	run Handler
}

// EventTail exposes the recent-event ring for verbose diagnostics.
type EventTail interface {
	Tail(n int) []eventbus.Event
}

// Deps collects the services the built-in handlers touch.
type Deps struct {
	Cron   *cron.Service
	Memory *memory.Service
	Limits *ratelimit.Service
	Clock  *clock.Service
	Probe  *netprobe.Service

	// Events is optional; nil drops the event tail from diagnostics.
	Events EventTail

	Version   string
	StartedAt time.Time
}

// Registry owns the built-in table and the persisted user tools.
type Registry struct {
	deps  Deps
	store storage.Store
	log   logx.Logger

	builtins []Tool
	index    map[string]int
	user     *userTools

	execs    atomic.Uint64
	failures atomic.Uint64
}

type Snapshot struct {
	Builtins  int
	UserTools int
	Execs     uint64
	Failures  uint64
}

func New(deps Deps, store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{deps: deps, store: store, log: log}
	r.builtins = r.assemble()
	r.index = make(map[string]int, len(r.builtins))
	for i, t := range r.builtins {
		r.index[t.Name] = i
	}
	r.user = newUserTools(store, r.isBuiltin, log)
	return r
}

// Load restores persisted user tools. Call once at boot.
func (r *Registry) Load(ctx context.Context) {
	r.user.load(ctx)
	r.log.Info("tool registry ready",
		logx.Int("builtin", len(r.builtins)), logx.Int("user", r.user.count()))
}

func (r *Registry) isBuiltin(name string) bool {
	_, ok := r.index[name]
	return ok
}

// Specs lists every callable tool in registration order, built-ins first,
// in the shape the LLM client sends upstream. User tools take no
// parameters: calling one echoes its stored action back to the model.
func (r *Registry) Specs() []llm.ToolSpec {
	user := r.user.all()
	specs := make([]llm.ToolSpec, 0, len(r.builtins)+len(user))
	for _, t := range r.builtins {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	for _, u := range user {
		specs = append(specs, llm.ToolSpec{
			Name:        u.Name,
			Description: u.Description,
			Parameters:  objSchema(map[string]any{}),
		})
	}
	return specs
}

// Execute runs the named tool against raw argument JSON and returns the
// model-visible result. It never returns an error: failures are strings.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) string {
	args, err := decodeArgs(argsJSON)
	if err != nil {
		r.failures.Add(1)
		r.log.Warn("bad tool arguments", logx.String("tool", name), logx.Err(err))
		return "Error: invalid tool arguments"
	}

	if i, ok := r.index[name]; ok {
		r.execs.Add(1)
		r.log.Info("exec tool", logx.String("tool", name))
		out, err := r.builtins[i].run(ctx, args)
		if err != nil {
			r.failures.Add(1)
			return "Error: " + err.Error()
		}
		return out
	}

	if t, ok := r.user.find(name); ok {
		r.execs.Add(1)
		r.log.Info("exec user tool", logx.String("tool", name))
		return fmt.Sprintf("Execute this action now: %s", t.Action)
	}

	r.failures.Add(1)
	r.log.Warn("unknown tool requested", logx.String("tool", name))
	return fmt.Sprintf("Unknown tool: %s", name)
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Builtins:  len(r.builtins),
		UserTools: r.user.count(),
		Execs:     r.execs.Load(),
		Failures:  r.failures.Load(),
	}
}

func decodeArgs(argsJSON string) (map[string]any, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// assemble builds the built-in table. Order is stable and user-visible:
// the model sees tools in this order.
func (r *Registry) assemble() []Tool {
	var tools []Tool
	tools = append(tools, r.delayTool())
	tools = append(tools, r.memoryTools()...)
	tools = append(tools, r.cronTools()...)
	tools = append(tools, r.systemTools()...)
	tools = append(tools, r.managementTools()...)
	return tools
}
