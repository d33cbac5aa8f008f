package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"modelhostd/pkg/types"
)

// Hook event names, in the order they fire across a load/stop cycle.
const (
	HookBeforeLoad = "before_load"
	HookAfterLoad  = "after_load"
	HookBeforeStop = "before_stop"
	HookAfterStop  = "after_stop"
	HookOnError    = "on_error"
)

// HookEvent carries the context a hook runs with. Err is set for on_error,
// Outcome for after_stop.
type HookEvent struct {
	Name    string
	Config  *types.ModelConfig
	Err     error
	Outcome *types.CleanupOutcome
}

// Hook is a lifecycle extension point. A hook error is logged and the cycle
// continues; hooks cannot veto a transition.
type Hook func(ctx context.Context, ev HookEvent) error

var hookEvents = map[string]bool{
	HookBeforeLoad: true,
	HookAfterLoad:  true,
	HookBeforeStop: true,
	HookAfterStop:  true,
	HookOnError:    true,
}

type hookRegistry struct {
	mu    sync.Mutex
	hooks map[string][]Hook
	log   zerolog.Logger
}

func newHookRegistry(log zerolog.Logger) *hookRegistry {
	return &hookRegistry{hooks: make(map[string][]Hook), log: log}
}

func (r *hookRegistry) register(event string, h Hook) error {
	if !hookEvents[event] {
		return fmt.Errorf("unknown hook event %q", event)
	}
	if h == nil {
		return fmt.Errorf("nil hook for event %q", event)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[event] = append(r.hooks[event], h)
	return nil
}

// run fires the hooks for event in registration order. Errors and panics are
// logged per hook; the remaining hooks still run.
func (r *hookRegistry) run(ctx context.Context, event string, ev HookEvent) {
	r.mu.Lock()
	hooks := append([]Hook{}, r.hooks[event]...)
	r.mu.Unlock()

	ev.Name = event
	for i, h := range hooks {
		if err := callHook(ctx, h, ev); err != nil {
			r.log.Warn().Err(err).Str("event", event).Int("hook", i).Msg("lifecycle hook failed")
		}
	}
}

func callHook(ctx context.Context, h Hook, ev HookEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panicked: %v", p)
		}
	}()
	return h(ctx, ev)
}
