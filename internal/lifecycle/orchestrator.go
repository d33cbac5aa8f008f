// Package lifecycle drives a model through its load/run/stop cycle on a
// strict state machine: Idle -> Loading -> Running -> Stopping -> Cleaning ->
// Idle, with Error reachable from any active state. All public operations are
// serialized; readers get snapshots, never live state.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"modelhostd/internal/common/fsutil"
	"modelhostd/internal/lock"
	"modelhostd/internal/reclaim"
	"modelhostd/internal/selector"
	"modelhostd/internal/supervise"
	"modelhostd/pkg/types"
)

// State machine events.
const (
	evLoad    = "load"    // idle -> loading
	evLoaded  = "loaded"  // loading -> running
	evFail    = "fail"    // loading|running|stopping -> error
	evStop    = "stop"    // running|error -> stopping
	evStopped = "stopped" // stopping -> cleaning
	evCleaned = "cleaned" // cleaning -> idle
)

// Launcher spawns and terminates backend processes.
type Launcher interface {
	Launch(ctx context.Context, mc types.ModelConfig, hints map[string]int) (supervise.Record, error)
	Stop(name string) error
	Kill(name string) error
	MemoryMB(name string) int
}

// Reclaimer frees leaked resources once a process is gone.
type Reclaimer interface {
	Cleanup(opts reclaim.Options) types.CleanupOutcome
}

// HealthMonitor runs for as long as a model is loaded.
type HealthMonitor interface {
	Start()
	Stop()
	Snapshot() types.HealthSnapshot
	RegisterRestartCallback(cb func(reason string))
	RegisterHealthCallback(cb func(types.HealthSample))
}

// BackendSelector recommends a backend and launch hints for a model path.
type BackendSelector interface {
	Select(path string, prefs *selector.Preferences) types.BackendDecision
}

// Orchestrator coordinates selector, lock, supervisor, monitor and reclaimer
// into a single load/stop surface.
type Orchestrator struct {
	// opMu serializes Load/Stop end to end. Snapshot reads use mu so they
	// never block behind a slow launch.
	opMu sync.Mutex

	mu           sync.Mutex
	machine      *fsm.FSM
	cfg          *types.ModelConfig
	pid          int
	startedAt    time.Time
	lastErr      string
	lastActivity time.Time

	sup     Launcher
	slot    *lock.InstanceLock
	reclaim Reclaimer
	monitor HealthMonitor
	sel     BackendSelector
	hooks   *hookRegistry
	host    string // interface backends bind to; validated ports are probed here
	log     zerolog.Logger
}

// New wires an Orchestrator from its collaborators. host is the interface the
// supervisor binds backends to; an empty host means loopback.
func New(sup Launcher, slot *lock.InstanceLock, rc Reclaimer, mon HealthMonitor, sel BackendSelector, host string, log zerolog.Logger) *Orchestrator {
	log = log.With().Str("component", "lifecycle").Logger()
	return &Orchestrator{
		machine: newMachine(),
		sup:     sup,
		slot:    slot,
		reclaim: rc,
		monitor: mon,
		sel:     sel,
		hooks:   newHookRegistry(log),
		host:    host,
		log:     log,
	}
}

func newMachine() *fsm.FSM {
	idle := string(types.StateIdle)
	loading := string(types.StateLoading)
	running := string(types.StateRunning)
	stopping := string(types.StateStopping)
	cleaning := string(types.StateCleaning)
	errored := string(types.StateError)
	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evLoad, Src: []string{idle}, Dst: loading},
			{Name: evLoaded, Src: []string{loading}, Dst: running},
			{Name: evFail, Src: []string{loading, running, stopping}, Dst: errored},
			{Name: evStop, Src: []string{running, errored}, Dst: stopping},
			{Name: evStopped, Src: []string{stopping}, Dst: cleaning},
			{Name: evCleaned, Src: []string{cleaning}, Dst: idle},
		},
		fsm.Callbacks{},
	)
}

// RegisterHook attaches h to one of the lifecycle events (before_load,
// after_load, before_stop, after_stop, on_error).
func (o *Orchestrator) RegisterHook(event string, h Hook) error {
	return o.hooks.register(event, h)
}

// RegisterRestartCallback forwards to the health monitor.
func (o *Orchestrator) RegisterRestartCallback(cb func(reason string)) {
	o.monitor.RegisterRestartCallback(cb)
}

// RegisterHealthCallback forwards to the health monitor.
func (o *Orchestrator) RegisterHealthCallback(cb func(types.HealthSample)) {
	o.monitor.RegisterHealthCallback(cb)
}

// SelectBackend exposes the selector's recommendation without loading.
func (o *Orchestrator) SelectBackend(path string, prefs *selector.Preferences) types.BackendDecision {
	return o.sel.Select(path, prefs)
}

// Load takes mc from Idle to Running: select backend, validate, acquire the
// exclusive slot, spawn, start monitoring. Any failure after the lock is
// taken lands in Error with the slot force-released and a non-aggressive
// reclamation pass already run.
func (o *Orchestrator) Load(ctx context.Context, mc types.ModelConfig) (err error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	defer func() { countLoad(err) }()

	if st := o.State(); st != types.StateIdle {
		return invalidStateError{op: "load", state: st}
	}

	o.hooks.run(ctx, HookBeforeLoad, HookEvent{Config: &mc})

	decision := o.sel.Select(mc.Path, &selector.Preferences{Backend: mc.Backend, Device: mc.Device})
	if mc.Backend == "" {
		mc.Backend = decision.Backend
	}
	if err := o.validate(mc); err != nil {
		return err
	}

	if !o.slot.Acquire(types.ModelInstance{
		Name:      mc.Name,
		Port:      mc.Port,
		Backend:   mc.Backend,
		Device:    mc.Device,
		StartedAt: time.Now(),
	}) {
		holder := "unknown"
		if h := o.slot.Holder(); h != nil {
			holder = h.Name
		}
		return lockDeniedError{holder: holder}
	}

	o.transition(ctx, evLoad)
	o.setConfig(&mc)

	rec, err := o.sup.Launch(ctx, mc, decision.Hints)
	if err != nil {
		return o.failLoad(ctx, &mc, err, decision.Fallbacks)
	}

	o.slot.BindPID(rec.PID)
	o.monitor.Start()
	o.transition(ctx, evLoaded)
	o.mu.Lock()
	o.pid = rec.PID
	o.startedAt = rec.StartedAt
	o.lastErr = ""
	o.mu.Unlock()

	o.log.Info().Str("model", mc.Name).Str("backend", string(mc.Backend)).
		Int("pid", rec.PID).Int("port", rec.Port).Msg("model running")
	o.hooks.run(ctx, HookAfterLoad, HookEvent{Config: &mc})
	return nil
}

// validate rejects a config before any side effect.
func (o *Orchestrator) validate(mc types.ModelConfig) error {
	if mc.Name == "" {
		return ErrValidation("name is required")
	}
	if !mc.Backend.Valid() {
		return ErrValidation(fmt.Sprintf("unknown backend %q", mc.Backend))
	}
	if mc.Path == "" {
		return ErrValidation("model path is required")
	}
	if !fsutil.PathExists(mc.Path) {
		return ErrValidation("model path does not exist: " + mc.Path)
	}
	if mc.Port > 0 && !supervise.PortFree(o.host, mc.Port) {
		return ErrValidation(fmt.Sprintf("port %d is already in use", mc.Port))
	}
	return nil
}

// failLoad is the single exit for a load that went wrong after the slot was
// acquired: land in Error, fire on_error hooks, force-release the slot and
// run a light reclamation pass so a retry starts clean.
func (o *Orchestrator) failLoad(ctx context.Context, mc *types.ModelConfig, cause error, fallbacks []types.BackendKind) error {
	o.transition(ctx, evFail)
	o.mu.Lock()
	o.lastErr = cause.Error()
	pid := o.pid
	o.mu.Unlock()

	o.log.Error().Err(cause).Str("model", mc.Name).Msg("load failed")
	o.hooks.run(ctx, HookOnError, HookEvent{Config: mc, Err: cause})
	o.slot.ForceRelease("failed load")
	o.reclaim.Cleanup(reclaim.Options{PID: pid, ModelName: mc.Name})
	cleanupsTotal.Inc()
	return &LaunchFailure{Cause: cause, Fallbacks: fallbacks}
}

// Stop takes the orchestrator from Running (or Error) back to Idle: stop the
// monitor, terminate the backend, release the slot, then run an aggressive
// reclamation pass. Shutdown errors are absorbed; the forced path always ends
// Idle.
func (o *Orchestrator) Stop(ctx context.Context, force bool) (outcome types.CleanupOutcome, err error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	defer func() { countStop(err) }()

	if st := o.State(); st != types.StateRunning && st != types.StateError {
		return types.CleanupOutcome{}, invalidStateError{op: "stop", state: st}
	}

	o.mu.Lock()
	cfg := o.cfg
	pid := o.pid
	o.mu.Unlock()

	o.transition(ctx, evStop)
	o.hooks.run(ctx, HookBeforeStop, HookEvent{Config: cfg})
	o.monitor.Stop()

	if cfg != nil {
		var err error
		if force {
			err = o.sup.Kill(cfg.Name)
		} else {
			err = o.sup.Stop(cfg.Name)
		}
		if err != nil {
			// Not fatal: the process may already be gone (failed load,
			// crashed backend). Reclamation below sweeps up the rest.
			o.log.Warn().Err(err).Str("model", cfg.Name).Msg("backend stop reported an error")
		}
	}

	if pid == 0 || !o.slot.Release(pid) {
		o.slot.ForceRelease("stop cleanup")
	}

	o.transition(ctx, evStopped)
	name := ""
	if cfg != nil {
		name = cfg.Name
	}
	outcome = o.reclaim.Cleanup(reclaim.Options{PID: pid, ModelName: name, Aggressive: true})
	cleanupsTotal.Inc()

	o.transition(ctx, evCleaned)
	o.mu.Lock()
	o.cfg = nil
	o.pid = 0
	o.startedAt = time.Time{}
	o.lastActivity = time.Now()
	o.mu.Unlock()

	o.log.Info().Str("model", name).Bool("force", force).
		Bool("cleanup_ok", outcome.Success).Msg("model stopped")
	o.hooks.run(ctx, HookAfterStop, HookEvent{Config: cfg, Outcome: &outcome})
	return outcome, nil
}

// Cleanup runs a reclamation pass without touching the state machine. Safe in
// any state; it never terminates the currently held backend.
func (o *Orchestrator) Cleanup(opts reclaim.Options) types.CleanupOutcome {
	if h := o.slot.Holder(); h != nil && opts.PID == h.PID {
		opts.PID = 0
	}
	cleanupsTotal.Inc()
	return o.reclaim.Cleanup(opts)
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() types.LifecycleState {
	return types.LifecycleState(o.machine.Current())
}

// Status returns a snapshot of the orchestrator. The config is copied so the
// caller cannot mutate live state.
func (o *Orchestrator) Status() types.LifecycleStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := types.LifecycleStatus{
		State:        types.LifecycleState(o.machine.Current()),
		PID:          o.pid,
		StartedAt:    o.startedAt,
		LastError:    o.lastErr,
		LastActivity: o.lastActivity,
	}
	if o.cfg != nil {
		cp := *o.cfg
		st.Config = &cp
		st.MemoryMB = o.sup.MemoryMB(o.cfg.Name)
	}
	return st
}

// Health returns the monitor's latest aggregated snapshot.
func (o *Orchestrator) Health() types.HealthSnapshot {
	return o.monitor.Snapshot()
}

func (o *Orchestrator) setConfig(mc *types.ModelConfig) {
	o.mu.Lock()
	o.cfg = mc
	o.lastActivity = time.Now()
	o.mu.Unlock()
}

// transition applies a state machine event. Events are only fired from states
// that permit them (guarded by the callers), so a refusal is a programming
// error worth surfacing loudly in the log.
func (o *Orchestrator) transition(ctx context.Context, event string) {
	if err := o.machine.Event(ctx, event); err != nil {
		o.log.Error().Err(err).Str("event", event).
			Str("state", o.machine.Current()).Msg("illegal lifecycle transition")
	}
	o.mu.Lock()
	o.lastActivity = time.Now()
	o.mu.Unlock()
}
