// Package reclaim implements the best-effort cleanup pass that runs after
// every unload, successful or not. Every sub-step reports its own outcome;
// one failing step never aborts the rest, and Cleanup never returns an error.
package reclaim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelhostd/pkg/types"
)

// Hook is an external cleanup callback. Errors are captured as non-fatal
// outcome entries, never propagated.
type Hook func() error

const historySize = 32

// Options select the targets of one pass.
type Options struct {
	// PID of the backend process to terminate, 0 to skip.
	PID int
	// ModelName, for log correlation only.
	ModelName string
	// Aggressive enables multi-pass GPU cache release and host GC.
	Aggressive bool
}

// Reclaimer runs reclamation passes and keeps a bounded outcome history.
type Reclaimer struct {
	mu      sync.Mutex
	hooks   []Hook
	history []types.CleanupOutcome

	// Executable names whose orphaned processes may be terminated.
	backendExes []string
	// Directories scanned for stale temp/lock/cache files.
	scanDirs []string

	gpu          accelerator
	gracefulWait time.Duration
	log          zerolog.Logger
}

// New constructs a Reclaimer. backendExes are the command-line substrings
// identifying orphaned backend processes; scanDirs are checked for stale
// handles.
func New(backendExes, scanDirs []string, log zerolog.Logger) *Reclaimer {
	return &Reclaimer{
		backendExes:  backendExes,
		scanDirs:     scanDirs,
		gpu:          detectAccelerator(),
		gracefulWait: 5 * time.Second,
		log:          log.With().Str("component", "reclaimer").Logger(),
	}
}

// RegisterHook appends an external cleanup hook.
func (r *Reclaimer) RegisterHook(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// History returns a copy of the bounded outcome ring, newest last.
func (r *Reclaimer) History() []types.CleanupOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.CleanupOutcome, len(r.history))
	copy(out, r.history)
	return out
}

// Cleanup runs one reclamation pass. It always returns an outcome, even an
// all-zero one, so the caller can proceed to idle regardless of partial
// failure.
func (r *Reclaimer) Cleanup(opts Options) types.CleanupOutcome {
	start := time.Now()
	out := types.CleanupOutcome{Success: true}

	if opts.PID > 0 {
		if killed, err := r.terminate(opts.PID); err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("terminate pid %d: %v", opts.PID, err))
		} else if killed {
			out.Terminated++
		}
	}

	freedVRAM, err := r.releaseGPUCache(opts.Aggressive)
	if err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("gpu cache release: %v", err))
	}
	out.FreedVRAMMB = freedVRAM

	out.FreedRAMMB = r.hostGC(opts.Aggressive)

	orphans, errs := r.reapOrphans(opts.PID)
	out.Terminated += orphans
	out.Errors = append(out.Errors, errs...)

	stale, errs := r.scanStaleHandles()
	out.StaleHandles = stale
	out.Errors = append(out.Errors, errs...)

	out.Errors = append(out.Errors, r.runHooks()...)

	out.Duration = time.Since(start)
	out.Success = len(out.Errors) == 0

	r.mu.Lock()
	r.history = append(r.history, out)
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}
	r.mu.Unlock()

	r.log.Info().
		Str("model", opts.ModelName).
		Bool("aggressive", opts.Aggressive).
		Bool("success", out.Success).
		Int("terminated", out.Terminated).
		Int("freed_vram_mb", out.FreedVRAMMB).
		Int("freed_ram_mb", out.FreedRAMMB).
		Int("stale_handles", out.StaleHandles).
		Int("errors", len(out.Errors)).
		Dur("duration", out.Duration).
		Msg("reclamation pass complete")
	return out
}

// runHooks invokes all registered hooks, capturing failures (including
// panics) as non-fatal error strings.
func (r *Reclaimer) runHooks() []string {
	r.mu.Lock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	var errs []string
	for i, h := range hooks {
		if err := callHook(h); err != nil {
			errs = append(errs, fmt.Sprintf("cleanup hook %d: %v", i, err))
		}
	}
	return errs
}

func callHook(h Hook) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h()
}
