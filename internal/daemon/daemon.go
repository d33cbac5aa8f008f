// Package daemon wires the full component graph (selector, lock, supervisor,
// reclaimer, monitor, orchestrator) from a single Config and presents it as
// the service the HTTP layer and CLI consume.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"modelhostd/internal/common/fsutil"
	"modelhostd/internal/config"
	"modelhostd/internal/health"
	"modelhostd/internal/lifecycle"
	"modelhostd/internal/lock"
	"modelhostd/internal/reclaim"
	"modelhostd/internal/registry"
	"modelhostd/internal/selector"
	"modelhostd/internal/supervise"
	"modelhostd/pkg/types"
)

// Daemon owns the component graph. Lifecycle operations are promoted from the
// embedded orchestrator.
type Daemon struct {
	*lifecycle.Orchestrator

	cfg config.Config
	sup *supervise.Supervisor
	log zerolog.Logger
}

// New builds the full graph from cfg. The state directory is created if
// missing; a previous daemon's surviving backends are re-adopted from its
// process records.
func New(cfg config.Config, log zerolog.Logger) (*Daemon, error) {
	stateDir, err := fsutil.ExpandHome(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}

	sel := selector.New(nil, cfg.Selector, log)
	slot := lock.New(log, filepath.Join(stateDir, "lock_audit.jsonl"))

	sup := supervise.New(supervise.Config{
		Binaries:        cfg.Binaries,
		Host:            cfg.Host,
		PortStart:       cfg.PortStart,
		PortEnd:         cfg.PortEnd,
		ReadyTimeout:    cfg.ReadyTimeout(),
		GracefulTimeout: cfg.GracefulTimeout(),
		RecordPath:      filepath.Join(stateDir, "processes.json"),
		CUDAHome:        cfg.CUDAHome,
		VenvPath:        cfg.VenvPath,
	}, log)

	rc := reclaim.New(backendExes(cfg.Binaries), []string{stateDir, modelsDir}, log)
	mon := health.New(cfg.MonitorInterval(), cfg.Thresholds, nil, log)

	d := &Daemon{
		Orchestrator: lifecycle.New(sup, slot, rc, mon, sel, cfg.Host, log),
		cfg:          cfg,
		sup:          sup,
		log:          log.With().Str("component", "daemon").Logger(),
	}
	d.RegisterRestartCallback(d.restartOnHealth)
	return d, nil
}

// backendExes lists the command-line substrings that identify orphaned
// backend processes, including any configured overrides.
func backendExes(binaries map[types.BackendKind]string) []string {
	out := []string{"llama-server", "vllm.entrypoints", "transformers-server"}
	for _, exe := range binaries {
		out = append(out, filepath.Base(exe))
	}
	return out
}

// restartOnHealth is the monitor's escalation path: force-stop and reload the
// current model after repeated critical readings.
func (d *Daemon) restartOnHealth(reason string) {
	st := d.Status()
	if st.State != types.StateRunning || st.Config == nil {
		return
	}
	mc := *st.Config
	d.log.Warn().Str("reason", reason).Str("model", mc.Name).Msg("health-triggered restart")

	ctx := context.Background()
	if _, err := d.Stop(ctx, true); err != nil {
		d.log.Error().Err(err).Msg("restart: stop failed")
		return
	}
	if err := d.Load(ctx, mc); err != nil {
		d.log.Error().Err(err).Str("model", mc.Name).Msg("restart: reload failed")
	}
}

// ListModels scans the configured models directory.
func (d *Daemon) ListModels() ([]types.Model, error) {
	return registry.LoadDir(d.cfg.ModelsDir)
}

// Ready reports whether the daemon can accept a load operation or already
// serves one.
func (d *Daemon) Ready() bool {
	switch d.State() {
	case types.StateIdle, types.StateRunning, types.StateError:
		return true
	}
	return false
}

// Records exposes the supervisor's process table, mainly for the CLI.
func (d *Daemon) Records() []supervise.Record {
	return d.sup.Records()
}

// Shutdown stops the active model (if any) before the process exits. Errors
// are logged, not returned; shutdown always proceeds.
func (d *Daemon) Shutdown(ctx context.Context) {
	st := d.State()
	if st != types.StateRunning && st != types.StateError {
		return
	}
	if _, err := d.Stop(ctx, false); err != nil {
		d.log.Error().Err(err).Msg("shutdown: stop failed")
	}
}
