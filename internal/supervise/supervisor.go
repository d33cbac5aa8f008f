// Package supervise spawns, tracks and terminates backend OS processes. It
// treats each backend as an opaque unit: build the command line, spawn, wait
// for the port to answer, and keep just enough bookkeeping to stop or adopt
// it later.
package supervise

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"modelhostd/pkg/types"
)

// Config carries supervisor-wide settings.
type Config struct {
	// Executable override per backend kind.
	Binaries map[types.BackendKind]string
	// Host backends bind to. Defaults to 127.0.0.1.
	Host string
	// Port range for allocation; PortStart<=0 uses ephemeral ports.
	PortStart int
	PortEnd   int
	// Default readiness timeout when a ModelConfig does not set one.
	ReadyTimeout time.Duration
	// How long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
	// JSON file for the process-record table. Empty disables persistence.
	RecordPath string
	// Accelerator toolkit root whose bin/lib64 are prepended to the child
	// environment, when set.
	CUDAHome string
	// Isolated runtime environment (venv) to activate for python backends.
	VenvPath string
}

const (
	defaultReadyTimeout    = 60 * time.Second
	defaultGracefulTimeout = 5 * time.Second
)

type proc struct {
	rec Record
	// cmd is nil for adopted processes (spawned by a previous supervisor).
	cmd *exec.Cmd
	// launch inputs kept for Restart.
	mc    types.ModelConfig
	hints map[string]int
	// closed by the wait goroutine once cmd.Wait returns; waitErr holds the
	// result. After Wait the stderr buffer is quiescent and safe to read.
	exited  chan struct{}
	waitErr error
}

// Supervisor tracks backend processes by logical model name.
type Supervisor struct {
	mu    sync.Mutex
	cfg   Config
	procs map[string]*proc
	ports *PortAllocator
	log   zerolog.Logger
}

// New constructs a Supervisor and re-adopts any still-running processes from
// the persisted record table. Stale records are dropped.
func New(cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	s := &Supervisor{
		cfg:   cfg,
		procs: make(map[string]*proc),
		ports: NewPortAllocator(cfg.Host, cfg.PortStart, cfg.PortEnd),
		log:   log.With().Str("component", "supervisor").Logger(),
	}
	s.adoptRecords()
	return s
}

// adoptRecords re-adopts persisted records whose pid is still alive and
// whose port still answers; everything else is discarded on the next save.
func (s *Supervisor) adoptRecords() {
	for name, rec := range loadRecords(s.cfg.RecordPath) {
		alive, _ := process.PidExists(int32(rec.PID))
		if !alive || !portAnswers(s.cfg.Host, rec.Port, time.Second) {
			s.log.Info().Str("name", name).Int("pid", rec.PID).Msg("dropping stale process record")
			continue
		}
		rec.Status = "adopted"
		s.procs[name] = &proc{rec: rec}
		s.ports.Adopt(rec.Port)
		s.log.Info().Str("name", name).Int("pid", rec.PID).Int("port", rec.Port).
			Msg("re-adopted running backend")
	}
	s.mu.Lock()
	s.saveRecords()
	s.mu.Unlock()
}

// Launch spawns the backend for mc and waits until its port accepts a
// connection. On readiness timeout or early exit the process is killed and
// an error returned.
func (s *Supervisor) Launch(ctx context.Context, mc types.ModelConfig, hints map[string]int) (Record, error) {
	s.mu.Lock()
	if _, exists := s.procs[mc.Name]; exists {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("process %q already tracked", mc.Name)
	}
	s.mu.Unlock()

	port := mc.Port
	if port > 0 {
		if err := s.ports.Claim(port); err != nil {
			return Record{}, err
		}
	} else {
		var err error
		if port, err = s.ports.Allocate(); err != nil {
			return Record{}, err
		}
	}

	exe, args, err := s.buildCommand(mc, port, hints)
	if err != nil {
		s.ports.Release(port)
		return Record{}, err
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = s.buildEnv(mc)
	// Own process group so termination reaches the backend's children too
	// (python launchers fork workers that would otherwise survive).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Keep a stderr tail in memory; included in spawn failures.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		s.ports.Release(port)
		return Record{}, fmt.Errorf("start %s: %w", exe, err)
	}

	rec := Record{
		Name:      mc.Name,
		Path:      mc.Path,
		Backend:   mc.Backend,
		Port:      port,
		PID:       cmd.Process.Pid,
		Command:   exe + " " + strings.Join(args, " "),
		StartedAt: time.Now(),
		URL:       fmt.Sprintf("http://%s:%d", s.cfg.Host, port),
		Status:    "starting",
	}
	p := &proc{rec: rec, cmd: cmd, mc: mc, hints: hints, exited: make(chan struct{})}
	s.mu.Lock()
	s.procs[mc.Name] = p
	s.saveRecords()
	s.mu.Unlock()

	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	s.log.Info().Str("name", mc.Name).Str("backend", string(mc.Backend)).
		Int("pid", rec.PID).Int("port", port).Msg("backend spawned")

	if err := s.awaitReady(ctx, p); err != nil {
		s.kill(p)
		// The stderr buffer is written by the wait goroutine's pipe copier
		// until the killed process's pipe drains; read it only after Wait.
		select {
		case <-p.exited:
		case <-time.After(s.cfg.GracefulTimeout):
		}
		s.mu.Lock()
		delete(s.procs, mc.Name)
		s.saveRecords()
		s.mu.Unlock()
		s.ports.Release(port)
		tail := stderr.String()
		if len(tail) > 4096 {
			tail = tail[len(tail)-4096:]
		}
		if tail != "" {
			return Record{}, fmt.Errorf("%w; stderr tail: %s", err, tail)
		}
		return Record{}, err
	}

	s.mu.Lock()
	p.rec.Status = "running"
	s.saveRecords()
	s.mu.Unlock()
	s.log.Info().Str("name", mc.Name).Str("url", rec.URL).Msg("backend ready")
	rec.Status = "running"
	return rec, nil
}

// awaitReady polls the backend port until it answers, the process exits
// early, or the deadline passes.
func (s *Supervisor) awaitReady(ctx context.Context, p *proc) error {
	timeout := p.mc.ReadyTimeout
	if timeout <= 0 {
		timeout = s.cfg.ReadyTimeout
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			select {
			case <-p.exited:
				if p.waitErr != nil {
					return retry.Unrecoverable(fmt.Errorf("backend exited early: %w", p.waitErr))
				}
				return retry.Unrecoverable(fmt.Errorf("backend exited before ready"))
			default:
			}
			if portAnswers(s.cfg.Host, p.rec.Port, time.Second) {
				return nil
			}
			return fmt.Errorf("port %d not answering", p.rec.Port)
		},
		retry.Context(deadline),
		retry.Attempts(0), // bounded by the context deadline
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if deadline.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("backend %q not ready within %s", p.rec.Name, timeout)
		}
		return err
	}
	return nil
}

// Stop terminates the tracked process gracefully, escalating to SIGKILL
// after the configured timeout, then deallocates its port and drops the
// bookkeeping entry.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %q not tracked", name)
	}

	s.terminate(p)

	s.mu.Lock()
	delete(s.procs, name)
	s.saveRecords()
	s.mu.Unlock()
	s.ports.Release(p.rec.Port)
	s.log.Info().Str("name", name).Int("pid", p.rec.PID).Msg("backend stopped")
	return nil
}

// terminate sends SIGTERM to the process group, waits GracefulTimeout, then
// SIGKILLs. A stuck process is never allowed to block the caller beyond the
// second timeout.
func (s *Supervisor) terminate(p *proc) {
	s.signal(p, syscall.SIGTERM)
	if p.exited != nil {
		select {
		case <-p.exited:
			return
		case <-time.After(s.cfg.GracefulTimeout):
		}
		s.kill(p)
		select {
		case <-p.exited:
		case <-time.After(s.cfg.GracefulTimeout):
		}
		return
	}
	// Adopted process: poll the pid instead of a wait channel.
	deadline := time.Now().Add(s.cfg.GracefulTimeout)
	for time.Now().Before(deadline) {
		if alive, _ := process.PidExists(int32(p.rec.PID)); !alive {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	s.signal(p, syscall.SIGKILL)
}

func (s *Supervisor) kill(p *proc) {
	s.signal(p, syscall.SIGKILL)
}

// signal targets the process group when the supervisor spawned the process
// itself, else the bare pid of an adopted process.
func (s *Supervisor) signal(p *proc, sig syscall.Signal) {
	if p.cmd != nil {
		_ = syscall.Kill(-p.rec.PID, sig)
		return
	}
	_ = syscall.Kill(p.rec.PID, sig)
}

// Kill is the forced variant of Stop: SIGKILL immediately, no SIGTERM grace.
func (s *Supervisor) Kill(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %q not tracked", name)
	}

	s.kill(p)
	if p.exited != nil {
		select {
		case <-p.exited:
		case <-time.After(s.cfg.GracefulTimeout):
		}
	}

	s.mu.Lock()
	delete(s.procs, name)
	s.saveRecords()
	s.mu.Unlock()
	s.ports.Release(p.rec.Port)
	s.log.Info().Str("name", name).Int("pid", p.rec.PID).Msg("backend killed")
	return nil
}

// Restart is stop-then-launch with the original parameters. Adopted
// processes cannot be restarted: their launch inputs were lost with the
// previous supervisor.
func (s *Supervisor) Restart(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("process %q not tracked", name)
	}
	if p.cmd == nil {
		return Record{}, fmt.Errorf("process %q was adopted; relaunch it explicitly", name)
	}
	mc, hints := p.mc, p.hints
	if err := s.Stop(name); err != nil {
		return Record{}, err
	}
	return s.Launch(ctx, mc, hints)
}

// CheckHealth reports per-process liveness: the pid must be alive AND the
// port must accept a connection.
func (s *Supervisor) CheckHealth() map[string]bool {
	s.mu.Lock()
	recs := make([]Record, 0, len(s.procs))
	for _, p := range s.procs {
		recs = append(recs, p.rec)
	}
	s.mu.Unlock()

	out := make(map[string]bool, len(recs))
	for _, rec := range recs {
		alive, _ := process.PidExists(int32(rec.PID))
		out[rec.Name] = alive && portAnswers(s.cfg.Host, rec.Port, time.Second)
	}
	return out
}

// Records returns a copy of the current bookkeeping table.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.rec)
	}
	return out
}

// MemoryMB reports the resident memory of a tracked process, 0 when unknown.
func (s *Supervisor) MemoryMB(name string) int {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	gp, err := process.NewProcess(int32(p.rec.PID))
	if err != nil {
		return 0
	}
	mi, err := gp.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return int(mi.RSS / (1 << 20))
}

// SequentialLoad launches configs one at a time with a delay between them,
// optionally stopping the previous entry first, to bound peak resource usage
// during batch provisioning. Errors are collected per config; one failure
// does not stop the sequence.
func (s *Supervisor) SequentialLoad(ctx context.Context, cfgs []types.ModelConfig, delay time.Duration, stopPrevious bool) map[string]error {
	results := make(map[string]error, len(cfgs))
	prev := ""
	for i, mc := range cfgs {
		if ctx.Err() != nil {
			results[mc.Name] = ctx.Err()
			continue
		}
		if stopPrevious && prev != "" {
			if err := s.Stop(prev); err != nil {
				s.log.Warn().Err(err).Str("name", prev).Msg("sequential load: stop previous failed")
			}
		}
		if _, err := s.Launch(ctx, mc, nil); err != nil {
			results[mc.Name] = err
			s.log.Warn().Err(err).Str("name", mc.Name).Msg("sequential load: launch failed")
		} else {
			results[mc.Name] = nil
			prev = mc.Name
		}
		if i < len(cfgs)-1 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}
	return results
}
