package reclaim

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// terminate attempts graceful termination of pid with a bounded wait, then a
// forced kill. Returns whether a process was actually terminated; an already
// dead pid is not an error.
func (r *Reclaimer) terminate(pid int) (bool, error) {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false, fmt.Errorf("pid probe: %w", err)
	}
	if !alive {
		return false, nil
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, nil // raced with exit
	}
	if err := p.Terminate(); err != nil {
		// Fall through to kill below.
		r.log.Debug().Int("pid", pid).Err(err).Msg("sigterm failed")
	}
	deadline := time.Now().Add(r.gracefulWait)
	for time.Now().Before(deadline) {
		if alive, _ := process.PidExists(int32(pid)); !alive {
			return true, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := p.Kill(); err != nil {
		if alive, _ := process.PidExists(int32(pid)); alive {
			return false, fmt.Errorf("kill: %w", err)
		}
	}
	return true, nil
}

// reapOrphans terminates processes whose command line matches a known
// backend executable name, excluding skipPID (the process the orchestrator
// already owns) and ourselves.
func (r *Reclaimer) reapOrphans(skipPID int) (int, []string) {
	if len(r.backendExes) == 0 {
		return 0, nil
	}
	procs, err := process.Processes()
	if err != nil {
		return 0, []string{fmt.Sprintf("enumerate processes: %v", err)}
	}
	var reaped int
	var errs []string
	for _, p := range procs {
		if int(p.Pid) == skipPID {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !r.matchesBackend(cmdline) {
			continue
		}
		r.log.Warn().Int32("pid", p.Pid).Str("cmdline", cmdline).Msg("reaping orphaned backend process")
		if killed, err := r.terminate(int(p.Pid)); err != nil {
			errs = append(errs, fmt.Sprintf("orphan pid %d: %v", p.Pid, err))
		} else if killed {
			reaped++
		}
	}
	return reaped, errs
}

func (r *Reclaimer) matchesBackend(cmdline string) bool {
	for _, exe := range r.backendExes {
		if exe != "" && strings.Contains(cmdline, exe) {
			return true
		}
	}
	return false
}
