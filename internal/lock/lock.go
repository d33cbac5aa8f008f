// Package lock owns the single active model slot. The InstanceLock is the
// sole arbiter of the "at most one backend process" invariant: every
// orchestrator transition that creates or destroys a process goes through it.
package lock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modelhostd/pkg/types"
)

// AuditEntry records one mutating lock operation. The audit log is
// append-only and in-memory; persistence (if configured) is best-effort and
// never authoritative.
type AuditEntry struct {
	ID      string    `json:"id"`
	Action  string    `json:"action"` // acquire | bind | release | force_release | denied
	PID     int       `json:"pid,omitempty"`
	Model   string    `json:"model,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Granted bool      `json:"granted"`
	At      time.Time `json:"at"`
}

// InstanceLock is an exclusive-ownership mutex over the one active model
// slot, keyed by process id. Operations never block on anything slower than
// the internal mutex; there is no queuing, a busy slot is a denial.
type InstanceLock struct {
	mu     sync.Mutex
	holder *types.ModelInstance
	audit  []AuditEntry
	log    zerolog.Logger

	auditPath string // optional JSONL sink for the trail
}

// New constructs an empty lock. auditPath may be empty to disable the
// on-disk trail.
func New(log zerolog.Logger, auditPath string) *InstanceLock {
	return &InstanceLock{
		log:       log.With().Str("component", "instance_lock").Logger(),
		auditPath: auditPath,
	}
}

// Acquire claims the slot for inst. It succeeds only when no instance is
// currently held; otherwise it returns false and leaves the holder untouched.
func (l *InstanceLock) Acquire(inst types.ModelInstance) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil {
		l.append(AuditEntry{Action: "denied", PID: inst.PID, Model: inst.Name, Granted: false})
		l.log.Warn().Int("pid", inst.PID).Str("model", inst.Name).
			Str("holder", l.holder.Name).Msg("acquire denied: slot held")
		return false
	}
	cp := inst
	l.holder = &cp
	l.append(AuditEntry{Action: "acquire", PID: inst.PID, Model: inst.Name, Granted: true})
	l.log.Info().Int("pid", inst.PID).Str("model", inst.Name).Msg("slot acquired")
	return true
}

// Release frees the slot if pid matches the current holder. Mismatched pids
// are rejected so a stale or unrelated caller cannot release someone else's
// slot.
func (l *InstanceLock) Release(pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil || l.holder.PID != pid {
		l.append(AuditEntry{Action: "release", PID: pid, Granted: false})
		l.log.Warn().Int("pid", pid).Msg("release rejected: not holder")
		return false
	}
	model := l.holder.Name
	l.holder = nil
	l.append(AuditEntry{Action: "release", PID: pid, Model: model, Granted: true})
	l.log.Info().Int("pid", pid).Str("model", model).Msg("slot released")
	return true
}

// BindPID records the spawned process id on the current holder. The slot is
// acquired before the process exists, so the pid arrives late; binding fails
// when the slot is free.
func (l *InstanceLock) BindPID(pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		l.append(AuditEntry{Action: "bind", PID: pid, Granted: false})
		return false
	}
	l.holder.PID = pid
	l.append(AuditEntry{Action: "bind", PID: pid, Model: l.holder.Name, Granted: true})
	return true
}

// ForceRelease unconditionally clears the holder. Used for emergency
// recovery and always during failed-load cleanup.
func (l *InstanceLock) ForceRelease(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var pid int
	var model string
	if l.holder != nil {
		pid = l.holder.PID
		model = l.holder.Name
	}
	l.holder = nil
	l.append(AuditEntry{Action: "force_release", PID: pid, Model: model, Reason: reason, Granted: true})
	l.log.Info().Int("pid", pid).Str("model", model).Str("reason", reason).Msg("slot force-released")
}

// Held reports whether the slot is currently owned.
func (l *InstanceLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != nil
}

// Holder returns a copy of the current holder, or nil when the slot is free.
func (l *InstanceLock) Holder() *types.ModelInstance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return nil
	}
	cp := *l.holder
	return &cp
}

// Audit returns a copy of the audit trail.
func (l *InstanceLock) Audit() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.audit))
	copy(out, l.audit)
	return out
}

// append records an entry; caller must hold l.mu.
func (l *InstanceLock) append(e AuditEntry) {
	e.ID = uuid.NewString()
	e.At = time.Now()
	l.audit = append(l.audit, e)
	if l.auditPath != "" {
		l.persistAudit(e)
	}
}
