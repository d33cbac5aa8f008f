package reclaim

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestReclaimer(t *testing.T) *Reclaimer {
	t.Helper()
	r := New(nil, nil, zerolog.Nop())
	r.gpu = accelerator{} // never touch real hardware in tests
	return r
}

func TestCleanupIdempotentWhenNothingToDo(t *testing.T) {
	r := newTestReclaimer(t)
	out := r.Cleanup(Options{})
	if !out.Success {
		t.Fatalf("empty cleanup must succeed: %+v", out)
	}
	if out.Terminated != 0 || out.FreedVRAMMB != 0 || out.StaleHandles != 0 || len(out.Errors) != 0 {
		t.Fatalf("expected all-zero outcome, got %+v", out)
	}
	if out.Duration <= 0 {
		t.Fatalf("duration must be recorded")
	}
}

func TestHookIsolation(t *testing.T) {
	r := newTestReclaimer(t)
	var ran []int
	r.RegisterHook(func() error { ran = append(ran, 1); return nil })
	r.RegisterHook(func() error { ran = append(ran, 2); return errors.New("boom") })
	r.RegisterHook(func() error { ran = append(ran, 3); panic("worse") })
	r.RegisterHook(func() error { ran = append(ran, 4); return nil })

	out := r.Cleanup(Options{})
	if len(ran) != 4 {
		t.Fatalf("all hooks must run despite failures, ran %v", ran)
	}
	if out.Success {
		t.Fatalf("hook failures must mark outcome unsuccessful")
	}
	if len(out.Errors) != 2 {
		t.Fatalf("expected 2 hook errors, got %v", out.Errors)
	}
}

func TestTerminateDeadPIDIsNoop(t *testing.T) {
	r := newTestReclaimer(t)
	// Spawn and reap a child so its pid is known-dead.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()

	out := r.Cleanup(Options{PID: pid})
	if !out.Success {
		t.Fatalf("dead pid must not fail cleanup: %+v", out)
	}
	if out.Terminated != 0 {
		t.Fatalf("dead pid must not count as terminated")
	}
}

func TestTerminateLiveProcess(t *testing.T) {
	r := newTestReclaimer(t)
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Reap in the background so the child does not linger as a zombie while
	// the reclaimer polls for its exit.
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	out := r.Cleanup(Options{PID: cmd.Process.Pid, ModelName: "m"})
	if out.Terminated != 1 {
		t.Fatalf("live process must be terminated, got %+v", out)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("terminated process never exited")
	}
}

func TestStaleHandleScan(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.lock", "b.tmp", "c.cache", "d.pid", "model.gguf"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	r := New(nil, []string{dir}, zerolog.Nop())
	r.gpu = accelerator{}
	out := r.Cleanup(Options{})
	if out.StaleHandles != 4 {
		t.Fatalf("expected 4 stale handles, got %d", out.StaleHandles)
	}
}

func TestHistoryBounded(t *testing.T) {
	r := newTestReclaimer(t)
	for i := 0; i < historySize+10; i++ {
		r.Cleanup(Options{})
	}
	if got := len(r.History()); got != historySize {
		t.Fatalf("history must be bounded at %d, got %d", historySize, got)
	}
}
