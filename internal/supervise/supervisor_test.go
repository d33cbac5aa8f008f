package supervise

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"modelhostd/pkg/types"
)

// sleepScript writes a shell script that ignores its arguments and sleeps.
// Launched via `sh -m <script> ...`, it stands in for a backend that never
// opens its port.
func sleepScript(t *testing.T, dir string, secs int) string {
	t.Helper()
	p := filepath.Join(dir, "backend.sh")
	body := "#!/bin/sh\nsleep " + strconv.Itoa(secs) + "\n"
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func shBackend() map[types.BackendKind]string {
	return map[types.BackendKind]string{types.BackendLlamaCpp: "/bin/sh"}
}

func TestLaunchSpawnErrorMissingBinary(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Binaries: map[types.BackendKind]string{types.BackendLlamaCpp: "/nonexistent/llama-server"},
	})
	_, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "m", Backend: types.BackendLlamaCpp, Path: "/models/m.gguf",
	}, nil)
	if err == nil {
		t.Fatalf("missing binary must fail launch")
	}
	if len(s.Records()) != 0 {
		t.Fatalf("failed launch must leave no record")
	}
}

func TestLaunchEarlyExit(t *testing.T) {
	s := newTestSupervisor(t, Config{
		// `true` exits immediately regardless of arguments.
		Binaries:     map[types.BackendKind]string{types.BackendLlamaCpp: "true"},
		ReadyTimeout: 10 * time.Second,
	})
	_, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "m", Backend: types.BackendLlamaCpp, Path: "/models/m.gguf",
	}, nil)
	if err == nil {
		t.Fatalf("early exit must fail launch")
	}
	if !strings.Contains(err.Error(), "exited") {
		t.Fatalf("error should mention early exit, got: %v", err)
	}
}

func TestLaunchEarlyExitCapturesStderr(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "backend.sh")
	body := "#!/bin/sh\necho model load exploded >&2\nexit 3\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	s := newTestSupervisor(t, Config{
		Binaries:        shBackend(),
		ReadyTimeout:    10 * time.Second,
		GracefulTimeout: 2 * time.Second,
	})
	_, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "m", Backend: types.BackendLlamaCpp, Path: script,
	}, nil)
	if err == nil {
		t.Fatalf("early exit must fail launch")
	}
	if !strings.Contains(err.Error(), "model load exploded") {
		t.Fatalf("error must carry the stderr tail, got: %v", err)
	}
}

func TestLaunchReadinessTimeout(t *testing.T) {
	script := sleepScript(t, t.TempDir(), 30)
	s := newTestSupervisor(t, Config{
		Binaries:     shBackend(),
		ReadyTimeout: 700 * time.Millisecond,
	})
	start := time.Now()
	_, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "m", Backend: types.BackendLlamaCpp, Path: script,
	}, nil)
	if err == nil {
		t.Fatalf("readiness timeout must fail launch")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(start))
	}
	if len(s.Records()) != 0 {
		t.Fatalf("timed-out launch must leave no record")
	}
}

func TestLaunchAndStop(t *testing.T) {
	dir := t.TempDir()
	script := sleepScript(t, dir, 60)
	port, err := pickEphemeral("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	// The script never listens; a test listener answers the readiness poll
	// instead, grabbing the port shortly after the supervisor claims it.
	var ln net.Listener
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(250 * time.Millisecond)
		for i := 0; i < 100; i++ {
			if l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port)); err == nil {
				ln = l
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		<-done
		if ln != nil {
			_ = ln.Close()
		}
	})

	recPath := filepath.Join(dir, "records.json")
	s := newTestSupervisor(t, Config{
		Binaries:        shBackend(),
		ReadyTimeout:    10 * time.Second,
		GracefulTimeout: 2 * time.Second,
		RecordPath:      recPath,
	})
	rec, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "tiny", Backend: types.BackendLlamaCpp, Path: script, Port: port,
	}, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if rec.PID == 0 || rec.Port != port || rec.Status != "running" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Record table must be persisted.
	b, err := os.ReadFile(recPath)
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	var persisted map[string]Record
	if err := json.Unmarshal(b, &persisted); err != nil {
		t.Fatalf("records not valid json: %v", err)
	}
	if _, ok := persisted["tiny"]; !ok {
		t.Fatalf("record for tiny missing: %v", persisted)
	}

	// Duplicate name is rejected.
	if _, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "tiny", Backend: types.BackendLlamaCpp, Path: script,
	}, nil); err == nil {
		t.Fatalf("duplicate name must be rejected")
	}

	if err := s.Stop("tiny"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(s.Records()) != 0 {
		t.Fatalf("stop must drop the bookkeeping entry")
	}
	if err := s.Stop("tiny"); err == nil {
		t.Fatalf("stopping an untracked name must error")
	}
}

func TestKillUntracked(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	if err := s.Kill("ghost"); err == nil {
		t.Fatalf("killing an untracked name must error")
	}
}

// answerPort binds a listener on port shortly after the supervisor claims it,
// standing in for a backend opening its socket. The returned func waits for
// the bind attempt and releases the port.
func answerPort(t *testing.T, port int) func() {
	t.Helper()
	var ln net.Listener
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(250 * time.Millisecond)
		for i := 0; i < 100; i++ {
			if l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port)); err == nil {
				ln = l
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return func() {
		<-done
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func TestRestart(t *testing.T) {
	dir := t.TempDir()
	script := sleepScript(t, dir, 60)
	port, err := pickEphemeral("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	s := newTestSupervisor(t, Config{
		Binaries:        shBackend(),
		ReadyTimeout:    10 * time.Second,
		GracefulTimeout: 2 * time.Second,
	})

	release := answerPort(t, port)
	rec1, err := s.Launch(context.Background(), types.ModelConfig{
		Name: "tiny", Backend: types.BackendLlamaCpp, Path: script, Port: port,
	}, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	// Free the port so the relaunch can claim it again.
	release()

	release2 := answerPort(t, port)
	defer release2()
	rec2, err := s.Restart(context.Background(), "tiny")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if rec2.PID == 0 || rec2.PID == rec1.PID {
		t.Fatalf("restart must spawn a new process: old pid %d, new pid %d", rec1.PID, rec2.PID)
	}
	if rec2.Port != port || rec2.Path != script || rec2.Status != "running" {
		t.Fatalf("restart must reuse the original parameters, got %+v", rec2)
	}
	if len(s.Records()) != 1 {
		t.Fatalf("restart must leave exactly one tracked process")
	}
	if err := s.Stop("tiny"); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRestartUntracked(t *testing.T) {
	s := newTestSupervisor(t, Config{})
	if _, err := s.Restart(context.Background(), "ghost"); err == nil {
		t.Fatalf("restarting an untracked name must error")
	}
}

func TestAdoptionDropsStaleRecords(t *testing.T) {
	dir := t.TempDir()
	recPath := filepath.Join(dir, "records.json")

	// A record with a dead pid must be dropped; one matching a live pid and
	// answering port must be adopted. Our own pid plus a test listener
	// satisfies both liveness checks.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	livePort := ln.Addr().(*net.TCPAddr).Port

	records := map[string]Record{
		"stale": {Name: "stale", PID: 999999, Port: 1, Status: "running"},
		"live":  {Name: "live", PID: os.Getpid(), Port: livePort, Status: "running"},
	}
	b, _ := json.MarshalIndent(records, "", "  ")
	if err := os.WriteFile(recPath, b, 0o644); err != nil {
		t.Fatal(err)
	}

	s := newTestSupervisor(t, Config{RecordPath: recPath})
	recs := s.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 adopted record, got %d: %+v", len(recs), recs)
	}
	if recs[0].Name != "live" || recs[0].Status != "adopted" {
		t.Fatalf("unexpected adopted record: %+v", recs[0])
	}

	health := s.CheckHealth()
	if !health["live"] {
		t.Fatalf("adopted live process must be healthy")
	}

	// Adopted processes lost their launch inputs; restart must be refused.
	if _, err := s.Restart(context.Background(), "live"); err == nil {
		t.Fatalf("restarting an adopted process must be refused")
	}
}

func TestSequentialLoadCollectsErrors(t *testing.T) {
	s := newTestSupervisor(t, Config{
		Binaries: map[types.BackendKind]string{types.BackendLlamaCpp: "/nonexistent/bin"},
	})
	cfgs := []types.ModelConfig{
		{Name: "a", Backend: types.BackendLlamaCpp, Path: "/x"},
		{Name: "b", Backend: types.BackendLlamaCpp, Path: "/y"},
	}
	results := s.SequentialLoad(context.Background(), cfgs, 0, true)
	if len(results) != 2 {
		t.Fatalf("expected per-config results, got %v", results)
	}
	if results["a"] == nil || results["b"] == nil {
		t.Fatalf("both launches should have failed: %v", results)
	}
}
