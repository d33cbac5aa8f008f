package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelhostd/pkg/types"
)

func TestClassifyLadder(t *testing.T) {
	const th = 90
	cases := []struct {
		value float64
		want  types.HealthState
	}{
		{0, types.HealthHealthy},
		{62.9, types.HealthHealthy},  // just below 70% of threshold
		{63.0, types.HealthWarning},  // 70% of 90
		{80.9, types.HealthWarning},  // just below 90% of threshold
		{81.0, types.HealthCritical}, // 90% of 90
		{100, types.HealthCritical},
	}
	for _, c := range cases {
		if got := Classify(c.value, th); got != c.want {
			t.Fatalf("classify(%v, %v): got %s, want %s", c.value, th, got, c.want)
		}
	}
	if got := Classify(50, 0); got != types.HealthUnknown {
		t.Fatalf("zero threshold must classify unknown, got %s", got)
	}
}

// stubCollector flips between healthy and critical readings on demand.
type stubCollector struct {
	mu       sync.Mutex
	critical bool
}

func (s *stubCollector) set(critical bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critical = critical
}

func (s *stubCollector) collect() []Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := 10.0
	if s.critical {
		v = 99.0
	}
	return []Metric{
		{Name: "cpu_percent", Value: v, Threshold: 90, Unit: "%"},
		{Name: "memory_percent", Value: 10, Threshold: 90, Unit: "%"},
	}
}

func TestRestartAfterThreeConsecutiveCriticals(t *testing.T) {
	sc := &stubCollector{critical: true}
	m := New(time.Hour, DefaultThresholds(), sc.collect, zerolog.Nop())

	// Restart callbacks run on their own goroutine; collect them on a channel.
	restartCh := make(chan string, 4)
	m.RegisterRestartCallback(func(reason string) { restartCh <- reason })
	var mu sync.Mutex
	var criticals int
	m.RegisterHealthCallback(func(s types.HealthSample) {
		mu.Lock()
		defer mu.Unlock()
		criticals++
	})

	// Drive ticks directly; the loop interval is irrelevant here.
	m.tick()
	m.tick()
	select {
	case r := <-restartCh:
		t.Fatalf("restart must not fire before the third critical, got %q", r)
	case <-time.After(100 * time.Millisecond):
	}

	m.tick()
	select {
	case <-restartCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("restart must fire on the third consecutive critical")
	}
	mu.Lock()
	if criticals != 3 {
		t.Fatalf("health callback must fire on every critical sample, got %d", criticals)
	}
	mu.Unlock()

	snap := m.Snapshot()
	if snap.Status != types.HealthCritical {
		t.Fatalf("overall must be critical, got %s", snap.Status)
	}
	if snap.AlertCount != 3 {
		t.Fatalf("alert count: got %d, want 3", snap.AlertCount)
	}
}

func TestHealthyReadingResetsCounter(t *testing.T) {
	sc := &stubCollector{critical: true}
	m := New(time.Hour, DefaultThresholds(), sc.collect, zerolog.Nop())
	restartCh := make(chan string, 4)
	m.RegisterRestartCallback(func(reason string) { restartCh <- reason })

	m.tick()
	m.tick()
	sc.set(false)
	m.tick() // healthy resets
	sc.set(true)
	m.tick()
	m.tick()
	select {
	case <-restartCh:
		t.Fatalf("counter must reset on a healthy reading")
	case <-time.After(100 * time.Millisecond):
	}
	m.tick() // third consecutive critical
	select {
	case <-restartCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("restart must fire after three consecutive criticals")
	}
}

// A restart callback stops the monitor before reloading the model, so firing
// it from the loop goroutine would deadlock Stop against the in-flight tick.
func TestRestartCallbackMayStopMonitor(t *testing.T) {
	sc := &stubCollector{critical: true}
	m := New(5*time.Millisecond, DefaultThresholds(), sc.collect, zerolog.Nop())

	stopped := make(chan struct{})
	var once sync.Once
	m.RegisterRestartCallback(func(string) {
		m.Stop()
		once.Do(func() { close(stopped) })
	})
	m.Start()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("restart callback calling Stop must not deadlock the monitor")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sc := &stubCollector{}
	m := New(10*time.Millisecond, DefaultThresholds(), sc.collect, zerolog.Nop())
	m.Start()
	m.Start() // no-op
	time.Sleep(50 * time.Millisecond)
	m.Stop()
	m.Stop() // no-op

	snap := m.Snapshot()
	if snap.Status != types.HealthHealthy {
		t.Fatalf("expected healthy snapshot, got %s", snap.Status)
	}
	if len(snap.Metrics) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(snap.Metrics))
	}
	if len(m.History()) == 0 {
		t.Fatalf("history must accumulate while running")
	}
}

func TestHistoryBounded(t *testing.T) {
	sc := &stubCollector{}
	m := New(time.Hour, DefaultThresholds(), sc.collect, zerolog.Nop())
	for i := 0; i < historySize; i++ {
		m.tick()
	}
	if got := len(m.History()); got != historySize {
		t.Fatalf("history must be bounded at %d, got %d", historySize, got)
	}
}
