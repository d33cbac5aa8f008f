// Package health runs the background loop that samples system and
// per-process resource metrics, classifies them against thresholds, and
// triggers restart callbacks after repeated critical readings.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modelhostd/pkg/types"
)

// Thresholds are the per-metric critical levels, in percent. Zero disables a
// metric's classification (it reports unknown).
type Thresholds struct {
	CPUPercent    float64 `json:"cpu_percent" yaml:"cpu_percent" toml:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent" yaml:"memory_percent" toml:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent" yaml:"disk_percent" toml:"disk_percent"`
	GPUMemPercent float64 `json:"gpu_mem_percent" yaml:"gpu_mem_percent" toml:"gpu_mem_percent"`
}

// DefaultThresholds returns the stock critical levels.
func DefaultThresholds() Thresholds {
	return Thresholds{CPUPercent: 90, MemoryPercent: 90, DiskPercent: 95, GPUMemPercent: 95}
}

// Metric is one raw reading before classification.
type Metric struct {
	Name      string
	Value     float64
	Threshold float64
	Unit      string
}

// Collector produces the raw readings for one tick.
type Collector func() []Metric

const (
	defaultInterval = 30 * time.Second
	historySize     = 256
	criticalsToFire = 3
	warningRatio    = 0.70 // below this fraction of threshold: healthy
	criticalRatio   = 0.90 // below this fraction: warning; above: critical
)

// Monitor polls a Collector at a fixed interval for as long as Start/Stop
// bracket it. Collection failures never propagate: a bad tick is logged and
// the loop continues.
type Monitor struct {
	interval time.Duration
	collect  Collector
	log      zerolog.Logger

	mu             sync.Mutex
	latest         []types.HealthSample
	history        []types.HealthSample
	overall        types.HealthState
	alertCount     int
	consecCritical int
	restartCbs     []func(reason string)
	changeCbs      []func(types.HealthSample)

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Monitor. interval<=0 uses the default; a nil collector
// samples the host via gopsutil and nvidia-smi.
func New(interval time.Duration, th Thresholds, collect Collector, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if collect == nil {
		collect = SystemCollector(th)
	}
	return &Monitor{
		interval: interval,
		collect:  collect,
		overall:  types.HealthUnknown,
		log:      log.With().Str("component", "health_monitor").Logger(),
	}
}

// RegisterRestartCallback adds a callback fired after three consecutive
// critical overall readings.
func (m *Monitor) RegisterRestartCallback(cb func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartCbs = append(m.restartCbs, cb)
}

// RegisterHealthCallback adds a callback invoked on every critical sample,
// independent of the consecutive counter, for external alerting.
func (m *Monitor) RegisterHealthCallback(cb func(types.HealthSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCbs = append(m.changeCbs, cb)
}

// Start launches the polling loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(m.stopCh, m.doneCh)
	m.log.Info().Dur("interval", m.interval).Msg("health monitor started")
}

// Stop halts the loop and waits for the in-flight tick to finish, so no tick
// can touch a process that is being torn down. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info().Msg("health monitor stopped")
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.tick() // sample immediately rather than after the first interval
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick performs one collection, classification and callback pass.
func (m *Monitor) tick() {
	metrics := m.collect()

	now := time.Now()
	samples := make([]types.HealthSample, 0, len(metrics))
	overall := types.HealthHealthy
	if len(metrics) == 0 {
		overall = types.HealthUnknown
	}
	for _, mt := range metrics {
		st := Classify(mt.Value, mt.Threshold)
		samples = append(samples, types.HealthSample{
			Metric:    mt.Name,
			Value:     mt.Value,
			Status:    st,
			Threshold: mt.Threshold,
			Unit:      mt.Unit,
			Timestamp: now,
		})
		overall = worse(overall, st)
		observeMetric(mt.Name, mt.Value, st)
	}
	observeOverall(overall)

	m.mu.Lock()
	m.latest = samples
	m.history = append(m.history, samples...)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.overall = overall

	var fireRestart bool
	switch overall {
	case types.HealthCritical:
		m.alertCount++
		m.consecCritical++
		if m.consecCritical >= criticalsToFire {
			fireRestart = true
			m.consecCritical = 0
		}
	case types.HealthHealthy:
		m.consecCritical = 0
	}
	restartCbs := append([]func(string){}, m.restartCbs...)
	changeCbs := append([]func(types.HealthSample){}, m.changeCbs...)
	m.mu.Unlock()

	ev := m.log.Info()
	if overall == types.HealthCritical {
		ev = m.log.Warn()
	}
	d := zerolog.Dict()
	for _, s := range samples {
		d = d.Float64(s.Metric, s.Value)
	}
	ev.Str("overall", string(overall)).Dict("metrics", d).Msg("health tick")

	if overall == types.HealthCritical {
		for _, s := range samples {
			if s.Status != types.HealthCritical {
				continue
			}
			for _, cb := range changeCbs {
				cb(s)
			}
		}
		incrAlerts()
	}
	if fireRestart {
		m.log.Error().Msg("three consecutive critical readings, firing restart callbacks")
		for _, cb := range restartCbs {
			// Own goroutine: a restart typically calls Stop on this monitor,
			// which waits for the loop goroutine running this very tick.
			go cb("repeated critical health readings")
		}
	}
}

// Snapshot returns the latest classified samples and the overall verdict.
func (m *Monitor) Snapshot() types.HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := types.HealthSnapshot{
		Status:     m.overall,
		Metrics:    make([]types.HealthSample, len(m.latest)),
		AlertCount: m.alertCount,
	}
	copy(out.Metrics, m.latest)
	return out
}

// History returns a copy of the bounded sample history, oldest first.
func (m *Monitor) History() []types.HealthSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.HealthSample, len(m.history))
	copy(out, m.history)
	return out
}

// Classify grades value against threshold on the fixed ratio ladder.
func Classify(value, threshold float64) types.HealthState {
	if threshold <= 0 {
		return types.HealthUnknown
	}
	switch {
	case value < threshold*warningRatio:
		return types.HealthHealthy
	case value < threshold*criticalRatio:
		return types.HealthWarning
	default:
		return types.HealthCritical
	}
}

// severity order for worst-of aggregation
var severity = map[types.HealthState]int{
	types.HealthHealthy:  0,
	types.HealthUnknown:  1,
	types.HealthWarning:  2,
	types.HealthCritical: 3,
}

func worse(a, b types.HealthState) types.HealthState {
	if severity[b] > severity[a] {
		return b
	}
	return a
}
