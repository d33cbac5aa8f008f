package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modelhostd/internal/health"
	"modelhostd/internal/selector"
	"modelhostd/pkg/types"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by Defaults in main.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// Directory for process records and the lock audit trail.
	StateDir string `json:"state_dir" yaml:"state_dir" toml:"state_dir"`

	// Executable override per backend kind.
	Binaries map[types.BackendKind]string `json:"binaries" yaml:"binaries" toml:"binaries"`
	// Host backends bind to.
	Host string `json:"host" yaml:"host" toml:"host"`
	// Port range handed to spawned backends; 0 means ephemeral.
	PortStart int `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd   int `json:"port_end" yaml:"port_end" toml:"port_end"`
	// Seconds to wait for a backend port to answer after spawn.
	ReadyTimeoutSec int `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
	// Seconds between SIGTERM and SIGKILL on shutdown.
	GracefulTimeoutSec int `json:"graceful_timeout_sec" yaml:"graceful_timeout_sec" toml:"graceful_timeout_sec"`
	// Accelerator toolkit root exported to spawned backends.
	CUDAHome string `json:"cuda_home" yaml:"cuda_home" toml:"cuda_home"`
	// Python virtualenv activated for python backends.
	VenvPath string `json:"venv_path" yaml:"venv_path" toml:"venv_path"`

	// Health monitor poll interval, seconds.
	MonitorIntervalSec int               `json:"monitor_interval_sec" yaml:"monitor_interval_sec" toml:"monitor_interval_sec"`
	Thresholds         health.Thresholds `json:"thresholds" yaml:"thresholds" toml:"thresholds"`

	// Backend selection tuning knobs.
	Selector selector.Tuning `json:"selector" yaml:"selector" toml:"selector"`
}

// Defaults returns a fully populated Config.
func Defaults() Config {
	return Config{
		Addr:               ":8090",
		ModelsDir:          "~/models",
		StateDir:           "~/.modelhostd",
		Host:               "127.0.0.1",
		PortStart:          30000,
		PortEnd:            30999,
		ReadyTimeoutSec:    60,
		GracefulTimeoutSec: 5,
		MonitorIntervalSec: 30,
		Thresholds:         health.DefaultThresholds(),
		Selector:           selector.DefaultTuning(),
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge overlays non-zero fields of over onto base and returns the result.
// Used to apply a loaded file on top of Defaults.
func Merge(base, over Config) Config {
	out := base
	if over.Addr != "" {
		out.Addr = over.Addr
	}
	if over.ModelsDir != "" {
		out.ModelsDir = over.ModelsDir
	}
	if over.StateDir != "" {
		out.StateDir = over.StateDir
	}
	if len(over.Binaries) > 0 {
		out.Binaries = over.Binaries
	}
	if over.Host != "" {
		out.Host = over.Host
	}
	if over.PortStart > 0 {
		out.PortStart = over.PortStart
	}
	if over.PortEnd > 0 {
		out.PortEnd = over.PortEnd
	}
	if over.ReadyTimeoutSec > 0 {
		out.ReadyTimeoutSec = over.ReadyTimeoutSec
	}
	if over.GracefulTimeoutSec > 0 {
		out.GracefulTimeoutSec = over.GracefulTimeoutSec
	}
	if over.CUDAHome != "" {
		out.CUDAHome = over.CUDAHome
	}
	if over.VenvPath != "" {
		out.VenvPath = over.VenvPath
	}
	if over.MonitorIntervalSec > 0 {
		out.MonitorIntervalSec = over.MonitorIntervalSec
	}
	if over.Thresholds.CPUPercent > 0 {
		out.Thresholds.CPUPercent = over.Thresholds.CPUPercent
	}
	if over.Thresholds.MemoryPercent > 0 {
		out.Thresholds.MemoryPercent = over.Thresholds.MemoryPercent
	}
	if over.Thresholds.DiskPercent > 0 {
		out.Thresholds.DiskPercent = over.Thresholds.DiskPercent
	}
	if over.Thresholds.GPUMemPercent > 0 {
		out.Thresholds.GPUMemPercent = over.Thresholds.GPUMemPercent
	}
	if over.Selector.GPUSizeThresholdGB > 0 {
		out.Selector.GPUSizeThresholdGB = over.Selector.GPUSizeThresholdGB
	}
	if over.Selector.FullOffloadHeadroom > 0 {
		out.Selector.FullOffloadHeadroom = over.Selector.FullOffloadHeadroom
	}
	if over.Selector.DefaultContext > 0 {
		out.Selector.DefaultContext = over.Selector.DefaultContext
	}
	return out
}

// ReadyTimeout returns the spawn readiness deadline as a duration.
func (c Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSec) * time.Second
}

// GracefulTimeout returns the SIGTERM grace period as a duration.
func (c Config) GracefulTimeout() time.Duration {
	return time.Duration(c.GracefulTimeoutSec) * time.Second
}

// MonitorInterval returns the health poll interval as a duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSec) * time.Second
}
