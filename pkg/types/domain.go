package types

import "time"

// BackendKind identifies an inference-engine executable family. The set is
// closed: command building switches over these constants, so adding a backend
// is a compile-time case addition rather than a string-keyed lookup.
type BackendKind string

const (
	BackendLlamaCpp     BackendKind = "llamacpp"
	BackendVLLM         BackendKind = "vllm"
	BackendTransformers BackendKind = "transformers"
)

// AllBackends lists every known backend kind.
func AllBackends() []BackendKind {
	return []BackendKind{BackendLlamaCpp, BackendVLLM, BackendTransformers}
}

// Valid reports whether k is one of the known backend kinds.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendLlamaCpp, BackendVLLM, BackendTransformers:
		return true
	}
	return false
}

// ModelFormat is the detected on-disk serialization of a model.
type ModelFormat string

const (
	FormatGGUF        ModelFormat = "gguf"        // packed single-file binary
	FormatGGML        ModelFormat = "ggml"        // legacy packed binary
	FormatSafetensors ModelFormat = "safetensors" // tensor-safe serialized
	FormatPyTorch     ModelFormat = "pytorch"     // framework-native checkpoint
	FormatHFDir       ModelFormat = "hf_dir"      // framework directory with config.json
	FormatUnknown     ModelFormat = "unknown"
)

// ModelConfig is the immutable input to a load operation. Callers build it
// once; the orchestrator never mutates it.
type ModelConfig struct {
	// Logical model name, unique among tracked processes.
	Name string `json:"name"`
	// Backend engine to launch.
	Backend BackendKind `json:"backend"`
	// Absolute path to the model file or directory.
	Path string `json:"path"`
	// TCP port the backend must serve on. 0 lets the supervisor allocate one.
	Port int `json:"port,omitempty"`
	// Device hint, e.g. "cuda", "cpu", "auto".
	Device string `json:"device,omitempty"`
	// Backend-specific extra launch arguments (flag name -> value).
	ExtraArgs map[string]string `json:"extra_args,omitempty"`
	// Environment overrides applied to the spawned process.
	Env map[string]string `json:"env,omitempty"`
	// How long to wait for the port to answer before giving up.
	ReadyTimeout time.Duration `json:"ready_timeout,omitempty"`
}

// ModelInstance identifies the currently held exclusive model slot. Owned by
// the instance lock: created on acquire, destroyed on release.
type ModelInstance struct {
	PID       int         `json:"pid"`
	Name      string      `json:"name"`
	Port      int         `json:"port"`
	Backend   BackendKind `json:"backend"`
	Device    string      `json:"device,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	MemoryMB  int         `json:"memory_mb,omitempty"`
}

// ModelCharacteristics is the selector's analysis of a model file, derived
// purely from the file and never persisted.
type ModelCharacteristics struct {
	Format       ModelFormat       `json:"format"`
	SizeGB       float64           `json:"size_gb"`
	Architecture string            `json:"architecture,omitempty"`
	Quantization string            `json:"quantization,omitempty"`
	ContextLen   int               `json:"context_len,omitempty"`
	ParamsB      float64           `json:"params_b,omitempty"`
	RequiresGPU  bool              `json:"requires_gpu"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// BackendProfile is a static capability description for one backend kind,
// configured once at selector construction and read-only thereafter.
type BackendProfile struct {
	Kind          BackendKind   `json:"kind"`
	Formats       []ModelFormat `json:"formats"`
	MaxModelGB    float64       `json:"max_model_gb,omitempty"` // 0 = unbounded
	SupportsGPU   bool          `json:"supports_gpu"`
	SupportsCPU   bool          `json:"supports_cpu"`
	Quantizations []string      `json:"quantizations,omitempty"`
	// Relative 1-10 scores.
	Performance int      `json:"performance"`
	MemoryEff   int      `json:"memory_eff"`
	Features    []string `json:"features,omitempty"`
}

// SupportsFormat reports whether f is in the profile's supported set.
func (p BackendProfile) SupportsFormat(f ModelFormat) bool {
	for _, sf := range p.Formats {
		if sf == f {
			return true
		}
	}
	return false
}

// BackendDecision is the selector's output for one model path.
type BackendDecision struct {
	Backend         BackendKind          `json:"backend"`
	Confidence      float64              `json:"confidence"` // in [0,1]
	Reason          string               `json:"reason"`
	Characteristics ModelCharacteristics `json:"characteristics"`
	Fallbacks       []BackendKind        `json:"fallbacks,omitempty"`
	// Launch configuration hints: context length, GPU layers, threads, batch.
	Hints map[string]int `json:"hints,omitempty"`
}

// CleanupOutcome is the immutable result of one reclamation pass.
type CleanupOutcome struct {
	Success      bool          `json:"success"`
	FreedRAMMB   int           `json:"freed_ram_mb"`
	FreedVRAMMB  int           `json:"freed_vram_mb"`
	StaleHandles int           `json:"stale_handles"`
	Terminated   int           `json:"terminated"`
	Duration     time.Duration `json:"duration"`
	Errors       []string      `json:"errors,omitempty"`
}

// Model represents a discoverable model on disk, as found by the registry
// scanner. Metadata beyond the filename is filled in by the selector.
type Model struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Quant  string `json:"quant,omitempty"`
	Family string `json:"family,omitempty"`
}
