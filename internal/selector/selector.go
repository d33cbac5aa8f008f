// Package selector decides which inference engine should serve a model file.
// Selection is a pure function of the file's format, size and quantization
// against a static capability matrix; the only I/O is reading the file's
// header or directory manifest.
package selector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"modelhostd/pkg/types"
)

// Tuning carries the empirical sizing constants. They are knobs, not
// correctness requirements, so they live in config rather than as fixed
// thresholds.
type Tuning struct {
	// Above this size a model is flagged as GPU-required.
	GPUSizeThresholdGB float64 `json:"gpu_size_threshold_gb" yaml:"gpu_size_threshold_gb" toml:"gpu_size_threshold_gb"`
	// A model fitting within this fraction of accelerator memory gets full
	// GPU offload.
	FullOffloadHeadroom float64 `json:"full_offload_headroom" yaml:"full_offload_headroom" toml:"full_offload_headroom"`
	// Context length used when nothing better is known.
	DefaultContext int `json:"default_context" yaml:"default_context" toml:"default_context"`
}

// DefaultTuning returns the tuning constants carried over from field use.
func DefaultTuning() Tuning {
	return Tuning{
		GPUSizeThresholdGB:  12,
		FullOffloadHeadroom: 0.8,
		DefaultContext:      4096,
	}
}

// Preferences optionally bias a selection toward a caller-named backend or
// device.
type Preferences struct {
	Backend types.BackendKind
	Device  string
}

// Selector scores backend profiles against analyzed model characteristics.
type Selector struct {
	profiles []types.BackendProfile
	tuning   Tuning
	// gpuMemGB reports accelerator memory in GB, 0 when absent. Injected so
	// tests do not depend on host hardware.
	gpuMemGB func() float64
	threads  int
	log      zerolog.Logger
}

// Option customizes a Selector.
type Option func(*Selector)

// WithGPUMemProbe overrides accelerator memory detection.
func WithGPUMemProbe(probe func() float64) Option {
	return func(s *Selector) { s.gpuMemGB = probe }
}

// WithThreads overrides the host CPU thread count used for hints.
func WithThreads(n int) Option {
	return func(s *Selector) { s.threads = n }
}

// New constructs a Selector over the given capability matrix. A nil or empty
// profile set falls back to DefaultProfiles.
func New(profiles []types.BackendProfile, tuning Tuning, log zerolog.Logger, opts ...Option) *Selector {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	if tuning.GPUSizeThresholdGB <= 0 {
		tuning.GPUSizeThresholdGB = DefaultTuning().GPUSizeThresholdGB
	}
	if tuning.FullOffloadHeadroom <= 0 {
		tuning.FullOffloadHeadroom = DefaultTuning().FullOffloadHeadroom
	}
	if tuning.DefaultContext <= 0 {
		tuning.DefaultContext = DefaultTuning().DefaultContext
	}
	s := &Selector{
		profiles: profiles,
		tuning:   tuning,
		gpuMemGB: detectGPUMemGB,
		threads:  defaultThreads(),
		log:      log.With().Str("component", "selector").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type scored struct {
	profile types.BackendProfile
	score   float64
}

// Select analyzes the model at path and returns a ranked backend decision.
// It never returns an error: unreadable inputs yield a low-confidence
// fallback decision instead.
func (s *Selector) Select(path string, prefs *Preferences) types.BackendDecision {
	ch, err := s.Analyze(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("analysis failed, using fallback decision")
		return fallbackDecision(ch, err)
	}

	candidates := make([]scored, 0, len(s.profiles))
	for _, p := range s.profiles {
		if !p.SupportsFormat(ch.Format) {
			continue
		}
		candidates = append(candidates, scored{profile: p, score: s.score(p, ch, prefs)})
	}
	if len(candidates) == 0 {
		return fallbackDecision(ch, fmt.Errorf("no backend supports format %q", ch.Format))
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	best := candidates[0]
	var fallbacks []types.BackendKind
	for _, c := range candidates[1:] {
		if c.score <= 0.3 || len(fallbacks) == 3 {
			break
		}
		fallbacks = append(fallbacks, c.profile.Kind)
	}

	dec := types.BackendDecision{
		Backend:         best.profile.Kind,
		Confidence:      best.score,
		Reason:          reason(best.profile, ch),
		Characteristics: ch,
		Fallbacks:       fallbacks,
		Hints:           s.hints(best.profile.Kind, ch, prefs),
	}
	s.log.Info().Str("path", path).Str("backend", string(dec.Backend)).
		Float64("confidence", dec.Confidence).Str("format", string(ch.Format)).
		Msg("backend selected")
	return dec
}

// score computes the geometric mean of the independent fit factors, capped
// at 1.0.
func (s *Selector) score(p types.BackendProfile, ch types.ModelCharacteristics, prefs *Preferences) float64 {
	factors := []float64{
		1.0, // format match: candidacy already requires it
		sizeFit(p, ch),
		gpuFit(p, ch),
		quantFit(p, ch),
		float64(p.Performance) / 10,
		float64(p.MemoryEff) / 10,
	}
	if prefs != nil && prefs.Backend == p.Kind {
		factors = append(factors, 1.25)
	}
	prod := 1.0
	for _, f := range factors {
		prod *= f
	}
	return math.Min(math.Pow(prod, 1/float64(len(factors))), 1.0)
}

func sizeFit(p types.BackendProfile, ch types.ModelCharacteristics) float64 {
	if p.MaxModelGB <= 0 || ch.SizeGB <= p.MaxModelGB {
		return 1.0
	}
	return math.Max(p.MaxModelGB/ch.SizeGB, 0.1)
}

func gpuFit(p types.BackendProfile, ch types.ModelCharacteristics) float64 {
	switch {
	case ch.RequiresGPU && !p.SupportsGPU:
		return 0.3
	case ch.RequiresGPU && p.SupportsGPU:
		return 1.1
	case !p.SupportsCPU:
		// CPU-sized model on a GPU-only backend still works, just wasteful.
		return 0.8
	}
	return 1.0
}

func quantFit(p types.BackendProfile, ch types.ModelCharacteristics) float64 {
	if ch.Quantization == "" {
		return 1.0
	}
	for _, q := range p.Quantizations {
		if strings.EqualFold(q, ch.Quantization) {
			return 1.1
		}
	}
	return 0.9
}

func reason(p types.BackendProfile, ch types.ModelCharacteristics) string {
	r := fmt.Sprintf("%s handles %s (%.1f GB", p.Kind, ch.Format, ch.SizeGB)
	if ch.Quantization != "" {
		r += ", " + ch.Quantization
	}
	if ch.RequiresGPU {
		r += ", GPU required"
	}
	return r + ")"
}

// fallbackDecision is the never-fails escape hatch: fixed low confidence and
// a short generic fallback chain.
func fallbackDecision(ch types.ModelCharacteristics, cause error) types.BackendDecision {
	return types.BackendDecision{
		Backend:         types.BackendLlamaCpp,
		Confidence:      0.1,
		Reason:          fmt.Sprintf("analysis failed (%v); defaulting to llamacpp", cause),
		Characteristics: ch,
		Fallbacks:       []types.BackendKind{types.BackendTransformers},
	}
}
