package selector

import "modelhostd/pkg/types"

// DefaultProfiles is the built-in capability matrix. Callers may pass their
// own set to New to re-rank or restrict backends.
func DefaultProfiles() []types.BackendProfile {
	return []types.BackendProfile{
		{
			Kind:        types.BackendLlamaCpp,
			Formats:     []types.ModelFormat{types.FormatGGUF, types.FormatGGML},
			SupportsGPU: true,
			SupportsCPU: true,
			Quantizations: []string{
				"Q2_K", "Q3_K_S", "Q3_K_M", "Q3_K_L", "Q4_0", "Q4_1", "Q4_K_S", "Q4_K_M",
				"Q5_0", "Q5_1", "Q5_K_S", "Q5_K_M", "Q6_K", "Q8_0", "F16", "F32",
			},
			Performance: 8,
			MemoryEff:   9,
			Features:    []string{"partial_offload", "mmap", "low_memory"},
		},
		{
			Kind:          types.BackendVLLM,
			Formats:       []types.ModelFormat{types.FormatSafetensors, types.FormatHFDir},
			SupportsGPU:   true,
			SupportsCPU:   false,
			Quantizations: []string{"AWQ", "GPTQ", "FP16", "BF16", "INT8"},
			Performance:   9,
			MemoryEff:     6,
			Features:      []string{"paged_attention", "continuous_batching"},
		},
		{
			Kind:          types.BackendTransformers,
			Formats:       []types.ModelFormat{types.FormatPyTorch, types.FormatSafetensors, types.FormatHFDir},
			MaxModelGB:    30,
			SupportsGPU:   true,
			SupportsCPU:   true,
			Quantizations: []string{"FP16", "BF16", "FP32", "INT8", "INT4"},
			Performance:   5,
			MemoryEff:     4,
			Features:      []string{"widest_compat"},
		},
	}
}
