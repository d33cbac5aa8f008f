package selector

import (
	"bufio"
	"bytes"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"modelhostd/pkg/types"
)

// Hint keys shared with the supervisor's command builders.
const (
	HintContextLen = "context_len"
	HintGPULayers  = "gpu_layers" // -1 means offload everything
	HintThreads    = "threads"
	HintBatchSize  = "batch_size"
	HintGPUMemPct  = "gpu_mem_pct"
)

// hints derives backend-specific launch configuration from the analyzed
// characteristics.
func (s *Selector) hints(kind types.BackendKind, ch types.ModelCharacteristics, prefs *Preferences) map[string]int {
	ctx := ch.ContextLen
	if ctx == 0 {
		ctx = s.tuning.DefaultContext
	}
	gpuMem := s.gpuMemGB()
	wantsGPU := ch.RequiresGPU || gpuMem > 0
	if prefs != nil && strings.EqualFold(prefs.Device, "cpu") {
		wantsGPU = false
	}

	h := map[string]int{HintContextLen: ctx}
	switch kind {
	case types.BackendLlamaCpp:
		h[HintThreads] = s.threads
		h[HintBatchSize] = 512
		h[HintGPULayers] = 0
		if wantsGPU && gpuMem > 0 {
			if ch.SizeGB <= gpuMem*s.tuning.FullOffloadHeadroom {
				h[HintGPULayers] = -1
			} else {
				// Partial offload proportional to what fits.
				layers := int(gpuMem * s.tuning.FullOffloadHeadroom / ch.SizeGB * 32)
				if layers < 1 {
					layers = 1
				}
				h[HintGPULayers] = layers
			}
		}
	case types.BackendVLLM:
		h[HintGPUMemPct] = 90
		h[HintBatchSize] = 256
	case types.BackendTransformers:
		h[HintThreads] = s.threads
		h[HintBatchSize] = 1
	}
	return h
}

func defaultThreads() int {
	n := runtime.NumCPU() / 2
	if n < 4 {
		n = 4
	}
	return n
}

// detectGPUMemGB probes nvidia-smi for total memory of device 0. Returns 0
// when no accelerator (or no nvidia-smi) is present.
func detectGPUMemGB() float64 {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	if !sc.Scan() {
		return 0
	}
	mb, err := strconv.ParseFloat(strings.TrimSpace(sc.Text()), 64)
	if err != nil {
		return 0
	}
	return mb / 1024
}
