package supervise

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"modelhostd/internal/selector"
	"modelhostd/pkg/types"
)

// Default executables per backend kind, overridable via Config.Binaries.
const (
	defaultLlamaBin        = "llama-server"
	defaultVLLMBin         = "python3"
	defaultTransformersBin = "transformers-server"
)

// buildCommand assembles the executable and argument list for one backend
// launch. Each BackendKind carries its own flag conventions; the switch is
// exhaustive over the closed enum.
func (s *Supervisor) buildCommand(mc types.ModelConfig, port int, hints map[string]int) (string, []string, error) {
	exe := s.cfg.Binaries[mc.Backend]
	host := s.cfg.Host

	var args []string
	switch mc.Backend {
	case types.BackendLlamaCpp:
		if exe == "" {
			exe = defaultLlamaBin
		}
		args = []string{"-m", mc.Path, "--host", host, "--port", strconv.Itoa(port)}
		if v := hints[selector.HintContextLen]; v > 0 {
			args = append(args, "-c", strconv.Itoa(v))
		}
		if v, ok := hints[selector.HintGPULayers]; ok && v != 0 {
			if v < 0 {
				v = 999 // llama-server treats an oversized count as "all layers"
			}
			args = append(args, "-ngl", strconv.Itoa(v))
		}
		if v := hints[selector.HintThreads]; v > 0 {
			args = append(args, "-t", strconv.Itoa(v))
		}
		if v := hints[selector.HintBatchSize]; v > 0 {
			args = append(args, "-b", strconv.Itoa(v))
		}

	case types.BackendVLLM:
		if exe == "" {
			exe = defaultVLLMBin
		}
		args = []string{
			"-m", "vllm.entrypoints.openai.api_server",
			"--model", mc.Path,
			"--host", host,
			"--port", strconv.Itoa(port),
		}
		if v := hints[selector.HintContextLen]; v > 0 {
			args = append(args, "--max-model-len", strconv.Itoa(v))
		}
		if v := hints[selector.HintGPUMemPct]; v > 0 {
			args = append(args, "--gpu-memory-utilization", fmt.Sprintf("%.2f", float64(v)/100))
		}
		if mc.Device != "" {
			args = append(args, "--device", mc.Device)
		}

	case types.BackendTransformers:
		if exe == "" {
			exe = defaultTransformersBin
		}
		args = []string{"--model", mc.Path, "--host", host, "--port", strconv.Itoa(port)}
		if mc.Device != "" {
			args = append(args, "--device", mc.Device)
		}
		if v := hints[selector.HintThreads]; v > 0 {
			args = append(args, "--threads", strconv.Itoa(v))
		}

	default:
		return "", nil, fmt.Errorf("unknown backend kind %q", mc.Backend)
	}

	// Extra args in stable order so restarts reproduce the exact command.
	keys := make([]string, 0, len(mc.ExtraArgs))
	for k := range mc.ExtraArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k)
		if v := mc.ExtraArgs[k]; v != "" {
			args = append(args, v)
		}
	}
	return exe, args, nil
}

// buildEnv assembles the child environment: the parent's, the accelerator
// toolkit path extension, the isolated runtime env, then per-model overrides.
func (s *Supervisor) buildEnv(mc types.ModelConfig) []string {
	env := environMap(os.Environ())

	if s.cfg.CUDAHome != "" {
		env["PATH"] = filepath.Join(s.cfg.CUDAHome, "bin") + string(os.PathListSeparator) + env["PATH"]
		lib := filepath.Join(s.cfg.CUDAHome, "lib64")
		if prev := env["LD_LIBRARY_PATH"]; prev != "" {
			lib += string(os.PathListSeparator) + prev
		}
		env["LD_LIBRARY_PATH"] = lib
	}
	if s.cfg.VenvPath != "" {
		env["VIRTUAL_ENV"] = s.cfg.VenvPath
		env["PATH"] = filepath.Join(s.cfg.VenvPath, "bin") + string(os.PathListSeparator) + env["PATH"]
	}
	for k, v := range mc.Env {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
