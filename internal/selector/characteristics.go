package selector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"modelhostd/internal/common/fsutil"
	"modelhostd/pkg/types"
)

// Curated token tables matched against lowercased filenames. Order matters
// for quantCodes: longer codes first so q4_k_m wins over q4_0 prefix noise.
var quantCodes = []string{
	"q2_k", "q3_k_s", "q3_k_m", "q3_k_l", "q4_k_s", "q4_k_m", "q5_k_s", "q5_k_m",
	"q6_k", "q4_0", "q4_1", "q5_0", "q5_1", "q8_0", "iq2_xs", "iq3_xs",
	"bf16", "fp16", "f16", "fp32", "f32", "int8", "int4", "awq", "gptq",
}

var archTokens = map[string]string{
	"tinyllama": "llama",
	"codellama": "llama",
	"llama":     "llama",
	"mixtral":   "mixtral",
	"mistral":   "mistral",
	"qwen":      "qwen",
	"phi":       "phi",
	"gemma":     "gemma",
	"falcon":    "falcon",
	"deepseek":  "deepseek",
	"starcoder": "starcoder",
}

var (
	paramsRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)b`)
	contextRe = regexp.MustCompile(`(\d+)k`)
)

// fullPrecisionQuants imply half/full precision weights and therefore a GPU.
var fullPrecisionQuants = map[string]bool{
	"f16": true, "fp16": true, "bf16": true, "f32": true, "fp32": true,
}

// Analyze derives ModelCharacteristics from the file at path: format from
// extension/magic/manifest, size from byte count, and the remaining guesses
// from the directory manifest or the filename token tables.
func (s *Selector) Analyze(path string) (types.ModelCharacteristics, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return types.ModelCharacteristics{Format: types.FormatUnknown}, err
	}
	ch := types.ModelCharacteristics{Format: format, Metadata: map[string]string{}}

	info, err := os.Stat(path)
	if err != nil {
		return ch, fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		sz, err := fsutil.DirSizeBytes(path)
		if err != nil {
			return ch, err
		}
		ch.SizeGB = float64(sz) / (1 << 30)
	} else {
		ch.SizeGB = float64(info.Size()) / (1 << 30)
	}

	if format == types.FormatHFDir {
		s.applyManifest(path, &ch)
	}
	applyFilenameTokens(filepath.Base(path), &ch)

	if ch.ParamsB == 0 {
		ch.ParamsB = estimateParams(ch.SizeGB, ch.Quantization)
	}
	ch.RequiresGPU = ch.SizeGB > s.tuning.GPUSizeThresholdGB ||
		fullPrecisionQuants[strings.ToLower(ch.Quantization)]
	return ch, nil
}

// hfConfig is the subset of a framework-native manifest we care about.
type hfConfig struct {
	Architectures        []string `json:"architectures"`
	ModelType            string   `json:"model_type"`
	TorchDtype           string   `json:"torch_dtype"`
	MaxPositionEmbedding int      `json:"max_position_embeddings"`
}

// applyManifest fills characteristics from config.json. Unreadable or
// malformed manifests are ignored; filename guessing still applies.
func (s *Selector) applyManifest(dir string, ch *types.ModelCharacteristics) {
	b, err := os.ReadFile(filepath.Join(dir, hfManifest))
	if err != nil {
		return
	}
	var cfg hfConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		s.log.Debug().Err(err).Str("dir", dir).Msg("unparseable model manifest")
		return
	}
	if cfg.ModelType != "" {
		ch.Architecture = cfg.ModelType
	} else if len(cfg.Architectures) > 0 {
		ch.Architecture = strings.ToLower(cfg.Architectures[0])
	}
	if cfg.TorchDtype != "" {
		ch.Quantization = cfg.TorchDtype
	}
	if cfg.MaxPositionEmbedding > 0 {
		ch.ContextLen = cfg.MaxPositionEmbedding
	}
	ch.Metadata["manifest"] = hfManifest
}

// applyFilenameTokens fills any still-empty guesses from the filename.
func applyFilenameTokens(name string, ch *types.ModelCharacteristics) {
	lower := strings.ToLower(name)
	if ch.Quantization == "" {
		for _, code := range quantCodes {
			if strings.Contains(lower, code) {
				ch.Quantization = strings.ToUpper(code)
				break
			}
		}
	}
	if ch.Architecture == "" {
		for token, family := range archTokens {
			if strings.Contains(lower, token) {
				ch.Architecture = family
				break
			}
		}
	}
	if ch.ParamsB == 0 {
		if m := paramsRe.FindStringSubmatch(lower); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 && v < 2000 {
				ch.ParamsB = v
			}
		}
	}
	if ch.ContextLen == 0 {
		if m := contextRe.FindStringSubmatch(lower); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil && v >= 2 && v <= 1024 {
				ch.ContextLen = v * 1024
			}
		}
	}
}

// estimateParams back-derives a parameter count from file size and
// quantization width. Rough by design; used only when no token matched.
func estimateParams(sizeGB float64, quant string) float64 {
	q := strings.ToLower(quant)
	switch {
	case strings.HasPrefix(q, "q2"), strings.HasPrefix(q, "q3"), q == "int4", strings.HasPrefix(q, "q4"), q == "awq", q == "gptq", strings.HasPrefix(q, "iq"):
		return sizeGB * 2 // ~0.5 byte/param
	case strings.HasPrefix(q, "q5"), strings.HasPrefix(q, "q6"), strings.HasPrefix(q, "q8"), q == "int8":
		return sizeGB
	case q == "f16", q == "fp16", q == "bf16":
		return sizeGB / 2
	case q == "f32", q == "fp32":
		return sizeGB / 4
	}
	return sizeGB
}
