// Package registry discovers loadable models under the configured models
// directory. Discovery is filename-based and cheap; deep analysis is the
// selector's job.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"modelhostd/internal/common/fsutil"
	"modelhostd/pkg/types"
)

// Extensions recognized as single-file models.
var modelExts = map[string]bool{
	".gguf":        true,
	".ggml":        true,
	".safetensors": true,
	".pt":          true,
	".pth":         true,
	".bin":         true,
}

var quantRe = regexp.MustCompile(`(?i)(q\d(?:_[a-z0-9]+)*|int[48]|fp16|f16|bf16|f32|fp32|awq|gptq)`)

// Scanner lists model files under a directory.
type Scanner struct{}

// NewScanner constructs a Scanner.
func NewScanner() *Scanner { return &Scanner{} }

// Scan walks dir one level deep: model files become entries directly, and a
// subdirectory containing config.json is listed as one framework-directory
// model. The ID is the filename (or directory name) and is unique within dir.
func (s *Scanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		if e.IsDir() {
			if fsutil.PathExists(filepath.Join(p, "config.json")) {
				models = append(models, describe(name, p))
			}
			continue
		}
		if !modelExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		models = append(models, describe(name, p))
	}
	return models, nil
}

// describe fills the cheap filename-derived metadata.
func describe(name, path string) types.Model {
	m := types.Model{ID: name, Name: name, Path: path}
	if q := quantRe.FindString(name); q != "" {
		m.Quant = strings.ToUpper(q)
	}
	// Family is the leading token before the first size/quant marker,
	// e.g. "llama-3.1-8b-q4_k_m.gguf" -> "llama".
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if i := strings.IndexAny(stem, "-_."); i > 0 {
		m.Family = strings.ToLower(stem[:i])
	}
	return m
}

// LoadDir is the one-shot convenience wrapper around Scanner.Scan.
func LoadDir(dir string) ([]types.Model, error) {
	return NewScanner().Scan(dir)
}
