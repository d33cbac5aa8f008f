package selector

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modelhostd/pkg/types"
)

// Magic markers read from the first bytes of a model file. GGML-family
// magics are stored little-endian, so the on-disk byte order is reversed.
var (
	magicGGUF = []byte("GGUF")
	magicGGML = []byte("lmgg") // ggml
	magicGGJT = []byte("tjgg") // ggjt (mmap-able legacy)
	magicGGMF = []byte("fmgg") // ggmf
	magicZip  = []byte("PK\x03\x04")
)

// hfManifest is the file whose presence marks a framework-native directory.
const hfManifest = "config.json"

// DetectFormat resolves the on-disk serialization of the model at path.
// Extension is checked first; ambiguous extensions (.bin) fall back to magic
// sniffing, and directories are recognized by their manifest file.
func DetectFormat(path string) (types.ModelFormat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.FormatUnknown, fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, hfManifest)); err == nil {
			return types.FormatHFDir, nil
		}
		return types.FormatUnknown, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		return types.FormatGGUF, nil
	case ".ggml":
		return types.FormatGGML, nil
	case ".safetensors":
		return types.FormatSafetensors, nil
	case ".pt", ".pth":
		return types.FormatPyTorch, nil
	case ".bin":
		return sniffMagic(path)
	}
	return sniffMagic(path)
}

// sniffMagic reads the first bytes and matches known markers.
func sniffMagic(path string) (types.ModelFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.FormatUnknown, fmt.Errorf("open model: %w", err)
	}
	defer f.Close()

	head := make([]byte, 16)
	n, err := f.Read(head)
	if err != nil || n < 4 {
		return types.FormatUnknown, nil
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, magicGGUF):
		return types.FormatGGUF, nil
	case bytes.HasPrefix(head, magicGGML), bytes.HasPrefix(head, magicGGJT), bytes.HasPrefix(head, magicGGMF):
		return types.FormatGGML, nil
	case bytes.HasPrefix(head, magicZip), head[0] == 0x80:
		// torch.save emits either a zip archive or a raw pickle stream.
		return types.FormatPyTorch, nil
	}
	// Safetensors: u64 little-endian JSON header length followed by '{'.
	if n >= 9 {
		hdrLen := binary.LittleEndian.Uint64(head[:8])
		if hdrLen > 0 && hdrLen < 100*1024*1024 && head[8] == '{' {
			return types.FormatSafetensors, nil
		}
	}
	return types.FormatUnknown, nil
}
