package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultModel        = "small"
	DefaultQuantization = "float16"

	huggingFaceBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"
)

// Weights is one downloadable ggml file for a model at a given quantization.
type Weights struct {
	FileName string
	URL      string
	SHA256   string
}

type CatalogEntry struct {
	Name string
	// Quantizations maps a quantization name to its weights file.
	Quantizations map[string]Weights
}

type ResolvedModel struct {
	Name          string
	Quantization  string
	Path          string
	URL           string
	SHA256        string
	NeedsDownload bool
	IsCustomPath  bool
}

func weights(file, sha string) Weights {
	return Weights{FileName: file, URL: huggingFaceBase + file, SHA256: sha}
}

// Only the float16 files carry pinned checksums.
var catalog = map[string]CatalogEntry{
	"tiny": {
		Name: "tiny",
		Quantizations: map[string]Weights{
			"float16": weights("ggml-tiny.bin", "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21"),
			"int8":    weights("ggml-tiny-q8_0.bin", ""),
			"q5_1":    weights("ggml-tiny-q5_1.bin", ""),
		},
	},
	"base": {
		Name: "base",
		Quantizations: map[string]Weights{
			"float16": weights("ggml-base.bin", "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe"),
			"int8":    weights("ggml-base-q8_0.bin", ""),
			"q5_1":    weights("ggml-base-q5_1.bin", ""),
		},
	},
	"small": {
		Name: "small",
		Quantizations: map[string]Weights{
			"float16": weights("ggml-small.bin", "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b"),
			"int8":    weights("ggml-small-q8_0.bin", ""),
			"q5_1":    weights("ggml-small-q5_1.bin", ""),
		},
	},
	"medium": {
		Name: "medium",
		Quantizations: map[string]Weights{
			"float16": weights("ggml-medium.bin", "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208"),
			"int8":    weights("ggml-medium-q8_0.bin", ""),
			"q5_0":    weights("ggml-medium-q5_0.bin", ""),
		},
	},
	"large-v3": {
		Name: "large-v3",
		Quantizations: map[string]Weights{
			"float16": weights("ggml-large-v3.bin", "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2"),
			"q5_0":    weights("ggml-large-v3-q5_0.bin", ""),
		},
	},
}

func ModelNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupModel(name string) (CatalogEntry, bool) {
	entry, ok := catalog[name]
	return entry, ok
}

// QuantizationNames lists the quantizations available for a catalog model.
func (e CatalogEntry) QuantizationNames() []string {
	names := make([]string, 0, len(e.Quantizations))
	for name := range e.Quantizations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveModel maps a catalog name or a path to ggml weights on disk.
func ResolveModel(modelRef, quantization, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelRef) == "" {
		modelRef = DefaultModel
	}
	if strings.TrimSpace(quantization) == "" {
		quantization = DefaultQuantization
	}

	if entry, ok := LookupModel(modelRef); ok {
		w, ok := entry.Quantizations[quantization]
		if !ok {
			return ResolvedModel{}, fmt.Errorf("model %q has no %s weights (available: %s)", modelRef, quantization, strings.Join(entry.QuantizationNames(), ", "))
		}
		if strings.TrimSpace(modelDir) == "" {
			return ResolvedModel{}, errors.New("model directory must not be empty for named model")
		}

		modelPath := filepath.Join(modelDir, w.FileName)
		_, statErr := os.Stat(modelPath)
		needsDownload := errors.Is(statErr, os.ErrNotExist)
		if statErr != nil && !needsDownload {
			return ResolvedModel{}, fmt.Errorf("stat model path: %w", statErr)
		}

		return ResolvedModel{
			Name:          entry.Name,
			Quantization:  quantization,
			Path:          modelPath,
			URL:           w.URL,
			SHA256:        w.SHA256,
			NeedsDownload: needsDownload,
		}, nil
	}

	if !looksLikePath(modelRef) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
	}

	customPath := filepath.Clean(modelRef)
	if _, err := os.Stat(customPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", customPath)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}

	return ResolvedModel{
		Name:         filepath.Base(customPath),
		Quantization: quantization,
		Path:         customPath,
		IsCustomPath: true,
	}, nil
}

func looksLikePath(input string) bool {
	lower := strings.ToLower(input)
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(lower, ".bin") || strings.HasSuffix(lower, ".gguf")
}
