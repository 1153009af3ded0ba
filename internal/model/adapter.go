// Package model defines the speech recognition backends the pipeline can drive.
package model

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Spec selects which weights an adapter loads and where they run.
type Spec struct {
	Name         string `json:"name"`
	Device       string `json:"device"`
	Quantization string `json:"quantization"`
}

// Handle is a loaded model. It stays valid for the lifetime of the adapter
// that returned it.
type Handle struct {
	Spec     Spec
	Location string
	LoadedAt time.Time
}

type Request struct {
	AudioPath string
	// Language is the spoken language code, or empty/"auto" to detect it.
	Language string
	// Translate asks the backend to emit English regardless of the input.
	Translate      bool
	WordTimestamps bool
	// Duration of the audio when known; used to estimate progress.
	Duration time.Duration
}

type Summary struct {
	Language string
	Segments int
}

type Info struct {
	Type         string `json:"type"`
	Name         string `json:"name,omitempty"`
	Quantization string `json:"quantization,omitempty"`
	Device       string `json:"device,omitempty"`
	Location     string `json:"location,omitempty"`
	Loaded       bool   `json:"loaded"`
	// InputFormats lists the file extensions the backend decodes itself.
	// Anything else is converted to WAV first.
	InputFormats []string `json:"input_formats,omitempty"`
}

// Decodes reports whether the backend described by info reads path without
// conversion. WAV is always readable.
func (info Info) Decodes(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".wav" || slices.Contains(info.InputFormats, ext)
}

// Adapter is a speech recognition backend. Load is idempotent for an equal
// Spec. Transcribe delivers segments in production order through onSegment;
// segments already delivered stay delivered if it later fails.
type Adapter interface {
	Load(ctx context.Context, spec Spec) (*Handle, error)
	Transcribe(ctx context.Context, h *Handle, req Request, onSegment func(domain.Segment), onProgress func(float64)) (Summary, error)
	SupportsLanguage(code string) bool
	Languages() []string
	Info() Info
}

func normalizeDevice(device string) string {
	if device == "" {
		return DeviceAuto
	}
	return device
}
