package model

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/proc"
)

// EnvWhisperPath overrides where the whisper-cli executable is looked up.
const EnvWhisperPath = "VIDTRANSCRIBE_WHISPER_PATH"

// engineNames are tried on PATH in order.
var engineNames = []string{"whisper-cli", "whisper-cpp"}

// engineLocator finds the whisper.cpp CLI: configured value, then
// EnvWhisperPath, then PATH, then a copy bundled next to our own binary.
type engineLocator struct {
	configured string
	getenv     func(string) string
	lookPath   func(string) (string, error)
	self       func() (string, error)
}

func newEngineLocator(configured string) engineLocator {
	return engineLocator{
		configured: strings.TrimSpace(configured),
		getenv:     os.Getenv,
		lookPath:   exec.LookPath,
		self:       os.Executable,
	}
}

func (l engineLocator) locate() (string, error) {
	if l.configured != "" {
		if !strings.ContainsRune(l.configured, os.PathSeparator) {
			path, err := l.lookPath(l.configured)
			if err != nil {
				return "", fmt.Errorf("configured whisper engine %q: %w", l.configured, err)
			}
			return path, nil
		}
		if err := checkExecutable(l.configured); err != nil {
			return "", fmt.Errorf("configured whisper engine: %w", err)
		}
		return l.configured, nil
	}

	if override := strings.TrimSpace(l.getenv(EnvWhisperPath)); override != "" {
		if err := checkExecutable(override); err != nil {
			return "", fmt.Errorf("%s: %w", EnvWhisperPath, err)
		}
		return override, nil
	}

	for _, name := range engineNames {
		if path, err := l.lookPath(executableName(name)); err == nil {
			return path, nil
		}
	}

	self, err := l.self()
	if err != nil {
		return "", fmt.Errorf("resolve vidtranscribe executable path: %w", err)
	}
	for _, candidate := range bundledEngineCandidates(self) {
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("whisper engine not found: install whisper.cpp so %s is on PATH, set model.binary, or set %s", executableName(engineNames[0]), EnvWhisperPath)
}

// bundledEngineCandidates lists where release archives place whisper-cli
// relative to the vidtranscribe binary.
func bundledEngineCandidates(self string) []string {
	binDir := filepath.Dir(self)
	name := executableName(engineNames[0])
	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", name),
		filepath.Join(binDir, "libexec", "whisper", name),
		filepath.Join(binDir, name),
	}
}

func executableName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

var sharedLibraryMarkers = []string{
	"error while loading shared libraries",
	"cannot open shared object file",
	"dyld: library not loaded",
	"image not found",
}

// engineFailure classifies a failed engine run. Problems with the engine
// binary or weights are model_load errors, everything else is transcription.
func engineFailure(exe string, runErr error, stderrTail string) error {
	lower := strings.ToLower(stderrTail)
	switch {
	case proc.IsNotFound(runErr):
		return domain.Errorf(domain.KindModelLoad, "transcribe", "whisper engine not found at %s", exe)
	case containsAny(lower, sharedLibraryMarkers):
		return domain.Errorf(domain.KindModelLoad, "transcribe", "whisper engine at %s is missing shared libraries (%s); rebuild it with BUILD_SHARED_LIBS=OFF or set %s", exe, stderrTail, EnvWhisperPath)
	case strings.Contains(lower, "illegal instruction") || isIllegalInstruction(runErr):
		return domain.Errorf(domain.KindModelLoad, "transcribe", "whisper engine crashed with an illegal CPU instruction; set %s to a build for this CPU", EnvWhisperPath)
	case strings.Contains(lower, "failed to load model") || strings.Contains(lower, "failed to initialize whisper context"):
		return domain.Errorf(domain.KindModelLoad, "transcribe", "whisper engine could not load the model weights: %s", stderrTail)
	default:
		return domain.Errorf(domain.KindTranscription, "transcribe", "whisper-cli failed: %v (%s)", runErr, stderrTail)
	}
}

func isIllegalInstruction(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return strings.Contains(strings.ToLower(exitErr.String()), "illegal instruction")
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
