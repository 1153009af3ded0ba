package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/download"
	"github.com/fmueller/vidtranscribe/internal/proc"
	"go.uber.org/zap"
)

const whisperGrace = 2 * time.Second

// whisper-cli decodes these through its bundled miniaudio build.
var whisperInputFormats = []string{".wav", ".mp3", ".flac", ".ogg"}

var (
	segmentPattern  = regexp.MustCompile(`^\s*\[(\d+):(\d{2}):(\d{2})[.,](\d{3})\s*-->\s*(\d+):(\d{2}):(\d{2})[.,](\d{3})\]\s*(.*)$`)
	progressPattern = regexp.MustCompile(`progress\s*=\s*(\d{1,3})\s*%`)
	languagePattern = regexp.MustCompile(`auto-detected language:\s*([a-z]{2,3})\b`)
)

// WhisperCPP runs ggml whisper models through the whisper.cpp command line
// tool. Segments are parsed from its stdout as they are printed.
type WhisperCPP struct {
	binary       string
	modelDir     string
	autoDownload bool
	httpClient   *http.Client
	logger       *zap.Logger

	mu         sync.Mutex
	handle     *Handle
	executable string
}

func NewWhisperCPP(opts Options) (Adapter, error) {
	if strings.TrimSpace(opts.ModelDir) == "" {
		return nil, errors.New("model directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WhisperCPP{
		binary:       strings.TrimSpace(opts.Binary),
		modelDir:     opts.ModelDir,
		autoDownload: opts.AutoDownload,
		httpClient:   opts.HTTPClient,
		logger:       logger,
	}, nil
}

func (w *WhisperCPP) Load(ctx context.Context, spec Spec) (*Handle, error) {
	spec = normalizeWhisperSpec(spec)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.handle != nil && w.handle.Spec == spec {
		return w.handle, nil
	}

	if err := checkWhisperDevice(spec); err != nil {
		return nil, err
	}

	exe, err := w.resolveExecutable()
	if err != nil {
		return nil, domain.Wrap(domain.KindModelLoad, "load", err)
	}

	resolved, err := ResolveModel(spec.Name, spec.Quantization, w.modelDir)
	if err != nil {
		return nil, domain.Wrap(domain.KindModelLoad, "load", err)
	}

	if resolved.NeedsDownload {
		if !w.autoDownload {
			return nil, domain.Errorf(domain.KindModelLoad, "load", "model %s (%s) is not downloaded; run `vidtranscribe setup --model %s --quantization %s`", resolved.Name, resolved.Quantization, resolved.Name, resolved.Quantization)
		}

		w.logger.Info("downloading model", zap.String("model", resolved.Name), zap.String("quantization", resolved.Quantization), zap.String("path", resolved.Path))
		err := download.DownloadFile(ctx, download.Options{
			URL:            resolved.URL,
			Destination:    resolved.Path,
			ExpectedSHA256: resolved.SHA256,
			NoProgress:     true,
			HTTPClient:     w.httpClient,
			Logger:         w.logger,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("download model: %w", ctxErr)
			}
			return nil, domain.Wrap(domain.KindModelLoad, "load", fmt.Errorf("download model %s: %w", resolved.Name, err))
		}
	}

	w.logger.Debug("whisper model ready", zap.String("engine", exe), zap.String("model", resolved.Path), zap.String("device", spec.Device))
	w.executable = exe
	w.handle = &Handle{Spec: spec, Location: resolved.Path, LoadedAt: time.Now()}
	return w.handle, nil
}

func (w *WhisperCPP) Transcribe(ctx context.Context, h *Handle, req Request, onSegment func(domain.Segment), onProgress func(float64)) (Summary, error) {
	if h == nil {
		return Summary{}, domain.Errorf(domain.KindModelLoad, "transcribe", "no model loaded")
	}
	if strings.TrimSpace(req.AudioPath) == "" {
		return Summary{}, domain.Errorf(domain.KindTranscription, "transcribe", "audio path is required")
	}
	if onSegment == nil {
		onSegment = func(domain.Segment) {}
	}

	w.mu.Lock()
	exe := w.executable
	w.mu.Unlock()
	if exe == "" {
		return Summary{}, domain.Errorf(domain.KindModelLoad, "transcribe", "whisper engine is not loaded")
	}

	summary := Summary{}
	if !IsAuto(req.Language) {
		summary.Language = strings.ToLower(req.Language)
	}

	report := newReporter(onProgress)
	total := req.Duration.Seconds()
	stderrTail := proc.NewTail(12)

	stdout := proc.NewLineWriter(func(line string) {
		seg, ok := parseSegmentLine(line)
		if !ok {
			return
		}
		summary.Segments++
		onSegment(seg)
		if total > 0 {
			report.running(chunkFraction(seg.End, total))
		}
	})
	var detected string
	stderr := proc.NewLineWriter(func(line string) {
		if pct, ok := parseProgressLine(line); ok {
			report.running(pct)
		}
		if lang, ok := parseLanguageLine(line); ok {
			detected = lang
		}
		stderrTail.Add(line)
	})

	args := whisperArgs(h, req)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	proc.Graceful(cmd, whisperGrace)

	w.logger.Debug("running whisper engine", zap.String("engine", exe), zap.Strings("args", args))
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if detected != "" {
		summary.Language = detected
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, fmt.Errorf("transcribe: %w", ctxErr)
	}
	if err != nil {
		return summary, engineFailure(exe, err, stderrTail.String())
	}

	report.done()
	return summary, nil
}

func (w *WhisperCPP) SupportsLanguage(code string) bool {
	return supportsWhisperLanguage(code)
}

func (w *WhisperCPP) Languages() []string {
	return whisperLanguageList()
}

func (w *WhisperCPP) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	info := Info{Type: TypeWhisper, InputFormats: whisperInputFormats}
	if w.handle != nil {
		info.Name = w.handle.Spec.Name
		info.Quantization = w.handle.Spec.Quantization
		info.Device = w.handle.Spec.Device
		info.Location = w.handle.Location
		info.Loaded = true
	}
	return info
}

func (w *WhisperCPP) resolveExecutable() (string, error) {
	return newEngineLocator(w.binary).locate()
}

func normalizeWhisperSpec(spec Spec) Spec {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		spec.Name = DefaultModel
	}
	spec.Quantization = strings.ToLower(strings.TrimSpace(spec.Quantization))
	if spec.Quantization == "" {
		spec.Quantization = DefaultQuantization
	}
	spec.Device = normalizeDevice(strings.ToLower(strings.TrimSpace(spec.Device)))
	return spec
}

func checkWhisperDevice(spec Spec) error {
	switch spec.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return domain.Errorf(domain.KindModelLoad, "load", "unsupported device %q (use auto, cpu or cuda)", spec.Device)
	}
	if spec.Device == DeviceCPU && spec.Quantization == "float16" {
		return domain.Errorf(domain.KindModelLoad, "load", "float16 weights need a GPU; pick an int8 or q5 quantization for device cpu")
	}
	return nil
}

func whisperArgs(h *Handle, req Request) []string {
	language := AutoLanguage
	if !IsAuto(req.Language) {
		language = strings.ToLower(req.Language)
	}

	args := []string{"-m", h.Location, "-f", req.AudioPath, "-l", language, "-pp"}
	if req.Translate {
		args = append(args, "-tr")
	}
	if req.WordTimestamps {
		args = append(args, "-ml", "1", "-sow")
	}
	if h.Spec.Device == DeviceCPU {
		args = append(args, "-ng")
	}
	return args
}

// parseSegmentLine reads "[00:00:01.000 --> 00:00:02.500]   text".
func parseSegmentLine(line string) (domain.Segment, bool) {
	match := segmentPattern.FindStringSubmatch(line)
	if match == nil {
		return domain.Segment{}, false
	}
	text := strings.TrimSpace(match[9])
	if text == "" {
		return domain.Segment{}, false
	}
	return domain.Segment{
		Start: clockSeconds(match[1:5]),
		End:   clockSeconds(match[5:9]),
		Text:  text,
	}, true
}

func clockSeconds(parts []string) float64 {
	var values [4]int
	for i, part := range parts {
		values[i], _ = strconv.Atoi(part)
	}
	return float64(values[0]*3600+values[1]*60+values[2]) + float64(values[3])/1000
}

func parseProgressLine(line string) (float64, bool) {
	match := progressPattern.FindStringSubmatch(line)
	if match == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return float64(pct) / 100, true
}

func parseLanguageLine(line string) (string, bool) {
	match := languagePattern.FindStringSubmatch(line)
	if match == nil {
		return "", false
	}
	return match[1], true
}
