// Package convert extracts mono 16 kHz PCM audio from media files with ffmpeg.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fmueller/vidtranscribe/internal/audio"
	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/proc"
	"go.uber.org/zap"
)

const (
	DefaultBinary    = "ffmpeg"
	DefaultGrace     = 1200 * time.Millisecond
	TargetSampleRate = 16000
	validateTimeout  = 5 * time.Second
	stderrTailLines  = 8
)

type Options struct {
	Binary string
	// Grace is how long ffmpeg gets to exit after an interrupt before it is
	// killed.
	Grace  time.Duration
	Logger *zap.Logger
}

type Converter struct {
	binary string
	grace  time.Duration
	logger *zap.Logger
}

func New(opts Options) *Converter {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{binary: binary, grace: grace, logger: logger}
}

func (c *Converter) Binary() string {
	return c.binary
}

// Validate runs `ffmpeg -version` and returns the reported version.
func (c *Converter) Validate(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.binary, "-version").CombinedOutput()
	if err != nil {
		if proc.IsNotFound(err) {
			return "", domain.Errorf(domain.KindConversion, "validate", "ffmpeg not found at %q", c.binary)
		}
		return "", domain.Errorf(domain.KindConversion, "validate", "ffmpeg -version failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}

	// "ffmpeg version 6.1.1 Copyright ..."
	fields := strings.Fields(firstLine(string(out)))
	if len(fields) >= 3 && fields[1] == "version" {
		return fields[2], nil
	}
	return firstLine(string(out)), nil
}

// Args builds the ffmpeg argument list for one conversion.
func Args(inputPath, outputPath string, limit time.Duration) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", inputPath, "-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-c:a", "pcm_s16le",
	}
	if limit > 0 {
		args = append(args, "-t", strconv.FormatFloat(limit.Seconds(), 'f', -1, 64))
	}
	return append(args, "-progress", "pipe:1", "-nostats", outputPath)
}

// Convert writes a mono 16 kHz WAV of inputPath to outputPath, truncated to
// limit when limit is positive. onProgress receives fractions in [0,1] or
// progress.Indeterminate while the total duration is unknown. On failure or
// cancellation the partial output is removed.
func (c *Converter) Convert(ctx context.Context, inputPath, outputPath string, limit time.Duration, onProgress func(float64)) (domain.ConversionResult, error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	if err := ctx.Err(); err != nil {
		return domain.ConversionResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return domain.ConversionResult{}, domain.Wrap(domain.KindIO, "convert", err)
	}

	args := Args(inputPath, outputPath, limit)
	c.logger.Debug("starting ffmpeg", zap.String("binary", c.binary), zap.Strings("args", args))

	track := newTracker(limit)
	stderrTail := proc.NewTail(stderrTailLines)

	stdout := proc.NewLineWriter(func(line string) {
		if elapsed, ok := parseProgressLine(line); ok {
			onProgress(track.advance(elapsed))
		}
	})
	stderr := proc.NewLineWriter(func(line string) {
		if total, ok := parseDurationLine(line); ok {
			track.setTotal(total)
			c.logger.Debug("ffmpeg input duration", zap.Duration("duration", total))
		}
		stderrTail.Add(line)
	})

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	proc.Graceful(cmd, c.grace)

	started := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.removePartial(outputPath)
		c.logger.Debug("ffmpeg cancelled", zap.Error(err))
		return domain.ConversionResult{}, fmt.Errorf("convert: %w", ctxErr)
	}
	if err != nil {
		c.removePartial(outputPath)
		if proc.IsNotFound(err) {
			return domain.ConversionResult{}, domain.Errorf(domain.KindConversion, "convert", "ffmpeg not found at %q", c.binary)
		}
		if details := stderrTail.String(); details != "" {
			return domain.ConversionResult{}, domain.Errorf(domain.KindConversion, "convert", "ffmpeg failed: %v (%s)", err, details)
		}
		return domain.ConversionResult{}, domain.Errorf(domain.KindConversion, "convert", "ffmpeg failed: %v", err)
	}

	info, err := audio.Probe(outputPath)
	if err != nil {
		c.removePartial(outputPath)
		return domain.ConversionResult{}, domain.Wrap(domain.KindConversion, "convert", fmt.Errorf("read converted audio: %w", err))
	}

	onProgress(1)
	c.logger.Debug("ffmpeg finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Duration("audio_duration", info.Duration),
		zap.Int("sample_rate", info.SampleRate),
	)

	return domain.ConversionResult{
		AudioPath:  outputPath,
		Duration:   info.Duration,
		SampleRate: info.SampleRate,
	}, nil
}

func (c *Converter) removePartial(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to remove partial audio", zap.String("path", path), zap.Error(err))
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
