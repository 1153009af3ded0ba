// Package pipeline runs transcription jobs: audio extraction, speech
// recognition and saving, one job at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fmueller/vidtranscribe/internal/audio"
	"github.com/fmueller/vidtranscribe/internal/config"
	"github.com/fmueller/vidtranscribe/internal/convert"
	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/model"
	"github.com/fmueller/vidtranscribe/internal/platform"
	"github.com/fmueller/vidtranscribe/internal/transcript"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Converter extracts recognizer-ready audio from a media file.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, limit time.Duration, onProgress func(float64)) (domain.ConversionResult, error)
}

// toolChecker is implemented by converters that can verify their external
// tool before the first conversion.
type toolChecker interface {
	Binary() string
	Validate(ctx context.Context) (string, error)
}

type Options struct {
	Config    config.Config
	Converter Converter
	Registry  *model.Registry
	Logger    *zap.Logger
	// EventBuffer bounds each run's event channel.
	EventBuffer int
	// SilenceDBFS overrides the level below which audio skips recognition.
	SilenceDBFS float64
	// TempDir is where intermediate audio is written; empty means os.TempDir.
	TempDir string
	Now     func() time.Time
}

// Controller owns the model adapter and admits a single active job.
type Controller struct {
	cfg       config.Config
	converter Converter
	registry  *model.Registry
	logger    *zap.Logger
	buffer    int
	silence   float64
	tempDir   string
	now       func() time.Time

	mu       sync.Mutex
	active   *Run
	retained map[string]retainedAudio

	modelMu sync.Mutex
	adapter model.Adapter

	toolMu    sync.Mutex
	toolReady bool
}

// retainedAudio is extracted audio kept after a model load failure so the
// next attempt on the same input skips conversion.
type retainedAudio struct {
	workspace string
	source    domain.ConversionResult
	modTime   time.Time
}

func New(opts Options) (*Controller, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	converter := opts.Converter
	if converter == nil {
		converter = convert.New(convert.Options{Binary: opts.Config.FFmpegPath, Logger: logger})
	}
	registry := opts.Registry
	if registry == nil {
		registry = model.DefaultRegistry()
	}
	silence := opts.SilenceDBFS
	if silence == 0 {
		silence = audio.DefaultSilenceDBFS
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		cfg:       opts.Config,
		converter: converter,
		registry:  registry,
		logger:    logger,
		buffer:    opts.EventBuffer,
		silence:   silence,
		tempDir:   opts.TempDir,
		now:       now,
	}, nil
}

// NewJob builds a job for inputPath from the configured output and language
// settings.
func NewJob(cfg config.Config, inputPath string, mode domain.Mode) domain.Job {
	return domain.Job{
		ID:                uuid.NewString(),
		InputPath:         inputPath,
		Mode:              mode,
		Format:            domain.Format(cfg.Output.Format),
		IncludeTimestamps: cfg.Output.IncludeTimestamps,
		InputLanguage:     cfg.Languages.Input,
		OutputLanguage:    cfg.Languages.Output,
		SaveLocation:      domain.SaveLocation(cfg.Output.SaveLocation),
	}
}

// Active returns the running job, if any.
func (c *Controller) Active() (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != nil
}

// ModelInfo describes the configured adapter without loading it.
func (c *Controller) ModelInfo() (model.Info, error) {
	adapter, err := c.modelAdapter()
	if err != nil {
		return model.Info{}, err
	}
	return adapter.Info(), nil
}

// Start validates job and runs it in the background. It fails with
// domain.ErrBusy while another job is active and with a configuration error
// when the job cannot run at all.
func (c *Controller) Start(ctx context.Context, job domain.Job) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, domain.ErrBusy
	}

	job, err := c.prepare(job)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := newRun(runCtx, job, cancel, c.buffer, c.now)
	c.active = run

	c.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("input", job.InputPath),
		zap.String("mode", string(job.Mode)),
		zap.String("format", string(job.Format)),
	)

	go c.execute(runCtx, run)
	return run, nil
}

// Run starts job, forwards every event to onEvent and returns the outcome.
func (c *Controller) Run(ctx context.Context, job domain.Job, onEvent func(domain.Event)) (domain.Document, error) {
	run, err := c.Start(ctx, job)
	if err != nil {
		return domain.Document{}, err
	}
	for event := range run.Events() {
		if onEvent != nil {
			onEvent(event)
		}
	}
	return run.Wait()
}

func (c *Controller) execute(ctx context.Context, run *Run) {
	defer run.Cancel()

	started := c.now()
	doc, err := c.process(ctx, run)

	fields := []zap.Field{
		zap.String("job_id", run.job.ID),
		zap.Duration("elapsed", c.now().Sub(started)),
	}
	switch {
	case err == nil:
		c.logger.Info("job completed", append(fields, zap.String("output", doc.Path))...)
	case domain.IsCancelled(err):
		c.logger.Info("job cancelled", fields...)
	default:
		c.logger.Warn("job failed", append(fields, zap.String("kind", string(domain.KindOf(err))), zap.Error(err))...)
	}

	// Nothing may log after this point: callers tear down on the terminal event.
	// The controller stays busy until the terminal event is queued.
	run.finish(doc, err, func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	})
}

func (c *Controller) process(ctx context.Context, run *Run) (doc domain.Document, err error) {
	job := run.job

	adapter, err := c.modelAdapter()
	if err != nil {
		return domain.Document{}, err
	}

	workspace, source, reused := c.takeRetained(job)
	if !reused {
		workspace, err = os.MkdirTemp(c.tempDir, "vidtranscribe-*")
		if err != nil {
			return domain.Document{}, domain.Wrap(domain.KindIO, "workspace", err)
		}
	}
	defer func() {
		c.cleanup(job, workspace, source, err)
	}()

	if reused {
		c.logger.Info("reusing audio from the previous attempt",
			zap.String("job_id", job.ID),
			zap.String("audio", source.AudioPath),
		)
	} else {
		source, err = c.extractAudio(ctx, run, adapter.Info(), workspace)
		if err != nil {
			return domain.Document{}, err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return domain.Document{}, err
	}

	result, err := c.transcribe(ctx, run, adapter, source)
	if err != nil {
		return domain.Document{}, err
	}
	if err := checkpoint(ctx); err != nil {
		return domain.Document{}, err
	}

	return c.save(ctx, run, result)
}

// extractAudio converts inputs the adapter cannot decode, and every input in
// test mode, to a WAV inside workspace. Other audio is passed through.
func (c *Controller) extractAudio(ctx context.Context, run *Run, info model.Info, workspace string) (domain.ConversionResult, error) {
	job := run.job
	if !needsConversion(job, info) {
		result := domain.ConversionResult{AudioPath: job.InputPath}
		if audio.IsWAV(job.InputPath) {
			if probe, err := audio.Probe(job.InputPath); err == nil {
				result.Duration = probe.Duration
				result.SampleRate = probe.SampleRate
			}
		}
		return result, nil
	}

	if err := run.enter(domain.StageConverting); err != nil {
		return domain.ConversionResult{}, err
	}
	if err := c.checkTool(ctx); err != nil {
		return domain.ConversionResult{}, err
	}
	out := filepath.Join(workspace, "audio.wav")
	result, err := c.converter.Convert(ctx, job.InputPath, out, job.DurationCap(), func(fraction float64) {
		run.progress(domain.StageConverting, fraction, "")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.ConversionResult{}, interrupted("convert", ctxErr)
		}
		return domain.ConversionResult{}, domain.Wrap(domain.KindConversion, "convert", err)
	}
	c.logger.Debug("audio extracted",
		zap.String("job_id", job.ID),
		zap.String("audio", result.AudioPath),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// checkTool runs the converter's self check once per controller. A failed
// check is retried by the next job.
func (c *Controller) checkTool(ctx context.Context) error {
	checker, ok := c.converter.(toolChecker)
	if !ok {
		return nil
	}

	c.toolMu.Lock()
	defer c.toolMu.Unlock()
	if c.toolReady {
		return nil
	}

	version, err := checker.Validate(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return interrupted("convert", ctxErr)
		}
		return domain.Wrap(domain.KindConversion, "convert", err)
	}
	c.toolReady = true
	c.logger.Info("ffmpeg ready", zap.String("binary", checker.Binary()), zap.String("version", version))
	return nil
}

func (c *Controller) transcribe(ctx context.Context, run *Run, adapter model.Adapter, source domain.ConversionResult) (domain.Result, error) {
	job := run.job
	result := domain.Result{Language: declaredLanguage(job)}
	if err := run.enter(domain.StageTranscribing); err != nil {
		return result, err
	}

	if audio.IsWAV(source.AudioPath) {
		silent, metrics, err := audio.IsSilentWAV(source.AudioPath, c.silence)
		if err != nil {
			c.logger.Debug("silence check skipped", zap.String("audio", source.AudioPath), zap.Error(err))
		} else if silent {
			c.logger.Info("audio is silent, skipping recognition",
				zap.String("job_id", job.ID),
				zap.Float64("rms_dbfs", metrics.RMSdBFS),
				zap.Float64("peak_dbfs", metrics.PeakdBFS),
			)
			run.progress(domain.StageTranscribing, 1, "no speech detected")
			return result, nil
		}
	}

	handle, err := c.loadModel(ctx, adapter)
	if err != nil {
		return result, err
	}
	if err := checkpoint(ctx); err != nil {
		return result, err
	}

	collect := newCollector(transcript.MinCharsFor(job.Format), job.DurationCap())
	req := model.Request{
		AudioPath:      source.AudioPath,
		Language:       job.InputLanguage,
		Translate:      wantsTranslation(job),
		WordTimestamps: job.Format == domain.FormatLyrics,
		Duration:       source.Duration,
	}
	summary, err := adapter.Transcribe(ctx, handle, req, collect.add, func(fraction float64) {
		run.progress(domain.StageTranscribing, fraction, "")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, interrupted("transcribe", ctxErr)
		}
		return result, domain.Wrap(domain.KindTranscription, "transcribe", err)
	}

	result.Segments = collect.segments()
	if summary.Language != "" {
		result.Language = summary.Language
	}
	c.logger.Debug("transcription finished",
		zap.String("job_id", job.ID),
		zap.String("language", result.Language),
		zap.Int("raw_segments", summary.Segments),
		zap.Int("kept_segments", len(result.Segments)),
	)
	return result, nil
}

func (c *Controller) save(ctx context.Context, run *Run, result domain.Result) (domain.Document, error) {
	job := run.job
	if err := run.enter(domain.StageSaving); err != nil {
		return domain.Document{}, err
	}

	text, err := transcript.Render(job.Format, result.Segments, transcript.Options{IncludeTimestamps: job.IncludeTimestamps})
	if err != nil {
		return domain.Document{}, domain.Wrap(domain.KindConfiguration, "save", err)
	}
	if err := checkpoint(ctx); err != nil {
		return domain.Document{}, err
	}

	path := job.OutputPath()
	if err := writeAtomic(path, []byte(text)); err != nil {
		return domain.Document{}, domain.Wrap(domain.KindIO, "save", err)
	}
	run.completeProgress()

	return domain.Document{Format: job.Format, Text: text, Path: path, Language: result.Language}, nil
}

// loadModel loads the configured model on first use. Later jobs reuse the
// adapter, whose Load is idempotent.
func (c *Controller) loadModel(ctx context.Context, adapter model.Adapter) (*model.Handle, error) {
	spec := model.Spec{
		Name:         c.cfg.Model.Name,
		Device:       c.cfg.Model.Device,
		Quantization: c.cfg.Model.Quantization,
	}
	handle, err := adapter.Load(ctx, spec)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, interrupted("load model", ctxErr)
		}
		return nil, domain.Wrap(domain.KindModelLoad, "load", err)
	}
	return handle, nil
}

func (c *Controller) modelAdapter() (model.Adapter, error) {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()

	if c.adapter != nil {
		return c.adapter, nil
	}

	opts := model.Options{
		Binary:       c.cfg.Model.Binary,
		AutoDownload: c.cfg.Model.AutoDownload,
		APIKey:       c.cfg.Model.APIKey,
		BaseURL:      c.cfg.Model.APIBaseURL,
		Logger:       c.logger,
	}
	if c.cfg.Model.Type == model.TypeWhisper {
		dir, err := platform.ResolveModelDir(c.cfg.Model.Dir)
		if err != nil {
			return nil, domain.Wrap(domain.KindConfiguration, "model", err)
		}
		opts.ModelDir = dir
	}

	adapter, err := c.registry.New(c.cfg.Model.Type, opts)
	if err != nil {
		return nil, err
	}
	c.adapter = adapter
	return adapter, nil
}

// cleanup disposes of a job's intermediate audio. After a model load failure
// it is retained for the next attempt on the same input; output.keep_audio
// keeps it unless the job was cancelled.
func (c *Controller) cleanup(job domain.Job, workspace string, source domain.ConversionResult, err error) {
	switch {
	case !hasFiles(workspace):
	case domain.KindOf(err) == domain.KindModelLoad:
		c.retain(job, workspace, source)
		c.logger.Warn("intermediate audio kept for the next attempt",
			zap.String("job_id", job.ID),
			zap.String("audio", source.AudioPath),
		)
		return
	case c.cfg.Output.KeepAudio && !domain.IsCancelled(err):
		c.logger.Info("intermediate audio kept", zap.String("audio", source.AudioPath))
		return
	}
	if rmErr := os.RemoveAll(workspace); rmErr != nil {
		c.logger.Warn("failed to remove intermediate audio", zap.String("dir", workspace), zap.Error(rmErr))
	}
}

func retainKey(job domain.Job) string {
	return string(job.Mode) + ":" + job.InputPath
}

func (c *Controller) retain(job domain.Job, workspace string, source domain.ConversionResult) {
	var modTime time.Time
	if info, err := os.Stat(job.InputPath); err == nil {
		modTime = info.ModTime()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retained == nil {
		c.retained = make(map[string]retainedAudio)
	}
	key := retainKey(job)
	if prev, ok := c.retained[key]; ok && prev.workspace != workspace {
		_ = os.RemoveAll(prev.workspace)
	}
	c.retained[key] = retainedAudio{workspace: workspace, source: source, modTime: modTime}
}

// takeRetained hands out audio kept for job's input, provided neither the
// audio nor the input changed since.
func (c *Controller) takeRetained(job domain.Job) (string, domain.ConversionResult, bool) {
	c.mu.Lock()
	kept, ok := c.retained[retainKey(job)]
	delete(c.retained, retainKey(job))
	c.mu.Unlock()
	if !ok {
		return "", domain.ConversionResult{}, false
	}

	input, err := os.Stat(job.InputPath)
	_, audioErr := os.Stat(kept.source.AudioPath)
	if err != nil || audioErr != nil || !input.ModTime().Equal(kept.modTime) {
		_ = os.RemoveAll(kept.workspace)
		return "", domain.ConversionResult{}, false
	}
	return kept.workspace, kept.source, true
}

func hasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func needsConversion(job domain.Job, info model.Info) bool {
	return job.Mode == domain.ModeTest || convert.IsVideo(job.InputPath) || !info.Decodes(job.InputPath)
}

// declaredLanguage is the spoken language the job names, empty when it asks
// for detection.
func declaredLanguage(job domain.Job) string {
	if job.InputLanguage == "" || strings.EqualFold(job.InputLanguage, "auto") {
		return ""
	}
	return job.InputLanguage
}

// wantsTranslation reports whether the job asks for English output from
// speech in another language.
func wantsTranslation(job domain.Job) bool {
	return strings.EqualFold(job.OutputLanguage, "en") && !strings.EqualFold(job.InputLanguage, "en")
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return interrupted("run", err)
	}
	return nil
}

// interrupted reports a context error as a cancellation of op.
func interrupted(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &domain.Error{Kind: domain.KindCancelled, Op: op, Err: err}
}
