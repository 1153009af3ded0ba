package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fmueller/vidtranscribe/internal/audio/audiotest"
	"github.com/fmueller/vidtranscribe/internal/config"
	"github.com/fmueller/vidtranscribe/internal/convert"
	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConverter writes a tone WAV of the configured length, or blocks until
// cancelled when block is set.
type fakeConverter struct {
	seconds float64
	block   bool
	err     error

	mu     sync.Mutex
	calls  int
	limits []time.Duration
	start  chan struct{}
}

func (f *fakeConverter) Convert(ctx context.Context, in, out string, limit time.Duration, onProgress func(float64)) (domain.ConversionResult, error) {
	f.mu.Lock()
	f.calls++
	f.limits = append(f.limits, limit)
	started := f.start
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if f.block {
		<-ctx.Done()
		return domain.ConversionResult{}, ctx.Err()
	}
	if f.err != nil {
		return domain.ConversionResult{}, f.err
	}

	onProgress(-1)
	onProgress(0.4)
	onProgress(0.2)
	seconds := f.seconds
	if seconds == 0 {
		seconds = 1
	}
	if err := os.WriteFile(out, audiotestTone(seconds), 0o644); err != nil {
		return domain.ConversionResult{}, err
	}
	onProgress(1)
	return domain.ConversionResult{AudioPath: out, Duration: time.Duration(seconds * float64(time.Second)), SampleRate: 16000}, nil
}

func (f *fakeConverter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// checkedConverter adds a tool self check to fakeConverter.
type checkedConverter struct {
	*fakeConverter
	checkErr error

	checkMu sync.Mutex
	checks  int
}

func (c *checkedConverter) Binary() string { return "/opt/ffmpeg" }

func (c *checkedConverter) Validate(context.Context) (string, error) {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()
	c.checks++
	if c.checkErr != nil {
		return "", c.checkErr
	}
	return "7.0", nil
}

func audiotestTone(seconds float64) []byte {
	return audiotest.PCM16(audiotest.Tone(16000, seconds), 16000, 1)
}

type fakeAdapter struct {
	segments     []domain.Segment
	loadErr      error
	transcribErr error
	formats      []string
	language     string
	// blocked, when set, is closed after the first segment and Transcribe
	// then waits for cancellation.
	blocked chan struct{}

	mu          sync.Mutex
	loads       []model.Spec
	requests    []model.Request
	interrupted bool
}

func (f *fakeAdapter) Load(_ context.Context, spec model.Spec) (*model.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, spec)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &model.Handle{Spec: spec, Location: "fake", LoadedAt: time.Now()}, nil
}

func (f *fakeAdapter) Transcribe(ctx context.Context, _ *model.Handle, req model.Request, onSegment func(domain.Segment), onProgress func(float64)) (model.Summary, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	for i, seg := range f.segments {
		if err := ctx.Err(); err != nil {
			return model.Summary{}, err
		}
		onSegment(seg)
		onProgress(float64(i+1) / float64(len(f.segments)+1))
		if f.blocked != nil {
			close(f.blocked)
			<-ctx.Done()
			f.mu.Lock()
			f.interrupted = true
			f.mu.Unlock()
			onProgress(0.9)
			return model.Summary{Segments: 1}, ctx.Err()
		}
	}
	if f.transcribErr != nil {
		return model.Summary{}, f.transcribErr
	}
	onProgress(1)
	return model.Summary{Language: f.language, Segments: len(f.segments)}, nil
}

func (f *fakeAdapter) setLoadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

func (f *fakeAdapter) wasInterrupted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupted
}

func (f *fakeAdapter) SupportsLanguage(code string) bool {
	switch code {
	case "auto", "en", "de", "fr":
		return true
	default:
		return false
	}
}

func (f *fakeAdapter) Languages() []string { return []string{"en", "de", "fr"} }

func (f *fakeAdapter) Info() model.Info { return model.Info{Type: "fake", InputFormats: f.formats} }

func (f *fakeAdapter) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeAdapter) lastRequest() model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type harness struct {
	ctrl    *Controller
	adapter *fakeAdapter
	conv    Converter
	tempDir string
}

func newHarness(t *testing.T, conv Converter, adapter *fakeAdapter, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Model.Type = "fake"
	if mutate != nil {
		mutate(&cfg)
	}

	registry := model.NewRegistry()
	registry.Register("fake", func(model.Options) (model.Adapter, error) { return adapter, nil })

	tempDir := t.TempDir()
	ctrl, err := New(Options{
		Config:    cfg,
		Converter: conv,
		Registry:  registry,
		Logger:    zaptest.NewLogger(t),
		TempDir:   tempDir,
	})
	require.NoError(t, err)
	return &harness{ctrl: ctrl, adapter: adapter, conv: conv, tempDir: tempDir}
}

func writeInput(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	return path
}

func newJob(input string, format domain.Format) domain.Job {
	return domain.Job{InputPath: input, Mode: domain.ModeFull, Format: format}
}

func workspaceEntries(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, filepath.Base(path))
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestRunProducesTranscriptWithMonotonicProgress(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{language: "en", segments: []domain.Segment{
		{Start: 5, End: 9, Text: " first line "},
		{Start: 9, End: 12, Text: "first line"},
		{Start: 12, End: 13, Text: "uh"},
		{Start: 90, End: 95, Text: "second line"},
		{Start: 80, End: 96, Text: "third line"},
	}}
	h := newHarness(t, &fakeConverter{seconds: 2}, adapter, nil)
	input := writeInput(t, "talk.mp4")

	job := newJob(input, domain.FormatTXT)
	job.IncludeTimestamps = true

	var events []domain.Event
	doc, err := h.ctrl.Run(context.Background(), job, func(e domain.Event) { events = append(events, e) })
	require.NoError(t, err)

	expectedPath := filepath.Join(filepath.Dir(input), "talk.txt")
	require.Equal(t, expectedPath, doc.Path)
	require.Equal(t, "00:05 first line\n01:30 second line\n01:30 third line\n", doc.Text)
	written, err := os.ReadFile(expectedPath)
	require.NoError(t, err)
	require.Equal(t, doc.Text, string(written))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, domain.EventCompleted, last.Type)
	require.Equal(t, domain.StateCompleted, last.State)
	require.Equal(t, expectedPath, last.OutputPath)
	require.Equal(t, "en", doc.Language)
	require.Equal(t, "en", last.Language)

	var messages []string
	for _, e := range events {
		messages = append(messages, e.Message)
	}
	require.Contains(t, messages, "Converting... 40%")
	require.Contains(t, messages, "Transcribing...")

	previous := -1.0
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Seq)
		require.NotEmpty(t, e.JobID)
		require.GreaterOrEqual(t, e.Percent, previous)
		previous = e.Percent
		if i < len(events)-1 {
			require.Equal(t, domain.EventProgress, e.Type)
		}
	}
	require.Equal(t, 100.0, events[len(events)-2].Percent)

	var stages []domain.Stage
	for _, e := range events {
		if len(stages) == 0 || stages[len(stages)-1] != e.Stage {
			stages = append(stages, e.Stage)
		}
	}
	require.Equal(t, []domain.Stage{domain.StageConverting, domain.StageTranscribing, domain.StageSaving}, stages)

	require.Empty(t, workspaceEntries(t, h.tempDir))
	require.Equal(t, 1, adapter.loadCount())
	require.Equal(t, model.Spec{Name: "small", Device: "auto", Quantization: "float16"}, adapter.loads[0])

	_, active := h.ctrl.Active()
	require.False(t, active)
}

func TestRunPassesAudioThroughWithoutConversion(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{}
	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "hello"}}}
	h := newHarness(t, conv, adapter, nil)

	input := filepath.Join(t.TempDir(), "voice.wav")
	audiotest.WriteTone(t, input, 1.5)

	doc, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatSRT), nil)
	require.NoError(t, err)
	require.Equal(t, "1\n00:00:00,000 --> 00:00:01,000\nhello\n", doc.Text)
	require.Zero(t, conv.calls)

	req := adapter.lastRequest()
	require.Equal(t, input, req.AudioPath)
	require.InDelta(t, 1.5, req.Duration.Seconds(), 0.01)
	require.FileExists(t, input)
}

func TestRunReusesLoadedAdapterAcrossJobs(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "again"}}}
	constructed := 0
	registry := model.NewRegistry()
	registry.Register("fake", func(model.Options) (model.Adapter, error) {
		constructed++
		return adapter, nil
	})

	cfg := config.Default()
	cfg.Model.Type = "fake"
	ctrl, err := New(Options{Config: cfg, Converter: &fakeConverter{}, Registry: registry, TempDir: t.TempDir()})
	require.NoError(t, err)

	require.Zero(t, adapter.loadCount())
	for i := 0; i < 2; i++ {
		_, err := ctrl.Run(context.Background(), newJob(writeInput(t, "clip.mkv"), domain.FormatTXT), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, constructed)
	require.Equal(t, 2, adapter.loadCount())
}

func TestStartRejectsSecondJobWhileBusy(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{block: true, start: make(chan struct{})}
	h := newHarness(t, conv, &fakeAdapter{}, nil)

	run, err := h.ctrl.Start(context.Background(), newJob(writeInput(t, "a.mp4"), domain.FormatTXT))
	require.NoError(t, err)
	<-conv.start

	_, err = h.ctrl.Start(context.Background(), newJob(writeInput(t, "b.mp4"), domain.FormatTXT))
	require.ErrorIs(t, err, domain.ErrBusy)
	require.Equal(t, domain.KindBusy, domain.KindOf(err))

	current, ok := h.ctrl.Active()
	require.True(t, ok)
	require.Equal(t, run.Job().ID, current.Job().ID)
	require.Equal(t, domain.StateConverting, current.Snapshot().State)

	run.Cancel()
	_, err = run.Wait()
	require.True(t, domain.IsCancelled(err))

	_, ok = h.ctrl.Active()
	require.False(t, ok)
}

func TestStartValidatesJobSynchronously(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeConverter{}, &fakeAdapter{}, nil)
	video := writeInput(t, "clip.mp4")

	tests := []struct {
		name string
		job  domain.Job
		want string
	}{
		{name: "empty path", job: newJob("  ", domain.FormatTXT), want: "input path is required"},
		{name: "missing file", job: newJob(filepath.Join(t.TempDir(), "gone.mp4"), domain.FormatTXT), want: "not found"},
		{name: "directory", job: newJob(t.TempDir(), domain.FormatTXT), want: "directory"},
		{name: "unsupported type", job: newJob(writeInput(t, "notes.txt"), domain.FormatTXT), want: "unsupported file type"},
		{name: "unknown format", job: newJob(video, domain.Format("docx")), want: "unsupported output format"},
		{name: "unknown mode", job: domain.Job{InputPath: video, Mode: "preview", Format: domain.FormatTXT}, want: "unknown mode"},
		{name: "unsupported language", job: domain.Job{InputPath: video, Format: domain.FormatTXT, InputLanguage: "xx"}, want: "not supported"},
		{name: "untranslatable pairing", job: domain.Job{InputPath: video, Format: domain.FormatTXT, InputLanguage: "de", OutputLanguage: "fr"}, want: "cannot produce fr output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ctrl.Start(context.Background(), tt.job)
			require.Error(t, err)
			require.Equal(t, domain.KindConfiguration, domain.KindOf(err))
			require.Contains(t, err.Error(), tt.want)

			_, active := h.ctrl.Active()
			require.False(t, active)
		})
	}
}

func TestStartRejectsUnknownModelType(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Model.Type = "nonexistent"
	ctrl, err := New(Options{Config: cfg, Converter: &fakeConverter{}, Registry: model.NewRegistry()})
	require.NoError(t, err)

	_, err = ctrl.Start(context.Background(), newJob(writeInput(t, "clip.mp4"), domain.FormatTXT))
	require.Equal(t, domain.KindConfiguration, domain.KindOf(err))
	require.Contains(t, err.Error(), "unknown model type")
}

func TestRunRequestsTranslationAndWordTimings(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 1, End: 1.4, Text: "la"}}}
	h := newHarness(t, &fakeConverter{}, adapter, nil)

	job := newJob(writeInput(t, "song.webm"), domain.FormatLyrics)
	job.InputLanguage = "de"
	job.OutputLanguage = "en"

	doc, err := h.ctrl.Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, "0:01.000=0:01.400=la\n", doc.Text)
	require.True(t, strings.HasSuffix(doc.Path, "song.lyrics"))

	req := adapter.lastRequest()
	require.True(t, req.Translate)
	require.True(t, req.WordTimestamps)
	require.Equal(t, "de", req.Language)
}

func TestRunTestModeCapsAudioAndSegments(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{}
	adapter := &fakeAdapter{segments: []domain.Segment{
		{Start: 10, End: 20, Text: "inside the window"},
		{Start: 295, End: 310, Text: "crossing the cap"},
		{Start: 300, End: 305, Text: "past the cap"},
	}}
	h := newHarness(t, conv, adapter, nil)

	input := filepath.Join(t.TempDir(), "long.wav")
	audiotest.WriteTone(t, input, 1)
	job := newJob(input, domain.FormatVTT)
	job.Mode = domain.ModeTest

	doc, err := h.ctrl.Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{domain.TestModeCap}, conv.limits)
	require.Equal(t, "WEBVTT\n\n00:00:10.000 --> 00:00:20.000\ninside the window\n\n00:04:55.000 --> 00:05:00.000\ncrossing the cap\n", doc.Text)
	require.NotEqual(t, input, adapter.lastRequest().AudioPath)
}

func TestRunSkipsRecognitionForSilentAudio(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "hallucinated"}}}
	h := newHarness(t, &fakeConverter{}, adapter, nil)

	input := filepath.Join(t.TempDir(), "quiet.wav")
	audiotest.WriteSilence(t, input, 1)

	var events []domain.Event
	doc, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), func(e domain.Event) { events = append(events, e) })
	require.NoError(t, err)
	require.Empty(t, doc.Text)
	require.Empty(t, doc.Language)
	require.FileExists(t, doc.Path)
	require.Zero(t, adapter.loadCount())
	require.Equal(t, domain.EventCompleted, events[len(events)-1].Type)
	var messages []string
	for _, e := range events {
		messages = append(messages, e.Message)
	}
	require.Contains(t, messages, "no speech detected")

	job := newJob(input, domain.FormatTXT)
	job.InputLanguage = "de"
	doc, err = h.ctrl.Run(context.Background(), job, nil)
	require.NoError(t, err)
	require.Equal(t, "de", doc.Language)
}

func TestRunModelLoadFailureKeepsAudio(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{loadErr: errors.New("weights missing")}
	h := newHarness(t, &fakeConverter{}, adapter, nil)
	input := writeInput(t, "clip.mov")

	var events []domain.Event
	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), func(e domain.Event) { events = append(events, e) })
	require.Error(t, err)
	require.Equal(t, domain.KindModelLoad, domain.KindOf(err))

	last := events[len(events)-1]
	require.Equal(t, domain.EventFailed, last.Type)
	require.Equal(t, domain.StateFailed, last.State)
	require.Equal(t, domain.KindModelLoad, last.ErrorKind)
	require.Contains(t, last.Message, "weights missing")

	require.Equal(t, []string{"audio.wav"}, workspaceEntries(t, h.tempDir))
	require.NoFileExists(t, filepath.Join(filepath.Dir(input), "clip.txt"))
}

func TestRunTranscriptionFailureWritesNothing(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		segments:     []domain.Segment{{Start: 0, End: 2, Text: "partial words"}},
		transcribErr: domain.Errorf(domain.KindTranscription, "transcribe", "engine crashed"),
	}
	h := newHarness(t, &fakeConverter{}, adapter, nil)
	input := writeInput(t, "clip.mp4")

	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatSRT), nil)
	require.Equal(t, domain.KindTranscription, domain.KindOf(err))
	require.NoFileExists(t, filepath.Join(filepath.Dir(input), "clip.srt"))
	require.Empty(t, workspaceEntries(t, h.tempDir))
}

func TestRunConversionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeConverter{err: errors.New("bad container")}, &fakeAdapter{}, nil)
	input := writeInput(t, "clip.flv")

	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), nil)
	require.Equal(t, domain.KindConversion, domain.KindOf(err))
	require.NoFileExists(t, filepath.Join(filepath.Dir(input), "clip.txt"))
}

func TestRunKeepAudioSetting(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "kept"}}}
	h := newHarness(t, &fakeConverter{}, adapter, func(cfg *config.Config) { cfg.Output.KeepAudio = true })

	_, err := h.ctrl.Run(context.Background(), newJob(writeInput(t, "clip.mp4"), domain.FormatTXT), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"audio.wav"}, workspaceEntries(t, h.tempDir))
}

func TestRunOverwritesExistingOutput(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "fresh"}}}
	h := newHarness(t, &fakeConverter{}, adapter, nil)
	input := writeInput(t, "clip.mp4")
	output := filepath.Join(filepath.Dir(input), "clip.txt")
	require.NoError(t, os.WriteFile(output, []byte("stale transcript that is longer\n"), 0o644))

	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), nil)
	require.NoError(t, err)
	written, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, "fresh\n", string(written))
}

const hangingFFmpeg = `#!/bin/sh
if [ "$1" = "-version" ]; then
  echo "ffmpeg version 7.0-test Copyright (c) the FFmpeg developers"
  exit 0
fi
echo $$ > "$0.pid"
echo "  Duration: 00:10:00.00, start: 0.000000" >&2
echo "out_time_us=1000000"
for last; do :; done
printf 'partial' > "$last"
trap 'exit 255' INT
while :; do sleep 0.02; done
`

func TestCancelDuringConversionStopsFFmpeg(t *testing.T) {
	t.Parallel()

	stub := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(stub, []byte(hangingFFmpeg), 0o755))

	adapter := &fakeAdapter{}
	h := newHarness(t, convert.New(convert.Options{Binary: stub, Grace: 200 * time.Millisecond}), adapter, nil)
	input := writeInput(t, "clip.mp4")

	run, err := h.ctrl.Start(context.Background(), newJob(input, domain.FormatTXT))
	require.NoError(t, err)

	var pid int
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(stub + ".pid")
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(raw)))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	run.Cancel()

	var events []domain.Event
	for e := range run.Events() {
		events = append(events, e)
	}
	_, err = run.Wait()
	require.True(t, domain.IsCancelled(err))

	last := events[len(events)-1]
	require.Equal(t, domain.EventCancelled, last.Type)
	require.Equal(t, domain.StateCancelled, last.State)
	require.Equal(t, domain.StageConverting, last.Stage)
	require.Less(t, last.Percent, 30.0)

	require.Eventually(t, func() bool { return syscall.Kill(pid, 0) != nil }, 2*time.Second, 10*time.Millisecond)
	require.NoFileExists(t, filepath.Join(filepath.Dir(input), "clip.txt"))
	require.Empty(t, workspaceEntries(t, h.tempDir))
	require.Zero(t, adapter.loadCount())
}

func TestRunConvertsAudioTheAdapterCannotDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		formats []string
		convert bool
	}{
		{name: "m4a for a wav and mp3 backend", input: "memo.m4a", formats: []string{".wav", ".mp3"}, convert: true},
		{name: "aac for a bare backend", input: "memo.aac", convert: true},
		{name: "mp3 the backend reads", input: "memo.mp3", formats: []string{".wav", ".mp3"}},
		{name: "m4a the backend reads", input: "memo.m4a", formats: []string{".m4a"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			conv := &fakeConverter{}
			adapter := &fakeAdapter{formats: tt.formats, segments: []domain.Segment{{Start: 0, End: 1, Text: "memo"}}}
			h := newHarness(t, conv, adapter, nil)
			input := writeInput(t, tt.input)

			var stages []domain.Stage
			doc, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), func(e domain.Event) {
				stages = append(stages, e.Stage)
			})
			require.NoError(t, err)
			require.Equal(t, "memo\n", doc.Text)

			if tt.convert {
				require.Equal(t, 1, conv.callCount())
				require.Contains(t, stages, domain.StageConverting)
				require.Equal(t, "audio.wav", filepath.Base(adapter.lastRequest().AudioPath))
			} else {
				require.Zero(t, conv.callCount())
				require.NotContains(t, stages, domain.StageConverting)
				require.Equal(t, input, adapter.lastRequest().AudioPath)
			}
			require.Empty(t, workspaceEntries(t, h.tempDir))
		})
	}
}

func TestRunChecksConverterToolOnce(t *testing.T) {
	t.Parallel()

	conv := &checkedConverter{fakeConverter: &fakeConverter{}}
	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "ok"}}}
	h := newHarness(t, conv, adapter, nil)

	for i := 0; i < 2; i++ {
		_, err := h.ctrl.Run(context.Background(), newJob(writeInput(t, "clip.mp4"), domain.FormatTXT), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, conv.checks)
	require.Equal(t, 2, conv.callCount())
}

func TestRunReportsBrokenConverterTool(t *testing.T) {
	t.Parallel()

	conv := &checkedConverter{
		fakeConverter: &fakeConverter{},
		checkErr:      domain.Errorf(domain.KindConversion, "validate", "ffmpeg not found at %q", "/opt/ffmpeg"),
	}
	adapter := &fakeAdapter{}
	h := newHarness(t, conv, adapter, nil)
	input := writeInput(t, "clip.mkv")

	var events []domain.Event
	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), func(e domain.Event) { events = append(events, e) })
	require.Equal(t, domain.KindConversion, domain.KindOf(err))
	require.ErrorContains(t, err, "ffmpeg not found")

	last := events[len(events)-1]
	require.Equal(t, domain.EventFailed, last.Type)
	require.Equal(t, domain.StageConverting, last.Stage)
	require.Zero(t, conv.callCount())
	require.Zero(t, adapter.loadCount())
	require.NoFileExists(t, filepath.Join(filepath.Dir(input), "clip.txt"))

	_, err = h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), nil)
	require.Error(t, err)
	require.Equal(t, 2, conv.checks)
}

func TestCancelDuringTranscription(t *testing.T) {
	t.Parallel()

	for _, keepAudio := range []bool{false, true} {
		keepAudio := keepAudio
		t.Run("keep_audio="+strconv.FormatBool(keepAudio), func(t *testing.T) {
			t.Parallel()

			adapter := &fakeAdapter{
				blocked: make(chan struct{}),
				segments: []domain.Segment{
					{Start: 0, End: 2, Text: "first words"},
					{Start: 2, End: 4, Text: "never reached"},
				},
			}
			h := newHarness(t, &fakeConverter{}, adapter, func(cfg *config.Config) { cfg.Output.KeepAudio = keepAudio })
			input := writeInput(t, "clip.mp4")

			run, err := h.ctrl.Start(context.Background(), newJob(input, domain.FormatTXT))
			require.NoError(t, err)
			<-adapter.blocked
			require.Equal(t, domain.StateTranscribing, run.Snapshot().State)
			run.Cancel()

			var events []domain.Event
			for e := range run.Events() {
				events = append(events, e)
			}
			_, err = run.Wait()
			require.True(t, domain.IsCancelled(err))
			require.True(t, adapter.wasInterrupted())

			last := events[len(events)-1]
			require.Equal(t, domain.EventCancelled, last.Type)
			require.Equal(t, domain.StateCancelled, last.State)
			require.Equal(t, domain.StageTranscribing, last.Stage)
			require.Equal(t, events[len(events)-2].Percent, last.Percent)

			previous := -1.0
			for _, e := range events {
				require.GreaterOrEqual(t, e.Percent, previous)
				previous = e.Percent
				require.NotEqual(t, "Transcribing... 90%", e.Message)
			}

			require.NoFileExists(t, filepath.Join(filepath.Dir(input), "clip.txt"))
			require.Empty(t, workspaceEntries(t, h.tempDir))

			_, active := h.ctrl.Active()
			require.False(t, active)
		})
	}
}

func TestRetryReusesAudioKeptAfterModelLoadFailure(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{}
	adapter := &fakeAdapter{
		loadErr:  errors.New("weights missing"),
		language: "en",
		segments: []domain.Segment{{Start: 0, End: 1, Text: "second try"}},
	}
	h := newHarness(t, conv, adapter, nil)
	input := writeInput(t, "clip.mp4")

	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), nil)
	require.Equal(t, domain.KindModelLoad, domain.KindOf(err))
	require.Equal(t, []string{"audio.wav"}, workspaceEntries(t, h.tempDir))

	adapter.setLoadErr(nil)
	var stages []domain.Stage
	doc, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), func(e domain.Event) {
		stages = append(stages, e.Stage)
	})
	require.NoError(t, err)
	require.Equal(t, "second try\n", doc.Text)
	require.Equal(t, 1, conv.callCount())
	require.NotContains(t, stages, domain.StageConverting)
	require.Equal(t, "audio.wav", filepath.Base(adapter.lastRequest().AudioPath))
	require.Empty(t, workspaceEntries(t, h.tempDir))
}

func TestRetryConvertsAgainWhenInputChanged(t *testing.T) {
	t.Parallel()

	conv := &fakeConverter{}
	adapter := &fakeAdapter{loadErr: errors.New("weights missing"), segments: []domain.Segment{{Start: 0, End: 1, Text: "fresh"}}}
	h := newHarness(t, conv, adapter, nil)
	input := writeInput(t, "clip.mp4")

	_, err := h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), nil)
	require.Equal(t, domain.KindModelLoad, domain.KindOf(err))

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(input, later, later))
	adapter.setLoadErr(nil)

	_, err = h.ctrl.Run(context.Background(), newJob(input, domain.FormatTXT), nil)
	require.NoError(t, err)
	require.Equal(t, 2, conv.callCount())
	require.Empty(t, workspaceEntries(t, h.tempDir))
}

func TestControllerStaysBusyUntilTerminalEventIsQueued(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{segments: []domain.Segment{{Start: 0, End: 1, Text: "quick"}}}
	h := newHarness(t, &fakeConverter{}, adapter, nil)

	for i := 0; i < 5; i++ {
		run, err := h.ctrl.Start(context.Background(), newJob(writeInput(t, "clip.mp4"), domain.FormatTXT))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			_, active := h.ctrl.Active()
			return !active
		}, 2*time.Second, time.Millisecond)

		var last domain.Event
		closed := false
	drain:
		for {
			select {
			case e, ok := <-run.Events():
				if !ok {
					closed = true
					break drain
				}
				last = e
			default:
				break drain
			}
		}
		require.True(t, closed, "event channel still open after the controller went idle")
		require.Equal(t, domain.EventCompleted, last.Type)
	}
}
