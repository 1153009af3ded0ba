package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/vidtranscribe/internal/config"
	"github.com/fmueller/vidtranscribe/internal/logging"
	"github.com/fmueller/vidtranscribe/internal/pipeline"
	"github.com/fmueller/vidtranscribe/internal/platform"
	"github.com/fmueller/vidtranscribe/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

// annotationLogToFile marks commands that log to the default log file when
// none is configured.
const annotationLogToFile = "vidtranscribe/log-to-file"

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configPath string

	modelType      string
	model          string
	quantization   string
	device         string
	modelDir       string
	whisperPath    string
	autoDownload   bool
	language       string
	outputLanguage string
	ffmpegPath     string
	format         string
	timestamps     bool
	keepAudio      bool
	addr           string

	cfg        config.Config
	configFile string
	logger     *zap.Logger
}

func NewRootCmd() *cobra.Command {
	defaults := config.Default()
	app := &appState{
		modelType:      defaults.Model.Type,
		model:          defaults.Model.Name,
		quantization:   defaults.Model.Quantization,
		device:         defaults.Model.Device,
		autoDownload:   defaults.Model.AutoDownload,
		language:       defaults.Languages.Input,
		outputLanguage: defaults.Languages.Output,
		ffmpegPath:     defaults.FFmpegPath,
		format:         defaults.Output.Format,
		addr:           defaults.Server.Addr,
	}

	cmd := &cobra.Command{
		Use:           "vidtranscribe",
		Short:         "Transcribe video and audio files with a local whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	cmd.PersistentFlags().StringVar(&app.configPath, "config", app.configPath, "Config file (default: user config dir)/vidtranscribe/config.yaml")

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newConfigCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.model, "model", app.model, "Model name (tiny|base|small|medium|large-v3) or ggml file path")
	cmd.Flags().StringVar(&app.quantization, "quantization", app.quantization, "Model weights precision: float16|int8|q5_1|q5_0")
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
}

func bindEngineFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.modelType, "model-type", app.modelType, "Speech recognition backend: whisper|openai")
	cmd.Flags().StringVar(&app.device, "device", app.device, "Inference device: auto|cpu|cuda")
	cmd.Flags().StringVar(&app.whisperPath, "whisper-path", app.whisperPath, "Path to the whisper-cli executable")
	cmd.Flags().BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
	cmd.Flags().StringVar(&app.ffmpegPath, "ffmpeg", app.ffmpegPath, "Path to the ffmpeg executable")
	cmd.Flags().BoolVar(&app.keepAudio, "keep-audio", app.keepAudio, "Keep the extracted audio after the job finishes")
}

func bindOutputFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.language, "language", app.language, "Spoken language code (auto|en|de|...)")
	cmd.Flags().StringVar(&app.outputLanguage, "output-language", app.outputLanguage, "Transcript language: auto keeps the spoken language, en translates")
	cmd.Flags().StringVarP(&app.format, "format", "f", app.format, "Output format: txt|srt|vtt|lyrics")
	cmd.Flags().BoolVar(&app.timestamps, "timestamps", app.timestamps, "Prefix txt lines with MM:SS start times")
}

// prepare loads the config file, lets explicitly set flags override it and
// builds the logger.
func (a *appState) prepare(cmd *cobra.Command) error {
	path, err := platform.ResolveConfigFile(a.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.configFile = path

	logFile := cfg.LogFile
	if logFile == "" && cmd.Annotations[annotationLogToFile] == "true" {
		if logFile, err = platform.ResolveLogFile(); err != nil {
			return err
		}
	}
	logger, err := logging.New(logging.Options{Verbose: a.verbose, JSON: a.jsonLogs, Writer: cmd.ErrOrStderr(), File: logFile})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	a.log().Debug("configuration loaded", zap.String("path", path), zap.String("model_type", cfg.Model.Type), zap.String("model", cfg.Model.Name))
	return nil
}

func (a *appState) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	str := func(name string, value string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst = strings.TrimSpace(value)
		}
	}
	boolean := func(name string, value bool, dst *bool) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst = value
		}
	}

	str("model-type", strings.ToLower(a.modelType), &cfg.Model.Type)
	str("model", a.model, &cfg.Model.Name)
	str("quantization", strings.ToLower(a.quantization), &cfg.Model.Quantization)
	str("device", strings.ToLower(a.device), &cfg.Model.Device)
	str("model-dir", a.modelDir, &cfg.Model.Dir)
	str("whisper-path", a.whisperPath, &cfg.Model.Binary)
	boolean("auto-download", a.autoDownload, &cfg.Model.AutoDownload)
	str("language", strings.ToLower(a.language), &cfg.Languages.Input)
	str("output-language", strings.ToLower(a.outputLanguage), &cfg.Languages.Output)
	str("ffmpeg", a.ffmpegPath, &cfg.FFmpegPath)
	str("format", strings.ToLower(a.format), &cfg.Output.Format)
	boolean("timestamps", a.timestamps, &cfg.Output.IncludeTimestamps)
	boolean("keep-audio", a.keepAudio, &cfg.Output.KeepAudio)
	str("addr", a.addr, &cfg.Server.Addr)
}

func (a *appState) controller() (*pipeline.Controller, error) {
	return pipeline.New(pipeline.Options{Config: a.cfg, Logger: a.log()})
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

