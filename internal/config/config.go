// Package config resolves settings from built-in defaults, a YAML file and
// VIDTRANSCRIBE_* environment variables, each overriding the previous.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	FFmpegPath string         `yaml:"ffmpeg_path"`
	Model      ModelConfig    `yaml:"model"`
	Languages  LanguageConfig `yaml:"languages"`
	Output     OutputConfig   `yaml:"output"`
	Server     ServerConfig   `yaml:"server"`
	LogFile    string         `yaml:"log_file"`
}

type ModelConfig struct {
	Type         string `yaml:"type"`
	Name         string `yaml:"name"`
	Quantization string `yaml:"quantization"`
	Device       string `yaml:"device"`
	Dir          string `yaml:"dir"`
	Binary       string `yaml:"binary"`
	AutoDownload bool   `yaml:"auto_download"`
	APIKey       string `yaml:"api_key"`
	APIBaseURL   string `yaml:"api_base_url"`
}

type LanguageConfig struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

type OutputConfig struct {
	Format            string `yaml:"format"`
	IncludeTimestamps bool   `yaml:"include_timestamps"`
	SaveLocation      string `yaml:"save_location"`
	KeepAudio         bool   `yaml:"keep_audio"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		FFmpegPath: "ffmpeg",
		Model: ModelConfig{
			Type:         "whisper",
			Name:         "small",
			Quantization: "float16",
			Device:       "auto",
			AutoDownload: true,
		},
		Languages: LanguageConfig{
			Input:  "auto",
			Output: "auto",
		},
		Output: OutputConfig{
			Format:       string(domain.FormatTXT),
			SaveLocation: string(domain.SaveSameAsInput),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, domain.Wrap(domain.KindConfiguration, "load config", err)
		default:
			// Decoding into the populated defaults keeps every key the file
			// leaves out.
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, domain.Wrap(domain.KindConfiguration, "load config", fmt.Errorf("parse %s: %w", path, err))
			}
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes cfg to path as YAML through a temporary file and a rename.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("move config into place: %w", err)
	}
	return nil
}

// Validate checks the values the pipeline cannot work without.
func (c Config) Validate() error {
	if !domain.Format(c.Output.Format).Valid() {
		return domain.Errorf(domain.KindConfiguration, "config", "unsupported output format %q", c.Output.Format)
	}
	if c.Output.SaveLocation != string(domain.SaveSameAsInput) {
		return domain.Errorf(domain.KindConfiguration, "config", "unsupported save location %q (only %s is defined)", c.Output.SaveLocation, domain.SaveSameAsInput)
	}
	if c.Model.Type == "" {
		return domain.Errorf(domain.KindConfiguration, "config", "model type must not be empty")
	}
	switch c.Model.Device {
	case "auto", "cpu", "cuda":
	default:
		return domain.Errorf(domain.KindConfiguration, "config", "unsupported device %q (use auto, cpu or cuda)", c.Model.Device)
	}
	return nil
}

func (c *Config) normalize() {
	c.FFmpegPath = firstNonEmpty(c.FFmpegPath, "ffmpeg")
	c.Model.Type = strings.ToLower(strings.TrimSpace(c.Model.Type))
	c.Model.Device = strings.ToLower(firstNonEmpty(c.Model.Device, "auto"))
	c.Model.Quantization = strings.ToLower(strings.TrimSpace(c.Model.Quantization))
	c.Languages.Input = strings.ToLower(firstNonEmpty(c.Languages.Input, "auto"))
	c.Languages.Output = strings.ToLower(firstNonEmpty(c.Languages.Output, "auto"))
	c.Output.Format = strings.ToLower(firstNonEmpty(c.Output.Format, string(domain.FormatTXT)))
	c.Output.SaveLocation = firstNonEmpty(c.Output.SaveLocation, string(domain.SaveSameAsInput))
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := parseBool(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}

	str("VIDTRANSCRIBE_FFMPEG_PATH", &cfg.FFmpegPath)
	str("VIDTRANSCRIBE_MODEL_TYPE", &cfg.Model.Type)
	str("VIDTRANSCRIBE_MODEL", &cfg.Model.Name)
	str("VIDTRANSCRIBE_QUANTIZATION", &cfg.Model.Quantization)
	str("VIDTRANSCRIBE_DEVICE", &cfg.Model.Device)
	str("VIDTRANSCRIBE_MODEL_DIR", &cfg.Model.Dir)
	str("VIDTRANSCRIBE_WHISPER_PATH", &cfg.Model.Binary)
	boolean("VIDTRANSCRIBE_AUTO_DOWNLOAD", &cfg.Model.AutoDownload)
	if cfg.Model.APIKey == "" {
		str("OPENAI_API_KEY", &cfg.Model.APIKey)
	}
	str("VIDTRANSCRIBE_API_KEY", &cfg.Model.APIKey)
	str("VIDTRANSCRIBE_API_BASE_URL", &cfg.Model.APIBaseURL)
	str("VIDTRANSCRIBE_INPUT_LANGUAGE", &cfg.Languages.Input)
	str("VIDTRANSCRIBE_OUTPUT_LANGUAGE", &cfg.Languages.Output)
	str("VIDTRANSCRIBE_FORMAT", &cfg.Output.Format)
	boolean("VIDTRANSCRIBE_TIMESTAMPS", &cfg.Output.IncludeTimestamps)
	boolean("VIDTRANSCRIBE_KEEP_AUDIO", &cfg.Output.KeepAudio)
	str("VIDTRANSCRIBE_SERVER_ADDR", &cfg.Server.Addr)
	str("VIDTRANSCRIBE_LOG_FILE", &cfg.LogFile)

	if len(errs) > 0 {
		return domain.Wrap(domain.KindConfiguration, "config", errors.Join(errs...))
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return strconv.ParseBool(value)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
