package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fmueller/vidtranscribe/internal/convert"
	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/model"
	"github.com/google/uuid"
)

// prepare fills defaults into job and rejects anything that cannot run.
// Every failure is a configuration error raised before any stage starts.
func (c *Controller) prepare(job domain.Job) (domain.Job, error) {
	job.InputPath = strings.TrimSpace(job.InputPath)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Mode == "" {
		job.Mode = domain.ModeFull
	}
	if job.Format == "" {
		job.Format = domain.Format(c.cfg.Output.Format)
	}
	if job.SaveLocation == "" {
		job.SaveLocation = domain.SaveSameAsInput
	}
	job.InputLanguage = normalizeLanguage(job.InputLanguage)
	job.OutputLanguage = normalizeLanguage(job.OutputLanguage)

	if job.InputPath == "" {
		return job, invalid("input path is required")
	}
	info, err := os.Stat(job.InputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job, invalid("input file not found: %s", job.InputPath)
		}
		return job, invalid("cannot read input %s: %v", job.InputPath, err)
	}
	if info.IsDir() {
		return job, invalid("input is a directory: %s", job.InputPath)
	}
	if !convert.Supported(job.InputPath) {
		return job, invalid("unsupported file type %q (supported: %s)", filepath.Ext(job.InputPath), strings.Join(convert.Extensions(), " "))
	}

	switch job.Mode {
	case domain.ModeFull, domain.ModeTest:
	default:
		return job, invalid("unknown mode %q", job.Mode)
	}
	if !job.Format.Valid() {
		return job, invalid("unsupported output format %q", job.Format)
	}
	if job.SaveLocation != domain.SaveSameAsInput {
		return job, invalid("unsupported save location %q", job.SaveLocation)
	}
	if err := checkWritableDir(filepath.Dir(job.OutputPath())); err != nil {
		return job, invalid("output directory is not writable: %v", err)
	}

	adapter, err := c.modelAdapter()
	if err != nil {
		return job, err
	}
	if err := checkLanguages(adapter, job.InputLanguage, job.OutputLanguage); err != nil {
		return job, err
	}
	return job, nil
}

// checkLanguages accepts output in the spoken language (auto or equal to the
// input) or English, which the backends produce by translation.
func checkLanguages(adapter model.Adapter, input, output string) error {
	if !adapter.SupportsLanguage(input) {
		return invalid("input language %q is not supported by %s", input, adapter.Info().Type)
	}
	if output == model.AutoLanguage || output == input || output == "en" {
		return nil
	}
	if !adapter.SupportsLanguage(output) {
		return invalid("output language %q is not supported by %s", output, adapter.Info().Type)
	}
	return invalid("cannot produce %s output from %s input; choose auto, %s or en", output, input, input)
}

func normalizeLanguage(code string) string {
	if model.IsAuto(code) {
		return model.AutoLanguage
	}
	return strings.ToLower(strings.TrimSpace(code))
}

func invalid(format string, args ...any) error {
	return domain.Errorf(domain.KindConfiguration, "validate", format, args...)
}
