package cli

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

var stageLabels = map[domain.Stage]string{
	domain.StageConverting:   "Extracting audio",
	domain.StageTranscribing: "Transcribing",
	domain.StageSaving:       "Saving",
}

// jobProgress renders pipeline events as a percentage bar on a terminal and
// as stage log lines otherwise.
type jobProgress struct {
	bar    *progressbar.ProgressBar
	logger *zap.Logger
	stage  domain.Stage
}

func newJobProgress(enabled bool, logger *zap.Logger) *jobProgress {
	return newJobProgressTo(enabled, os.Stderr, logger)
}

func newJobProgressTo(enabled bool, w io.Writer, logger *zap.Logger) *jobProgress {
	p := &jobProgress{logger: logger}
	if !enabled {
		return p
	}

	p.bar = progressbar.NewOptions(
		100,
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return p
}

func (p *jobProgress) update(event domain.Event) {
	if event.Stage != "" && event.Stage != p.stage {
		p.stage = event.Stage
		if p.bar != nil {
			p.bar.Describe(stageLabels[event.Stage])
		} else {
			p.logger.Info(stageLabels[event.Stage]+"...", zap.String("job_id", event.JobID))
		}
	}
	if event.Message != "" && !event.Type.Terminal() {
		if isStageProgress(event.Message) {
			p.logger.Debug(event.Message, zap.String("job_id", event.JobID))
		} else {
			p.logger.Info(event.Message, zap.String("job_id", event.JobID))
		}
	}
	if p.bar != nil && event.Type == domain.EventProgress {
		_ = p.bar.Set(int(event.Percent))
	}
}

func (p *jobProgress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// isStageProgress matches the "Converting... 40%" lines every progress event
// carries.
func isStageProgress(message string) bool {
	return strings.HasSuffix(message, "...") || strings.HasSuffix(message, "%")
}
