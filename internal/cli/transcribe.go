package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/pipeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	var (
		testMode  bool
		printText bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <media-file>",
		Short: "Transcribe a video or audio file next to the input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := domain.ModeFull
			if testMode {
				mode = domain.ModeTest
			}

			doc, err := app.transcribeFile(cmd.Context(), filepath.Clean(args[0]), mode)
			if err != nil {
				return err
			}

			if printText {
				fmt.Fprint(cmd.OutOrStdout(), doc.Text)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transcript saved to %s\n", doc.Path)
			return nil
		},
	}

	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindOutputFlags(cmd, app)
	cmd.Flags().BoolVar(&testMode, "test", false, "Only process the first 5 minutes of the input")
	cmd.Flags().BoolVar(&printText, "print", false, "Print the transcript to stdout after saving it")
	return cmd
}

func (a *appState) transcribeFile(ctx context.Context, input string, mode domain.Mode) (domain.Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := a.controller()
	if err != nil {
		return domain.Document{}, err
	}

	job := pipeline.NewJob(a.cfg, input, mode)
	a.log().Info("transcribing...",
		zap.String("input", input),
		zap.String("mode", string(mode)),
		zap.String("format", string(job.Format)),
		zap.String("model", a.cfg.Model.Name),
	)

	progress := newJobProgress(a.progressEnabled(), a.log())
	started := time.Now()
	doc, err := ctrl.Run(ctx, job, progress.update)
	progress.finish()

	if err != nil {
		if domain.IsCancelled(err) {
			a.log().Warn("transcription cancelled", zap.Duration("elapsed", time.Since(started)))
			return domain.Document{}, domain.Errorf(domain.KindCancelled, "transcribe", "transcription cancelled")
		}
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return domain.Document{}, describeFailure(err)
	}

	a.log().Info("transcription finished", zap.Duration("elapsed", time.Since(started)), zap.String("output", doc.Path), zap.String("language", doc.Language))
	return doc, nil
}

// describeFailure prefixes err with a hint for the failure kind.
func describeFailure(err error) error {
	switch domain.KindOf(err) {
	case domain.KindConfiguration:
		return fmt.Errorf("invalid settings: %w", err)
	case domain.KindConversion:
		return fmt.Errorf("audio extraction failed (is ffmpeg installed?): %w", err)
	case domain.KindModelLoad:
		return fmt.Errorf("could not load the speech model: %w", err)
	case domain.KindTranscription:
		return fmt.Errorf("speech recognition failed: %w", err)
	case domain.KindIO:
		return fmt.Errorf("could not write the transcript: %w", err)
	default:
		return err
	}
}
