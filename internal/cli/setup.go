package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"github.com/fmueller/vidtranscribe/internal/download"
	"github.com/fmueller/vidtranscribe/internal/model"
	"github.com/fmueller/vidtranscribe/internal/platform"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type setupOutcome int

const (
	modelPresent setupOutcome = iota
	modelInstalled
	modelMissing
)

func newSetupCmd(app *appState) *cobra.Command {
	var checkOnly bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model weights",
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := model.ResolveModel(app.cfg.Model.Name, app.cfg.Model.Quantization, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			outcome, err := app.ensureModel(cmd.Context(), resolved, !checkOnly)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			label := fmt.Sprintf("%s (%s)", resolved.Name, resolved.Quantization)
			switch outcome {
			case modelPresent:
				fmt.Fprintf(out, "Model %s already present at %s\n", label, resolved.Path)
			case modelInstalled:
				fmt.Fprintf(out, "Model %s installed at %s\n", label, resolved.Path)
			case modelMissing:
				return domain.Errorf(domain.KindModelLoad, "setup", "model %s is not installed or failed verification; run without --check to download it", label)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only verify installed weights, never download")
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	return cmd
}

// ensureModel verifies weights already on disk against the catalog checksum
// and, when fetch is set, downloads anything missing or corrupt.
func (a *appState) ensureModel(ctx context.Context, resolved model.ResolvedModel, fetch bool) (setupOutcome, error) {
	log := a.log().With(zap.String("model", resolved.Name), zap.String("quantization", resolved.Quantization))

	stale := resolved.NeedsDownload
	if !stale && resolved.SHA256 != "" {
		if err := download.VerifyFileChecksum(resolved.Path, resolved.SHA256); err != nil {
			log.Warn("installed weights failed verification", zap.Error(err))
			stale = true
		}
	}
	if !stale {
		log.Info("model already present", zap.String("path", resolved.Path))
		return modelPresent, nil
	}
	if !fetch {
		return modelMissing, nil
	}

	log.Info("downloading model", zap.String("url", resolved.URL), zap.String("path", resolved.Path))
	err := download.DownloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     a.noProgress,
		Logger:         log,
	})
	if err != nil {
		return modelMissing, domain.Wrap(domain.KindModelLoad, "setup", fmt.Errorf("download model %s: %w", resolved.Name, err))
	}
	return modelInstalled, nil
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.cfg.Model.Dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}
