package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fmueller/vidtranscribe/internal/model"
	"github.com/fmueller/vidtranscribe/internal/platform"
	"github.com/spf13/cobra"
)

func newModelsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List speech backends and downloadable models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := platform.ResolveModelDir(app.cfg.Model.Dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backends: %s\n", strings.Join(model.DefaultRegistry().Names(), ", "))
			fmt.Fprintf(out, "Model directory: %s\n\n", modelDir)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tQUANTIZATION\tFILE\tINSTALLED")
			for _, name := range model.ModelNames() {
				entry, _ := model.LookupModel(name)
				for _, quant := range entry.QuantizationNames() {
					file := entry.Quantizations[quant].FileName
					installed := "no"
					if _, err := os.Stat(filepath.Join(modelDir, file)); err == nil {
						installed = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, quant, file, installed)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	return cmd
}
