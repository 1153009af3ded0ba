package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fmueller/vidtranscribe/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "serve",
		Short:       "Serve the job API and event stream over HTTP",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLogToFile: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl, err := app.controller()
			if err != nil {
				return err
			}

			srv := server.New(server.Options{Jobs: ctrl, Config: app.cfg, Logger: app.log()})
			return srv.ListenAndServe(ctx, app.cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&app.addr, "addr", app.addr, "Listen address")
	bindModelFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindOutputFlags(cmd, app)
	return cmd
}
