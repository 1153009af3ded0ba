package cli

import (
	"fmt"
	"os"

	"github.com/fmueller/vidtranscribe/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.cfg
			if cfg.Model.APIKey != "" {
				cfg.Model.APIKey = "********"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", app.configFile)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(app.configFile); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", app.configFile)
			}
			if err := config.Save(app.configFile, config.Default()); err != nil {
				return err
			}
			app.log().Debug("config written", zap.String("path", app.configFile))
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", app.configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	cmd.AddCommand(show, initCmd)
	return cmd
}
