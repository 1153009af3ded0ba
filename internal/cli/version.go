package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fmueller/vidtranscribe/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Current()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "vidtranscribe %s\n", info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "output-json", false, "Print version details as JSON")
	return cmd
}
