package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print the attributiond version",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := NewOutputFormatter(rootOpts)
			if rootOpts.Format == "json" {
				return formatter.Success(map[string]string{
					"version": Version,
					"go":      runtime.Version(),
				})
			}
			return formatter.Success(fmt.Sprintf("attributiond %s (%s)", Version, runtime.Version()))
		},
	}
}
