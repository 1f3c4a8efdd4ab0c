// Package cli wires the attributiond command tree: queue intake, queue
// processing and operational inspection over one SQLite datastore.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	DBPath  string
	Config  string
	// Enrollments maps reporting site to enrollment id. Empty means every
	// reporting site enrolls as itself.
	Enrollments map[string]string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for attributiond.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "attributiond",
		Short: "attributiond - attribution reporting pipeline",
		Long:  "Registers attribution sources and triggers, applies privacy limits and produces reports.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "attribution.db", "path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to the YAML flags file")
	cmd.PersistentFlags().StringToStringVar(&opts.Enrollments, "enrollment", nil,
		"reporting site to enrollment id (site=id), repeatable")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
