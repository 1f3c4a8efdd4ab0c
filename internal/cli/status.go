package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/attribution/internal/flags"
	"github.com/roach88/attribution/internal/store"
)

// statusData is the status command's JSON payload.
type statusData struct {
	PendingRegistrations int64 `json:"pending_registrations"`
	Sources              int   `json:"sources"`
	DebugReports         int   `json:"debug_reports"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show datastore queue and report counts",
		Long: `Show how much work is queued and what has been registered so far.

Example:
  attributiond status --db attribution.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	formatter := NewOutputFormatter(opts)

	f, err := flags.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading flags", err)
	}

	st, err := store.Open(opts.DBPath)
	if err != nil {
		return WrapExitError(ExitFailure, "opening datastore", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	dao := st.DAO()

	pending, err := dao.CountPendingRegistrations(ctx, f.RegistrationRetryLimit)
	if err != nil {
		return WrapExitError(ExitFailure, "counting pending registrations", err)
	}
	sourceIDs, err := dao.ListSourceIDs(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "listing sources", err)
	}
	debugReports, err := dao.ListDebugReports(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "listing debug reports", err)
	}

	data := statusData{
		PendingRegistrations: pending,
		Sources:              len(sourceIDs),
		DebugReports:         len(debugReports),
	}
	if opts.Format == "json" {
		return formatter.Success(data)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pending registrations: %d\n", data.PendingRegistrations)
	fmt.Fprintf(&b, "sources:               %d\n", data.Sources)
	fmt.Fprintf(&b, "debug reports:         %d", data.DebugReports)
	return formatter.Success(b.String())
}
