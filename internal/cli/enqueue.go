package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/attribution/internal/model"
	"github.com/roach88/attribution/internal/store"
	"github.com/roach88/attribution/internal/web"
)

// enqueueOptions holds enqueue-specific flags.
type enqueueOptions struct {
	*RootOptions
	registrant      string
	topOrigin       string
	regType         string
	sourceType      string
	osDestination   string
	webDestination  string
	adIDPermission  bool
	debugKeyAllowed bool
}

var registrationTypes = map[string]model.RegistrationType{
	"app-source":  model.RegistrationTypeAppSource,
	"app-trigger": model.RegistrationTypeAppTrigger,
	"web-source":  model.RegistrationTypeWebSource,
	"web-trigger": model.RegistrationTypeWebTrigger,
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &enqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <registration-uri>",
		Short: "Queue a source or trigger registration",
		Long: `Queue a registration for asynchronous processing. The registration
URI is fetched on the next run pass and its response header registers a
source or trigger.

Example:
  attributiond enqueue https://adtech.example/register \
    --type app-source --source-type navigation \
    --registrant android-app://com.example.app \
    --top-origin android-app://com.example.app`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.registrant, "registrant", "", "app or site that initiated the registration (required)")
	cmd.Flags().StringVar(&opts.topOrigin, "top-origin", "", "publisher origin the registration happened on (required)")
	cmd.Flags().StringVar(&opts.regType, "type", "app-source", "registration type (app-source|app-trigger|web-source|web-trigger)")
	cmd.Flags().StringVar(&opts.sourceType, "source-type", "event", "source type (event|navigation), source registrations only")
	cmd.Flags().StringVar(&opts.osDestination, "os-destination", "", "expected android-app destination, web sources only")
	cmd.Flags().StringVar(&opts.webDestination, "web-destination", "", "expected web destination, web sources only")
	cmd.Flags().BoolVar(&opts.adIDPermission, "ad-id-permission", false, "registrant has the advertising id permission")
	cmd.Flags().BoolVar(&opts.debugKeyAllowed, "debug-key-allowed", false, "debug keys are permitted for this registration")
	cobra.CheckErr(cmd.MarkFlagRequired("registrant"))
	cobra.CheckErr(cmd.MarkFlagRequired("top-origin"))

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *enqueueOptions, uri string) error {
	formatter := NewOutputFormatter(opts.RootOptions)

	reg, err := buildRegistration(opts, uri)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid registration", err)
	}

	st, err := store.Open(opts.DBPath)
	if err != nil {
		return WrapExitError(ExitFailure, "opening datastore", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if err := st.RunInTransaction(ctx, func(ctx context.Context, dao *store.DAO) error {
		return dao.InsertAsyncRegistration(ctx, reg)
	}); err != nil {
		return WrapExitError(ExitFailure, "queueing registration", err)
	}

	return formatter.Success(map[string]string{
		"id":              reg.ID,
		"registration_id": reg.RegistrationID,
	})
}

// buildRegistration validates the flags and assembles the queue row.
func buildRegistration(opts *enqueueOptions, uri string) (*model.AsyncRegistration, error) {
	regType, ok := registrationTypes[opts.regType]
	if !ok {
		return nil, fmt.Errorf("unknown registration type %q", opts.regType)
	}
	if err := web.ValidateRegistrationURI(uri); err != nil {
		return nil, err
	}
	sourceType := model.SourceType(opts.sourceType)
	if sourceType != model.SourceTypeEvent && sourceType != model.SourceTypeNavigation {
		return nil, fmt.Errorf("unknown source type %q", opts.sourceType)
	}

	return &model.AsyncRegistration{
		ID:               uuid.NewString(),
		RegistrationURI:  uri,
		Registrant:       opts.registrant,
		TopOrigin:        opts.topOrigin,
		Type:             regType,
		SourceType:       sourceType,
		OSDestination:    opts.osDestination,
		WebDestination:   opts.webDestination,
		RequestTime:      time.Now().UnixMilli(),
		RedirectBehavior: model.RedirectBehaviorAsIs,
		AdIDPermission:   opts.adIDPermission,
		DebugKeyAllowed:  opts.debugKeyAllowed,
		RegistrationID:   uuid.NewString(),
	}, nil
}
