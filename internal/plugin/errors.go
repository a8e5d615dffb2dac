package plugin

import "errors"

// Common plugin errors.
var (
	// ErrUnknownVariant is returned when a manifest names a variant that was never registered.
	ErrUnknownVariant = errors.New("unknown plugin variant")

	// ErrNoServiceProperties is returned when a service config has no serviceProperties block.
	// The two messages below are written to callers verbatim.
	ErrNoServiceProperties = errors.New("Service has no associated properties.") //nolint:staticcheck // caller-facing text

	// ErrNoTargetURL is returned when a service config has no target base URL.
	ErrNoTargetURL = errors.New("Service has no target service URL.") //nolint:staticcheck // caller-facing text

	// ErrMissingConfigFile is returned when a unit does not bundle its service config.
	ErrMissingConfigFile = errors.New("service config file not found in plugin")

	// ErrNilFactory is returned when a provider yields no handler factory.
	ErrNilFactory = errors.New("plugin has no handler factory")
)
