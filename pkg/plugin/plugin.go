// Package plugin provides the public API for writing espgate service plugins.
// It re-exports the contract defined in internal/plugin so plugins built
// outside this module can register variants.
package plugin

import (
	"github.com/blueberrycongee/espgate/internal/plugin"
)

// Re-export core interfaces and types.
type (
	// Proxy is the gated callback into the gateway's outbound executors.
	Proxy = plugin.Proxy

	// Handler is the per-call capability set of a service plugin.
	Handler = plugin.Handler

	// HandlerFactory builds a Handler bound to a Proxy.
	HandlerFactory = plugin.HandlerFactory

	// HandlerFactoryFunc adapts a function to HandlerFactory.
	HandlerFactoryFunc = plugin.HandlerFactoryFunc

	// ConfigurationProvider is what a loaded unit exposes to the loader.
	ConfigurationProvider = plugin.ConfigurationProvider

	// Lifecycle is implemented by providers holding resources between reloads.
	Lifecycle = plugin.Lifecycle

	// StaticProvider serves a fixed config and factory.
	StaticProvider = plugin.StaticProvider

	// Variant builds the provider for one unit.
	Variant = plugin.Variant

	// Unit is one extension unit read from the plugin directory.
	Unit = plugin.Unit

	// Manifest identifies a unit.
	Manifest = plugin.Manifest

	ServiceConfig        = plugin.ServiceConfig
	ServiceProperties    = plugin.ServiceProperties
	CircuitBreakerConfig = plugin.CircuitBreakerConfig
	RateLimiterConfig    = plugin.RateLimiterConfig
	Headers              = plugin.Headers
	Header               = plugin.Header
	Duration             = plugin.Duration
)

// Re-export common errors.
var (
	ErrUnknownVariant      = plugin.ErrUnknownVariant
	ErrNoServiceProperties = plugin.ErrNoServiceProperties
	ErrNoTargetURL         = plugin.ErrNoTargetURL
	ErrMissingConfigFile   = plugin.ErrMissingConfigFile
)

// Re-export helper functions.
var (
	// Register makes a variant available by name. Call it from init.
	Register = plugin.Register

	// ParseServiceConfig decodes a service config document.
	ParseServiceConfig = plugin.ParseServiceConfig

	// ParseDuration parses Go or ISO-8601 duration text.
	ParseDuration = plugin.ParseDuration
)

// File names every unit bundles.
const (
	ServiceConfigFile = plugin.ServiceConfigFile
	ManifestFile      = plugin.ManifestFile
)
