// Package errors defines the gateway error taxonomy.
// Every failure produced by the request pipeline, the registry or the plugin loader
// is expressed as a GatewayError so it can be mapped to a response at a single boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/blueberrycongee/espgate/pkg/types"
)

// Kind classifies a gateway failure.
type Kind string

// Error kinds.
const (
	KindRoutingConfig   Kind = "routing_config_error"
	KindUnknownService  Kind = "unknown_service_error"
	KindHandlerCreation Kind = "handler_creation_error"
	KindDownstream      Kind = "downstream_error"
	KindPluginLoad      Kind = "plugin_load_error"
	KindWatch           Kind = "watch_error"
)

// FallbackPrefix prefixes the body of every service-unavailable fallback response.
const FallbackPrefix = "Service temporarily unavailable: "

// GatewayError is a classified failure.
type GatewayError struct {
	Kind       Kind   `json:"type"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Service    string `json:"service,omitempty"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("[%s] %v (service=%s)", e.Kind, e.Err, e.Service)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v (service=%s)", e.Kind, e.Message, e.Err, e.Service)
	}
	return fmt.Sprintf("[%s] %s (service=%s)", e.Kind, e.Message, e.Service)
}

// Unwrap exposes the cause.
func (e *GatewayError) Unwrap() error { return e.Err }

// Is matches another GatewayError of the same Kind.
func (e *GatewayError) Is(target error) bool {
	var t *GatewayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Service == "" || t.Service == e.Service)
}

// HTTPStatusCode returns the status a caller should see for this error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Body returns the text written to the caller.
func (e *GatewayError) Body() string {
	if e.Kind == KindDownstream {
		return FallbackPrefix + e.detail()
	}
	return e.detail()
}

func (e *GatewayError) detail() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

// Sentinel values usable with errors.Is to test the kind only.
var (
	ErrRoutingConfig   = &GatewayError{Kind: KindRoutingConfig}
	ErrUnknownService  = &GatewayError{Kind: KindUnknownService}
	ErrHandlerCreation = &GatewayError{Kind: KindHandlerCreation}
	ErrDownstream      = &GatewayError{Kind: KindDownstream}
	ErrPluginLoad      = &GatewayError{Kind: KindPluginLoad}
	ErrWatch           = &GatewayError{Kind: KindWatch}
)

// NewRoutingConfigError reports a malformed or incomplete service configuration (400).
func NewRoutingConfigError(service, message string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindRoutingConfig,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Service:    service,
		Err:        cause,
	}
}

// NewUnknownServiceError reports a path that resolves to no registered service (400).
func NewUnknownServiceError(service string) *GatewayError {
	return &GatewayError{
		Kind:       KindUnknownService,
		StatusCode: http.StatusBadRequest,
		Message:    "Unknown service: " + service,
		Service:    service,
	}
}

// NewHandlerCreationError reports a factory that produced no handler (400).
func NewHandlerCreationError(service string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindHandlerCreation,
		StatusCode: http.StatusBadRequest,
		Message:    "Service handler not found.",
		Service:    service,
		Err:        cause,
	}
}

// NewDownstreamError reports a transport failure, an upstream 4xx/5xx or a gate rejection (503).
func NewDownstreamError(service string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindDownstream,
		StatusCode: http.StatusServiceUnavailable,
		Service:    service,
		Err:        cause,
	}
}

// NewPluginLoadError reports an extension unit that could not be loaded.
func NewPluginLoadError(unit, message string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindPluginLoad,
		StatusCode: http.StatusInternalServerError,
		Message:    fmt.Sprintf("plugin %s: %s", unit, message),
		Err:        cause,
	}
}

// NewWatchError reports a filesystem watch failure.
func NewWatchError(dir string, cause error) *GatewayError {
	return &GatewayError{
		Kind:       KindWatch,
		StatusCode: http.StatusInternalServerError,
		Message:    "watch " + dir,
		Err:        cause,
	}
}

// AsGatewayError classifies any error. Unclassified errors become downstream errors
// so they surface as a fallback instead of escaping to the transport.
func AsGatewayError(service string, err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return NewDownstreamError(service, err)
}

// IsClientError reports whether the error maps to a 4xx response.
func IsClientError(err error) bool {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return false
	}
	code := ge.HTTPStatusCode()
	return code >= 400 && code < 500
}

// ToResponse converts err into the plain-text response the caller sees.
func ToResponse(service string, err error) *types.Response {
	ge := AsGatewayError(service, err)
	return &types.Response{
		StatusCode: ge.HTTPStatusCode(),
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(ge.Body()),
	}
}
