// Package plugin defines the contract between the gateway core and service
// plugins.
//
// A plugin is a compiled-in variant, registered by name, that turns one
// extension unit (an archive holding a manifest and a service config) into a
// ConfigurationProvider. The provider's HandlerFactory builds a Handler for
// each inbound call. The Handler decides whether the call streams, rewrites
// outbound headers, issues the call through the Proxy callback it was built
// with, and computes usage metrics from what went over the wire.
package plugin

import (
	"context"
	"net/http"

	"github.com/blueberrycongee/espgate/pkg/metric"
	"github.com/blueberrycongee/espgate/pkg/types"
)

// Proxy is the callback into the request pipeline a handler uses to reach
// the upstream service. Calls made through it are gated by the service's
// circuit breaker and rate limiter.
type Proxy interface {
	// ExecuteRequest issues one outbound call and returns the full reply.
	ExecuteRequest(ctx context.Context, req *types.Request) (*types.Response, error)

	// ExecuteStreamingRequest issues one outbound call and returns the raw
	// upstream event sequence. An upstream 4xx/5xx is delivered as an error
	// and closes the channel.
	ExecuteStreamingRequest(ctx context.Context, req *types.Request) (<-chan types.EventResult, error)

	// CleanCacheForService drops the cached breaker and limiter of a service.
	CleanCacheForService(serviceName string)
}

// RequestClassifier decides whether an inbound call wants a streamed reply.
type RequestClassifier interface {
	IsStreamRequested(req *types.Request) bool
}

// HeaderCustomizer derives the outbound headers from the inbound ones.
// The returned header is sent as is; inbound headers are never forwarded unless copied here.
type HeaderCustomizer interface {
	CustomizeHeaders(inbound http.Header, body []byte) http.Header
}

// RequestExecutorDelegate performs the outbound call, normally by delegating to the Proxy.
// req.URL is already set to the service target.
type RequestExecutorDelegate interface {
	HandleRequest(ctx context.Context, req *types.Request) (*types.Response, error)
	HandleStreamingRequest(ctx context.Context, req *types.Request) (<-chan types.EventResult, error)
}

// UsageMetricsSupplier computes consumption metrics.
type UsageMetricsSupplier interface {
	UsageMetrics(requestBody []byte, resp *types.Response) (*metric.Metrics, error)
	// StreamUsageMetrics receives every chunk payload in arrival order, end-of-stream chunk included.
	StreamUsageMetrics(requestBody []byte, chunks []string) (*metric.Metrics, error)
}

// EndOfStreamDetector recognizes the provider's end-of-stream chunk.
type EndOfStreamDetector interface {
	IsEndOfStream(data string) bool
	EndOfStreamMarker() string
}

// Handler is the full capability set a service plugin provides per call.
type Handler interface {
	RequestClassifier
	HeaderCustomizer
	RequestExecutorDelegate
	UsageMetricsSupplier
	EndOfStreamDetector
}

// HandlerFactory builds a Handler bound to a Proxy.
type HandlerFactory interface {
	NewHandler(proxy Proxy) (Handler, error)
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(proxy Proxy) (Handler, error)

// NewHandler calls f.
func (f HandlerFactoryFunc) NewHandler(proxy Proxy) (Handler, error) { return f(proxy) }

// ConfigurationProvider is what a loaded unit exposes to the loader.
type ConfigurationProvider interface {
	ServiceConfig() (*ServiceConfig, error)
	HandlerFactory() HandlerFactory
}

// Lifecycle is implemented by providers that hold resources between reloads.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StaticProvider serves a fixed config and factory.
type StaticProvider struct {
	Config  *ServiceConfig
	Factory HandlerFactory
}

// ServiceConfig returns the bundled config.
func (p *StaticProvider) ServiceConfig() (*ServiceConfig, error) {
	if p.Config == nil || p.Config.ServiceProperties == nil {
		return nil, ErrNoServiceProperties
	}
	return p.Config, nil
}

// HandlerFactory returns the bundled factory.
func (p *StaticProvider) HandlerFactory() HandlerFactory { return p.Factory }
