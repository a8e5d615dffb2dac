// Package passthrough is a generic service variant. It relays calls
// unchanged, streams when the caller accepts text/event-stream and reports
// usage as byte counts.
package passthrough

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/blueberrycongee/espgate/internal/plugin"
)

// VariantName is the manifest variant served by this package.
const VariantName = "passthrough"

// DefaultEndOfStreamMarker is used when the manifest sets none.
const DefaultEndOfStreamMarker = "[DONE]"

// Settings keys read from the manifest.
const (
	SettingEOSMarker = "eos_marker"
	// SettingForwardHeaders is a comma-separated list of extra inbound headers to forward.
	SettingForwardHeaders = "forward_headers"
)

func init() {
	plugin.Register(VariantName, NewProvider)
}

// NewProvider builds the provider of one unit.
func NewProvider(u *plugin.Unit) (plugin.ConfigurationProvider, error) {
	cfg, err := u.LoadServiceConfig()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", VariantName, err)
	}
	f := &Factory{
		Marker:         u.Setting(SettingEOSMarker, DefaultEndOfStreamMarker),
		ForwardHeaders: splitHeaders(u.Setting(SettingForwardHeaders, "")),
	}
	return &plugin.StaticProvider{Config: cfg, Factory: f}, nil
}

func splitHeaders(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, http.CanonicalHeaderKey(name))
		}
	}
	return out
}

// Factory creates handlers bound to a proxy.
type Factory struct {
	Marker         string
	ForwardHeaders []string
}

// NewHandler implements plugin.HandlerFactory.
func (f *Factory) NewHandler(proxy plugin.Proxy) (plugin.Handler, error) {
	if proxy == nil {
		return nil, fmt.Errorf("%s: nil proxy", VariantName)
	}
	marker := f.Marker
	if marker == "" {
		marker = DefaultEndOfStreamMarker
	}
	return &Handler{proxy: proxy, marker: marker, forward: f.ForwardHeaders}, nil
}
