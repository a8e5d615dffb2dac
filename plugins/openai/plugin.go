// Package openai is the service variant for OpenAI-compatible chat
// completion endpoints. Streaming is requested through the "stream" flag of
// the request body, the stream ends with a "[DONE]" chunk, and usage is
// reported in tokens.
package openai

import (
	"fmt"

	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/internal/tokenizer"
)

// VariantName is the manifest variant served by this package.
const VariantName = "openai-chat-completion"

// Settings keys read from the manifest.
const (
	// SettingDefaultModel is the model assumed when a request names none.
	SettingDefaultModel = "default_model"
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
		DefaultModel: u.Setting(SettingDefaultModel, tokenizer.DefaultModel),
		Count:        tokenizer.CountTextTokens,
	}
	return &plugin.StaticProvider{Config: cfg, Factory: f}, nil
}

// Factory creates handlers bound to a proxy.
type Factory struct {
	DefaultModel string
	// Count estimates tokens for streamed exchanges.
	Count tokenizer.Counter
}

// NewHandler implements plugin.HandlerFactory.
func (f *Factory) NewHandler(proxy plugin.Proxy) (plugin.Handler, error) {
	if proxy == nil {
		return nil, fmt.Errorf("%s: nil proxy", VariantName)
	}
	count := f.Count
	if count == nil {
		count = tokenizer.CountTextTokens
	}
	model := f.DefaultModel
	if model == "" {
		model = tokenizer.DefaultModel
	}
	return &Handler{proxy: proxy, defaultModel: model, count: count}, nil
}
