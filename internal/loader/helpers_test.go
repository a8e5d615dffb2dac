package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate/internal/plugin"
)

const (
	staticVariant    = "loader-test-static"
	lifecycleVariant = "loader-test-lifecycle"
	panicVariant     = "loader-test-panic"
)

var (
	starts atomic.Int32
	stops  atomic.Int32
)

type lifecycleProvider struct {
	plugin.StaticProvider
	failStart bool
}

func (p *lifecycleProvider) Start(context.Context) error {
	if p.failStart {
		return errors.New("boom")
	}
	starts.Add(1)
	return nil
}

func (p *lifecycleProvider) Stop(context.Context) error {
	stops.Add(1)
	return nil
}

var testFactory = plugin.HandlerFactoryFunc(func(plugin.Proxy) (plugin.Handler, error) {
	return nil, errors.New("not used")
})

func init() {
	plugin.Register(staticVariant, func(u *plugin.Unit) (plugin.ConfigurationProvider, error) {
		cfg, err := u.LoadServiceConfig()
		if err != nil {
			return nil, err
		}
		return &plugin.StaticProvider{Config: cfg, Factory: testFactory}, nil
	})
	plugin.Register(lifecycleVariant, func(u *plugin.Unit) (plugin.ConfigurationProvider, error) {
		cfg, err := u.LoadServiceConfig()
		if err != nil {
			return nil, err
		}
		return &lifecycleProvider{
			StaticProvider: plugin.StaticProvider{Config: cfg, Factory: testFactory},
			failStart:      u.Setting("fail_start", "") == "true",
		}, nil
	})
	plugin.Register(panicVariant, func(*plugin.Unit) (plugin.ConfigurationProvider, error) {
		panic("variant exploded")
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func manifest(id, version, variant string) []byte {
	return []byte(fmt.Sprintf("id: %s\nversion: %q\nvariant: %s\n", id, version, variant))
}

func serviceConfig(name, base string) []byte {
	return []byte(fmt.Sprintf(`serviceProperties:
  serviceName: %s
  targetServiceBaseUrl: %s
  targetServiceEndPoint: v1/chat
  rateLimiterConfiguration:
    limitForPeriod: 5
`, name, base))
}

// writeUnit packs a unit into dir/file and returns its path.
func writeUnit(t *testing.T, dir, file string, files map[string][]byte) string {
	t.Helper()
	p := filepath.Join(dir, file)
	require.NoError(t, WriteArchive(p, files))
	return p
}

func writeService(t *testing.T, dir, file, id, version, service string) string {
	t.Helper()
	return writeUnit(t, dir, file, map[string][]byte{
		plugin.ManifestFile:      manifest(id, version, staticVariant),
		plugin.ServiceConfigFile: serviceConfig(service, "https://"+service+".example"),
	})
}
