package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate"
	"github.com/blueberrycongee/espgate/internal/config"
	"github.com/blueberrycongee/espgate/internal/loader"
	"github.com/blueberrycongee/espgate/internal/plugin"
	"github.com/blueberrycongee/espgate/plugins/passthrough"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func serviceConfigYAML(name string) []byte {
	return []byte(fmt.Sprintf(`
serviceProperties:
  serviceName: %s
  targetServiceBaseUrl: http://localhost:9000/
  targetServiceEndPoint: /v1/echo
`, name))
}

func writeArchive(t *testing.T, dir, file, id, variant string) {
	t.Helper()
	require.NoError(t, loader.WriteArchive(filepath.Join(dir, file), map[string][]byte{
		plugin.ManifestFile:      []byte(fmt.Sprintf("id: %s\nversion: \"1.0.0\"\nvariant: %s\n", id, variant)),
		plugin.ServiceConfigFile: serviceConfigYAML("/" + id),
	}))
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "espgate "+espgate.Version)
	assert.Contains(t, out, "Go Version:")
}

func TestPluginsValidate(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "echo.zip", "echo", passthrough.VariantName)

	out, err := run(t, "plugins", "validate", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "echo.zip")
	assert.Contains(t, out, "/echo -> http://localhost:9000/v1/echo")
	assert.Contains(t, out, "1 registered, 0 failed")

	writeArchive(t, dir, "broken.zip", "broken", "no-such-variant")
	out, err = run(t, "plugins", "validate", "--dir", dir)
	assert.ErrorIs(t, err, errInvalidPlugins)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "broken.zip")
	assert.Contains(t, out, "1 registered, 1 failed")
}

func TestPluginsValidate_MissingDir(t *testing.T) {
	_, err := run(t, "plugins", "validate", "--dir", filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestPluginsPack(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "plugin.yaml")
	svc := filepath.Join(dir, "svc.yml")
	readme := filepath.Join(dir, "README.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("id: echo\nversion: \"2.0.0\"\nvariant: passthrough\n"), 0o644))
	require.NoError(t, os.WriteFile(svc, serviceConfigYAML("/echo"), 0o644))
	require.NoError(t, os.WriteFile(readme, []byte("hi"), 0o644))
	archive := filepath.Join(dir, "out", "echo.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(archive), 0o755))

	out, err := run(t, "plugins", "pack", "--manifest", manifest, "--service-config", svc, "--file", readme, "--out", archive)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+archive)

	unit, err := loader.ReadUnit(archive)
	require.NoError(t, err)
	assert.Equal(t, "echo", unit.ID)
	assert.Equal(t, "2.0.0", unit.Version)
	_, ok := unit.File("README.txt")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(svc, []byte("serviceProperties: {}\n"), 0o644))
	_, err = run(t, "plugins", "pack", "--manifest", manifest, "--service-config", svc, "--out", filepath.Join(dir, "bad.zip"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "bad.zip"))
}

func TestPluginsVariants(t *testing.T) {
	out, err := run(t, "plugins", "variants")
	require.NoError(t, err)
	assert.Contains(t, out, "openai-chat-completion")
	assert.Contains(t, out, passthrough.VariantName)
}

func TestServeDryRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\nplugins:\n  dir: "+dir+"\n"), 0o644))

	out, err := run(t, "serve", "--config", path, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))
	_, err = run(t, "serve", "--config", path, "--dry-run")
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	applyOverrides(cfg, &serveOptions{port: 9999, logLevel: "debug"})
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cfg = config.DefaultConfig()
	applyOverrides(cfg, &serveOptions{})
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestConfigReloader(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	level := new(slog.LevelVar)

	current := config.DefaultConfig()
	r := newConfigReloader(logger, level, &serveOptions{}, current)

	next := config.DefaultConfig()
	next.Logging.Level = "warn"
	r.Apply(next)
	assert.Equal(t, slog.LevelWarn, level.Level())
	assert.NotContains(t, logs.String(), "apply after restart")

	moved := config.DefaultConfig()
	moved.Logging.Level = "warn"
	moved.Upstream.Timeout = 5 * time.Second
	r.Apply(moved)
	assert.Contains(t, logs.String(), "apply after restart")

	bad := config.DefaultConfig()
	bad.Logging.Level = "loud"
	r.Apply(bad)
	assert.Equal(t, slog.LevelWarn, level.Level())
}

func TestConfigReloader_FlagOverridesWin(t *testing.T) {
	level := new(slog.LevelVar)
	r := newConfigReloader(nil, level, &serveOptions{logLevel: "error"}, config.DefaultConfig())

	next := config.DefaultConfig()
	next.Logging.Level = "debug"
	r.Apply(next)
	assert.Equal(t, slog.LevelError, level.Level())
	assert.True(t, strings.EqualFold(next.Logging.Level, "error"))
}
