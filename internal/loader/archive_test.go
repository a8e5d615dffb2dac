package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/espgate/internal/plugin"
)

func TestIsArchive(t *testing.T) {
	tests := []struct {
		name string
		exts []string
		want bool
	}{
		{"chat.zip", nil, true},
		{"chat.JAR", nil, true},
		{"chat.tar", nil, false},
		{"chat", nil, false},
		{"chat.plugin", []string{".plugin"}, true},
		{"chat.zip", []string{".plugin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsArchive(tt.name, tt.exts))
		})
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.zip", "a.jar", ".hidden.zip", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dir.zip"), 0o700))

	files, err := Discover(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.jar"), filepath.Join(dir, "b.zip")}, files)

	_, err = Discover(filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)
}

func TestReadUnit(t *testing.T) {
	dir := t.TempDir()

	t.Run("flat layout", func(t *testing.T) {
		p := writeUnit(t, dir, "chat.zip", map[string][]byte{
			plugin.ManifestFile:      []byte("id: chat\nversion: \"1.2\"\nvariant: v\nsettings:\n  eos_marker: END\n"),
			plugin.ServiceConfigFile: serviceConfig("chat", "https://x.example"),
		})
		u, err := ReadUnit(p)
		require.NoError(t, err)
		assert.Equal(t, "chat", u.ID)
		assert.Equal(t, "1.2", u.Version)
		assert.Equal(t, "v", u.Variant)
		assert.Equal(t, "END", u.Setting("eos_marker", ""))
		assert.Equal(t, p, u.Source)

		cfg, err := u.LoadServiceConfig()
		require.NoError(t, err)
		assert.Equal(t, "chat", cfg.ServiceProperties.ServiceName)
	})

	t.Run("nested layout and default id", func(t *testing.T) {
		p := writeUnit(t, dir, "nested.jar", map[string][]byte{
			"META-INF/" + plugin.ManifestFile:    []byte("variant: v\n"),
			"config/" + plugin.ServiceConfigFile: serviceConfig("nested", "https://x.example"),
			"./static/readme.txt":                []byte("hi"),
		})
		u, err := ReadUnit(p)
		require.NoError(t, err)
		assert.Equal(t, "nested", u.ID)
		_, ok := u.File(plugin.ServiceConfigFile)
		assert.True(t, ok)
		_, ok = u.File("static/readme.txt")
		assert.True(t, ok)
	})

	t.Run("missing manifest", func(t *testing.T) {
		p := writeUnit(t, dir, "bare.zip", map[string][]byte{"x": []byte("y")})
		_, err := ReadUnit(p)
		assert.ErrorContains(t, err, "missing "+plugin.ManifestFile)
	})

	t.Run("variant required", func(t *testing.T) {
		p := writeUnit(t, dir, "novariant.zip", map[string][]byte{plugin.ManifestFile: []byte("id: x\n")})
		_, err := ReadUnit(p)
		assert.ErrorContains(t, err, "variant is required")
	})

	t.Run("not an archive", func(t *testing.T) {
		p := filepath.Join(dir, "junk.zip")
		require.NoError(t, os.WriteFile(p, []byte("not a zip"), 0o600))
		_, err := ReadUnit(p)
		assert.Error(t, err)
	})
}
