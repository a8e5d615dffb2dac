package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/espgate/internal/plugin"
)

// DefaultExtensions are the archive suffixes picked up from the plugin directory.
var DefaultExtensions = []string{".zip", ".jar"}

// maxEntryBytes bounds a single decompressed archive entry.
const maxEntryBytes = 4 << 20

var errEntryTooLarge = errors.New("archive entry too large")

// IsArchive reports whether name carries one of exts (case-insensitive).
func IsArchive(name string, exts []string) bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Discover lists the archives directly inside dir, sorted by name.
func Discover(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsArchive(e.Name(), exts) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// ReadUnit opens an archive and decodes its manifest. Every regular file is
// kept in memory keyed by its slash-separated name; the manifest and service
// config are also reachable by base name when packed under a directory.
func ReadUnit(file string) (*plugin.Unit, error) {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(path.Clean(f.Name), "./")
		data, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files[name] = data
	}
	for name, data := range files {
		base := path.Base(name)
		if base != plugin.ManifestFile && base != plugin.ServiceConfigFile {
			continue
		}
		if _, ok := files[base]; !ok {
			files[base] = data
		}
	}

	raw, ok := files[plugin.ManifestFile]
	if !ok {
		return nil, fmt.Errorf("missing %s", plugin.ManifestFile)
	}
	var m plugin.Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", plugin.ManifestFile, err)
	}
	if strings.TrimSpace(m.Variant) == "" {
		return nil, fmt.Errorf("%s: variant is required", plugin.ManifestFile)
	}
	if m.ID == "" {
		m.ID = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}

	return &plugin.Unit{Manifest: m, Source: file, Files: files}, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntryBytes {
		return nil, errEntryTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntryBytes {
		return nil, errEntryTooLarge
	}
	return data, nil
}

// WriteArchive packs files into a new archive at file.
func WriteArchive(file string, files map[string][]byte) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(files[name]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
