package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// ManifestFile is the name of the manifest bundled in every unit.
const ManifestFile = "plugin.yaml"

// Manifest identifies a unit and the variant that serves it.
type Manifest struct {
	ID       string            `yaml:"id" json:"id"`
	Version  string            `yaml:"version" json:"version"`
	Variant  string            `yaml:"variant" json:"variant"`
	Settings map[string]string `yaml:"settings" json:"settings,omitempty"`
}

// Unit is one extension unit as read from disk.
type Unit struct {
	Manifest
	// Source is the archive path the unit was read from.
	Source string
	// Files holds every bundled file by its archive name.
	Files map[string][]byte
}

// File returns a bundled file.
func (u *Unit) File(name string) ([]byte, bool) {
	b, ok := u.Files[name]
	return b, ok
}

// LoadServiceConfig parses the unit's bundled service config.
func (u *Unit) LoadServiceConfig() (*ServiceConfig, error) {
	data, ok := u.File(ServiceConfigFile)
	if !ok {
		return nil, ErrMissingConfigFile
	}
	return ParseServiceConfig(data)
}

// Setting returns a manifest setting or def.
func (u *Unit) Setting(key, def string) string {
	if v, ok := u.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// Variant builds the provider for a unit.
type Variant func(u *Unit) (ConfigurationProvider, error)

var (
	variantsMu sync.RWMutex
	variants   = make(map[string]Variant)
)

// Register makes a variant available by name. It panics if called twice
// with the same name or with a nil variant, and is meant to run from init.
func Register(name string, v Variant) {
	variantsMu.Lock()
	defer variantsMu.Unlock()
	if v == nil {
		panic("plugin: Register variant is nil")
	}
	if _, dup := variants[name]; dup {
		panic("plugin: Register called twice for variant " + name)
	}
	variants[name] = v
}

// LookupVariant returns the variant registered under name.
func LookupVariant(name string) (Variant, error) {
	variantsMu.RLock()
	defer variantsMu.RUnlock()
	v, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// Variants returns the sorted names of the registered variants.
func Variants() []string {
	variantsMu.RLock()
	defer variantsMu.RUnlock()
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
