package joints

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/posebridge/internal/monitoring"
)

// ManifestEntry describes one device to load.
type ManifestEntry struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options,omitempty"`
}

// Kind parses the entry's type tag.
func (e ManifestEntry) Kind() (Kind, error) { return ParseKind(e.Type) }

// Option returns an option value or def when unset.
func (e ManifestEntry) Option(key, def string) string {
	if v, ok := e.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// IntOption parses an integer option.
func (e ManifestEntry) IntOption(key string, def int) (int, error) {
	v, ok := e.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("device %s: option %s: %w", e.Name, key, err)
	}
	return n, nil
}

// DurationOption parses a duration option such as "250ms".
func (e ManifestEntry) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := e.Options[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("device %s: option %s: %w", e.Name, key, err)
	}
	return d, nil
}

// Manifest is the device list read from devices.yaml.
type Manifest struct {
	Devices []ManifestEntry `yaml:"devices"`
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse device manifest: %w", err)
	}
	seen := make(map[string]bool)
	for i, e := range m.Devices {
		if e.Name == "" {
			return nil, fmt.Errorf("device %d: missing name", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("device %s: duplicate name", e.Name)
		}
		seen[e.Name] = true
		if _, err := e.Kind(); err != nil {
			return nil, fmt.Errorf("device %s: %w", e.Name, err)
		}
		if e.Driver == "" {
			return nil, fmt.Errorf("device %s: missing driver", e.Name)
		}
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device manifest: %w", err)
	}
	return ParseManifest(data)
}

// Factory builds a device from its manifest entry.
type Factory func(ManifestEntry) (Device, error)

// Registry builds devices from a manifest and keeps them by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	devices   map[string]Device
	order     []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		devices:   make(map[string]Device),
	}
}

// Register makes a driver available to manifests.
func (r *Registry) Register(driver string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driver] = f
}

// Drivers lists the registered driver names.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load builds and OnLoads every manifest entry. A device that fails is
// skipped and its error is included in the joined result; the others are
// still loaded.
func (r *Registry) Load(m *Manifest) error {
	var errs []error
	for _, e := range m.Devices {
		if err := r.load(e); err != nil {
			monitoring.Logf("[devices] failed to load %s: %v", e.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) load(e ManifestEntry) error {
	r.mu.RLock()
	f, ok := r.factories[e.Driver]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %s: unknown driver %q", e.Name, e.Driver)
	}

	kind, err := e.Kind()
	if err != nil {
		return err
	}
	dev, err := f(e)
	if err != nil {
		return fmt.Errorf("device %s: %w", e.Name, err)
	}
	if kind != Spectator && dev.Kind() != kind {
		return fmt.Errorf("device %s: manifest says %s but driver built %s", e.Name, kind, dev.Kind())
	}
	if err := dev.OnLoad(); err != nil {
		return fmt.Errorf("device %s: on load: %w", e.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.devices[e.Name]; !dup {
		r.order = append(r.order, e.Name)
	}
	if kind == Spectator {
		dev = spectator{dev}
	}
	r.devices[e.Name] = dev
	return nil
}

// Add registers an already-built device.
func (r *Registry) Add(dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.devices[dev.Name()]; !dup {
		r.order = append(r.order, dev.Name())
	}
	r.devices[dev.Name()] = dev
}

// Get returns a device by name.
func (r *Registry) Get(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	return d, ok
}

// Selectable returns the device if it may serve as base or override.
// Spectator devices are never selectable.
func (r *Registry) Selectable(name string) (Device, error) {
	d, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("no device named %q", name)
	}
	if d.Kind() == Spectator {
		return nil, fmt.Errorf("device %q is a spectator", name)
	}
	return d, nil
}

// Devices returns every loaded device in manifest order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.devices[name])
	}
	return out
}

// spectator hides a device's real shape so it can never be selected.
type spectator struct {
	Device
}

func (spectator) Kind() Kind { return Spectator }
