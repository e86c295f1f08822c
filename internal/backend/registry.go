package backend

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"sdr-source/internal/args"
)

// Options carries the collaborators a factory may use while opening a device.
type Options struct {
	Logger *slog.Logger
}

// Factory opens one backend instance from its parsed device group.
type Factory func(dict args.Dict, opts Options) (Backend, error)

// Enumerator lists the devices a backend can currently open, each as a device
// group string such as "rtl=0,label='Generic RTL2832U'".
type Enumerator func(ctx context.Context) ([]string, error)

// Descriptor identifies one backend type.
type Descriptor struct {
	Name        string
	Aliases     []string
	Description string
	Enumerate   Enumerator
	Open        Factory
}

// Keys returns the name followed by every alias.
func (d Descriptor) Keys() []string {
	return append([]string{d.Name}, d.Aliases...)
}

// Matches reports whether dict names this backend type.
func (d Descriptor) Matches(dict args.Dict) bool {
	for _, key := range d.Keys() {
		if dict.Has(key) {
			return true
		}
	}
	return false
}

// Registry holds the backend types available to this build, in registration order.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	descriptors []Descriptor
	keys        map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]int)}
}

// Register appends a backend type. Names and aliases must be unique.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("failed to register backend: empty name")
	}
	if d.Open == nil {
		return fmt.Errorf("failed to register backend %s: nil factory", d.Name)
	}
	for _, key := range d.Keys() {
		if _, exists := r.keys[key]; exists {
			return fmt.Errorf("failed to register backend %s: key %q: %w", d.Name, key, ErrDuplicateBackend)
		}
	}

	idx := len(r.descriptors)
	r.descriptors = append(r.descriptors, d)
	for _, key := range d.Keys() {
		r.keys[key] = idx
	}
	return nil
}

// Descriptors returns the registered backend types in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Names returns the primary names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		names = append(names, d.Name)
	}
	return names
}

// Lookup finds the backend type owning key (a name or an alias).
func (r *Registry) Lookup(key string) (Descriptor, error) {
	idx, ok := r.keys[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("backend %q: %w", key, ErrUnknownBackend)
	}
	return r.descriptors[idx], nil
}

// Match returns the first backend type, in registration order, named by dict.
func (r *Registry) Match(dict args.Dict) (Descriptor, bool) {
	for _, d := range r.descriptors {
		if d.Matches(dict) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Enumerate queries every backend type in registration order and concatenates
// the results. A failing backend does not hide devices found by the others;
// its error is returned alongside them.
func (r *Registry) Enumerate(ctx context.Context) ([]string, error) {
	var (
		devices []string
		errs    error
	)
	for _, d := range r.descriptors {
		if d.Enumerate == nil {
			continue
		}
		found, err := d.Enumerate(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to enumerate %s devices: %w", d.Name, err))
			continue
		}
		devices = append(devices, found...)
	}
	return devices, errs
}
