package source

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"sdr-source/internal/args"
	"sdr-source/internal/backend"
)

// device is one opened backend and the first logical channel it serves.
type device struct {
	backend backend.Backend
	kind    string
	offset  int
}

// resolution is the outcome of turning an argument string into backends.
type resolution struct {
	devices []device
	// leftover holds the user groups that named no backend when the device
	// was chosen by enumeration.
	leftover []args.Dict
}

// resolve parses argString, picks the backend type for every group and opens
// one instance per group in order. On failure every instance opened so far
// is closed.
func resolve(ctx context.Context, argString string, o options) (*resolution, error) {
	reg := o.registry
	o.logger.Info("Built-in source types", "types", reg.Names())

	groups := args.Parse(argString)
	res := &resolution{}

	specified := false
	for _, g := range groups {
		if _, ok := reg.Match(g); ok {
			specified = true
			break
		}
	}

	synthesized := false
	if !specified {
		found, err := enumerate(ctx, reg, o)
		if len(found) == 0 {
			if err != nil {
				return nil, fmt.Errorf("%w: %w", backend.ErrNoDeviceFound, err)
			}
			return nil, backend.ErrNoDeviceFound
		}
		if err != nil {
			o.logger.Warn("Device enumeration incomplete", "error", err)
		}
		o.logger.Info("Using first enumerated device", "device", found[0], "found", len(found))

		res.leftover = groups
		groups = []args.Dict{args.ParseGroup(found[0])}
		synthesized = true
	}

	offset := 0
	for _, g := range groups {
		desc, ok := reg.Match(g)
		if !ok {
			if synthesized || o.lenientGroups {
				o.logger.Debug("Skipping device group", "group", g.String())
				continue
			}
			err := fmt.Errorf("group %q: %w", g.String(), backend.ErrUnrecognizedBackendType)
			return nil, closeDevices(res.devices, err)
		}

		b, err := open(desc, g, o.logger)
		if err != nil {
			return nil, closeDevices(res.devices, err)
		}

		res.devices = append(res.devices, device{
			backend: b,
			kind:    desc.Name,
			offset:  offset,
		})
		o.logger.Info("Opened backend",
			"type", desc.Name,
			"args", g.String(),
			"name", b.Name(),
			"channels", b.NumChannels(),
			"first_channel", offset)
		offset += b.NumChannels()
	}

	if len(res.devices) == 0 {
		return nil, backend.ErrNoDeviceSpecified
	}
	return res, nil
}

func enumerate(ctx context.Context, reg *backend.Registry, o options) ([]string, error) {
	if _, ok := ctx.Deadline(); !ok && o.discoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.discoveryTimeout)
		defer cancel()
	}
	return reg.Enumerate(ctx)
}

// open runs one factory and enforces that exactly one of handle and error is set.
func open(desc backend.Descriptor, g args.Dict, logger *slog.Logger) (backend.Backend, error) {
	b, err := desc.Open(g, backend.Options{Logger: logger.With("backend", desc.Name)})
	switch {
	case err != nil && b != nil:
		closeErr := b.Close()
		return nil, multierr.Append(
			fmt.Errorf("failed to open %s: %w: %w", desc.Name, backend.ErrConstructionInvariant, err),
			closeErr)
	case err != nil:
		return nil, fmt.Errorf("failed to open %s: %w", desc.Name, err)
	case b == nil:
		return nil, fmt.Errorf("failed to open %s: %w", desc.Name, backend.ErrConstructionInvariant)
	}
	return b, nil
}

// closeDevices closes every device in order and appends the failures to cause.
func closeDevices(devices []device, cause error) error {
	errs := cause
	for _, d := range devices {
		if err := d.backend.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close %s: %w", d.kind, err))
		}
	}
	return errs
}
