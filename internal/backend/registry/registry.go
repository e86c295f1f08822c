// Package registry registers the backends compiled into this build.
//
// Registration order is the enumeration order and the tie-break order when a
// device group names more than one backend:
//   - file (IQ recording replay)
//   - rtl (RTL2832U USB dongles, only with the "rtlsdr" build tag)
//   - rtl_tcp (rtl_tcp network receivers)
//   - sim (simulated multi-channel receiver)
package registry

import (
	"errors"
	"fmt"

	"sdr-source/internal/backend"
	"sdr-source/internal/backend/file"
	"sdr-source/internal/backend/rtlsdr"
	"sdr-source/internal/backend/rtltcp"
	"sdr-source/internal/backend/sim"
)

// Register adds every built-in backend to r in order.
func Register(r *backend.Registry) error {
	if r == nil {
		return errors.New("registry cannot be nil")
	}

	if err := file.Register(r); err != nil {
		return fmt.Errorf("failed to register file backend: %w", err)
	}

	if err := rtlsdr.Register(r); err != nil {
		return fmt.Errorf("failed to register rtl backend: %w", err)
	}

	if err := rtltcp.Register(r); err != nil {
		return fmt.Errorf("failed to register rtl_tcp backend: %w", err)
	}

	if err := sim.Register(r); err != nil {
		return fmt.Errorf("failed to register sim backend: %w", err)
	}

	return nil
}

// New returns a registry holding every built-in backend.
func New() (*backend.Registry, error) {
	r := backend.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
