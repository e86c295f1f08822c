//go:build !rtlsdr

package rtlsdr

import "sdr-source/internal/backend"

// Register is a no-op when librtlsdr support is not compiled in; device groups
// naming "rtl" are then rejected as unrecognized.
func Register(*backend.Registry) error {
	return nil
}
