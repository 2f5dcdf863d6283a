package utils

import (
	"fmt"

	"github.com/notargets/gocca"
)

// CreateTestDevice creates a Device for testing, preferring parallel
// backends and falling back to Serial. Callers should skip their test when
// no backend is available rather than fail.
func CreateTestDevice() (*gocca.OCCADevice, error) {
	backends := []string{
		`{"mode": "OpenMP"}`,
		`{"mode": "CUDA", "device_id": 0}`,
		`{"mode": "Serial"}`,
	}

	for _, props := range backends {
		device, err := gocca.NewDevice(props)
		if err == nil {
			return device, nil
		}
	}
	return nil, fmt.Errorf("no OCCA backend available")
}
