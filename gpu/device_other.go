//go:build !linux

package gpu

// scanSystemGPUs has no portable implementation off Linux; enumeration
// falls back to backend-implied descriptions.
func scanSystemGPUs() []systemGPU {
	return nil
}
