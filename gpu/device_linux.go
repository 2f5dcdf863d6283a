package gpu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// drmRoot is the sysfs tree scanned for display hardware.
var drmRoot = "/sys/class/drm"

// scanSystemGPUs reads the DRM sysfs tree for display-class PCI devices,
// one entry per card node in node order. Connector nodes (card0-DP-1 and
// friends) are skipped. Missing or unreadable attributes degrade to zero
// values; the scan never fails.
func scanSystemGPUs() []systemGPU {
	entries, err := os.ReadDir(drmRoot)
	if err != nil {
		return nil
	}

	var gpus []systemGPU
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "card") || strings.Contains(name, "-") {
			continue
		}
		devDir := filepath.Join(drmRoot, name, "device")

		vendor := readHexAttr(filepath.Join(devDir, "vendor"))
		if vendor == 0 {
			continue
		}
		gpus = append(gpus, systemGPU{
			VendorID:  vendor,
			ProductID: readHexAttr(filepath.Join(devDir, "device")),
			Driver:    readUeventDriver(filepath.Join(devDir, "uevent")),
			VRAMBytes: readUintAttr(filepath.Join(devDir, "mem_info_vram_total")),
		})
	}
	return gpus
}

// readHexAttr parses a sysfs attribute of the form "0x10de".
func readHexAttr(path string) uint32 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// readUintAttr parses a plain decimal sysfs attribute, e.g. the amdgpu
// mem_info_vram_total byte count.
func readUintAttr(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// readUeventDriver extracts the DRIVER= line from a device uevent file.
func readUeventDriver(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if driver, ok := strings.CutPrefix(line, "DRIVER="); ok {
			return strings.TrimSpace(driver)
		}
	}
	return ""
}
