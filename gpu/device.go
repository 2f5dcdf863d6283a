// Package gpu implements the VRAM testing pipeline on top of OCCA compute
// backends: device enumeration and selection, the fixed four-buffer layout
// shared with the test kernels, and dispatch with asynchronous error
// readback under a timeout.
package gpu

import (
	"fmt"
	"strings"

	"github.com/notargets/gocca"

	"github.com/notargets/memtest/tester"
)

// DeviceClass ranks a device for auto-selection.
type DeviceClass int

const (
	ClassUnknown DeviceClass = iota
	ClassDiscrete
	ClassIntegrated
	ClassVirtual
	ClassSoftware
)

func (c DeviceClass) String() string {
	switch c {
	case ClassDiscrete:
		return "discrete"
	case ClassIntegrated:
		return "integrated"
	case ClassVirtual:
		return "virtual"
	case ClassSoftware:
		return "software"
	}
	return "unknown"
}

// Info describes one usable compute endpoint: an OCCA (mode, device id)
// pair plus whatever hardware identity the platform exposes. Indices are
// only stable within the enumeration call that produced them.
type Info struct {
	Index     int
	Name      string
	Vendor    string
	Backend   string // OCCA mode: CUDA, HIP, OpenCL, Metal, OpenMP, Serial
	Class     DeviceClass
	Driver    string
	DeviceID  int    // backend-local device index
	VRAMBytes uint64 // total VRAM when the platform exposes it, else 0
}

func (d Info) String() string {
	return fmt.Sprintf("%s [%s, %s, %s]", d.Name, d.Backend, d.Vendor, d.Class)
}

// occaProps renders the OCCA device properties for this endpoint.
func (d Info) occaProps() string {
	return deviceProps(d.Backend, d.DeviceID)
}

func deviceProps(mode string, deviceID int) string {
	switch mode {
	case "OpenMP", "Serial":
		return fmt.Sprintf(`{"mode": %q}`, mode)
	}
	return fmt.Sprintf(`{"mode": %q, "device_id": %d}`, mode, deviceID)
}

// vendorNames maps PCI vendor IDs to display names.
var vendorNames = map[uint32]string{
	0x1002: "AMD",
	0x1010: "ImgTec",
	0x10DE: "NVIDIA",
	0x13B5: "ARM",
	0x5143: "Qualcomm",
	0x8086: "Intel",
	0x106B: "Apple",
}

// VendorName renders a PCI vendor ID, tagging unknown IDs with their hex
// value instead of failing.
func VendorName(id uint32) string {
	if name, ok := vendorNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%04X)", id)
}

// systemGPU is one display-class PCI device found by the platform scan.
type systemGPU struct {
	VendorID  uint32
	ProductID uint32
	Driver    string
	VRAMBytes uint64
}

// gpuModes drive real graphics hardware and are probed per device id;
// hostModes run on the CPU and expose a single endpoint each.
var (
	gpuModes  = []string{"CUDA", "HIP", "OpenCL", "Metal"}
	hostModes = []string{"OpenMP", "Serial"}
)

// maxDevicesPerMode caps the per-mode device id probe.
const maxDevicesPerMode = 8

// EnumerateDevices probes every OCCA backend and returns the usable
// endpoints, hardware first, host fallbacks last. Returns an empty slice
// when no backend is available.
func EnumerateDevices() []Info {
	sys := scanSystemGPUs()
	var devices []Info

	for _, mode := range gpuModes {
		for id := 0; id < maxDevicesPerMode; id++ {
			dev, err := gocca.NewDevice(deviceProps(mode, id))
			if err != nil {
				break
			}
			dev.Free()
			info := Info{Index: len(devices), Backend: mode, DeviceID: id}
			describeDevice(&info, sys)
			devices = append(devices, info)
		}
	}

	for _, mode := range hostModes {
		dev, err := gocca.NewDevice(deviceProps(mode, 0))
		if err != nil {
			continue
		}
		dev.Free()
		devices = append(devices, Info{
			Index:   len(devices),
			Name:    mode + " (host)",
			Vendor:  "Software",
			Backend: mode,
			Class:   ClassSoftware,
			Driver:  "occa",
		})
	}
	return devices
}

// describeDevice fills in the hardware identity for a probed endpoint. The
// DRM sysfs scan supplies vendor, driver and VRAM detail on Linux; elsewhere
// the description falls back to what the backend itself implies.
func describeDevice(info *Info, sys []systemGPU) {
	info.Name = fmt.Sprintf("%s device %d", info.Backend, info.DeviceID)
	info.Class = defaultClass(info.Backend)
	info.Vendor = defaultVendor(info.Backend)

	hw := matchSystemGPU(sys, info.Backend, info.DeviceID)
	if hw == nil {
		return
	}
	info.Vendor = VendorName(hw.VendorID)
	info.Driver = hw.Driver
	info.VRAMBytes = hw.VRAMBytes
	info.Name = fmt.Sprintf("%s GPU %d (pci 0x%04X)", info.Vendor, info.DeviceID, hw.ProductID)
	if c := classForDriver(hw.Driver); c != ClassUnknown {
		info.Class = c
	}
}

// matchSystemGPU pairs a probed (mode, device id) endpoint with a DRM card.
// CUDA and HIP enumerate within one vendor, so their device ids index that
// vendor's cards; OpenCL and Metal index across all cards.
func matchSystemGPU(sys []systemGPU, mode string, deviceID int) *systemGPU {
	var wantVendor uint32
	switch mode {
	case "CUDA":
		wantVendor = 0x10DE
	case "HIP":
		wantVendor = 0x1002
	}
	n := 0
	for i := range sys {
		if wantVendor != 0 && sys[i].VendorID != wantVendor {
			continue
		}
		if n == deviceID {
			return &sys[i]
		}
		n++
	}
	return nil
}

func defaultVendor(mode string) string {
	switch mode {
	case "CUDA":
		return "NVIDIA"
	case "HIP":
		return "AMD"
	case "Metal":
		return "Apple"
	}
	return "Unknown"
}

func defaultClass(mode string) DeviceClass {
	switch mode {
	case "CUDA", "HIP":
		return ClassDiscrete
	case "Metal":
		return ClassIntegrated
	case "OpenMP", "Serial":
		return ClassSoftware
	}
	return ClassUnknown
}

func classForDriver(driver string) DeviceClass {
	switch driver {
	case "virtio_gpu", "vmwgfx", "qxl", "bochs":
		return ClassVirtual
	case "i915", "xe":
		return ClassIntegrated
	case "nvidia", "nouveau", "amdgpu", "radeon":
		return ClassDiscrete
	}
	return ClassUnknown
}

// autoPreference is the strict class ordering for auto-selection; anything
// not matched falls through to the first enumerated device.
var autoPreference = []DeviceClass{ClassDiscrete, ClassIntegrated, ClassVirtual}

// SelectDevice picks the endpoint to test. A nil index auto-selects by
// class preference (discrete, then integrated, then virtual, then first
// available); an explicit index is bounds-checked against the enumeration
// and reports the available device names on failure.
func SelectDevice(devices []Info, index *int) (Info, error) {
	if len(devices) == 0 {
		return Info{}, tester.NewDeviceError("gpu.SelectDevice",
			"no compute devices available", nil)
	}
	if index != nil {
		if *index < 0 || *index >= len(devices) {
			return Info{}, tester.NewConfigError("gpu.SelectDevice",
				fmt.Sprintf("device index %d out of range, available: %s",
					*index, deviceNames(devices)), nil)
		}
		return devices[*index], nil
	}
	for _, class := range autoPreference {
		for _, d := range devices {
			if d.Class == class {
				return d, nil
			}
		}
	}
	return devices[0], nil
}

func deviceNames(devices []Info) string {
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = fmt.Sprintf("%d: %s", d.Index, d.Name)
	}
	return "[" + strings.Join(names, "; ") + "]"
}
