package cpu

import (
	"fmt"
	"runtime"

	gcpu "github.com/shirou/gopsutil/v4/cpu"
	gmem "github.com/shirou/gopsutil/v4/mem"
)

// Name implements tester.MemoryTester.
func (t *Tester) Name() string {
	return "CPU"
}

// DeviceInfo reports the processor model and the worker count in use.
// Falls back to the architecture name when the platform hides CPU details.
func (t *Tester) DeviceInfo() string {
	model := runtime.GOARCH
	if infos, err := gcpu.Info(); err == nil && len(infos) > 0 && infos[0].ModelName != "" {
		model = infos[0].ModelName
	}
	return fmt.Sprintf("%s (%d threads)", model, t.numThreads)
}

// MaxTestableBytes returns total system RAM, the upper bound on what a CPU
// run can exercise, or 0 when it cannot be determined.
func (t *Tester) MaxTestableBytes() uint64 {
	vm, err := gmem.VirtualMemory()
	if err != nil || vm == nil {
		return 0
	}
	return vm.Total
}
