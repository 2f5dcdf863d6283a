package gpu

import (
	"fmt"
	"time"

	"github.com/notargets/gocca"

	"github.com/notargets/memtest/patterns"
	"github.com/notargets/memtest/stats"
	"github.com/notargets/memtest/tester"
)

// DefaultReadbackTimeout bounds how long RunPattern waits for the device to
// deliver the error summary before reporting a hung dispatch.
const DefaultReadbackTimeout = 30 * time.Second

// readbackPollInterval is the sleep between polls of the readback slot.
const readbackPollInterval = time.Millisecond

// Options configures tester construction.
type Options struct {
	// Device selects the endpoint to open. Nil auto-selects from a fresh
	// enumeration by class preference.
	Device *Info

	// MemoryMB sizes the test buffer; 0 selects the default.
	MemoryMB int

	// ReadbackTimeout bounds each pattern's result readback; 0 selects
	// DefaultReadbackTimeout.
	ReadbackTimeout time.Duration

	Verbose bool
}

var _ tester.MemoryTester = (*Tester)(nil)

// Tester drives pattern tests on one exclusively owned compute device.
// Command submission and readback are strictly serial; a Tester is not safe
// for concurrent use, and after a readback timeout it must be closed, not
// reused.
type Tester struct {
	device  *gocca.OCCADevice
	info    Info
	buffers *BufferManager
	kernels *KernelManager
	timeout time.Duration
	verbose bool
}

// NewTester opens the device and builds the buffer and pipeline state. Any
// failure is fatal to construction: nothing is retried, and partially built
// state is released before returning.
func NewTester(opts Options) (*Tester, error) {
	info := opts.Device
	if info == nil {
		selected, err := SelectDevice(EnumerateDevices(), nil)
		if err != nil {
			return nil, err
		}
		info = &selected
	}

	device, err := gocca.NewDevice(info.occaProps())
	if err != nil {
		return nil, tester.NewDeviceError("gpu.NewTester",
			fmt.Sprintf("failed to open %s device %d", info.Backend, info.DeviceID), err)
	}

	memoryMB := opts.MemoryMB
	if memoryMB <= 0 {
		memoryMB = tester.DefaultMemoryMB
	}
	buffers, err := NewBufferManager(device, memoryMB)
	if err != nil {
		device.Free()
		return nil, err
	}

	kernels, err := NewKernelManager(device, buffers.ElementCount())
	if err != nil {
		buffers.Free()
		device.Free()
		return nil, tester.NewDeviceError("gpu.NewTester", "pipeline construction failed", err)
	}

	timeout := opts.ReadbackTimeout
	if timeout <= 0 {
		timeout = DefaultReadbackTimeout
	}

	t := &Tester{
		device:  device,
		info:    *info,
		buffers: buffers,
		kernels: kernels,
		timeout: timeout,
		verbose: opts.Verbose,
	}
	if t.verbose {
		fmt.Printf("GPU test: %s, %d MB buffer, %d workgroups\n",
			t.info, memoryMB, kernels.WorkgroupCount())
	}
	return t, nil
}

// RunPattern executes one write+verify cycle for (pattern, seed) and
// returns the decoded error summary. The cycle is the smallest unit of
// work; it cannot be cancelled once dispatched.
func (t *Tester) RunPattern(p patterns.TestPattern, seed uint32) (ErrorInfo, error) {
	params := ShaderParams{
		PatternID:     p.ID(),
		Seed:          seed,
		TotalElements: t.buffers.ElementCount(),
	}
	t.buffers.UpdateParams(&params)
	t.buffers.ResetErrors()

	if err := t.kernels.RunWrite(t.buffers); err != nil {
		return ErrorInfo{}, tester.NewDeviceError("gpu.RunPattern",
			fmt.Sprintf("write dispatch failed for %s", p), err)
	}
	if err := t.kernels.RunVerify(t.buffers); err != nil {
		return ErrorInfo{}, tester.NewDeviceError("gpu.RunPattern",
			fmt.Sprintf("verify dispatch failed for %s", p), err)
	}
	return t.readErrorsWithTimeout()
}

// readErrorsWithTimeout waits for the queued work to finish and the error
// summary to land in the staging slot. The wait is a single-slot promise
// raced against a polling loop, so a hung device surfaces as a typed
// timeout instead of a stuck process. The slot is buffered: an abandoned
// readback completes its send and is collected, leaving no goroutine
// behind.
func (t *Tester) readErrorsWithTimeout() (ErrorInfo, error) {
	slot := make(chan ErrorInfo, 1)
	go func() {
		t.device.Finish()
		slot <- t.buffers.readErrors()
	}()

	deadline := time.Now().Add(t.timeout)
	for {
		select {
		case info := <-slot:
			return info, nil
		default:
		}
		if time.Now().After(deadline) {
			return ErrorInfo{}, tester.NewTimeoutError("gpu.RunPattern",
				fmt.Sprintf("GPU readback timed out after %v", t.timeout), nil)
		}
		time.Sleep(readbackPollInterval)
	}
}

// RunTests implements tester.MemoryTester. The stop flag and the optional
// wall-clock timeout are observed between pattern units only; a single
// write+verify+readback cycle is not interruptible. The first unit with
// mismatches ends the run: its count is published to stats, its result is
// recorded, and the stop flag is raised for any sibling testers.
func (t *Tester) RunTests(cfg tester.TestConfig, st *stats.TestStats,
	stop *stats.StopFlag) ([]tester.TestResult, error) {

	pats := cfg.Patterns
	if len(pats) == 0 {
		pats = patterns.All()
	}
	start := time.Now()
	var results []tester.TestResult

	for pass := uint32(0); ; pass++ {
		for i, p := range pats {
			if stop.Stopped() {
				return results, nil
			}
			if cfg.Timeout > 0 && time.Since(start) >= cfg.Timeout {
				if t.verbose {
					fmt.Printf("GPU test: timeout reached after %v\n", cfg.Timeout)
				}
				stop.Trigger()
				return results, nil
			}

			seed := pass*uint32(len(pats)) + uint32(i)
			unitStart := time.Now()
			info, err := t.RunPattern(p, seed)
			if err != nil {
				return results, err
			}

			st.AddBytes(t.buffers.BufferBytes())
			st.AddTest()
			results = append(results, tester.TestResult{
				BytesTested: t.buffers.BufferBytes(),
				ErrorsFound: uint64(info.ErrorCount),
				Pattern:     p.Name(),
				Duration:    time.Since(unitStart),
			})

			if info.ErrorCount > 0 {
				st.AddErrors(uint64(info.ErrorCount))
				if t.verbose {
					fmt.Printf("GPU test: %d mismatches in %s, first at element %d (expected 0x%08X, got 0x%08X)\n",
						info.ErrorCount, p, info.FirstErrorIndex,
						info.FirstErrorExpected, info.FirstErrorActual)
				}
				stop.Trigger()
				return results, nil
			}
		}
		if !cfg.Continuous {
			return results, nil
		}
	}
}

// Name implements tester.MemoryTester.
func (t *Tester) Name() string {
	return "GPU"
}

// DeviceInfo reports the selected device.
func (t *Tester) DeviceInfo() string {
	return t.info.String()
}

// MaxTestableBytes returns the device VRAM size when the platform exposes
// it, else 0.
func (t *Tester) MaxTestableBytes() uint64 {
	return t.info.VRAMBytes
}

// Close releases kernels, buffers and the device. The tester is unusable
// afterwards.
func (t *Tester) Close() {
	if t.kernels != nil {
		t.kernels.Free()
		t.kernels = nil
	}
	if t.buffers != nil {
		t.buffers.Free()
		t.buffers = nil
	}
	if t.device != nil {
		t.device.Free()
		t.device = nil
	}
}
