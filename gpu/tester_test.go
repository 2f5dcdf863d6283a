package gpu

import (
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/notargets/memtest/patterns"
	"github.com/notargets/memtest/stats"
	"github.com/notargets/memtest/tester"
)

// newGPUTester builds a 1 MB tester on the auto-selected device, skipping
// the test when the host has no backend at all.
func newGPUTester(t *testing.T) *Tester {
	t.Helper()
	devices := EnumerateDevices()
	if len(devices) == 0 {
		t.Skip("no OCCA backend available")
	}
	selected, err := SelectDevice(devices, nil)
	if err != nil {
		t.Fatalf("SelectDevice failed: %v", err)
	}
	gt, err := NewTester(Options{Device: &selected, MemoryMB: 1})
	if err != nil {
		t.Fatalf("NewTester failed: %v", err)
	}
	t.Cleanup(gt.Close)
	return gt
}

// TestNewTesterUnknownDevice tests that an unopenable endpoint surfaces as
// a device error instead of a panic
func TestNewTesterUnknownDevice(t *testing.T) {
	bogus := Info{Name: "bogus", Backend: "CUDA", DeviceID: 99}
	gt, err := NewTester(Options{Device: &bogus, MemoryMB: 1})
	if err == nil {
		gt.Close()
		t.Fatal("NewTester on device 99 expected error, got nil")
	}
	if !tester.IsDeviceError(err) {
		t.Errorf("NewTester error = %v, want device error", err)
	}
}

// TestRunPatternClean tests a full write+verify+readback cycle for every
// pattern on a healthy buffer
func TestRunPatternClean(t *testing.T) {
	gt := newGPUTester(t)
	for i, p := range patterns.All() {
		info, err := gt.RunPattern(p, uint32(i))
		if err != nil {
			t.Fatalf("RunPattern(%s) failed: %v", p, err)
		}
		if info != (ErrorInfo{}) {
			t.Errorf("RunPattern(%s) = %+v, want zeroes", p, info)
		}
	}
}

// TestRunPatternDetectsCorruption flips one element between the write and
// verify dispatches and checks the error summary pinpoints it exactly.
func TestRunPatternDetectsCorruption(t *testing.T) {
	gt := newGPUTester(t)

	p := patterns.Sequential
	const seed = uint32(7)
	const corruptIndex = uint32(1234)

	gt.buffers.UpdateParams(&ShaderParams{
		PatternID:     p.ID(),
		Seed:          seed,
		TotalElements: gt.buffers.ElementCount(),
	})
	gt.buffers.ResetErrors()
	if err := gt.kernels.RunWrite(gt.buffers); err != nil {
		t.Fatalf("RunWrite failed: %v", err)
	}
	gt.device.Finish()

	expected := hostPatternValue(p.ID(), seed, corruptIndex)
	bad := expected ^ 0x10
	gt.buffers.testBuf.CopyFromWithOffset(unsafe.Pointer(&bad), 4, int64(corruptIndex)*4)

	if err := gt.kernels.RunVerify(gt.buffers); err != nil {
		t.Fatalf("RunVerify failed: %v", err)
	}
	info, err := gt.readErrorsWithTimeout()
	if err != nil {
		t.Fatalf("readback failed: %v", err)
	}

	if info.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", info.ErrorCount)
	}
	if info.FirstErrorIndex != corruptIndex {
		t.Errorf("FirstErrorIndex = %d, want %d", info.FirstErrorIndex, corruptIndex)
	}
	if info.FirstErrorExpected != expected {
		t.Errorf("FirstErrorExpected = 0x%08X, want 0x%08X", info.FirstErrorExpected, expected)
	}
	if info.FirstErrorActual != bad {
		t.Errorf("FirstErrorActual = 0x%08X, want 0x%08X", info.FirstErrorActual, bad)
	}

	// The buffer still holds the corrupt word, so the next clean cycle must
	// rewrite and pass.
	clean, err := gt.RunPattern(p, seed)
	if err != nil {
		t.Fatalf("follow-up RunPattern failed: %v", err)
	}
	if clean != (ErrorInfo{}) {
		t.Errorf("follow-up cycle = %+v, want zeroes", clean)
	}
}

// TestRunTestsSingleSweep tests one full pass over the pattern suite and
// its stats accounting
func TestRunTestsSingleSweep(t *testing.T) {
	gt := newGPUTester(t)
	st := stats.NewTestStats()
	stop := stats.NewStopFlag()

	results, err := gt.RunTests(tester.TestConfig{}, st, stop)
	if err != nil {
		t.Fatalf("RunTests failed: %v", err)
	}
	if len(results) != patterns.NumPatterns {
		t.Fatalf("got %d results, want %d", len(results), patterns.NumPatterns)
	}
	if got := st.TestsCompleted(); got != uint64(patterns.NumPatterns) {
		t.Errorf("TestsCompleted = %d, want %d", got, patterns.NumPatterns)
	}
	wantBytes := uint64(patterns.NumPatterns) * gt.buffers.BufferBytes()
	if got := st.BytesTested(); got != wantBytes {
		t.Errorf("BytesTested = %d, want %d", got, wantBytes)
	}
	if got := st.ErrorsFound(); got != 0 {
		t.Errorf("ErrorsFound = %d, want 0", got)
	}

	for i, r := range results {
		if r.Pattern != patterns.All()[i].Name() {
			t.Errorf("result %d pattern = %q, want %q", i, r.Pattern, patterns.All()[i].Name())
		}
		if r.BytesTested != gt.buffers.BufferBytes() {
			t.Errorf("result %d bytes = %d, want %d", i, r.BytesTested, gt.buffers.BufferBytes())
		}
		if r.ErrorsFound != 0 {
			t.Errorf("result %d errors = %d, want 0", i, r.ErrorsFound)
		}
		if r.Duration <= 0 {
			t.Errorf("result %d duration = %v, want > 0", i, r.Duration)
		}
	}
}

// TestRunTestsHonorsStop tests that a pre-triggered stop flag prevents any
// dispatch
func TestRunTestsHonorsStop(t *testing.T) {
	gt := newGPUTester(t)
	st := stats.NewTestStats()
	stop := stats.NewStopFlag()
	stop.Trigger()

	results, err := gt.RunTests(tester.TestConfig{}, st, stop)
	if err != nil {
		t.Fatalf("RunTests failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results after stop, want 0", len(results))
	}
	if got := st.TestsCompleted(); got != 0 {
		t.Errorf("TestsCompleted = %d, want 0", got)
	}
}

// TestRunTestsWallClockTimeout tests that an elapsed timeout ends the run
// and raises the stop flag
func TestRunTestsWallClockTimeout(t *testing.T) {
	gt := newGPUTester(t)
	st := stats.NewTestStats()
	stop := stats.NewStopFlag()

	cfg := tester.TestConfig{Continuous: true, Timeout: time.Nanosecond}
	results, err := gt.RunTests(cfg, st, stop)
	if err != nil {
		t.Fatalf("RunTests failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results under expired timeout, want 0", len(results))
	}
	if !stop.Stopped() {
		t.Error("stop flag not raised after timeout")
	}
}

// TestTesterIdentity tests the MemoryTester surface of the GPU tester
func TestTesterIdentity(t *testing.T) {
	gt := newGPUTester(t)
	if got := gt.Name(); got != "GPU" {
		t.Errorf("Name = %q, want GPU", got)
	}
	if info := gt.DeviceInfo(); !strings.Contains(info, gt.info.Backend) {
		t.Errorf("DeviceInfo %q does not name backend %q", info, gt.info.Backend)
	}
	if got := gt.MaxTestableBytes(); got != gt.info.VRAMBytes {
		t.Errorf("MaxTestableBytes = %d, want %d", got, gt.info.VRAMBytes)
	}
}
