package gpu

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/memtest/tester"
	"github.com/notargets/memtest/utils"
)

// newTestDevice opens a device on the best available backend, skipping the
// test when the host has none.
func newTestDevice(t *testing.T) *gocca.OCCADevice {
	t.Helper()
	device, err := utils.CreateTestDevice()
	if err != nil {
		t.Skip("no OCCA backend available")
	}
	t.Cleanup(device.Free)
	return device
}

// TestShaderParamsLayout tests the 16-byte parameter contract shared with
// the kernels
func TestShaderParamsLayout(t *testing.T) {
	if got := unsafe.Sizeof(ShaderParams{}); got != 16 {
		t.Fatalf("ShaderParams size = %d, want 16", got)
	}
	var p ShaderParams
	fields := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"PatternID", unsafe.Offsetof(p.PatternID), 0},
		{"Seed", unsafe.Offsetof(p.Seed), 4},
		{"TotalElements", unsafe.Offsetof(p.TotalElements), 8},
	}
	for _, f := range fields {
		if f.got != f.want {
			t.Errorf("ShaderParams.%s offset = %d, want %d", f.name, f.got, f.want)
		}
	}
}

// TestErrorInfoLayout tests the 16-byte error summary contract
func TestErrorInfoLayout(t *testing.T) {
	if got := unsafe.Sizeof(ErrorInfo{}); got != 16 {
		t.Fatalf("ErrorInfo size = %d, want 16", got)
	}
	var e ErrorInfo
	fields := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"ErrorCount", unsafe.Offsetof(e.ErrorCount), 0},
		{"FirstErrorIndex", unsafe.Offsetof(e.FirstErrorIndex), 4},
		{"FirstErrorExpected", unsafe.Offsetof(e.FirstErrorExpected), 8},
		{"FirstErrorActual", unsafe.Offsetof(e.FirstErrorActual), 12},
	}
	for _, f := range fields {
		if f.got != f.want {
			t.Errorf("ErrorInfo.%s offset = %d, want %d", f.name, f.got, f.want)
		}
	}
}

// TestNewBufferManagerRejectsBadSizes tests size validation, which happens
// before the device is touched
func TestNewBufferManagerRejectsBadSizes(t *testing.T) {
	for _, mb := range []int{0, -16, 16 * 1024} {
		_, err := NewBufferManager(nil, mb)
		if err == nil {
			t.Fatalf("NewBufferManager(nil, %d) expected error, got nil", mb)
		}
		var terr *tester.Error
		if !errors.As(err, &terr) {
			t.Fatalf("NewBufferManager(nil, %d) error type %T, want *tester.Error", mb, err)
		}
		if terr.Kind != tester.ErrConfig {
			t.Errorf("NewBufferManager(nil, %d) kind = %v, want %v", mb, terr.Kind, tester.ErrConfig)
		}
	}
}

// TestBufferManagerSizing tests the element and byte accounting for a 1 MB
// buffer
func TestBufferManagerSizing(t *testing.T) {
	device := newTestDevice(t)
	bm, err := NewBufferManager(device, 1)
	if err != nil {
		t.Fatalf("NewBufferManager failed: %v", err)
	}
	t.Cleanup(bm.Free)

	if got := bm.ElementCount(); got != 262144 {
		t.Errorf("ElementCount = %d, want 262144", got)
	}
	if got := bm.BufferBytes(); got != 1<<20 {
		t.Errorf("BufferBytes = %d, want %d", got, uint64(1<<20))
	}
}

// TestParamsRoundTrip tests that UpdateParams lands the parameter block on
// the device intact
func TestParamsRoundTrip(t *testing.T) {
	device := newTestDevice(t)
	bm, err := NewBufferManager(device, 1)
	if err != nil {
		t.Fatalf("NewBufferManager failed: %v", err)
	}
	t.Cleanup(bm.Free)

	p := ShaderParams{PatternID: 4, Seed: 0xDEADBEEF, TotalElements: bm.ElementCount()}
	bm.UpdateParams(&p)

	var got ShaderParams
	bm.paramsBuf.CopyTo(unsafe.Pointer(&got), paramsBytes)
	if got.PatternID != p.PatternID || got.Seed != p.Seed || got.TotalElements != p.TotalElements {
		t.Errorf("params round trip = %+v, want %+v", got, p)
	}
}

// TestResetErrorsZeroesSummary tests that ResetErrors clears a previously
// populated error summary
func TestResetErrorsZeroesSummary(t *testing.T) {
	device := newTestDevice(t)
	bm, err := NewBufferManager(device, 1)
	if err != nil {
		t.Fatalf("NewBufferManager failed: %v", err)
	}
	t.Cleanup(bm.Free)

	junk := ErrorInfo{ErrorCount: 5, FirstErrorIndex: 6, FirstErrorExpected: 7, FirstErrorActual: 8}
	bm.errorBuf.CopyFrom(unsafe.Pointer(&junk), errorBytes)
	if got := bm.readErrors(); got != junk {
		t.Fatalf("seeded error summary = %+v, want %+v", got, junk)
	}

	bm.ResetErrors()
	if got := bm.readErrors(); got != (ErrorInfo{}) {
		t.Errorf("error summary after reset = %+v, want zeroes", got)
	}
}
