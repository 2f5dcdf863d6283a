package gpu

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/notargets/gocca"

	"github.com/notargets/memtest/tester"
)

// ShaderParams is the 16-byte parameter block read by both kernels. Field
// order, widths and the trailing padding are a binary contract with the
// kernel source; byte offsets: PatternID 0, Seed 4, TotalElements 8,
// padding 12. Any layout change breaks both sides silently.
type ShaderParams struct {
	PatternID     uint32
	Seed          uint32
	TotalElements uint32
	_             uint32
}

// ErrorInfo is the 16-byte mismatch summary written by verify_pattern.
// Byte offsets: ErrorCount 0, FirstErrorIndex 4, FirstErrorExpected 8,
// FirstErrorActual 12. ErrorCount is exact; the first-error fields are a
// best-effort capture when many elements fail at once, and exact when
// exactly one does.
type ErrorInfo struct {
	ErrorCount         uint32
	FirstErrorIndex    uint32
	FirstErrorExpected uint32
	FirstErrorActual   uint32
}

const (
	paramsBytes = int64(unsafe.Sizeof(ShaderParams{}))
	errorBytes  = int64(unsafe.Sizeof(ErrorInfo{}))
)

// BufferManager owns the four fixed-role buffers of one tester: the test
// buffer itself, the 16-byte parameter block, the on-device error summary,
// and the host-side staging slot the readback lands in.
type BufferManager struct {
	testBuf   *gocca.OCCAMemory
	paramsBuf *gocca.OCCAMemory
	errorBuf  *gocca.OCCAMemory
	staging   ErrorInfo

	bufferBytes  uint64
	elementCount uint32
}

// NewBufferManager allocates the device buffers for memoryMB of test data,
// rounded to whole 32-bit elements. The parameter and error buffers start
// zeroed.
func NewBufferManager(device *gocca.OCCADevice, memoryMB int) (*BufferManager, error) {
	if memoryMB <= 0 {
		return nil, tester.NewConfigError("gpu.NewBufferManager",
			fmt.Sprintf("invalid buffer size %d MB", memoryMB), nil)
	}
	bytes := uint64(memoryMB) * 1024 * 1024
	elements := bytes / 4
	if elements > math.MaxUint32 {
		return nil, tester.NewConfigError("gpu.NewBufferManager",
			fmt.Sprintf("%d MB exceeds 32-bit element addressing", memoryMB), nil)
	}

	bm := &BufferManager{
		bufferBytes:  elements * 4,
		elementCount: uint32(elements),
	}

	bm.testBuf = device.Malloc(int64(bm.bufferBytes), nil, nil)
	if bm.testBuf == nil {
		return nil, tester.NewAllocationError("gpu.NewBufferManager",
			fmt.Sprintf("failed to allocate %d MB test buffer", memoryMB), nil)
	}

	var zeroParams ShaderParams
	bm.paramsBuf = device.Malloc(paramsBytes, unsafe.Pointer(&zeroParams), nil)
	var zeroErrors ErrorInfo
	bm.errorBuf = device.Malloc(errorBytes, unsafe.Pointer(&zeroErrors), nil)
	if bm.paramsBuf == nil || bm.errorBuf == nil {
		bm.Free()
		return nil, tester.NewAllocationError("gpu.NewBufferManager",
			"failed to allocate parameter buffers", nil)
	}
	return bm, nil
}

// ElementCount returns the number of 32-bit elements in the test buffer.
func (bm *BufferManager) ElementCount() uint32 {
	return bm.elementCount
}

// BufferBytes returns the size of the test buffer in bytes.
func (bm *BufferManager) BufferBytes() uint64 {
	return bm.bufferBytes
}

// UpdateParams writes p into the device-side parameter block.
func (bm *BufferManager) UpdateParams(p *ShaderParams) {
	bm.paramsBuf.CopyFrom(unsafe.Pointer(p), paramsBytes)
}

// ResetErrors zeroes the on-device error summary. Called before every
// pattern run.
func (bm *BufferManager) ResetErrors() {
	var zero ErrorInfo
	bm.errorBuf.CopyFrom(unsafe.Pointer(&zero), errorBytes)
}

// readErrors copies the device error summary into the staging slot and
// returns the decoded record. Only the readback path calls this, after the
// device work has finished.
func (bm *BufferManager) readErrors() ErrorInfo {
	bm.errorBuf.CopyTo(unsafe.Pointer(&bm.staging), errorBytes)
	return bm.staging
}

// Free releases the device allocations.
func (bm *BufferManager) Free() {
	for _, mem := range []*gocca.OCCAMemory{bm.testBuf, bm.paramsBuf, bm.errorBuf} {
		if mem != nil {
			mem.Free()
		}
	}
	bm.testBuf, bm.paramsBuf, bm.errorBuf = nil, nil, nil
}
