package gpu

import (
	"fmt"
	"strings"

	"github.com/notargets/gocca"
)

// WorkgroupSize is the fixed @inner width of both kernels. The dispatch
// covers ceil(elements / WorkgroupSize) workgroups; the kernel preamble
// bakes both numbers in, so they can never drift from the host values.
const WorkgroupSize = 256

const (
	writeKernelName  = "write_pattern"
	verifyKernelName = "verify_pattern"
)

// patternFunction is shared by both kernels: it regenerates the expected
// 32-bit word for one element. The pattern ids and generation rules mirror
// the host pattern library, scaled to 32-bit words.
const patternFunction = `
unsigned int pattern_value(const unsigned int patternId,
                           const unsigned int seed,
                           const unsigned int gid) {
  if (patternId == 0) return 1u << (gid % 32u);      // walking ones
  if (patternId == 1) return ~(1u << (gid % 32u));   // walking zeros
  if (patternId == 2) return 0xAAAAAAAAu;            // checkerboard
  if (patternId == 3) return 0x55555555u;            // inverse checkerboard
  if (patternId == 4) {                              // seeded hash stream
    unsigned int x = seed ^ (gid * 2654435761u);
    x ^= x >> 16;
    x *= 0x7FEB352Du;
    x ^= x >> 15;
    x *= 0x846CA68Bu;
    x ^= x >> 16;
    return x;
  }
  if (patternId == 5) return 0u;                     // all zeros
  if (patternId == 6) return 0xFFFFFFFFu;            // all ones
  return gid;                                        // sequential
}
`

const writeKernelSource = `
@kernel void write_pattern(@restrict const unsigned int *params,
                           @restrict unsigned int *data) {
  for (int block = 0; block < BLOCK_COUNT; ++block; @outer) {
    for (int item = 0; item < WORKGROUP_SIZE; ++item; @inner) {
      const unsigned int gid = (unsigned int)block * WORKGROUP_SIZE + item;
      if (gid < TOTAL_ELEMENTS) {
        data[gid] = pattern_value(params[0], params[1], gid);
      }
    }
  }
}
`

const verifyKernelSource = `
@kernel void verify_pattern(@restrict const unsigned int *params,
                            @restrict const unsigned int *data,
                            @restrict unsigned int *errorInfo) {
  for (int block = 0; block < BLOCK_COUNT; ++block; @outer) {
    for (int item = 0; item < WORKGROUP_SIZE; ++item; @inner) {
      const unsigned int gid = (unsigned int)block * WORKGROUP_SIZE + item;
      if (gid < TOTAL_ELEMENTS) {
        const unsigned int expected = pattern_value(params[0], params[1], gid);
        const unsigned int actual = data[gid];
        if (actual != expected) {
          @atomic errorInfo[0] += 1;
          // Racy by design when many elements fail; exact when one does.
          if (errorInfo[0] == 1u) {
            errorInfo[1] = gid;
            errorInfo[2] = expected;
            errorInfo[3] = actual;
          }
        }
      }
    }
  }
}
`

// KernelManager holds the two compiled pipelines of one tester: write bound
// to {params, data}, verify bound to {params, data, errors}.
type KernelManager struct {
	writeKernel  *gocca.OCCAKernel
	verifyKernel *gocca.OCCAKernel
	workgroups   int
}

// workgroupCount returns the dispatch width for an element count.
func workgroupCount(elements uint32) int {
	return int((uint64(elements) + WorkgroupSize - 1) / WorkgroupSize)
}

// kernelPreamble generates the constants and shared pattern function
// prepended to each kernel body before compilation.
func kernelPreamble(elementCount uint32) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("#define WORKGROUP_SIZE %d\n", WorkgroupSize))
	sb.WriteString(fmt.Sprintf("#define TOTAL_ELEMENTS %du\n", elementCount))
	sb.WriteString(fmt.Sprintf("#define BLOCK_COUNT %d\n", workgroupCount(elementCount)))
	sb.WriteString(patternFunction)
	return sb.String()
}

// NewKernelManager compiles both pipelines for the given element count.
// Compilation failure is fatal to tester construction and is never retried.
func NewKernelManager(device *gocca.OCCADevice, elementCount uint32) (*KernelManager, error) {
	km := &KernelManager{workgroups: workgroupCount(elementCount)}
	preamble := kernelPreamble(elementCount)

	var err error
	km.writeKernel, err = buildKernel(device, preamble+writeKernelSource, writeKernelName)
	if err != nil {
		return nil, err
	}
	km.verifyKernel, err = buildKernel(device, preamble+verifyKernelSource, verifyKernelName)
	if err != nil {
		km.Free()
		return nil, err
	}
	return km, nil
}

// buildKernel compiles one OKL entry point.
func buildKernel(device *gocca.OCCADevice, source, name string) (*gocca.OCCAKernel, error) {
	var kernel *gocca.OCCAKernel
	var err error

	if device.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = device.BuildKernelFromString(source, name, props)
	} else {
		kernel, err = device.BuildKernelFromString(source, name, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to build kernel %s: %w", name, err)
	}
	if kernel == nil {
		return nil, fmt.Errorf("kernel build returned nil for %s", name)
	}
	return kernel, nil
}

// WorkgroupCount returns the baked dispatch width.
func (km *KernelManager) WorkgroupCount() int {
	return km.workgroups
}

// RunWrite dispatches the write pipeline over the test buffer.
func (km *KernelManager) RunWrite(bm *BufferManager) error {
	return km.writeKernel.RunWithArgs(bm.paramsBuf, bm.testBuf)
}

// RunVerify dispatches the verify pipeline over the test buffer and the
// error summary.
func (km *KernelManager) RunVerify(bm *BufferManager) error {
	return km.verifyKernel.RunWithArgs(bm.paramsBuf, bm.testBuf, bm.errorBuf)
}

// Free releases the compiled kernels.
func (km *KernelManager) Free() {
	if km.writeKernel != nil {
		km.writeKernel.Free()
		km.writeKernel = nil
	}
	if km.verifyKernel != nil {
		km.verifyKernel.Free()
		km.verifyKernel = nil
	}
}
