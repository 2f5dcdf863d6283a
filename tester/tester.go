// Package tester defines the capability interface shared by the CPU and GPU
// memory testers, the resolved run configuration, and the per-unit result
// record, so callers can drive either backend without branching on its
// internals.
package tester

import (
	"time"

	"github.com/notargets/memtest/patterns"
	"github.com/notargets/memtest/stats"
)

// MemoryTester is implemented by each testing backend. The interface
// boundary sits at run granularity only; per-word work never crosses it.
type MemoryTester interface {
	// Name identifies the backend ("CPU", "GPU").
	Name() string

	// DeviceInfo describes the hardware under test.
	DeviceInfo() string

	// MaxTestableBytes is the upper bound on memory this backend can
	// exercise, or 0 when the platform does not expose it.
	MaxTestableBytes() uint64

	// RunTests executes the configured sweep, publishing progress into st
	// and honoring stop at block/pattern boundaries. Detected memory faults
	// are results, not errors; the error return covers device and
	// configuration failures only. One meaningful call per instance: the
	// GPU tester holds exclusive device state and is not re-entrant.
	RunTests(cfg TestConfig, st *stats.TestStats, stop *stats.StopFlag) ([]TestResult, error)
}

// TestConfig is the resolved run configuration handed down from the CLI
// layer. Zero values select defaults where noted.
type TestConfig struct {
	MemoryMB   int                    // memory to test; 0 selects 1024
	Patterns   []patterns.TestPattern // empty selects all patterns
	Continuous bool                   // repeat passes until stopped
	Timeout    time.Duration          // wall-clock limit; 0 disables
	Threads    int                    // CPU workers; 0 selects NumCPU
	Verbose    bool
}

// DefaultMemoryMB is the memory amount tested when none is configured.
const DefaultMemoryMB = 1024

// DefaultTestConfig returns a single full-pattern pass over 1 GiB with
// auto-sized threads and no time limit.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		MemoryMB: DefaultMemoryMB,
		Patterns: patterns.All(),
	}
}

// TestResult summarizes one unit of completed work: a single (pattern, pass)
// dispatch on the GPU, or a whole sweep on the CPU.
type TestResult struct {
	BytesTested uint64
	ErrorsFound uint64
	Pattern     string // pattern display name, or a sweep label
	Duration    time.Duration
}
