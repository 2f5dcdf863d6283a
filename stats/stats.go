// Package stats holds the two objects shared by every testing thread: the
// run counters and the cooperative stop flag.
package stats

import "sync/atomic"

// TestStats aggregates progress counters across all testing threads. The
// three counters are independent monotonic sums; readers must not assume
// any ordering between them, only that each one is exact. Created once per
// run and polled by the reporting layer while workers run.
type TestStats struct {
	bytesTested    atomic.Uint64
	errorsFound    atomic.Uint64
	testsCompleted atomic.Uint64
}

// NewTestStats returns zeroed counters for one test run.
func NewTestStats() *TestStats {
	return &TestStats{}
}

// AddBytes records n bytes written and verified.
func (s *TestStats) AddBytes(n uint64) {
	s.bytesTested.Add(n)
}

// AddError records one detected memory error.
func (s *TestStats) AddError() {
	s.errorsFound.Add(1)
}

// AddErrors records n detected memory errors at once (the GPU path counts
// mismatched words on-device and reports them in bulk).
func (s *TestStats) AddErrors(n uint64) {
	s.errorsFound.Add(n)
}

// AddTest records one completed (block, pattern) test unit.
func (s *TestStats) AddTest() {
	s.testsCompleted.Add(1)
}

func (s *TestStats) BytesTested() uint64 {
	return s.bytesTested.Load()
}

func (s *TestStats) ErrorsFound() uint64 {
	return s.errorsFound.Load()
}

func (s *TestStats) TestsCompleted() uint64 {
	return s.testsCompleted.Load()
}

// StopFlag is the shared cancellation signal. Workers poll it at block and
// pattern boundaries; it is set by error detection, timeout expiry, or an
// external interrupt, and once set it never reverts for the rest of the run.
type StopFlag struct {
	stopped atomic.Bool
}

// NewStopFlag returns an untriggered flag.
func NewStopFlag() *StopFlag {
	return &StopFlag{}
}

// Trigger requests a cooperative stop. Safe to call from any thread, any
// number of times.
func (f *StopFlag) Trigger() {
	f.stopped.Store(true)
}

// Stopped reports whether a stop has been requested.
func (f *StopFlag) Stopped() bool {
	return f.stopped.Load()
}
