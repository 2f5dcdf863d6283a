// Package cpu implements the RAM testing pipeline: a pool of worker
// threads, each sweeping privately owned 64 MiB blocks through every
// configured pattern, with a bounded error channel into a single collector
// and a monitor goroutine enforcing the wall-clock timeout.
package cpu

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/notargets/memtest/patterns"
	"github.com/notargets/memtest/stats"
	"github.com/notargets/memtest/tester"
)

// BlockSize is the size in bytes of one privately owned test block.
const BlockSize = 64 * 1024 * 1024

// BlockWords is the number of 64-bit words in one block.
const BlockWords = BlockSize / 8

// stressReads is the number of random word reads issued against a block
// between the fail-fast verify and the deciding re-verify.
const stressReads = 1000

// errorChannelCap bounds the error report channel. Errors are rare and
// fatal-triggering, so a small buffer keeps producers moving while the
// collector drains.
const errorChannelCap = 10

// monitorInterval is how often the monitor goroutine samples elapsed time.
const monitorInterval = 100 * time.Millisecond

// MemoryError records one detected mismatch: the active pattern, the word
// offset of the first bad word within the failing block, and the worker that
// found it.
type MemoryError struct {
	Pattern  patterns.TestPattern
	Offset   uint64
	ThreadID int
}

func (e MemoryError) String() string {
	return fmt.Sprintf("%s mismatch at word offset 0x%X (thread %d)",
		e.Pattern, e.Offset, e.ThreadID)
}

var _ tester.MemoryTester = (*Tester)(nil)

// Tester drives the CPU memory test. Construct with New; one Tester may
// run multiple sweeps, each against fresh private blocks.
type Tester struct {
	cfg        tester.TestConfig
	numThreads int
	patterns   []patterns.TestPattern

	// stressHook, when set, runs between the random-read stress and the
	// deciding verify of every block. Tests use it to inject corruption at
	// a controlled point.
	stressHook func(threadID int, block []uint64)
}

// New resolves cfg into a ready tester: zero thread count selects all
// logical CPUs, an empty pattern list selects every pattern, and a zero
// memory size selects the default.
func New(cfg tester.TestConfig) *Tester {
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = tester.DefaultMemoryMB
	}
	t := &Tester{cfg: cfg, numThreads: cfg.Threads, patterns: cfg.Patterns}
	if t.numThreads <= 0 {
		t.numThreads = runtime.NumCPU()
	}
	if len(t.patterns) == 0 {
		t.patterns = patterns.All()
	}
	return t
}

// NumThreads returns the resolved worker count.
func (t *Tester) NumThreads() int {
	return t.numThreads
}

// TotalBlocks returns the number of blocks covering the requested memory,
// rounded up to whole blocks.
func (t *Tester) TotalBlocks() int {
	return ceilDiv(t.cfg.MemoryMB*1024*1024, BlockSize)
}

// BlocksPerThread returns how many blocks each worker owns.
func (t *Tester) BlocksPerThread() int {
	return ceilDiv(t.TotalBlocks(), t.numThreads)
}

// ActualMemoryBytes returns the memory actually exercised per pass: the
// request rounded up to a multiple of (threads x block size). Reported
// separately from the request because the rounding can be substantial for
// small requests.
func (t *Tester) ActualMemoryBytes() uint64 {
	return uint64(t.BlocksPerThread()) * uint64(t.numThreads) * BlockSize
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// blockSeed packs the coordinates of one (thread, block, iteration) test
// unit into disjoint bit fields: 12 bits of thread, 20 bits of block index,
// 32 bits of iteration. Seeds are therefore unique across 4096 threads,
// 1M blocks per thread and 4G iterations, so RandomPattern never repeats a
// stream within a run.
func blockSeed(threadID, blockIdx int, iteration uint64) uint64 {
	return uint64(threadID&0xFFF)<<52 |
		uint64(blockIdx&0xFFFFF)<<32 |
		iteration&0xFFFFFFFF
}

// Run executes the configured sweep and returns every error detected across
// all workers. It blocks until every worker has finished (one pass, or, in
// continuous mode, until stop is triggered by an error, the timeout, or the
// caller). Stop latency is bounded by one block's fill+verify+stress cycle,
// since workers observe the flag at block boundaries only.
func (t *Tester) Run(st *stats.TestStats, stop *stats.StopFlag) []MemoryError {
	blocksPerThread := t.BlocksPerThread()

	if t.cfg.Verbose {
		fmt.Printf("CPU test: %d threads x %d blocks of %d MB (%d MB actual, %d MB requested)\n",
			t.numThreads, blocksPerThread, BlockSize/(1024*1024),
			t.ActualMemoryBytes()/(1024*1024), t.cfg.MemoryMB)
	}

	errCh := make(chan MemoryError, errorChannelCap)

	// The collector outlives every producer: errCh is closed only after the
	// workers join, so a send can block briefly while the collector drains
	// but can never deadlock or hit a closed channel.
	collected := make(chan []MemoryError, 1)
	go func() {
		var errs []MemoryError
		for e := range errCh {
			errs = append(errs, e)
		}
		collected <- errs
	}()

	monitorDone := make(chan struct{})
	go t.monitor(stop, monitorDone)

	var wg sync.WaitGroup
	for id := 0; id < t.numThreads; id++ {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()
			t.worker(threadID, blocksPerThread, st, stop, errCh)
		}(id)
	}

	wg.Wait()
	close(errCh)
	stop.Trigger()
	<-monitorDone
	return <-collected
}

// monitor enforces the optional wall-clock timeout. It owns no other state;
// workers only ever observe the flag it sets.
func (t *Tester) monitor(stop *stats.StopFlag, done chan<- struct{}) {
	defer close(done)
	if t.cfg.Timeout <= 0 {
		// Nothing to enforce; just wait for the run to end.
		for !stop.Stopped() {
			time.Sleep(monitorInterval)
		}
		return
	}
	start := time.Now()
	for !stop.Stopped() {
		if time.Since(start) >= t.cfg.Timeout {
			if t.cfg.Verbose {
				fmt.Printf("CPU test: timeout reached after %v\n", t.cfg.Timeout)
			}
			stop.Trigger()
			return
		}
		time.Sleep(monitorInterval)
	}
}

// worker sweeps its private blocks through every configured pattern,
// checking the stop flag at block boundaries only. On the first detected
// mismatch it reports the error, requests a global stop, and returns.
func (t *Tester) worker(threadID, blocksPerThread int, st *stats.TestStats,
	stop *stats.StopFlag, errCh chan<- MemoryError) {

	blocks := make([][]uint64, blocksPerThread)
	for i := range blocks {
		blocks[i] = make([]uint64, BlockWords)
	}
	rng := rand.New(rand.NewPCG(uint64(threadID), 0xA0761D6478BD642F))

	for iteration := uint64(0); ; iteration++ {
		for _, p := range t.patterns {
			for blockIdx, block := range blocks {
				if stop.Stopped() {
					return
				}
				seed := blockSeed(threadID, blockIdx, iteration)
				if memErr := t.testBlock(block, p, seed, threadID, st, rng); memErr != nil {
					st.AddError()
					errCh <- *memErr
					stop.Trigger()
					return
				}
				st.AddTest()
			}
		}
		if !t.cfg.Continuous {
			return
		}
	}
}

// testBlock runs one fill / verify / stress / re-verify cycle. The first
// verify exists only to fail fast; the re-verify after the random-read
// stress is the deciding detection step. Returns nil when the block passes.
func (t *Tester) testBlock(block []uint64, p patterns.TestPattern, seed uint64,
	threadID int, st *stats.TestStats, rng *rand.Rand) *MemoryError {

	p.FillBlock(block, seed)
	st.AddBytes(uint64(len(block)) * 8)

	if idx := p.VerifyBlock(block, seed); idx >= 0 {
		return &MemoryError{Pattern: p, Offset: uint64(idx), ThreadID: threadID}
	}

	// Random-access stress: values are discarded, the reads exist purely to
	// exercise additional access sequences before the deciding verify.
	var sink uint64
	for i := 0; i < stressReads; i++ {
		sink ^= block[rng.IntN(len(block))]
	}
	_ = sink

	if t.stressHook != nil {
		t.stressHook(threadID, block)
	}

	if idx := p.VerifyBlock(block, seed); idx >= 0 {
		return &MemoryError{Pattern: p, Offset: uint64(idx), ThreadID: threadID}
	}

	return nil
}

// RunTests implements tester.MemoryTester. The returned slice holds one
// aggregate result for the sweep; callers needing the individual fault
// records use Run directly. The shared stats must receive updates only from
// this run while it executes, which is the documented TestStats lifecycle.
func (t *Tester) RunTests(cfg tester.TestConfig, st *stats.TestStats,
	stop *stats.StopFlag) ([]tester.TestResult, error) {

	run := New(cfg)
	run.stressHook = t.stressHook

	bytesBefore := st.BytesTested()
	start := time.Now()
	errs := run.Run(st, stop)
	elapsed := time.Since(start)

	result := tester.TestResult{
		BytesTested: st.BytesTested() - bytesBefore,
		ErrorsFound: uint64(len(errs)),
		Pattern:     patternLabel(run.patterns),
		Duration:    elapsed,
	}
	return []tester.TestResult{result}, nil
}

// patternLabel names a sweep over one or more patterns.
func patternLabel(pats []patterns.TestPattern) string {
	if len(pats) == patterns.NumPatterns {
		return "All Patterns"
	}
	names := make([]string, len(pats))
	for i, p := range pats {
		names[i] = p.Name()
	}
	return strings.Join(names, ", ")
}
