// Package patterns implements the memory test pattern library: deterministic
// fill/verify rules that regenerate every expected word from (pattern, seed),
// so verification never needs a reference copy of the data.
package patterns

import (
	"fmt"
	"math/rand/v2"
)

// TestPattern identifies one memory test pattern. The declaration order
// fixes the numeric IDs consumed by the GPU kernels and must not change.
type TestPattern int

const (
	WalkingOnes TestPattern = iota
	WalkingZeros
	Checkerboard
	InverseCheckerboard
	RandomPattern
	AllZeros
	AllOnes
	Sequential
)

// NumPatterns is the number of defined test patterns.
const NumPatterns = 8

const (
	checkerboardWord        = 0xAAAAAAAAAAAAAAAA
	inverseCheckerboardWord = 0x5555555555555555

	// Second PCG stream constant for RandomPattern. Fixed so the sequence
	// is a pure function of the seed.
	randomStreamSalt = 0x9E3779B97F4A7C15
)

// All returns the patterns in ID order.
func All() []TestPattern {
	return []TestPattern{
		WalkingOnes, WalkingZeros,
		Checkerboard, InverseCheckerboard,
		RandomPattern,
		AllZeros, AllOnes,
		Sequential,
	}
}

// ID returns the stable wire ID (0-7) shared with the GPU kernels.
func (p TestPattern) ID() uint32 {
	return uint32(p)
}

// Name returns the display name of the pattern.
func (p TestPattern) Name() string {
	switch p {
	case WalkingOnes:
		return "Walking Ones"
	case WalkingZeros:
		return "Walking Zeros"
	case Checkerboard:
		return "Checkerboard"
	case InverseCheckerboard:
		return "Inverse Checkerboard"
	case RandomPattern:
		return "Random Pattern"
	case AllZeros:
		return "All Zeros"
	case AllOnes:
		return "All Ones"
	case Sequential:
		return "Sequential"
	}
	return fmt.Sprintf("TestPattern(%d)", int(p))
}

func (p TestPattern) String() string {
	return p.Name()
}

// generator returns the word generator for one fill or verify sweep. The
// returned function must be called with strictly increasing i starting at 0:
// RandomPattern draws one word per call from a seeded stream, so call order
// is part of the pattern definition. Fill and verify both run through this
// one code path, which is what guarantees they can never disagree.
func (p TestPattern) generator(seed uint64) func(i int) uint64 {
	switch p {
	case WalkingOnes:
		return func(i int) uint64 { return 1 << (i % 64) }
	case WalkingZeros:
		return func(i int) uint64 { return ^(uint64(1) << (i % 64)) }
	case Checkerboard:
		return func(i int) uint64 { return checkerboardWord }
	case InverseCheckerboard:
		return func(i int) uint64 { return inverseCheckerboardWord }
	case RandomPattern:
		rng := rand.New(rand.NewPCG(seed, seed^randomStreamSalt))
		return func(i int) uint64 { return rng.Uint64() }
	case AllZeros:
		return func(i int) uint64 { return 0 }
	case AllOnes:
		return func(i int) uint64 { return ^uint64(0) }
	case Sequential:
		return func(i int) uint64 { return uint64(i) }
	}
	panic(fmt.Sprintf("unknown test pattern %d", int(p)))
}

// FillBlock writes the pattern into every word of block.
func (p TestPattern) FillBlock(block []uint64, seed uint64) {
	gen := p.generator(seed)
	for i := range block {
		block[i] = gen(i)
	}
}

// VerifyBlock regenerates the expected words and compares them against
// block, returning the index of the first mismatching word, or -1 when the
// whole block matches. Callers needing a mismatch count must keep scanning
// themselves; the CPU test path only ever acts on the first fault.
func (p TestPattern) VerifyBlock(block []uint64, seed uint64) int {
	gen := p.generator(seed)
	for i, word := range block {
		if word != gen(i) {
			return i
		}
	}
	return -1
}
