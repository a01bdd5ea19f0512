// Package random provides seeded, goroutine-safe random sources for spin draws.
//
// A fixed seed makes every draw sequence replayable; NewSeed uses crypto/rand
// when no seed is configured.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Source yields uniformly distributed values in [0, 1).
type Source interface {
	Float64() float64
}

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// Locked is a PCG generator guarded by a mutex so concurrent spins can share it.
type Locked struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a seeded source.
func New(seed uint64) *Locked {
	return &Locked{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Float64 returns the next value in [0, 1).
func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}
