package tools

import (
	"math/rand"
	"sync"
)

// newRandSource returns a mutex-guarded [0,1) generator, isolated from the
// math/rand global state so executor retries don't perturb (or get
// perturbed by) unrelated package-level random use elsewhere in the binary.
func newRandSource() func() float64 {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(1))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64()
	}
}
