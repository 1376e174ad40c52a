// Package bloom provides a scalable Bloom filter used as a seen-set.
//
// Membership tests never return false negatives. False positives are bounded
// by the configured rate and, for a seen-set, only ever cause an unseen key to
// be skipped. The filter only grows.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

const (
	// growth multiplies each new layer's capacity.
	growth = 2
	// tightening scales the false-positive target of each successive layer so
	// the compound rate converges below the requested one.
	tightening = 0.8
)

type layer struct {
	bits     []uint64
	m, k     uint64
	count    uint64
	capacity uint64
}

func newLayer(capacity uint64, fpRate float64) *layer {
	// Standard sizing: m = -n ln p / (ln 2)^2, k = m/n ln 2.
	m := uint64(math.Ceil(-float64(capacity) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / float64(capacity) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &layer{bits: make([]uint64, (m+63)/64), m: m, k: k, capacity: capacity}
}

func (l *layer) has(h1, h2 uint64) bool {
	for i := uint64(0); i < l.k; i++ {
		pos := (h1 + i*h2) % l.m
		if l.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (l *layer) add(h1, h2 uint64) {
	for i := uint64(0); i < l.k; i++ {
		pos := (h1 + i*h2) % l.m
		l.bits[pos/64] |= 1 << (pos % 64)
	}
	l.count++
}

// Filter is a scalable Bloom filter safe for concurrent use.
type Filter struct {
	mu       sync.Mutex
	layers   []*layer
	capacity uint64
	fpRate   float64
	count    uint64
}

// New creates a filter sized for initialCapacity keys at fpRate; it adds
// layers as it fills so the rate holds for any number of keys.
func New(initialCapacity uint, fpRate float64) *Filter {
	if initialCapacity == 0 {
		initialCapacity = 1024
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	f := &Filter{capacity: uint64(initialCapacity), fpRate: fpRate}
	// The first layer takes (1 - tightening) of the error rate; the geometric
	// series of later layers sums to at most fpRate.
	f.layers = []*layer{newLayer(f.capacity, fpRate*(1-tightening))}
	return f
}

func hash(key string) (uint64, uint64) {
	h1, h2 := murmur3.Sum128([]byte(key))
	// An even h2 would revisit positions for power-of-two sizes.
	return h1, h2 | 1
}

func (f *Filter) hasLocked(h1, h2 uint64) bool {
	for _, l := range f.layers {
		if l.has(h1, h2) {
			return true
		}
	}
	return false
}

func (f *Filter) addLocked(h1, h2 uint64) {
	cur := f.layers[len(f.layers)-1]
	if cur.count >= cur.capacity {
		n := len(f.layers)
		rate := f.fpRate * (1 - tightening) * math.Pow(tightening, float64(n))
		cur = newLayer(cur.capacity*growth, rate)
		f.layers = append(f.layers, cur)
	}
	cur.add(h1, h2)
	f.count++
}

// Contains reports whether key may have been added.
func (f *Filter) Contains(key string) bool {
	h1, h2 := hash(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasLocked(h1, h2)
}

// Add inserts key.
func (f *Filter) Add(key string) {
	h1, h2 := hash(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLocked(h1, h2) {
		f.addLocked(h1, h2)
	}
}

// TestAndAdd inserts key and reports whether it was (probably) present
// before. The check and insert are atomic, so exactly one of several
// concurrent callers with the same new key sees false.
func (f *Filter) TestAndAdd(key string) bool {
	h1, h2 := hash(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasLocked(h1, h2) {
		return true
	}
	f.addLocked(h1, h2)
	return false
}

// Len returns the number of keys inserted as new.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.count)
}

// Layers returns the number of internal layers, for diagnostics.
func (f *Filter) Layers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.layers)
}
