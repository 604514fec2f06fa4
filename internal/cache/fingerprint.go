package cache

import (
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultFingerprintCapacity is the default number of fingerprints remembered.
const DefaultFingerprintCapacity = 100000

// FingerprintIndex is a presence set of content fingerprints. Add is the
// at-most-once claim for a fingerprint: of any number of concurrent callers
// adding the same value, exactly one sees true.
type FingerprintIndex struct {
	mu       sync.Mutex
	capacity int
	set      *simplelru.LRU[string, struct{}]

	evictions uint64
}

// NewFingerprintIndex creates an index holding at most capacity fingerprints.
// A capacity of 0 means unbounded.
func NewFingerprintIndex(capacity int) (*FingerprintIndex, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("fingerprint index capacity must not be negative, got %d", capacity)
	}
	size := capacity
	if size == 0 {
		size = math.MaxInt
	}
	set, err := simplelru.NewLRU[string, struct{}](size, nil)
	if err != nil {
		return nil, err
	}
	return &FingerprintIndex{capacity: capacity, set: set}, nil
}

// Contains reports whether fp is present.
func (f *FingerprintIndex) Contains(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set.Contains(fp)
}

// Add inserts fp and reports whether it was newly added.
func (f *FingerprintIndex) Add(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.set.Get(fp); ok {
		return false
	}
	if f.set.Add(fp, struct{}{}) {
		f.evictions++
	}
	return true
}

// Remove deletes fp and reports whether it was present.
func (f *FingerprintIndex) Remove(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set.Remove(fp)
}

// Count returns the number of fingerprints present.
func (f *FingerprintIndex) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set.Len()
}

// Clear removes every fingerprint.
func (f *FingerprintIndex) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set.Purge()
}

// Stats returns the index statistics.
func (f *FingerprintIndex) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Size: f.set.Len(), Capacity: f.capacity, Evictions: f.evictions}
}
