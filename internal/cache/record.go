// Package cache provides the in-memory read accelerators of the control plane:
// file records by id and owner, sessions by token and user, and the set of
// known content fingerprints. None of them is authoritative; writers push
// fresh entries after their transaction commits.
package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/patrakosh/patrakosh/internal/model"
)

// DefaultRecordCapacity is the default number of file records kept.
const DefaultRecordCapacity = 1000

// Stats reports the state of a cache.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// RecordCache holds file records indexed by id and by owner. Both views are
// updated under one lock; when the capacity is reached the least recently
// used record is dropped from both.
//
// Readers that load records from the store fill the cache with Fill, passing
// the Epoch taken before the read, so that a removal racing the read is not
// undone by a stale fill.
type RecordCache struct {
	mu       sync.Mutex
	capacity int
	byID     *simplelru.LRU[int64, model.FileRecord]
	byOwner  map[int64]map[int64]struct{}
	epoch    uint64 // bumped by every invalidation

	hits, misses, evictions uint64
}

// NewRecordCache creates a record cache holding at most capacity records.
func NewRecordCache(capacity int) (*RecordCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("record cache capacity must be positive, got %d", capacity)
	}
	c := &RecordCache{
		capacity: capacity,
		byOwner:  make(map[int64]map[int64]struct{}),
	}
	lru, err := simplelru.NewLRU[int64, model.FileRecord](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.byID = lru
	return c, nil
}

// onEvict runs under c.mu for removals, purges and capacity evictions.
func (c *RecordCache) onEvict(id int64, rec model.FileRecord) {
	c.unlinkOwner(rec.OwnerID, id)
}

func (c *RecordCache) unlinkOwner(ownerID, id int64) {
	ids, ok := c.byOwner[ownerID]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(c.byOwner, ownerID)
	}
}

// Put inserts or replaces a record.
func (c *RecordCache) Put(rec model.FileRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(rec)
}

// Epoch returns the invalidation generation to pass to Fill.
func (c *RecordCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Fill inserts records read from the store at epoch. Nothing is inserted when
// an invalidation happened since; Fill reports whether the records went in.
func (c *RecordCache) Fill(epoch uint64, recs ...model.FileRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	for _, rec := range recs {
		c.put(rec)
	}
	return true
}

func (c *RecordCache) put(rec model.FileRecord) {
	if old, ok := c.byID.Peek(rec.ID); ok && old.OwnerID != rec.OwnerID {
		c.unlinkOwner(old.OwnerID, rec.ID)
	}
	if c.byID.Add(rec.ID, rec) {
		c.evictions++
	}
	ids, ok := c.byOwner[rec.OwnerID]
	if !ok {
		ids = make(map[int64]struct{})
		c.byOwner[rec.OwnerID] = ids
	}
	ids[rec.ID] = struct{}{}
}

// Get returns the cached record with the given id.
func (c *RecordCache) Get(id int64) (model.FileRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byID.Get(id)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return rec, ok
}

// Contains reports whether id is cached without touching its recency.
func (c *RecordCache) Contains(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID.Contains(id)
}

// ByOwner returns the cached records of ownerID, most recently updated first.
func (c *RecordCache) ByOwner(ownerID int64) []model.FileRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.byOwner[ownerID]
	out := make([]model.FileRecord, 0, len(ids))
	for id := range ids {
		if rec, ok := c.byID.Peek(id); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Remove drops the record with the given id and reports whether it was cached.
func (c *RecordCache) Remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	return c.byID.Remove(id)
}

// RemoveOwner drops every record of ownerID and returns how many were removed.
func (c *RecordCache) RemoveOwner(ownerID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++

	ids := make([]int64, 0, len(c.byOwner[ownerID]))
	for id := range c.byOwner[ownerID] {
		ids = append(ids, id)
	}
	for _, id := range ids {
		c.byID.Remove(id)
	}
	delete(c.byOwner, ownerID)
	return len(ids)
}

// Len returns the number of cached records.
func (c *RecordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID.Len()
}

// Clear drops every record.
func (c *RecordCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.byID.Purge()
	c.byOwner = make(map[int64]map[int64]struct{})
}

// Stats returns the cache statistics.
func (c *RecordCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.byID.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
