package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/patrakosh/patrakosh/internal/model"
)

// DefaultSessionCapacity is the default number of live sessions kept.
const DefaultSessionCapacity = 10000

// SessionCache issues sessions and indexes them by token and by user.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	byToken  *simplelru.LRU[string, model.Session]
	byUser   map[int64]map[string]struct{}
	now      func() time.Time

	hits, misses, evictions uint64
}

// NewSessionCache creates a session cache holding at most capacity sessions.
func NewSessionCache(capacity int) (*SessionCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("session cache capacity must be positive, got %d", capacity)
	}
	c := &SessionCache{
		capacity: capacity,
		byUser:   make(map[int64]map[string]struct{}),
		now:      time.Now,
	}
	lru, err := simplelru.NewLRU[string, model.Session](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.byToken = lru
	return c, nil
}

func (c *SessionCache) onEvict(token string, s model.Session) {
	tokens, ok := c.byUser[s.UserID]
	if !ok {
		return
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(c.byUser, s.UserID)
	}
}

// Create issues a new session for userID.
func (c *SessionCache) Create(userID int64) model.Session {
	s := model.Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: c.now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byToken.Add(s.Token, s) {
		c.evictions++
	}
	tokens, ok := c.byUser[userID]
	if !ok {
		tokens = make(map[string]struct{})
		c.byUser[userID] = tokens
	}
	tokens[s.Token] = struct{}{}
	return s
}

// Get returns the session issued with token.
func (c *SessionCache) Get(token string) (model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byToken.Get(token)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return s, ok
}

// Valid reports whether token identifies a live session.
func (c *SessionCache) Valid(token string) bool {
	_, ok := c.Get(token)
	return ok
}

// Invalidate ends the session issued with token and reports whether it existed.
func (c *SessionCache) Invalidate(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byToken.Remove(token)
}

// InvalidateUser ends every session of userID and returns how many ended.
func (c *SessionCache) InvalidateUser(userID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens := make([]string, 0, len(c.byUser[userID]))
	for t := range c.byUser[userID] {
		tokens = append(tokens, t)
	}
	for _, t := range tokens {
		c.byToken.Remove(t)
	}
	delete(c.byUser, userID)
	return len(tokens)
}

// UserSessions returns the live sessions of userID.
func (c *SessionCache) UserSessions(userID int64) []model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Session, 0, len(c.byUser[userID]))
	for t := range c.byUser[userID] {
		if s, ok := c.byToken.Peek(t); ok {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (c *SessionCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byToken.Len()
}

// UserCount returns the number of users with at least one live session.
func (c *SessionCache) UserCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byUser)
}

// Clear ends every session.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byToken.Purge()
	c.byUser = make(map[int64]map[string]struct{})
}

// Stats returns the cache statistics.
func (c *SessionCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.byToken.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
