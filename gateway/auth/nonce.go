package auth

import (
	"container/list"
	"time"
)

// replayCache remembers recently observed nonces for one API key. Entries
// expire after ttl and the oldest entry is evicted once capacity is reached.
// Callers serialise access.
type replayCache struct {
	ttl      time.Duration
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

type replayEntry struct {
	key string
	at  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	return &replayCache{
		ttl:      clampDuration(ttl, maxNonceWindow),
		capacity: clampInt(capacity, defaultNonceCapacity, maxNonceCapacity),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen records key and reports whether it was already present.
func (c *replayCache) Seen(key string, now time.Time) bool {
	if c.Contains(key, now) {
		return true
	}
	c.Add(key, now)
	return false
}

func (c *replayCache) Contains(key string, now time.Time) bool {
	c.expire(now.Add(-c.ttl))
	_, ok := c.entries[key]
	return ok
}

func (c *replayCache) Add(key string, now time.Time) {
	c.expire(now.Add(-c.ttl))
	if elem, ok := c.entries[key]; ok {
		elem.Value = replayEntry{key: key, at: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, at: now})
}

func (c *replayCache) Len() int {
	return c.order.Len()
}

func (c *replayCache) expire(cutoff time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if !front.Value.(replayEntry).at.Before(cutoff) {
			return
		}
		c.remove(front)
	}
}

func (c *replayCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(replayEntry).key)
}
