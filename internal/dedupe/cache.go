// ABOUTME: Thread-safe TTL cache for deduplicating work items by task ID.
// ABOUTME: Lets workers process redelivered queue entries at most once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the timestamp and list element for a cached task ID.
type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of task IDs a
// worker has already accepted. The broker redelivers items under failure,
// so a worker checks each task ID here before processing. Insertion order
// is kept in a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // task IDs in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Seen atomically checks whether taskID was already accepted and records
// it if not. Returns true for a duplicate, false for a new task ID that is
// now marked. The check and mark share one critical section so two workers
// of the same process cannot both claim an item.
func (c *Cache) Seen(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[taskID]; ok && time.Since(e.timestamp) < c.ttl {
		return true
	}

	now := time.Now()

	if e, ok := c.seen[taskID]; ok {
		// Expired entry; refresh in place.
		e.timestamp = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(taskID)
	c.seen[taskID] = &entry{timestamp: now, element: elem}
	return false
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	taskID, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, taskID)
}

// cleanupLoop periodically removes expired entries until Close.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops every entry older than the TTL.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for taskID, e := range c.seen {
		if now.Sub(e.timestamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, taskID)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
