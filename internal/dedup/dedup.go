// Package dedup answers "have I already processed this message" across a
// reconnect without unbounded memory growth.
package dedup

import (
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/envelope"
)

// DefaultCapacity is the default number of fingerprints retained.
const DefaultCapacity = 50

// Fingerprint is a compact derived identity for a previously seen message.
type Fingerprint struct {
	MessageID   string
	ContentHash uint64
	Timestamp   time.Time
}

// FingerprintOf derives a Fingerprint from a decoded message payload.
func FingerprintOf(msg *envelope.Message, at time.Time) Fingerprint {
	return Fingerprint{
		MessageID:   msg.ID,
		ContentHash: msg.ContentHash(),
		Timestamp:   at,
	}
}

// Cache is a fixed-capacity ring of recent fingerprints, overwritten
// oldest-first once full. Eviction is purely by insertion order; there is
// no age-based expiry. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	ring  []Fingerprint
	next  int // next write position
	count int // stored entries, <= len(ring)
}

// NewCache creates a Cache with the given capacity (DefaultCapacity if <= 0).
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{ring: make([]Fingerprint, capacity)}
}

// Append records a fingerprint, overwriting the oldest entry at capacity.
func (c *Cache) Append(f Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.next] = f
	c.next = (c.next + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
}

// Contains reports whether a fingerprint with the same message ID and
// content hash is present. Linear scan; capacity is small.
func (c *Cache) Contains(f Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.count; i++ {
		e := c.entryAt(i)
		if e.MessageID == f.MessageID && e.ContentHash == f.ContentHash {
			return true
		}
	}
	return false
}

// Recent returns up to n fingerprints in insertion order, most recent last.
func (c *Cache) Recent(n int) []Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.count {
		n = c.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Fingerprint, 0, n)
	for i := c.count - n; i < c.count; i++ {
		out = append(out, c.entryAt(i))
	}
	return out
}

// Len returns the number of stored fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Capacity returns the configured ring size.
func (c *Cache) Capacity() int {
	return len(c.ring)
}

// entryAt returns the i-th oldest stored entry. Caller holds mu.
func (c *Cache) entryAt(i int) Fingerprint {
	start := c.next - c.count
	idx := (start + i + len(c.ring)) % len(c.ring)
	return c.ring[idx]
}
