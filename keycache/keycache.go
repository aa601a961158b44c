// Package keycache provides an in-memory TTL cache for DKIM key record
// text. It implements the verifier's KeyCache interface and can snapshot
// its contents to MessagePack so a restarting process keeps its warm
// cache.
package keycache

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// timeNow is used for testing.
var timeNow = time.Now

// entry is one cached key record.
type entry struct {
	txt       string
	authentic bool
	expires   int64 // unix seconds
}

// Cache is a thread-safe TTL cache keyed by DNS query name. The zero value
// is not usable; call New.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	maxTTL     time.Duration
}

// Config controls cache behavior. Zero values select the defaults.
type Config struct {
	// MaxEntries bounds the cache size. Default is 4096.
	MaxEntries int

	// MaxTTL caps the lifetime of an entry regardless of the TTL given to
	// Set, so a record with a week-long DNS TTL is still refreshed.
	// Default is 1 hour.
	MaxTTL time.Duration
}

// New creates a cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = time.Hour
	}
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: cfg.MaxEntries,
		maxTTL:     cfg.MaxTTL,
	}
}

// Get returns the cached TXT text for a query name. ok is false on a miss
// or when the entry has expired.
func (c *Cache) Get(name string) (txt string, authentic bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[name]
	if !found {
		return "", false, false
	}
	if e.expires <= timeNow().Unix() {
		delete(c.entries, name)
		return "", false, false
	}
	return e.txt, e.authentic, true
}

// Set stores TXT text for the given lifetime, capped at the configured
// MaxTTL. Non-positive lifetimes are not stored.
func (c *Cache) Set(name string, txt string, authentic bool, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	c.entries[name] = entry{
		txt:       txt,
		authentic: authentic,
		expires:   timeNow().Add(ttl).Unix(),
	}
}

// evictLocked drops expired entries, and if nothing has expired, an
// arbitrary entry, making room for one insert.
func (c *Cache) evictLocked() {
	now := timeNow().Unix()
	evicted := false
	for name, e := range c.entries {
		if e.expires <= now {
			delete(c.entries, name)
			evicted = true
		}
	}
	if !evicted {
		for name := range c.entries {
			delete(c.entries, name)
			break
		}
	}
}

// Len returns the number of entries, including any not yet evicted after
// expiry.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot serializes the live entries to MessagePack. Expired entries are
// skipped. The layout is a map of query name to a [txt, authentic,
// expires] triple.
func (c *Cache) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := timeNow().Unix()
	live := make([]string, 0, len(c.entries))
	for name, e := range c.entries {
		if e.expires > now {
			live = append(live, name)
		}
	}

	b := msgp.AppendMapHeader(nil, uint32(len(live)))
	for _, name := range live {
		e := c.entries[name]
		b = msgp.AppendString(b, name)
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendString(b, e.txt)
		b = msgp.AppendBool(b, e.authentic)
		b = msgp.AppendInt64(b, e.expires)
	}
	return b
}

// Restore loads entries from a Snapshot, replacing the current contents.
// Entries that expired since the snapshot was taken are dropped.
func (c *Cache) Restore(data []byte) error {
	n, data, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return fmt.Errorf("keycache: reading snapshot header: %w", err)
	}

	now := timeNow().Unix()
	entries := make(map[string]entry, n)

	for i := uint32(0); i < n; i++ {
		var name, txt string
		var authentic bool
		var expires int64
		var sz uint32

		if name, data, err = msgp.ReadStringBytes(data); err != nil {
			return fmt.Errorf("keycache: reading entry name: %w", err)
		}
		if sz, data, err = msgp.ReadArrayHeaderBytes(data); err != nil || sz != 3 {
			if err == nil {
				err = fmt.Errorf("unexpected field count %d", sz)
			}
			return fmt.Errorf("keycache: reading entry %q: %w", name, err)
		}
		if txt, data, err = msgp.ReadStringBytes(data); err != nil {
			return fmt.Errorf("keycache: reading entry %q: %w", name, err)
		}
		if authentic, data, err = msgp.ReadBoolBytes(data); err != nil {
			return fmt.Errorf("keycache: reading entry %q: %w", name, err)
		}
		if expires, data, err = msgp.ReadInt64Bytes(data); err != nil {
			return fmt.Errorf("keycache: reading entry %q: %w", name, err)
		}

		if expires > now {
			entries[name] = entry{txt: txt, authentic: authentic, expires: expires}
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}
