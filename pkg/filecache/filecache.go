// Package filecache provides the client-side listing cache.
package filecache

import (
	"sort"
	"sync"
	"time"

	"github.com/muawin/muawin/pkg/models"
)

// DefaultTTL is how long a listing is served without refetching.
const DefaultTTL = 5 * time.Minute

// Key identifies one cached listing.
type Key struct {
	Zone   string
	Branch string
}

// String renders the key for display; it is not used for lookups.
func (k Key) String() string {
	return k.Zone + "-" + k.Branch
}

// Entry is a cached listing and the time it was stored.
type Entry struct {
	Files     []models.ConfirmedFile
	Timestamp time.Time
}

// Fresh reports whether the entry is still inside ttl at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.Timestamp) < ttl
}

// Stats describes the cache contents.
type Stats struct {
	Size int
	Keys []string
}

// Cache holds listings for a single category. It never sweeps; staleness
// is decided by the reader through Entry.Fresh.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]Entry)}
}

// Get returns a copy of the entry for zone/branch.
func (c *Cache) Get(zone, branch string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[Key{zone, branch}]
	if !ok {
		return Entry{}, false
	}
	return Entry{Files: clone(e.Files), Timestamp: e.Timestamp}, true
}

// Set stores files for zone/branch, stamped with the current time.
func (c *Cache) Set(zone, branch string, files []models.ConfirmedFile) {
	e := Entry{Files: clone(files), Timestamp: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key{zone, branch}] = e
}

// Invalidate drops the entry for zone/branch.
func (c *Cache) Invalidate(zone, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key{zone, branch})
}

// InvalidateAll drops every entry and returns how many there were.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[Key]Entry)
	return n
}

// Stats returns the entry count and sorted key names.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return Stats{Size: len(c.entries), Keys: keys}
}

func clone(files []models.ConfirmedFile) []models.ConfirmedFile {
	out := make([]models.ConfirmedFile, len(files))
	copy(out, files)
	return out
}
