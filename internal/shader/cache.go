package shader

import (
	"crypto/sha256"
	"slices"
	"sync"
)

// CachedCompiler memoizes a Compiler by source. Libraries are shared between
// callers and must not be modified.
//
// CachedCompiler is safe for concurrent use.
type CachedCompiler struct {
	compiler Compiler

	mu      sync.Mutex
	entries map[[sha256.Size]byte]*cacheEntry
	limit   int
	tick    int64
	hits    uint64
	misses  uint64
}

type cacheEntry struct {
	lib   *Library
	atime int64
}

// NewCachedCompiler wraps c with a cache of at most limit libraries.
// A limit of 0 means unlimited.
func NewCachedCompiler(c Compiler, limit int) *CachedCompiler {
	return &CachedCompiler{
		compiler: c,
		entries:  make(map[[sha256.Size]byte]*cacheEntry),
		limit:    limit,
	}
}

// Compile implements Compiler. Failed compilations are not cached.
func (c *CachedCompiler) Compile(name, source string) (*Library, error) {
	key := sha256.Sum256([]byte(name + "\x00" + source))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	if e, ok := c.entries[key]; ok {
		e.atime = c.tick
		c.hits++
		return e.lib, nil
	}
	c.misses++

	lib, err := c.compiler.Compile(name, source)
	if err != nil {
		return nil, err
	}
	c.entries[key] = &cacheEntry{lib: lib, atime: c.tick}
	if c.limit > 0 && len(c.entries) > c.limit {
		c.evictOldest()
	}
	return lib, nil
}

// Stats returns the number of cached libraries, hits and misses.
func (c *CachedCompiler) Stats() (entries int, hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.hits, c.misses
}

// evictOldest drops the least recently used quarter of the entries.
// Caller must hold c.mu.
func (c *CachedCompiler) evictOldest() {
	target := max(c.limit*3/4, 1)
	type aged struct {
		key   [sha256.Size]byte
		atime int64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.atime})
	}
	slices.SortFunc(all, func(a, b aged) int { return int(a.atime - b.atime) })
	for _, a := range all[:len(all)-target] {
		delete(c.entries, a.key)
	}
}
