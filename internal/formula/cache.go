package formula

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

const DefaultCacheSize = 512

type cacheEntry struct {
	formula *Formula
	err     error
}

// Cache holds parsed formulas keyed by their source.
// Parse errors are cached too, a misconfigured formula is parsed only once.
type Cache struct {
	entries *lru.Cache
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}

	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("cannot create formula cache: %w", err)
	}

	return &Cache{entries: entries}, nil
}

// Get returns the parsed formula for expression.
func (c *Cache) Get(expression string) (*Formula, error) {
	if v, ok := c.entries.Get(expression); ok {
		e := v.(cacheEntry)
		return e.formula, e.err
	}

	f, err := Parse(expression)
	c.entries.Add(expression, cacheEntry{formula: f, err: err})

	return f, err
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Purge() {
	c.entries.Purge()
}
