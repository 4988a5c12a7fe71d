package datasets

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedSource keeps recently decoded samples of a slow source in memory.
// Entries expire after ttl and the least-recently-used entry is evicted once
// maxEntries is exceeded. It is safe for concurrent use by several workers.
type CachedSource struct {
	src   SampleSource
	cache *expirable.LRU[int, Sample]

	hits, misses atomic.Int64
}

var _ SampleSource = (*CachedSource)(nil)

// NewCachedSource wraps src. A ttl <= 0 means entries never expire; maxEntries <= 0 defaults to 1024.
func NewCachedSource(src SampleSource, maxEntries int, ttl time.Duration) *CachedSource {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &CachedSource{
		src:   src,
		cache: expirable.NewLRU[int, Sample](maxEntries, nil, ttl),
	}
}

// Len implements SampleSource.
func (c *CachedSource) Len() int { return c.src.Len() }

// DataShape implements SampleSource.
func (c *CachedSource) DataShape() []int { return c.src.DataShape() }

// LabelShape implements SampleSource.
func (c *CachedSource) LabelShape() []int { return c.src.LabelShape() }

// Get implements SampleSource. Failed reads are not cached.
func (c *CachedSource) Get(idx int) (Sample, error) {
	if s, ok := c.cache.Get(idx); ok {
		c.hits.Add(1)
		return s, nil
	}
	c.misses.Add(1)
	s, err := c.src.Get(idx)
	if err != nil {
		return Sample{}, err
	}
	c.cache.Add(idx, s)
	return s, nil
}

// Stats returns the number of cache hits and misses so far.
func (c *CachedSource) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
