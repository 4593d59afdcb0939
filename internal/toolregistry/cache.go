package toolregistry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// CacheOptions configures the read-only result cache. Enabled off keeps the
// cache out of the pipeline entirely.
type CacheOptions struct {
	Enabled bool
	Size    int
	TTL     time.Duration
	// ExcludeTools opts individual read-only tools out of caching.
	ExcludeTools []string
}

type cacheEntry struct {
	result   Result
	storedAt time.Time
}

// resultCache memoizes read-only tool results keyed by tool name plus
// normalized arguments.
type resultCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	exclude map[string]bool
}

func newResultCache(opts CacheOptions) *resultCache {
	if !opts.Enabled {
		return &resultCache{}
	}
	if opts.Size <= 0 {
		opts.Size = defaultCacheSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultCacheTTL
	}
	entries, err := lru.New[string, cacheEntry](opts.Size)
	if err != nil {
		return &resultCache{}
	}
	exclude := make(map[string]bool, len(opts.ExcludeTools))
	for _, name := range opts.ExcludeTools {
		exclude[name] = true
	}
	return &resultCache{entries: entries, ttl: opts.TTL, exclude: exclude}
}

func (c *resultCache) get(tool string, args map[string]any) (*Result, bool) {
	if c.entries == nil || c.exclude[tool] {
		return nil, false
	}
	key := cacheKey(tool, args)
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) >= c.ttl {
		c.entries.Remove(key)
		return nil, false
	}
	dup := entry.result
	dup.Cached = true
	return &dup, true
}

func (c *resultCache) put(tool string, args map[string]any, result *Result) {
	if c.entries == nil || c.exclude[tool] || result == nil {
		return
	}
	c.entries.Add(cacheKey(tool, args), cacheEntry{result: *result, storedAt: time.Now()})
}

// cacheKey serializes arguments deterministically: json.Marshal sorts map
// keys, nested maps only need the same concrete type.
func cacheKey(tool string, args map[string]any) string {
	if len(args) == 0 {
		return tool + ":{}"
	}
	encoded, err := json.Marshal(sortedMap(args))
	if err != nil {
		return tool + ":{}"
	}
	return fmt.Sprintf("%s:%s", tool, encoded)
}

func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}
