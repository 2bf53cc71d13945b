package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/aegis-gateway/aegis/internal/pip"
)

// ResourceCatalog is an in-memory resource metadata catalog. Entries
// may be exact resource names or trailing-* prefixes; exact entries win.
type ResourceCatalog struct {
	mu       sync.RWMutex
	exact    map[string]pip.ResourceInfo
	prefixes map[string]pip.ResourceInfo
}

var _ pip.ResourceCatalog = (*ResourceCatalog)(nil)

// NewResourceCatalog creates an empty catalog.
func NewResourceCatalog() *ResourceCatalog {
	return &ResourceCatalog{
		exact:    make(map[string]pip.ResourceInfo),
		prefixes: make(map[string]pip.ResourceInfo),
	}
}

// Put registers metadata for a resource name or a trailing-* pattern.
func (c *ResourceCatalog) Put(pattern string, info pip.ResourceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasSuffix(pattern, "*") {
		c.prefixes[strings.TrimSuffix(pattern, "*")] = info
		return
	}
	c.exact[pattern] = info
}

// Describe resolves a resource to its metadata. Among prefix entries
// the longest match wins.
func (c *ResourceCatalog) Describe(_ context.Context, resource string) (pip.ResourceInfo, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.exact[resource]; ok {
		return info, true, nil
	}
	var best string
	var found pip.ResourceInfo
	ok := false
	for prefix, info := range c.prefixes {
		if strings.HasPrefix(resource, prefix) && len(prefix) >= len(best) {
			best = prefix
			found = info
			ok = true
		}
	}
	return found, ok, nil
}
