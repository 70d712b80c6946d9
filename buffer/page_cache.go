package buffer

import (
	"errors"
	"fmt"
	"pagedb/disk/pages"
	"pagedb/disk/structures"
)

var (
	ErrCacheFull     = errors.New("page cache is full and all pages are dirty")
	ErrPageNotCached = errors.New("page is not in the cache")
)

// PageCache is an LRU of pages that never evicts a dirty page.
type PageCache struct {
	lru *LRU[structures.PageID, *pages.HeapPage]
}

func NewPageCache(capacity int) *PageCache {
	return &PageCache{lru: NewLRU[structures.PageID, *pages.HeapPage](capacity)}
}

func isClean(_ structures.PageID, p *pages.HeapPage) bool {
	_, dirty := p.IsDirty()
	return !dirty
}

// Put caches p as the most recently used page. When the cache is full the least recently used clean page is evicted
// and returned. If every cached page is dirty nothing changes and ErrCacheFull is returned.
func (c *PageCache) Put(pid structures.PageID, p *pages.HeapPage) (*pages.HeapPage, error) {
	evicted, ok, err := c.lru.PutEvicting(pid, p, isClean)
	if errors.Is(err, ErrNoVictim) {
		return nil, fmt.Errorf("caching page %v: %w", pid, ErrCacheFull)
	}
	if !ok {
		return nil, nil
	}
	return evicted, nil
}

func (c *PageCache) Get(pid structures.PageID) (*pages.HeapPage, bool) {
	return c.lru.Get(pid)
}

func (c *PageCache) Contains(pid structures.PageID) bool {
	return c.lru.Contains(pid)
}

func (c *PageCache) Remove(pid structures.PageID) bool {
	return c.lru.Remove(pid)
}

// Pages returns a snapshot of cached pages from most to least recently used.
func (c *PageCache) Pages() []*pages.HeapPage {
	return c.lru.Values()
}

func (c *PageCache) Len() int {
	return c.lru.Len()
}

func (c *PageCache) Cap() int {
	return c.lru.Cap()
}

// Reload replaces the cached copy of pid by a fresh one returned from load, keeping its recency.
func (c *PageCache) Reload(pid structures.PageID, load func(structures.PageID) (*pages.HeapPage, error)) error {
	if !c.lru.Contains(pid) {
		return fmt.Errorf("reload %v: %w", pid, ErrPageNotCached)
	}

	p, err := load(pid)
	if err != nil {
		return err
	}

	if !c.lru.Replace(pid, p) {
		return fmt.Errorf("reload %v: %w", pid, ErrPageNotCached)
	}
	return nil
}
