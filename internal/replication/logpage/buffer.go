// Package logpage implements the log page buffer: a bounded,
// fix/unfix-counted cache of logrec.Page frames that the pipeline's
// forward scan reads through, so each page is read off the writer's
// active volume at most once per working set.
//
// Grounded on spec.md §4.6 and original_source's repl_page_buffer.h
// fix/unfix contract: a page with a nonzero fix count is pinned and
// never evicted; debug builds additionally track who fixed it.
package logpage

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/rye-db/rye/internal/replication/logrec"
	"github.com/rye-db/rye/internal/replication/rerr"
)

// Source reads a physical page from the backing active log volume,
// the interface the cache falls back to on a miss.
type Source interface {
	ReadPage(pageID int64) (*logrec.Page, error)
}

// Frame is one cached page and its buffer-management state.
type Frame struct {
	Page     *logrec.Page
	FixCount int32
	Dirty    bool

	elem *list.Element // position in the LRU free-candidate list
	prov provenance
}

// Cache is a bounded page buffer. Zero value is not usable; construct
// with New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	source   Source
	frames   map[int64]*Frame
	lru      *list.List // least-recently-unfixed at the front, candidates for eviction
}

// New builds a cache of the given page capacity reading misses
// through src.
func New(capacity int, src Source) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		source:   src,
		frames:   make(map[int64]*Frame, capacity),
		lru:      list.New(),
	}
}

// Fix pins pageID in the buffer, reading it through Source on a miss,
// and returns its frame. Callers must call Unfix exactly once per Fix.
func (c *Cache) Fix(pageID int64) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.frames[pageID]; ok {
		if f.FixCount == 0 && f.elem != nil {
			c.lru.Remove(f.elem)
			f.elem = nil
		}
		f.FixCount++
		recordFix(f, pageID)
		return f, nil
	}

	if len(c.frames) >= c.capacity {
		if !c.evictOneLocked() {
			return nil, fmt.Errorf("logpage: buffer full, no unfixed victim: %w", rerr.ErrResourceExhausted)
		}
	}

	page, err := c.source.ReadPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("logpage: read page %d: %w", pageID, err)
	}

	f := &Frame{Page: page, FixCount: 1}
	recordFix(f, pageID)
	c.frames[pageID] = f
	return f, nil
}

// Unfix releases one pin on pageID. When the fix count drops to zero
// the frame becomes an eviction candidate (appended to the LRU list),
// not immediately discarded: an unfixed page may still be the next
// page a reader needs.
func (c *Cache) Unfix(pageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.frames[pageID]
	if !ok || f.FixCount == 0 {
		return
	}
	f.FixCount--
	recordUnfix(f, pageID)
	if f.FixCount == 0 {
		f.elem = c.lru.PushBack(pageID)
	}
}

// MarkDirty flags a cached pageID as modified; the flag is dropped only
// with the frame itself (eviction, DecacheRange, ReleaseAll).
func (c *Cache) MarkDirty(pageID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.frames[pageID]; ok {
		f.Dirty = true
	}
}

// ReleaseAll forcibly clears every fix count and empties the cache.
// Used during shutdown, where no reader is left holding a pin.
func (c *Cache) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = make(map[int64]*Frame, c.capacity)
	c.lru = list.New()
}

// DecacheRange drops every cached, unfixed page in [from, to). Fixed
// pages are left in place; the caller is responsible for ensuring no
// live reader still needs a page in the decached range.
func (c *Cache) DecacheRange(from, to int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for pageID, f := range c.frames {
		if pageID < from || pageID >= to {
			continue
		}
		if f.FixCount != 0 {
			continue
		}
		if f.elem != nil {
			c.lru.Remove(f.elem)
		}
		delete(c.frames, pageID)
		dropped++
	}
	return dropped
}

// evictOneLocked discards the least-recently-unfixed frame, if any
// unfixed frame exists. Caller holds c.mu.
func (c *Cache) evictOneLocked() bool {
	front := c.lru.Front()
	if front == nil {
		return false
	}
	pageID := front.Value.(int64)
	c.lru.Remove(front)
	delete(c.frames, pageID)
	return true
}

// Len reports the number of pages currently cached (fixed or not).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
