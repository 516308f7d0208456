// Package mailbox holds the in-memory mirror of the summary index and fans
// out change notifications to registered observers.
package mailbox

import (
	"slices"
	"sync"

	"github.io/infrasutra/mailcatch/internal/store"
)

// PersistFunc writes the full index after a mutation. Its error is reported
// to the caller but never rolls the in-memory state back.
type PersistFunc func([]store.Summary) error

type Cache struct {
	mu        sync.Mutex
	items     []store.Summary
	limit     int
	persist   PersistFunc
	observers map[int]func([]store.Summary)
	nextID    int
}

func New(limit int, persist PersistFunc) *Cache {
	if persist == nil {
		persist = func([]store.Summary) error { return nil }
	}
	return &Cache{
		limit:     limit,
		persist:   persist,
		observers: make(map[int]func([]store.Summary)),
	}
}

// Subscribe registers fn for every index mutation. The returned function
// deregisters it and is safe to call more than once.
func (c *Cache) Subscribe(fn func([]store.Summary)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Cache) Snapshot() []store.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexOf(id) >= 0
}

// Insert places summary by receive time, newest first; among equal times the
// latest insertion wins the front. Entries beyond the limit are dropped and
// returned so their detail records can be released.
func (c *Cache) Insert(summary store.Summary) (evicted []store.Summary, err error) {
	c.mu.Lock()
	pos := slices.IndexFunc(c.items, func(s store.Summary) bool {
		return !s.ReceivedAt.After(summary.ReceivedAt)
	})
	if pos < 0 {
		pos = len(c.items)
	}
	c.items = slices.Insert(c.items, pos, summary)
	if c.limit > 0 && len(c.items) > c.limit {
		evicted = slices.Clone(c.items[c.limit:])
		c.items = slices.Clip(c.items[:c.limit])
	}
	err = c.persist(c.items)
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
	return evicted, err
}

// MarkRead reports whether id was present. Absent ids and entries already
// opened cause neither a write nor a notification.
func (c *Cache) MarkRead(id string) (bool, error) {
	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return false, nil
	}
	if c.items[i].Opened {
		c.mu.Unlock()
		return true, nil
	}
	c.items[i].Opened = true
	err := c.persist(c.items)
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
	return true, err
}

func (c *Cache) Remove(id string) (bool, error) {
	c.mu.Lock()
	i := c.indexOf(id)
	if i < 0 {
		c.mu.Unlock()
		return false, nil
	}
	c.items = slices.Delete(c.items, i, i+1)
	err := c.persist(c.items)
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
	return true, err
}

// Clear empties the mirror without touching storage.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = nil
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
}

// Replace adopts items read back from storage and reports whether anything
// changed. An unchanged index produces no notification.
func (c *Cache) Replace(items []store.Summary) bool {
	if c.limit > 0 && len(items) > c.limit {
		items = items[:c.limit]
	}
	c.mu.Lock()
	if slices.EqualFunc(c.items, items, store.Summary.Equal) {
		c.mu.Unlock()
		return false
	}
	c.items = slices.Clone(items)
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
	return true
}

// Sync reloads the mirror through load while holding the cache lock, so a
// reload can never interleave with a write made by this process.
func (c *Cache) Sync(load func() ([]store.Summary, error)) (bool, error) {
	c.mu.Lock()
	items, err := load()
	if err != nil {
		c.mu.Unlock()
		return false, err
	}
	if c.limit > 0 && len(items) > c.limit {
		items = items[:c.limit]
	}
	if slices.EqualFunc(c.items, items, store.Summary.Equal) {
		c.mu.Unlock()
		return false, nil
	}
	c.items = slices.Clone(items)
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
	return true, nil
}

// Reset empties the mirror and the persisted index in one step. clear runs
// under the cache lock first, typically to delete the records themselves.
func (c *Cache) Reset(clear func() int) (failed int, err error) {
	c.mu.Lock()
	if clear != nil {
		failed = clear()
	}
	c.items = nil
	err = c.persist(c.items)
	snapshot, observers := c.fanoutLocked()
	c.mu.Unlock()

	notify(observers, snapshot)
	return failed, err
}

// Exclusive runs fn under the cache lock, for storage edits that must not
// interleave with mirror writes.
func (c *Cache) Exclusive(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

func (c *Cache) indexOf(id string) int {
	return slices.IndexFunc(c.items, func(s store.Summary) bool { return s.ID == id })
}

func (c *Cache) fanoutLocked() ([]store.Summary, []func([]store.Summary)) {
	observers := make([]func([]store.Summary), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	return slices.Clone(c.items), observers
}

func notify(observers []func([]store.Summary), snapshot []store.Summary) {
	for _, fn := range observers {
		fn(slices.Clone(snapshot))
	}
}
