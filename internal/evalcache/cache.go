// Package evalcache is the shared, bounded store of evaluator results.
//
// Every search worker and the batch evaluator go through a single mutex
// here; no iteration over the underlying map is offered. Entries are pinned
// while someone still needs them (pending, or waiting to backpropagate) and
// only unpinned entries are eligible for least-recently-used eviction.
package evalcache

import (
	"fmt"
	"math"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrInvariant marks programming errors; they are never retried.
	ErrInvariant          = errors.New("evalcache invariant violated")
	ErrDuplicateEntry     = errors.New("entry already created")
	ErrAlreadyInitialised = errors.New("entry already initialised")
	ErrEntryNotFound      = errors.New("entry not found")
	ErrBadPolicy          = errors.New("policy length mismatch")
)

type invariantError struct {
	cause error
	msg   string
}

func (e *invariantError) Error() string { return e.msg + ": " + e.cause.Error() }

func (e *invariantError) Is(target error) bool {
	return target == ErrInvariant || target == e.cause
}

func (e *invariantError) Unwrap() error { return e.cause }

func violation(cause error, format string, args ...any) error {
	return errors.WithStack(&invariantError{cause: cause, msg: fmt.Sprintf(format, args...)})
}

// Violation builds an error matching both ErrInvariant and cause.
func Violation(cause error, format string, args ...any) error {
	return violation(cause, format, args...)
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Fills     int64
	Evictions int64
	Failures  int64
}

// Cache maps position keys to entries.
type Cache struct {
	mu         sync.Mutex
	capacity   int
	policySize int
	m          map[uint64]*Entry
	head, tail *Entry // head = most recently used

	hits, misses, fills, evictions, failures int64
}

// New returns a cache holding at most capacity unpinned entries. A positive
// policySize makes Fill reject vectors of any other length.
func New(capacity, policySize int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity:   capacity,
		policySize: policySize,
		m:          make(map[uint64]*Entry, min(capacity, 1<<16)),
	}
}

func (c *Cache) Capacity() int { return c.capacity }

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      len(c.m),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Fills:     c.fills,
		Evictions: c.evictions,
		Failures:  c.failures,
	}
}

// Get looks key up without pinning it.
func (c *Cache) Get(key uint64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if ok {
		c.touch(e)
	}
	return e, ok
}

// Contains reports presence without touching the LRU order.
func (c *Cache) Contains(key uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[key]
	return ok
}

// GetOrCreatePending returns the entry for key, creating a pending one if
// needed. created is true for exactly one caller per entry lifetime. The
// returned entry is pinned; callers must Release it once consumed.
func (c *Cache) GetOrCreatePending(key uint64, kind Kind, label string) (e *Entry, created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok {
		c.hits++
		e.pins++
		e.waiters++
		c.touch(e)
		return e, false
	}
	c.misses++
	e = c.insert(key, kind, label)
	e.pins++
	return e, true
}

// Create is the non-idempotent creation path: a second create for a live key
// is a programming error.
func (c *Cache) Create(key uint64, kind Kind, label string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[key]; ok {
		return nil, violation(ErrDuplicateEntry, "create key %d", key)
	}
	c.misses++
	e := c.insert(key, kind, label)
	e.pins++
	return e, nil
}

// PutLeaf returns a filled leaf entry for a terminal position, creating it
// when absent. The entry is pinned like GetOrCreatePending.
func (c *Cache) PutLeaf(key uint64, value float32, label string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.m[key]; ok {
		if e.initialised && e.value != value {
			return nil, violation(ErrAlreadyInitialised, "leaf key %d holds %v, terminal value %v", key, e.value, value)
		}
		c.hits++
		e.pins++
		e.waiters++
		c.touch(e)
		return e, nil
	}
	e := c.insert(key, Leaf, label)
	e.pins++
	e.value = value
	e.initialised = true
	close(e.ready)
	c.fills++
	return e, nil
}

// Fill stores the evaluator result and wakes every waiter. The policy slice
// is retained, not copied.
func (c *Cache) Fill(key uint64, value float32, policy []float32) (*Entry, error) {
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
		return nil, errors.Errorf("non-finite value %v for key %d", value, key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, violation(ErrEntryNotFound, "fill key %d", key)
	}
	if e.initialised {
		return nil, violation(ErrAlreadyInitialised, "fill %s", e)
	}
	if c.policySize > 0 && e.kind != Leaf && len(policy) != c.policySize {
		return nil, errors.Wrapf(ErrBadPolicy, "key %d: got %d want %d", key, len(policy), c.policySize)
	}
	e.value = value
	e.policy = policy
	e.initialised = true
	c.fills++
	c.touch(e)
	close(e.ready)
	return e, nil
}

// Fail resolves a pending entry with err and drops it from the cache so the
// key is evaluated afresh next time.
func (c *Cache) Fail(key uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || e.initialised {
		return
	}
	e.err = err
	c.failures++
	close(e.ready)
	c.remove(e)
}

// Claim records owner as the entry's owning node if nobody claimed it yet.
// It reports whether owner now owns the entry.
func (c *Cache) Claim(e *Entry, owner int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.owner == NoOwner {
		e.owner = owner
	}
	return e.owner == owner
}

// Release drops one pin. An initialised entry with no pins left is marked
// propagated and becomes evictable.
func (c *Cache) Release(e *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.pins <= 0 {
		return violation(ErrInvariant, "release of unpinned %s", e)
	}
	e.pins--
	if e.pins == 0 && e.initialised {
		e.propagated = true
		c.evict()
	}
	return nil
}

// Clear drops every unpinned entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.tail; e != nil; {
		prev := e.prev
		if e.pins == 0 {
			c.remove(e)
		}
		e = prev
	}
}

func (c *Cache) insert(key uint64, kind Kind, label string) *Entry {
	e := &Entry{
		c:     c,
		key:   key,
		label: label,
		kind:  kind,
		owner: NoOwner,
		ready: make(chan struct{}),
	}
	c.m[key] = e
	c.pushFront(e)
	c.evict()
	return e
}

// evict trims unpinned entries from the cold end until the cache fits. When
// everything left is pinned the cache runs over capacity until pins drop.
func (c *Cache) evict() {
	if len(c.m) <= c.capacity {
		return
	}
	for e := c.tail; e != nil && len(c.m) > c.capacity; {
		prev := e.prev
		if e.pins == 0 && e.initialised {
			c.remove(e)
			c.evictions++
		}
		e = prev
	}
}

func (c *Cache) remove(e *Entry) {
	delete(c.m, e.key)
	c.unlink(e)
}

func (c *Cache) touch(e *Entry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *Cache) pushFront(e *Entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
	e.inList = true
}

func (c *Cache) unlink(e *Entry) {
	if !e.inList {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.inList = false
}
