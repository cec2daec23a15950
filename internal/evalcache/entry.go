package evalcache

import "fmt"

// Kind tags what an entry is used for.
type Kind uint8

const (
	Intermediate Kind = iota
	// Root entries back the search root; their priors are always rebuilt
	// (with noise) by the consumer even when the raw result is cached.
	Root
	// Leaf entries hold terminal values and never reach the evaluator.
	Leaf
)

func (k Kind) String() string {
	switch k {
	case Intermediate:
		return "INTERMEDIATE"
	case Root:
		return "ROOT"
	case Leaf:
		return "LEAF"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// NoOwner is the owner handle of an entry no node has claimed yet.
const NoOwner int64 = -1

// Entry is one cached evaluation. Value and Policy are immutable once Ready
// is closed; every other field is guarded by the owning cache's mutex.
type Entry struct {
	c     *Cache
	key   uint64
	label string
	kind  Kind
	ready chan struct{}

	value  float32
	policy []float32
	err    error

	initialised bool
	propagated  bool
	owner       int64
	pins        int
	waiters     int

	prev, next *Entry // LRU links, nil when detached
	inList     bool
}

func (e *Entry) Key() uint64   { return e.key }
func (e *Entry) Label() string { return e.label }

// Ready is closed once the entry is filled or failed.
func (e *Entry) Ready() <-chan struct{} { return e.ready }

// Value is the evaluation from the perspective of the side to move. Only
// meaningful after Ready is closed and Err is nil.
func (e *Entry) Value() float32 { return e.value }

// Policy is the raw, unnormalised move-probability vector. Callers must not
// modify it. Nil for leaf entries.
func (e *Entry) Policy() []float32 { return e.policy }

// Err is the evaluator failure that resolved this entry, if any.
func (e *Entry) Err() error {
	select {
	case <-e.ready:
		return e.err
	default:
		return nil
	}
}

func (e *Entry) Kind() Kind {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.kind
}

func (e *Entry) Initialised() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.initialised
}

func (e *Entry) Propagated() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.propagated
}

// Owner returns the handle of the node that claimed the entry, or NoOwner.
func (e *Entry) Owner() int64 {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.owner
}

// Waiters is the number of callers that found this entry already present.
func (e *Entry) Waiters() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.waiters
}

func (e *Entry) Pins() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.pins
}

func (e *Entry) String() string {
	return fmt.Sprintf("[%d] %s", e.key, e.label)
}
