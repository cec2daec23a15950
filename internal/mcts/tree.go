package mcts

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

// NodeID is a stable index into a Tree's arena. IDs are handed out in
// creation order, so they double as the tie-break sequence number.
type NodeID int64

// NoNode is the parent of the root.
const NoNode NodeID = -1

const (
	chunkBits = 12
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
	maxChunks = 1 << 12
)

type chunk [chunkSize]Node

// Tree is an append-only node arena. Nodes never move once allocated, so a
// *Node stays valid for the life of the tree.
type Tree struct {
	chunks [maxChunks]atomic.Pointer[chunk]
	next   atomic.Int64
	growMu sync.Mutex
}

func NewTree() *Tree {
	return &Tree{}
}

// Len is the number of nodes allocated so far.
func (t *Tree) Len() int {
	return int(t.next.Load())
}

// Node returns the node for id. id must come from this tree.
func (t *Tree) Node(id NodeID) *Node {
	c := t.chunks[id>>chunkBits].Load()
	return &c[id&chunkMask]
}

// alloc reserves a node. The caller publishes it (by storing the id in the
// parent's child map under the parent's lock) only after filling it in.
// The fields are written under the node's own lock so Dump never sees a
// half-built slot.
func (t *Tree) alloc(parent NodeID, mv game.Move, thread, depth int) (*Node, error) {
	id := t.next.Add(1) - 1
	if id >= maxChunks*chunkSize {
		return nil, errors.Wrapf(ErrTreeFull, "node %d", id)
	}
	ci := id >> chunkBits
	c := t.chunks[ci].Load()
	if c == nil {
		t.growMu.Lock()
		if c = t.chunks[ci].Load(); c == nil {
			c = new(chunk)
			t.chunks[ci].Store(c)
		}
		t.growMu.Unlock()
	}
	n := &c[id&chunkMask]
	n.mu.Lock()
	defer n.mu.Unlock()
	n.id = NodeID(id)
	n.parent = parent
	n.move = mv
	n.thread = thread
	n.depth = depth
	n.kind = evalcache.Intermediate
	return n, nil
}

// FindByTag returns the ids of every node carrying one of tags, in creation
// order.
func (t *Tree) FindByTag(tags ...Tag) []NodeID {
	var out []NodeID
	for id := NodeID(0); id < NodeID(t.Len()); id++ {
		tag := t.Node(id).Tag()
		for _, want := range tags {
			if tag == want {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
