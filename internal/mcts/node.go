package mcts

import (
	"fmt"
	"math"
	"sync"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

// Tag is the node's expansion state. Terminal tags mirror game.Status.
type Tag uint8

const (
	Unvisited Tag = iota
	Expanded
	TerminalWin
	TerminalLoss
	TerminalStalemate
	TerminalRepetition
	TerminalNoProgress
	TerminalInsufficientMaterial
	TerminalMoveLimit
)

var tagNames = [...]string{
	Unvisited:                    "UNVISITED",
	Expanded:                     "EXPANDED",
	TerminalWin:                  "WIN",
	TerminalLoss:                 "LOSS",
	TerminalStalemate:            "STALEMATE",
	TerminalRepetition:           "REPETITION",
	TerminalNoProgress:           "NO_PROGRESS",
	TerminalInsufficientMaterial: "INSUFFICIENT_MATERIAL",
	TerminalMoveLimit:            "MOVE_LIMIT",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("Tag(%d)", t)
}

func (t Tag) Terminal() bool { return t >= TerminalWin }

// Status maps a terminal tag back to the oracle verdict.
func (t Tag) Status() game.Status {
	if !t.Terminal() {
		return game.InProgress
	}
	return game.Win + game.Status(t-TerminalWin)
}

func tagFor(s game.Status) Tag {
	if !s.Terminal() {
		return Expanded
	}
	return TerminalWin + Tag(s-game.Win)
}

// Node 搜索树节点
//
// valueSum accumulates results from the perspective of the player who made
// the move into this node, so a parent maximises its children's Q directly.
type Node struct {
	mu sync.Mutex

	id     NodeID
	parent NodeID
	move   game.Move
	thread int // worker that created the node
	depth  int // plies below the search root

	tag   Tag
	kind  evalcache.Kind
	key   uint64
	entry *evalcache.Entry

	moves    []game.Move
	priors   []float32 // aligned with moves, nil until the evaluation lands
	children map[game.Move]NodeID

	visits      int64
	valueSum    float64
	virtualLoss int32
}

func (n *Node) ID() NodeID      { return n.id }
func (n *Node) Parent() NodeID  { return n.parent }
func (n *Node) Move() game.Move { return n.move }
func (n *Node) Thread() int     { return n.thread }
func (n *Node) Depth() int      { return n.depth }
func (n *Node) IsRoot() bool    { return n.parent == NoNode }

func (n *Node) Tag() Tag {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tag
}

func (n *Node) Kind() evalcache.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.kind
}

func (n *Node) setKind(k evalcache.Kind) {
	n.mu.Lock()
	n.kind = k
	n.mu.Unlock()
}

// NodeStats is a consistent snapshot of a node's counters.
type NodeStats struct {
	Visits      int64
	ValueSum    float64
	VirtualLoss int32
}

// Q is the mean value, 0 for an unvisited node.
func (s NodeStats) Q() float64 {
	if s.Visits == 0 {
		return 0
	}
	return s.ValueSum / float64(s.Visits)
}

func (n *Node) Stats() NodeStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NodeStats{Visits: n.visits, ValueSum: n.valueSum, VirtualLoss: n.virtualLoss}
}

// Child returns the created child for mv.
func (n *Node) Child(mv game.Move) (NodeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.children[mv]
	return id, ok
}

// Moves returns the legal moves and their normalised priors. Both are nil
// before the node is expanded.
func (n *Node) Moves() ([]game.Move, []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.moves, n.priors
}

// selectable reports whether selection can continue below n, and returns
// the key to push onto the history when it can.
func (n *Node) selectable() (bool, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tag == Expanded && n.priors != nil, n.key
}

// AddVirtualLoss marks one more in-flight visit.
func (n *Node) AddVirtualLoss() {
	n.mu.Lock()
	n.virtualLoss++
	n.mu.Unlock()
}

// RemoveVirtualLoss undoes AddVirtualLoss without recording a visit.
func (n *Node) RemoveVirtualLoss() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removeVirtualLossLocked()
}

func (n *Node) removeVirtualLossLocked() error {
	if n.virtualLoss <= 0 {
		return evalcache.Violation(ErrNegativeVirtualLoss, "node %d", n.id)
	}
	n.virtualLoss--
	return nil
}

// recordVisit adds one visit worth v and, for non-root path nodes, settles
// the virtual loss the selection put there.
func (n *Node) recordVisit(v float64, settle bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if settle {
		if err := n.removeVirtualLossLocked(); err != nil {
			return err
		}
	}
	n.visits++
	n.valueSum += v
	return nil
}

// puct is Q adjusted for virtual loss plus the exploration term.
func puct(st NodeStats, prior float64, sqrtParent, c, fpu, vlWeight float64) float64 {
	n := float64(st.Visits)
	vl := float64(st.VirtualLoss)
	q := -fpu
	if st.Visits > 0 {
		q = st.ValueSum / n
	}
	if st.VirtualLoss > 0 {
		q = (q*n - vlWeight*vl) / (n + vl)
	}
	return q + c*prior*sqrtParent/(1+n+vl)
}

// selectChild picks the PUCT-maximising move, creates its child when needed
// and adds a virtual loss to it, all under n's lock so concurrent selectors
// see each other's in-flight visits. Ties go to the earlier-created child;
// children not yet created rank after created ones, in legal-move order.
func (n *Node) selectChild(t *Tree, c, fpu, vlWeight float64, thread int) (game.Move, *Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sqrtParent := math.Sqrt(float64(max(n.visits, 1)))
	best := -1
	bestScore := math.Inf(-1)
	var bestRank int64
	for i, mv := range n.moves {
		var st NodeStats
		var rank int64
		if id, ok := n.children[mv]; ok {
			st = t.Node(id).Stats()
			rank = int64(id)
		} else {
			rank = math.MaxInt32 + int64(i)
		}
		score := puct(st, float64(n.priors[i]), sqrtParent, c, fpu, vlWeight)
		if best < 0 || score > bestScore || (score == bestScore && rank < bestRank) {
			best, bestScore, bestRank = i, score, rank
		}
	}
	if best < 0 {
		return game.NoMove, nil, evalcache.Violation(ErrOracleInconsistency, "node %d has no moves to select", n.id)
	}

	mv := n.moves[best]
	child, err := n.childLocked(t, mv, thread)
	if err != nil {
		return game.NoMove, nil, err
	}
	child.AddVirtualLoss()
	return mv, child, nil
}

// childLocked returns the child for mv, creating it when absent. n.mu must
// be held, which makes the existence check and the insert one step.
func (n *Node) childLocked(t *Tree, mv game.Move, thread int) (*Node, error) {
	if id, ok := n.children[mv]; ok {
		return t.Node(id), nil
	}
	child, err := t.alloc(n.id, mv, thread, n.depth+1)
	if err != nil {
		return nil, err
	}
	n.children[mv] = child.id
	return child, nil
}
