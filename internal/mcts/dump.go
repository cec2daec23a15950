package mcts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

// MovePrior is one legal move with its normalised prior.
type MovePrior struct {
	Move  game.Move `json:"move"`
	Prior float32   `json:"prior"`
}

// DumpNode is the exported view of one node.
type DumpNode struct {
	ID          NodeID      `json:"id"`
	Parent      NodeID      `json:"parent"`
	Move        game.Move   `json:"move"`
	Depth       int         `json:"depth"`
	Thread      int         `json:"thread"`
	Visits      int64       `json:"visits"`
	Q           float64     `json:"q"`
	Prior       float32     `json:"prior"`
	VirtualLoss int32       `json:"virtual_loss"`
	Tag         string      `json:"tag"`
	Kind        string      `json:"kind"`
	Key         uint64      `json:"key"`
	Policy      []MovePrior `json:"policy,omitempty"`
}

// Dump snapshots every node in creation order. It is safe to call while a
// search runs, though the counters then reflect in-flight work.
func Dump(t *Tree) []DumpNode {
	n := t.Len()
	out := make([]DumpNode, 0, n)
	for id := NodeID(0); id < NodeID(n); id++ {
		c := t.chunks[id>>chunkBits].Load()
		if c == nil {
			break
		}
		node := &c[id&chunkMask]
		node.mu.Lock()
		if node.id != id || node.parent >= id {
			// reserved but not filled in yet
			node.mu.Unlock()
			break
		}
		d := DumpNode{
			ID:          node.id,
			Parent:      node.parent,
			Move:        node.move,
			Depth:       node.depth,
			Thread:      node.thread,
			Visits:      node.visits,
			VirtualLoss: node.virtualLoss,
			Tag:         node.tag.String(),
			Kind:        node.kind.String(),
			Key:         node.key,
		}
		if node.visits > 0 {
			d.Q = node.valueSum / float64(node.visits)
		}
		if node.priors != nil {
			d.Policy = lo.Map(node.moves, func(mv game.Move, i int) MovePrior {
				return MovePrior{Move: mv, Prior: node.priors[i]}
			})
		}
		node.mu.Unlock()
		out = append(out, d)
	}
	// a child's prior lives on its parent
	for i := range out {
		if out[i].Parent == NoNode || int(out[i].Parent) >= len(out) {
			continue
		}
		if mp, ok := lo.Find(out[out[i].Parent].Policy, func(p MovePrior) bool { return p.Move == out[i].Move }); ok {
			out[i].Prior = mp.Prior
		}
	}
	return out
}

// Dump exports the tree of the most recent search.
func (s *Searcher) Dump() []DumpNode {
	t, _ := s.Tree()
	if t == nil {
		return nil
	}
	return Dump(t)
}

// WriteDump writes nodes as zstd-compressed JSON.
func WriteDump(w io.Writer, nodes []DumpNode) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "zstd writer")
	}
	if err := json.NewEncoder(zw).Encode(nodes); err != nil {
		zw.Close()
		return errors.Wrap(err, "encode dump")
	}
	return zw.Close()
}

// ReadDump is the inverse of WriteDump.
func ReadDump(r io.Reader) ([]DumpNode, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "zstd reader")
	}
	defer zr.Close()
	var nodes []DumpNode
	if err := json.NewDecoder(zr).Decode(&nodes); err != nil {
		return nil, errors.Wrap(err, "decode dump")
	}
	return nodes, nil
}

// DOTOptions limits what WriteDOT draws.
type DOTOptions struct {
	MaxDepth  int   // 0 = unlimited
	MinVisits int64 // skip nodes visited fewer times
	// MoveName renders moves; nil prints the numeric code.
	MoveName func(game.Move) string
}

// WriteDOT renders nodes as a Graphviz digraph. Terminal nodes get distinct
// shapes so wins, losses and draws stand out.
func WriteDOT(w io.Writer, nodes []DumpNode, opt DOTOptions) error {
	bw := bufio.NewWriter(w)
	name := opt.MoveName
	if name == nil {
		name = func(mv game.Move) string { return fmt.Sprint(int32(mv)) }
	}
	keep := make([]bool, len(nodes))
	fmt.Fprintln(bw, "digraph mcts {")
	fmt.Fprintln(bw, "  node [fontname=\"Helvetica\", fontsize=10];")
	for i, n := range nodes {
		if opt.MaxDepth > 0 && n.Depth > opt.MaxDepth {
			continue
		}
		if n.Parent != NoNode && (n.Visits < opt.MinVisits || int(n.Parent) >= len(keep) || !keep[n.Parent]) {
			continue
		}
		keep[i] = true
		label := fmt.Sprintf("N=%d\\nQ=%.3f", n.Visits, n.Q)
		if n.Parent != NoNode {
			label = fmt.Sprintf("%s\\nP=%.3f\\n%s", name(n.Move), n.Prior, label)
		}
		fmt.Fprintf(bw, "  n%d [label=\"%s\", shape=%s];\n", n.ID, label, dotShape(n))
		if n.Parent != NoNode {
			fmt.Fprintf(bw, "  n%d -> n%d;\n", n.Parent, n.ID)
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

func dotShape(n DumpNode) string {
	switch {
	case n.Parent == NoNode:
		return "box3d"
	case n.Tag == TerminalWin.String():
		return "tripleoctagon"
	case n.Tag == TerminalLoss.String():
		return "octagon"
	case n.Tag != Expanded.String() && n.Tag != Unvisited.String():
		return "doubleoctagon"
	case n.Kind == evalcache.Leaf.String():
		return "ellipse"
	}
	return "box"
}

// CheckTree verifies the counters of a drained tree: no virtual loss left,
// every node has at least as many visits as its children combined, and the
// root's surplus is exactly its setup visit.
func CheckTree(t *Tree) error {
	nodes := Dump(t)
	sums := make([]int64, len(nodes))
	for _, n := range nodes {
		if n.Visits < 0 {
			return evalcache.Violation(ErrInvariant, "node %d: %d visits", n.ID, n.Visits)
		}
		if n.VirtualLoss != 0 {
			return evalcache.Violation(ErrInvariant, "node %d: virtual loss %d after drain", n.ID, n.VirtualLoss)
		}
		if math.IsNaN(n.Q) || n.Q < -1-1e-9 || n.Q > 1+1e-9 {
			return evalcache.Violation(ErrInvariant, "node %d: Q %v outside [-1,1]", n.ID, n.Q)
		}
		if n.Parent != NoNode {
			sums[n.Parent] += n.Visits
		}
	}
	for i, n := range nodes {
		if n.Visits < sums[i] {
			return evalcache.Violation(ErrInvariant, "node %d: %d visits below children's %d", n.ID, n.Visits, sums[i])
		}
		if n.Parent == NoNode && n.Tag == Expanded.String() && n.Visits != sums[i]+1 {
			return evalcache.Violation(ErrInvariant, "root: %d visits, children %d", n.Visits, sums[i])
		}
	}
	return nil
}
