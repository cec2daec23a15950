package mcts

import (
	"errors"
	"sync"
	"testing"

	"nnmcts/internal/game"
)

// expandedRoot builds a root with the given moves and priors, as if it had
// already been evaluated.
func expandedRoot(t *testing.T, moves []game.Move, priors []float32) (*Tree, *Node) {
	t.Helper()
	tree := NewTree()
	root, err := tree.alloc(NoNode, game.NoMove, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	root.tag = Expanded
	root.moves = moves
	root.priors = priors
	root.children = make(map[game.Move]NodeID)
	return tree, root
}

func TestRemoveVirtualLossBelowZero(t *testing.T) {
	tree := NewTree()
	n, _ := tree.alloc(NoNode, game.NoMove, 0, 0)
	n.AddVirtualLoss()
	if err := n.RemoveVirtualLoss(); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	err := n.RemoveVirtualLoss()
	if !errors.Is(err, ErrNegativeVirtualLoss) || !errors.Is(err, ErrInvariant) {
		t.Fatalf("second remove: got %v, want negative virtual loss invariant", err)
	}
	if st := n.Stats(); st.VirtualLoss != 0 {
		t.Fatalf("virtual loss went to %d", st.VirtualLoss)
	}
}

func TestSelectChildTieBreaksByLegalOrder(t *testing.T) {
	tree, root := expandedRoot(t, []game.Move{4, 1, 7}, []float32{1.0 / 3, 1.0 / 3, 1.0 / 3})
	mv, child, err := root.selectChild(tree, 1.5, 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if mv != 4 {
		t.Fatalf("first pick: got %d want 4", mv)
	}
	if st := child.Stats(); st.VirtualLoss != 1 {
		t.Fatalf("virtual loss on selected child: got %d want 1", st.VirtualLoss)
	}

	// the in-flight child now looks like a loss, so the next selector
	// spreads to the next legal move
	mv2, _, err := root.selectChild(tree, 1.5, 0, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if mv2 != 1 {
		t.Fatalf("second pick: got %d want 1", mv2)
	}
	if tree.Len() != 3 {
		t.Fatalf("nodes: got %d want 3", tree.Len())
	}
}

func TestSelectChildPrefersPriorAndValue(t *testing.T) {
	tree, root := expandedRoot(t, []game.Move{0, 1}, []float32{0.2, 0.8})
	mv, _, err := root.selectChild(tree, 1.0, 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if mv != 1 {
		t.Fatalf("higher prior should win: got %d", mv)
	}
}

func TestChildCreatedOnce(t *testing.T) {
	tree, root := expandedRoot(t, []game.Move{3}, []float32{1})
	var wg sync.WaitGroup
	ids := make([]NodeID, 64)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, c, err := root.selectChild(tree, 1, 0, 1, i)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = c.ID()
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("child created more than once: %d vs %d", id, ids[0])
		}
	}
	c := tree.Node(ids[0])
	if st := c.Stats(); st.VirtualLoss != 64 {
		t.Fatalf("virtual loss: got %d want 64", st.VirtualLoss)
	}
	if tree.Len() != 2 {
		t.Fatalf("nodes: got %d want 2", tree.Len())
	}
}

func TestBackpropagateAlternatesSign(t *testing.T) {
	tree, root := expandedRoot(t, []game.Move{0}, []float32{1})
	_, child, _ := root.selectChild(tree, 1, 0, 1, 0)
	child.tag = Expanded
	child.moves = []game.Move{0}
	child.priors = []float32{1}
	child.children = make(map[game.Move]NodeID)
	_, grand, _ := child.selectChild(tree, 1, 0, 1, 0)

	if err := backpropagate([]*Node{root, child, grand}, 0.5); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		n    *Node
		want float64
	}{
		{grand, -0.5},
		{child, 0.5},
		{root, -0.5},
	}
	for _, tc := range cases {
		st := tc.n.Stats()
		if st.Visits != 1 || st.ValueSum != tc.want || st.VirtualLoss != 0 {
			t.Fatalf("node %d: %+v, want value %v", tc.n.ID(), st, tc.want)
		}
	}
}

func TestTagStatusRoundTrip(t *testing.T) {
	for s := game.Win; s <= game.MoveLimit; s++ {
		tag := tagFor(s)
		if !tag.Terminal() {
			t.Fatalf("%v: tag %v not terminal", s, tag)
		}
		if tag.Status() != s {
			t.Fatalf("%v: round trip gave %v", s, tag.Status())
		}
	}
	if tagFor(game.InProgress) != Expanded {
		t.Fatal("in-progress maps to EXPANDED")
	}
}

func TestFindByTag(t *testing.T) {
	tree, root := expandedRoot(t, []game.Move{0, 1, 2}, []float32{0.5, 0.3, 0.2})
	for i := 0; i < 3; i++ {
		_, c, _ := root.selectChild(tree, 1, 0, 1, 0)
		if i == 1 {
			c.tag = TerminalWin
		}
	}
	got := tree.FindByTag(TerminalWin, TerminalLoss)
	if len(got) != 1 || tree.Node(got[0]).Tag() != TerminalWin {
		t.Fatalf("FindByTag: %v", got)
	}
}
