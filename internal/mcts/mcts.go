// Package mcts is a concurrent, evaluator-guided Monte-Carlo tree search.
//
// Workers share one tree and one evaluation cache. Each iteration claims a
// unit of budget, descends by PUCT with virtual loss, resolves the leaf
// (terminal verdict, cached result, or a batched evaluator call) and
// backpropagates the value with alternating sign.
package mcts

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

// ChildStats 根节点子节点统计
type ChildStats struct {
	Move        game.Move
	ID          NodeID
	Visits      int64
	Q           float64 // from the perspective of the side to move at the parent
	Prior       float32
	VirtualLoss int32
	Tag         Tag
}

// Statistics describes one search.
type Statistics struct {
	Iterations     int64
	RootVisits     int64
	Nodes          int
	EvaluatorCalls int64
	Threads        int
	Cache          evalcache.Stats
	Elapsed        time.Duration
}

// Result MCTS 搜索结果
type Result struct {
	BestMove game.Move
	// Value is the root value for the side to move, in [-1, 1].
	Value float64
	// Status is the root's own verdict; anything but InProgress means no
	// search was run.
	Status   game.Status
	Children []ChildStats // best first
	Stats    Statistics
}

// better orders children: more visits, then higher Q, then created earlier.
func better(a, b ChildStats) bool {
	if a.Visits != b.Visits {
		return a.Visits > b.Visits
	}
	if a.Q != b.Q {
		return a.Q > b.Q
	}
	return a.ID < b.ID
}

// Children snapshots the created children of n, best first.
func Children(t *Tree, n *Node) []ChildStats {
	n.mu.Lock()
	moves, priors := n.moves, n.priors
	ids := make([]NodeID, 0, len(n.children))
	idx := make([]int, 0, len(n.children))
	for i, mv := range moves {
		if id, ok := n.children[mv]; ok {
			ids = append(ids, id)
			idx = append(idx, i)
		}
	}
	n.mu.Unlock()

	out := lo.Map(ids, func(id NodeID, i int) ChildStats {
		c := t.Node(id)
		st := c.Stats()
		var prior float32
		if priors != nil {
			prior = priors[idx[i]]
		}
		return ChildStats{
			Move:        moves[idx[i]],
			ID:          id,
			Visits:      st.Visits,
			Q:           st.Q(),
			Prior:       prior,
			VirtualLoss: st.VirtualLoss,
			Tag:         c.Tag(),
		}
	})
	slices.SortStableFunc(out, func(a, b ChildStats) int {
		switch {
		case better(a, b):
			return -1
		case better(b, a):
			return 1
		}
		return 0
	})
	return out
}

// BestChild is the first entry of Children.
func BestChild(t *Tree, n *Node) (ChildStats, bool) {
	cs := Children(t, n)
	if len(cs) == 0 {
		return ChildStats{}, false
	}
	return cs[0], true
}

func (s *Searcher) result(root *Node, start time.Time, calls int64) *Result {
	st := root.Stats()
	res := &Result{
		BestMove: game.NoMove,
		Value:    -st.Q(),
		Status:   root.Tag().Status(),
		Children: Children(s.tree, root),
		Stats: Statistics{
			Iterations:     s.completed.Load(),
			RootVisits:     st.Visits,
			Nodes:          s.tree.Len(),
			EvaluatorCalls: calls,
			Threads:        s.params.NumThreads,
			Cache:          s.cache.Stats(),
			Elapsed:        time.Since(start),
		},
	}
	if len(res.Children) > 0 {
		res.BestMove = res.Children[0].Move
	}
	return res
}
