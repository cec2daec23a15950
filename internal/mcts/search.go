package mcts

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/frand"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

const (
	stateIdle int32 = iota
	stateRunning
	stateDone
)

// Progress is a periodic snapshot published while a search runs.
type Progress struct {
	Iterations int64
	RootVisits int64
	BestMove   game.Move
	BestVisits int64
	Elapsed    time.Duration
}

// Searcher runs one search at a time over a shared evaluation cache. The
// cache outlives individual searches, so repeated searches of nearby
// positions reuse earlier evaluations.
type Searcher struct {
	oracle  game.Oracle
	encoder game.Encoder
	eval    Evaluator
	params  Params
	cache   *evalcache.Cache

	// OnProgress, when set, is called every Params.ProgressInterval from a
	// single goroutine.
	OnProgress func(Progress)

	state     atomic.Int32
	remaining atomic.Int64
	completed atomic.Int64

	mu      sync.Mutex // guards the fields of the current search below
	tree    *Tree
	root    *Node
	batcher *Batcher
	rng     *rand.Rand
	rootPos game.Position
	rootCtx game.Context
	stopped bool // Stop landed during the current search
}

func NewSearcher(oracle game.Oracle, encoder game.Encoder, eval Evaluator, params Params) (*Searcher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Searcher{
		oracle:  oracle,
		encoder: encoder,
		eval:    eval,
		params:  params,
		cache:   evalcache.New(params.CacheCapacity, encoder.PolicySize()),
	}, nil
}

// Search is the one-shot form of NewSearcher followed by Searcher.Search.
func Search(ctx context.Context, oracle game.Oracle, encoder game.Encoder, eval Evaluator,
	pos game.Position, gctx game.Context, params Params) (*Result, error) {
	s, err := NewSearcher(oracle, encoder, eval, params)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, pos, gctx)
}

func (s *Searcher) Params() Params          { return s.params }
func (s *Searcher) Cache() *evalcache.Cache { return s.cache }
func (s *Searcher) Running() bool           { return s.state.Load() == stateRunning }

// SetParams replaces the parameters for the next search. The cache keeps its
// original capacity.
func (s *Searcher) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s.Running() {
		return ErrBusy
	}
	s.params = p
	return nil
}

// Tree returns the tree of the most recent search.
func (s *Searcher) Tree() (*Tree, *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree, s.root
}

// Stop caps the budget so workers finish their current iteration and exit.
// A Stop that lands before the running search has armed its budget still
// holds.
func (s *Searcher) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() == stateRunning {
		s.stopped = true
	}
	s.remaining.Store(0)
}

func (s *Searcher) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Load() == stateRunning {
		return false
	}
	s.state.Store(stateRunning)
	s.stopped = false
	return true
}

func (s *Searcher) end() {
	s.mu.Lock()
	s.state.Store(stateDone)
	s.mu.Unlock()
}

// Search grows a fresh tree below pos and returns the best move. Budget,
// schedule and noise come from the searcher's Params.
func (s *Searcher) Search(ctx context.Context, pos game.Position, gctx game.Context) (*Result, error) {
	if !s.begin() {
		return nil, ErrBusy
	}
	defer s.end()
	return s.run(ctx, pos, gctx)
}

func (s *Searcher) run(ctx context.Context, pos game.Position, gctx game.Context) (*Result, error) {
	start := time.Now()
	p := s.params
	seed := p.Seed
	if seed == 0 {
		seed = int64(frand.Uint64n(math.MaxInt64))
	}

	tree := NewTree()
	batcher := NewBatcher(s.eval, s.cache, p.BatchSize, p.BatchTimeout, s.encoder.PolicySize())
	batcher.Start(context.WithoutCancel(ctx))
	defer batcher.Close()

	s.mu.Lock()
	s.tree, s.root, s.batcher = tree, nil, batcher
	s.rng = rand.New(rand.NewSource(seed))
	s.rootPos, s.rootCtx = pos, gctx
	s.completed.Store(0)
	if s.stopped {
		s.remaining.Store(0)
	} else {
		s.remaining.Store(int64(p.Budget))
	}
	s.mu.Unlock()

	log.Debug().
		Int("budget", p.Budget).
		Int("threads", p.NumThreads).
		Int("batch-size", p.BatchSize).
		Int64("seed", seed).
		Msg("search-start")

	root, err := tree.alloc(NoNode, game.NoMove, 0, 0)
	if err != nil {
		return nil, err
	}
	root.setKind(evalcache.Root)
	s.mu.Lock()
	s.root = root
	s.mu.Unlock()

	if err := s.setupRoot(root, pos, gctx); err != nil {
		return nil, err
	}
	if tag := root.Tag(); tag.Terminal() {
		log.Debug().Stringer("status", tag.Status()).Msg("terminal-root")
		return s.result(root, start, 0), nil
	}

	stopWatch := s.watch(ctx, p.MaxTime)
	defer stopWatch()

	var g errgroup.Group
	for t := 0; t < p.NumThreads; t++ {
		thread := t
		batcher.Register()
		g.Go(func() error {
			defer batcher.Unregister()
			err := s.work(thread)
			if err != nil {
				log.Debug().Int("thread", thread).Err(err).Msg("worker-failed")
				s.Stop()
			}
			return err
		})
	}
	err = g.Wait()
	batcher.Flush()
	if err != nil {
		return nil, err
	}

	res := s.result(root, start, batcher.Stats().Calls)
	log.Debug().
		Int64("iterations", res.Stats.Iterations).
		Int("nodes", res.Stats.Nodes).
		Int64("evaluator-calls", res.Stats.EvaluatorCalls).
		Dur("elapsed", res.Stats.Elapsed).
		Msg("search-done")
	return res, nil
}

// watch caps the budget on context cancellation, on MaxTime, and drives
// the progress callback. The returned func stops it.
func (s *Searcher) watch(ctx context.Context, maxTime time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var deadline <-chan time.Time
		if maxTime > 0 {
			t := time.NewTimer(maxTime)
			defer t.Stop()
			deadline = t.C
		}
		var tick <-chan time.Time
		if s.OnProgress != nil && s.params.ProgressInterval > 0 {
			tk := time.NewTicker(s.params.ProgressInterval)
			defer tk.Stop()
			tick = tk.C
		}
		start := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				s.Stop()
				ctx = context.Background()
			case <-deadline:
				s.Stop()
				deadline = nil
			case <-tick:
				s.OnProgress(s.progress(time.Since(start)))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Searcher) progress(elapsed time.Duration) Progress {
	s.mu.Lock()
	tree, root := s.tree, s.root
	s.mu.Unlock()
	pr := Progress{
		Iterations: s.completed.Load(),
		RootVisits: root.Stats().Visits,
		BestMove:   game.NoMove,
		Elapsed:    elapsed,
	}
	if best, ok := BestChild(tree, root); ok {
		pr.BestMove, pr.BestVisits = best.Move, best.Visits
	}
	return pr
}

func (s *Searcher) claim() bool {
	return s.remaining.Add(-1) >= 0
}

func (s *Searcher) work(thread int) error {
	for s.claim() {
		if err := s.playout(thread); err != nil {
			return err
		}
		s.completed.Add(1)
	}
	return nil
}

// setupRoot expands and evaluates the root outside the budget. The root
// gets its single direct visit here.
func (s *Searcher) setupRoot(root *Node, pos game.Position, gctx game.Context) error {
	s.batcher.Register()
	defer s.batcher.Unregister()
	v, entry, err := s.visitLeaf(root, pos, gctx)
	if err != nil {
		return err
	}
	if err := root.recordVisit(-v, false); err != nil {
		return err
	}
	if entry != nil {
		return s.cache.Release(entry)
	}
	return nil
}

// playout is one iteration: select to a leaf, resolve it, backpropagate.
func (s *Searcher) playout(thread int) (err error) {
	p := &s.params
	node := s.root
	pos := s.rootPos
	gctx := s.rootCtx
	path := []*Node{node}
	settled := false
	defer func() {
		if settled {
			return
		}
		// undo the virtual loss this iteration put on its path
		for _, n := range path[1:] {
			if uerr := n.RemoveVirtualLoss(); uerr != nil && err == nil {
				err = uerr
			}
		}
	}()

	for {
		ok, key := node.selectable()
		if !ok {
			v, entry, err := s.visitLeaf(node, pos, gctx)
			if errors.Is(err, errRetry) {
				continue
			}
			if err != nil {
				return err
			}
			settled = true
			if err := backpropagate(path, v); err != nil {
				return err
			}
			if entry != nil {
				return s.cache.Release(entry)
			}
			return nil
		}

		c := p.GetCpuct(gctx.Ply, node.Stats().Visits)
		mv, child, err := node.selectChild(s.tree, c, p.FpuReduction, p.VirtualLossWeight, thread)
		if err != nil {
			return err
		}
		path = append(path, child)
		next, err := s.oracle.Apply(pos, mv)
		if err != nil {
			return errors.Wrapf(ErrOracleInconsistency, "move %d reported legal: %v", mv, err)
		}
		pos = next
		gctx = gctx.Child(key)
		node = child
	}
}

// backpropagate walks the path leaf to root. v is from the perspective of
// the side to move at the leaf; each node stores it from the perspective of
// the player who moved into it.
func backpropagate(path []*Node, v float64) error {
	for i := len(path) - 1; i >= 0; i-- {
		v = -v
		if err := path[i].recordVisit(v, i > 0); err != nil {
			return err
		}
	}
	return nil
}

// visitLeaf resolves a node selection stopped at. It returns the value for
// the side to move there and the pinned cache entry the caller must
// release after backpropagation (nil when the value came from a terminal
// tag already recorded).
func (s *Searcher) visitLeaf(n *Node, pos game.Position, gctx game.Context) (float64, *evalcache.Entry, error) {
	n.mu.Lock()
	switch {
	case n.tag.Terminal():
		v := n.tag.Status().Value()
		n.mu.Unlock()
		return v, nil, nil

	case n.tag == Unvisited:
		status := s.oracle.TerminalStatus(pos, gctx)
		n.key = s.encoder.PositionKey(pos, gctx)
		if status.Terminal() {
			n.tag = tagFor(status)
			n.kind = evalcache.Leaf
			n.mu.Unlock()
			v := status.Value()
			e, err := s.cache.PutLeaf(n.key, float32(v), status.String())
			if err != nil {
				return 0, nil, err
			}
			s.cache.Claim(e, int64(n.id))
			return v, e, nil
		}
		moves := s.oracle.LegalMoves(pos)
		if len(moves) == 0 {
			n.mu.Unlock()
			return 0, nil, errors.Wrapf(ErrOracleInconsistency, "no legal moves in a position reported %s", status)
		}
		n.moves = moves
		n.children = make(map[game.Move]NodeID, len(moves))
		n.tag = Expanded

	case n.priors != nil:
		n.mu.Unlock()
		return 0, nil, errRetry
	}

	e, created := s.cache.GetOrCreatePending(n.key, n.kind, strconv.Itoa(int(n.id)))
	s.cache.Claim(e, int64(n.id))
	n.entry = e
	n.mu.Unlock()

	if created {
		features, err := s.encoder.Encode(pos, gctx)
		if err != nil {
			s.cache.Fail(e.Key(), err)
			return 0, nil, s.releaseWith(e, errors.Wrap(err, "encode"))
		}
		if err := s.batcher.Submit(e, features); err != nil {
			return 0, nil, s.releaseWith(e, err)
		}
	}
	if err := s.batcher.Await(e); err != nil {
		return 0, nil, s.releaseWith(e, err)
	}
	if err := s.applyEvaluation(n, e); err != nil {
		return 0, nil, s.releaseWith(e, err)
	}
	return float64(e.Value()), e, nil
}

// releaseWith unpins e on a failed visit and reports a bad release
// alongside cause.
func (s *Searcher) releaseWith(e *evalcache.Entry, cause error) error {
	if err := s.cache.Release(e); err != nil {
		return stderrors.Join(cause, err)
	}
	return cause
}

// applyEvaluation turns the entry's raw policy into the node's priors. Only
// the first of several waiters does the work.
func (s *Searcher) applyEvaluation(n *Node, e *evalcache.Entry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.priors != nil {
		return nil
	}
	raw := e.Policy()
	if raw == nil {
		return errors.Wrapf(ErrOracleInconsistency, "node %d: terminal entry %s for an in-progress position", n.id, e)
	}
	idx := make([]int, len(n.moves))
	for i, mv := range n.moves {
		idx[i] = s.encoder.PolicyIndex(mv)
	}
	priors, err := NormalisePolicy(raw, idx)
	if err != nil {
		return err
	}
	if n.kind == evalcache.Root && s.params.Noise {
		mixDirichlet(priors, s.params.DirichletEpsilon, s.params.DirichletAlpha, s.rng)
	}
	n.priors = priors
	return nil
}
