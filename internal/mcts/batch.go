package mcts

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

// Request is one position queued for evaluation.
type Request struct {
	Key      uint64
	Features game.Tensor
}

// Output is the evaluator's answer for one request. Value is from the
// perspective of the side to move, in [-1, 1].
type Output struct {
	Value  float32
	Policy []float32
}

// Evaluator runs the network over a batch. Outputs must line up with reqs.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, reqs []Request) ([]Output, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, reqs []Request) ([]Output, error)

func (f EvaluatorFunc) EvaluateBatch(ctx context.Context, reqs []Request) ([]Output, error) {
	return f(ctx, reqs)
}

type pending struct {
	entry    *evalcache.Entry
	features game.Tensor
}

// BatchStats 批处理统计
type BatchStats struct {
	Calls     int64 // evaluator invocations
	Positions int64 // requests evaluated
}

func (s BatchStats) MeanBatch() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Positions) / float64(s.Calls)
}

// Batcher collects pending evaluations from search workers and hands them
// to the evaluator in bulk. One goroutine owns the evaluator, so calls never
// overlap.
type Batcher struct {
	eval       Evaluator
	cache      *evalcache.Cache
	size       int
	timeout    time.Duration
	policySize int

	mu      sync.Mutex
	queue   []pending
	oldest  time.Time
	active  int // registered workers
	parked  int // workers blocked in Await
	force   bool
	err     error
	stopped bool

	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	failed chan struct{}

	calls, positions atomic.Int64
}

// NewBatcher returns a batcher writing results into cache. policySize > 0
// makes it reject outputs of any other length.
func NewBatcher(eval Evaluator, cache *evalcache.Cache, size int, timeout time.Duration, policySize int) *Batcher {
	return &Batcher{
		eval:       eval,
		cache:      cache,
		size:       max(size, 1),
		timeout:    timeout,
		policySize: policySize,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		failed:     make(chan struct{}),
	}
}

// Start launches the dispatch loop. ctx is handed to every evaluator call.
func (b *Batcher) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Close stops the loop and fails whatever is still queued.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stop)
	<-b.done
}

func (b *Batcher) Stats() BatchStats {
	return BatchStats{Calls: b.calls.Load(), Positions: b.positions.Load()}
}

// Err is the sticky evaluator failure, if any.
func (b *Batcher) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Register adds a worker to the set whose parking can trigger a flush.
func (b *Batcher) Register() {
	b.mu.Lock()
	b.active++
	b.mu.Unlock()
}

func (b *Batcher) Unregister() {
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	b.wake()
}

// Submit queues a freshly created entry. On a failed or closed batcher the
// entry is failed immediately so its waiters do not hang.
func (b *Batcher) Submit(e *evalcache.Entry, features game.Tensor) error {
	b.mu.Lock()
	err := b.err
	if err == nil && b.stopped {
		err = ErrClosed
	}
	if err != nil {
		b.mu.Unlock()
		b.cache.Fail(e.Key(), err)
		return err
	}
	if len(b.queue) == 0 {
		b.oldest = time.Now()
	}
	b.queue = append(b.queue, pending{entry: e, features: features})
	b.mu.Unlock()
	b.wake()
	return nil
}

// Flush forces the queued requests out regardless of batch size.
func (b *Batcher) Flush() {
	b.mu.Lock()
	b.force = true
	b.mu.Unlock()
	b.wake()
}

// Await parks until e is filled or failed. No lock is held while parked.
func (b *Batcher) Await(e *evalcache.Entry) error {
	select {
	case <-e.Ready():
		return e.Err()
	default:
	}

	b.mu.Lock()
	b.parked++
	b.mu.Unlock()
	b.wake()
	defer func() {
		b.mu.Lock()
		b.parked--
		b.mu.Unlock()
	}()

	select {
	case <-e.Ready():
		return e.Err()
	case <-b.failed:
		select {
		case <-e.Ready():
			return e.Err()
		default:
			return b.Err()
		}
	}
}

func (b *Batcher) wake() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Batcher) loop(ctx context.Context) {
	defer close(b.done)
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-b.stop:
			if timer != nil {
				timer.Stop()
			}
			b.failAll(ErrClosed)
			return
		case <-b.kick:
		case <-timerC:
		}

		for {
			batch, wait := b.take()
			if batch == nil {
				if timer != nil {
					timer.Stop()
					timer, timerC = nil, nil
				}
				if wait > 0 {
					timer = time.NewTimer(wait)
					timerC = timer.C
				}
				break
			}
			b.dispatch(ctx, batch)
		}
	}
}

// take pops the next batch when a flush condition holds. Otherwise it
// returns how long until the oldest request times out, 0 for no deadline.
func (b *Batcher) take() ([]pending, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		b.force = false
		return nil, 0
	}
	age := time.Since(b.oldest)
	ready := len(b.queue) >= b.size ||
		b.force ||
		b.err != nil ||
		(b.active > 0 && b.parked >= b.active) ||
		(b.timeout > 0 && age >= b.timeout)
	if !ready {
		if b.timeout > 0 {
			return nil, b.timeout - age
		}
		return nil, 0
	}
	n := min(len(b.queue), b.size)
	batch := make([]pending, n)
	copy(batch, b.queue)
	b.queue = append(b.queue[:0], b.queue[n:]...)
	if len(b.queue) == 0 {
		b.force = false
	} else {
		b.oldest = time.Now()
	}
	return batch, 0
}

func (b *Batcher) dispatch(ctx context.Context, batch []pending) {
	if err := b.Err(); err != nil {
		b.failBatch(batch, err)
		return
	}

	reqs := lo.Map(batch, func(p pending, _ int) Request {
		return Request{Key: p.entry.Key(), Features: p.features}
	})
	outs, err := b.eval.EvaluateBatch(ctx, reqs)
	calls := b.calls.Add(1)
	b.positions.Add(int64(len(batch)))
	if err == nil {
		err = b.check(outs, len(batch))
	}
	if err != nil {
		b.setErr(errors.Wrap(ErrEvaluator, err.Error()))
		b.failBatch(batch, b.Err())
		b.failAll(b.Err())
		return
	}

	for i, p := range batch {
		if _, err := b.cache.Fill(p.entry.Key(), outs[i].Value, outs[i].Policy); err != nil {
			b.setErr(err)
			b.failBatch(batch[i:], err)
			b.failAll(err)
			return
		}
	}

	if calls%500 == 0 {
		log.Debug().
			Int64("batches", calls).
			Float64("mean-batch", b.Stats().MeanBatch()).
			Msg("evaluator-stats")
	}
}

func (b *Batcher) check(outs []Output, want int) error {
	if len(outs) != want {
		return errors.Errorf("evaluator returned %d results for %d requests", len(outs), want)
	}
	for i, o := range outs {
		v := float64(o.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < -1 || v > 1 {
			return errors.Errorf("result %d: value %v outside [-1,1]", i, o.Value)
		}
		if b.policySize > 0 && len(o.Policy) != b.policySize {
			return errors.Errorf("result %d: policy length %d, want %d", i, len(o.Policy), b.policySize)
		}
	}
	return nil
}

func (b *Batcher) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
		close(b.failed)
	}
}

func (b *Batcher) failBatch(batch []pending, err error) {
	for _, p := range batch {
		b.cache.Fail(p.entry.Key(), err)
	}
}

func (b *Batcher) failAll(err error) {
	b.mu.Lock()
	rest := b.queue
	b.queue = nil
	b.mu.Unlock()
	b.failBatch(rest, err)
}
