package mcts

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/pkg/errors"

	"nnmcts/internal/evalcache"
	"nnmcts/internal/game"
)

// countingEval answers value = key/1000 and a one-hot policy on key%size,
// counting calls and positions.
type countingEval struct {
	size      int
	calls     atomic.Int64
	positions atomic.Int64
}

func (c *countingEval) EvaluateBatch(_ context.Context, reqs []Request) ([]Output, error) {
	c.calls.Add(1)
	c.positions.Add(int64(len(reqs)))
	out := make([]Output, len(reqs))
	for i, r := range reqs {
		p := make([]float32, c.size)
		p[int(r.Key)%c.size] = 1
		out[i] = Output{Value: float32(r.Key%1000) / 1000, Policy: p}
	}
	return out, nil
}

func evaluate(is *is.I, b *Batcher, cache *evalcache.Cache, key uint64) *evalcache.Entry {
	e, created := cache.GetOrCreatePending(key, evalcache.Intermediate, "")
	if created {
		is.NoErr(b.Submit(e, game.Tensor{float32(key)}))
	}
	is.NoErr(b.Await(e))
	return e
}

func TestBatcherDedupSingleCall(t *testing.T) {
	is := is.New(t)
	ev := &countingEval{size: 4}
	cache := evalcache.New(16, 4)
	b := NewBatcher(ev, cache, 8, time.Second, 4)
	b.Start(context.Background())
	defer b.Close()

	var wg sync.WaitGroup
	entries := make([]*evalcache.Entry, 2)
	for i := range entries {
		b.Register()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer b.Unregister()
			entries[i] = evaluate(is, b, cache, 42)
		}(i)
	}
	wg.Wait()

	is.Equal(ev.calls.Load(), int64(1))
	is.Equal(ev.positions.Load(), int64(1))
	is.True(entries[0] == entries[1])
	is.Equal(entries[0].Value(), float32(0.042))
	is.Equal(entries[0].Policy()[2], float32(1))
}

func TestBatcherFlushesWhenAllWorkersParked(t *testing.T) {
	is := is.New(t)
	ev := &countingEval{size: 4}
	cache := evalcache.New(64, 4)
	// a huge batch size and no timeout: only parking can trigger the flush
	b := NewBatcher(ev, cache, 1000, 0, 4)
	b.Start(context.Background())
	defer b.Close()

	const workers = 6
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		b.Register()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer b.Unregister()
			evaluate(is, b, cache, uint64(100+i))
		}(i)
	}
	wg.Wait()
	is.Equal(ev.positions.Load(), int64(workers))
	is.True(ev.calls.Load() <= workers)
}

func TestBatcherTimeoutFlush(t *testing.T) {
	is := is.New(t)
	ev := &countingEval{size: 4}
	cache := evalcache.New(8, 4)
	b := NewBatcher(ev, cache, 1000, 5*time.Millisecond, 4)
	b.Start(context.Background())
	defer b.Close()

	// no registered workers, so parking never counts as everyone parked
	e, _ := cache.GetOrCreatePending(7, evalcache.Intermediate, "")
	is.NoErr(b.Submit(e, nil))
	select {
	case <-e.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout flush never happened")
	}
	is.NoErr(e.Err())
}

func TestBatcherExplicitFlush(t *testing.T) {
	is := is.New(t)
	ev := &countingEval{size: 4}
	cache := evalcache.New(8, 4)
	b := NewBatcher(ev, cache, 1000, 0, 4)
	b.Start(context.Background())
	defer b.Close()

	e, _ := cache.GetOrCreatePending(9, evalcache.Intermediate, "")
	is.NoErr(b.Submit(e, nil))
	b.Flush()
	<-e.Ready()
	is.Equal(ev.calls.Load(), int64(1))
}

func TestBatcherEvaluatorErrorIsSticky(t *testing.T) {
	is := is.New(t)
	boom := errors.New("device lost")
	eval := EvaluatorFunc(func(context.Context, []Request) ([]Output, error) { return nil, boom })
	cache := evalcache.New(8, 4)
	b := NewBatcher(eval, cache, 1, 0, 4)
	b.Start(context.Background())
	defer b.Close()

	e, _ := cache.GetOrCreatePending(1, evalcache.Intermediate, "")
	is.NoErr(b.Submit(e, nil))
	err := b.Await(e)
	is.True(errors.Is(err, ErrEvaluator))
	is.True(!cache.Contains(1))

	e2, created := cache.GetOrCreatePending(2, evalcache.Intermediate, "")
	is.True(created)
	is.True(errors.Is(b.Submit(e2, nil), ErrEvaluator))
	is.True(errors.Is(e2.Err(), ErrEvaluator))
}

func TestBatcherRejectsWrongPolicyLength(t *testing.T) {
	is := is.New(t)
	eval := EvaluatorFunc(func(_ context.Context, reqs []Request) ([]Output, error) {
		return []Output{{Value: 0, Policy: []float32{1}}}, nil
	})
	cache := evalcache.New(8, 4)
	b := NewBatcher(eval, cache, 1, 0, 4)
	b.Start(context.Background())
	defer b.Close()

	e, _ := cache.GetOrCreatePending(3, evalcache.Intermediate, "")
	is.NoErr(b.Submit(e, nil))
	is.True(errors.Is(b.Await(e), ErrEvaluator))
}

// Capacity N, then N+1 distinct positions: the oldest is evicted and asking
// for it again is a real miss that reaches the evaluator.
func TestBatcherEvictedKeyIsReevaluated(t *testing.T) {
	is := is.New(t)
	const capacity = 4
	ev := &countingEval{size: 4}
	cache := evalcache.New(capacity, 4)
	b := NewBatcher(ev, cache, 1, 0, 4)
	b.Start(context.Background())
	defer b.Close()

	for key := uint64(1); key <= capacity+1; key++ {
		e := evaluate(is, b, cache, key)
		is.NoErr(cache.Release(e))
	}
	is.Equal(ev.positions.Load(), int64(capacity+1))
	is.True(!cache.Contains(1))
	is.True(cache.Contains(capacity + 1))

	e := evaluate(is, b, cache, 1)
	is.Equal(ev.positions.Load(), int64(capacity+2))
	is.Equal(e.Key(), uint64(1))
	is.Equal(e.Value(), float32(0.001))
	is.NoErr(cache.Release(e))
}

func TestBatcherCloseFailsQueued(t *testing.T) {
	is := is.New(t)
	ev := &countingEval{size: 4}
	cache := evalcache.New(8, 4)
	b := NewBatcher(ev, cache, 1000, 0, 4)
	b.Start(context.Background())

	e, _ := cache.GetOrCreatePending(5, evalcache.Intermediate, "")
	is.NoErr(b.Submit(e, nil))
	b.Close()
	<-e.Ready()
	is.True(errors.Is(e.Err(), ErrClosed))
	is.True(errors.Is(b.Submit(e, nil), ErrClosed))
}
