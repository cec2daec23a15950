package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"

	"nnmcts/internal/engine"
	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

func newManager(eval mcts.Evaluator) *Manager {
	if eval == nil {
		eval = engine.NewSimulated(tictactoe.PolicySize, 1)
	}
	p := mcts.DefaultParams()
	p.Budget = 64
	p.NumThreads = 2
	p.BatchSize = 4
	p.CacheCapacity = 1 << 12
	p.Seed = 3
	return NewManager(eval, p, tictactoe.Rules{})
}

// slowEval is a flat evaluator that takes d per batch.
func slowEval(d time.Duration) mcts.Evaluator {
	sim := engine.NewSimulated(tictactoe.PolicySize, 1)
	return mcts.EvaluatorFunc(func(ctx context.Context, reqs []mcts.Request) ([]mcts.Output, error) {
		time.Sleep(d)
		return sim.EvaluateBatch(ctx, reqs)
	})
}

func TestManagerLifecycle(t *testing.T) {
	is := is.New(t)
	m := newManager(nil)

	a, err := m.New("")
	is.NoErr(err)
	b, err := m.New("X../.O./... x")
	is.NoErr(err)
	is.True(a.ID != b.ID)
	is.Equal(len(m.IDs()), 2)

	got, err := m.Get(b.ID)
	is.NoErr(err)
	is.Equal(got, b)
	is.Equal(got.Snapshot(m.Rules()).Position.Encode(), "X../.O./... x")

	is.NoErr(m.Delete(a.ID))
	_, err = m.Get(a.ID)
	is.True(errors.Is(err, ErrNotFound))
	is.True(errors.Is(m.Delete(a.ID), ErrNotFound))
	is.Equal(m.IDs(), []string{b.ID})
}

func TestManagerRejectsBadPosition(t *testing.T) {
	is := is.New(t)
	_, err := newManager(nil).New("XXXX")
	is.True(errors.Is(err, tictactoe.ErrInvalidFEN))
}

func TestPlay(t *testing.T) {
	is := is.New(t)
	m := newManager(nil)
	s, err := m.New("")
	is.NoErr(err)

	snap, err := m.Play(s.ID, 4)
	is.NoErr(err)
	is.Equal(snap.Position.Encode(), ".../.X./... o")
	is.Equal(snap.Context.Ply, 1)
	is.Equal(len(snap.Context.History), 1)
	is.Equal(len(snap.LegalMoves), 8)
	is.Equal(snap.Status, game.InProgress)

	_, err = m.Play(s.ID, 4)
	is.True(errors.Is(err, ErrIllegalMove))
}

func TestPlayAfterGameOver(t *testing.T) {
	is := is.New(t)
	m := newManager(nil)
	s, err := m.New("XXX/OO./... o")
	is.NoErr(err)
	_, err = m.Play(s.ID, 5)
	is.True(errors.Is(err, ErrGameOver))
}

func TestSearchFindsWin(t *testing.T) {
	is := is.New(t)
	m := newManager(nil)
	s, err := m.New("XX./OO./... x")
	is.NoErr(err)

	res, err := m.Search(context.Background(), s.ID, SearchOptions{Budget: 300})
	is.NoErr(err)
	is.Equal(res.BestMove, game.Move(2))
	is.Equal(s.Snapshot(m.Rules()).Last, res)

	dump, err := m.Dump(s.ID)
	is.NoErr(err)
	is.True(len(dump) > 1)
	is.Equal(dump[0].Parent, mcts.NoNode)

	// a move invalidates the stored result
	_, err = m.Play(s.ID, 2)
	is.NoErr(err)
	is.True(s.Snapshot(m.Rules()).Last == nil)
}

func TestSearchOptionsValidated(t *testing.T) {
	is := is.New(t)
	m := newManager(nil)
	s, err := m.New("")
	is.NoErr(err)
	_, err = m.Search(context.Background(), s.ID, SearchOptions{Threads: -1})
	is.NoErr(err) // non-positive overrides keep the default
	_, err = m.Search(context.Background(), "nope", SearchOptions{})
	is.True(errors.Is(err, ErrNotFound))
}

func TestConcurrentSearchIsBusy(t *testing.T) {
	is := is.New(t)
	m := newManager(slowEval(5 * time.Millisecond))
	s, err := m.New("")
	is.NoErr(err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Search(context.Background(), s.ID, SearchOptions{Budget: 1 << 20})
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, root := s.searcher.Tree(); root != nil && root.Stats().Visits > 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("search never started")
		}
		time.Sleep(time.Millisecond)
	}
	_, err = m.Search(context.Background(), s.ID, SearchOptions{})
	is.True(errors.Is(err, mcts.ErrBusy))

	is.NoErr(m.Stop(s.ID))
	is.NoErr(<-done)
}

func TestSubscribeReceivesProgress(t *testing.T) {
	is := is.New(t)
	m := newManager(slowEval(2 * time.Millisecond))
	m.params.ProgressInterval = time.Millisecond
	s, err := m.New("")
	is.NoErr(err)

	ch, cancel := s.Subscribe()
	_, err = m.Search(context.Background(), s.ID, SearchOptions{Budget: 100})
	is.NoErr(err)

	select {
	case pr := <-ch:
		is.True(pr.Iterations >= 0)
	default:
		t.Fatal("no progress published")
	}
	cancel()
	cancel()
	_, open := <-drain(ch)
	is.True(!open)
}

// drain discards buffered updates and returns the closed channel.
func drain(ch <-chan mcts.Progress) <-chan mcts.Progress {
	for range ch {
	}
	return ch
}
