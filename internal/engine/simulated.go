package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"lukechampine.com/frand"

	"nnmcts/internal/mcts"
)

// Simulated is a stand-in network: every position gets the same value and
// a flat policy, plus per-index offsets that tests use to steer the search.
// With Jitter > 0 roughly half the outputs are perturbed by up to ±Jitter,
// reproducibly for a fixed seed.
type Simulated struct {
	PolicySize int
	Value      float32
	Jitter     float32
	// ValueFn, when set, overrides Value per request.
	ValueFn func(req mcts.Request) float32

	mu      sync.Mutex
	rng     *rand.Rand
	offsets map[int]float32

	calls     atomic.Int64
	positions atomic.Int64
}

// NewSimulated returns a simulated network. seed 0 picks a random seed.
func NewSimulated(policySize int, seed int64) *Simulated {
	if seed == 0 {
		seed = int64(frand.Uint64n(math.MaxInt64))
	}
	return &Simulated{
		PolicySize: policySize,
		rng:        rand.New(rand.NewSource(seed)),
		offsets:    make(map[int]float32),
	}
}

// AddIndexOffset adds offset to the raw policy at each index.
func (s *Simulated) AddIndexOffset(offset float32, indexes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range indexes {
		s.offsets[i] = offset
	}
}

func (s *Simulated) ClearIndexOffsets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.offsets)
}

// Calls is the number of EvaluateBatch invocations so far.
func (s *Simulated) Calls() int64     { return s.calls.Load() }
func (s *Simulated) Positions() int64 { return s.positions.Load() }

func (s *Simulated) EvaluateBatch(ctx context.Context, reqs []mcts.Request) ([]mcts.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	s.positions.Add(int64(len(reqs)))

	s.mu.Lock()
	defer s.mu.Unlock()
	medium := float32(1) / float32(max(s.PolicySize, 1))
	out := make([]mcts.Output, len(reqs))
	for i, req := range reqs {
		value := s.Value
		if s.ValueFn != nil {
			value = s.ValueFn(req)
		}
		jitter := s.Jitter > 0 && s.rng.Float32() > 0.5
		if jitter {
			value += s.Jitter * (2*s.rng.Float32() - 1)
		}
		policy := make([]float32, s.PolicySize)
		for j := range policy {
			policy[j] = medium
			if jitter {
				policy[j] += s.Jitter * (2*s.rng.Float32() - 1)
			}
			if off, ok := s.offsets[j]; ok {
				policy[j] += off
			}
		}
		out[i] = mcts.Output{Value: clampValue(value), Policy: policy}
	}
	if e := log.Debug(); e.Enabled() {
		e.Int("batch", len(reqs)).Int64("calls", s.calls.Load()).Msg("simulated-batch")
	}
	return out, nil
}
