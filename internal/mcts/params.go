package mcts

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Schedule maps the ply of the node being expanded from to an exploration
// constant. It must be safe for concurrent use.
type Schedule func(ply int) float64

// ConstantSchedule always returns c.
func ConstantSchedule(c float64) Schedule {
	return func(int) float64 { return c }
}

// LinearSchedule decays from start to end over the first plies plies and
// stays at end afterwards.
func LinearSchedule(start, end float64, plies int) Schedule {
	return func(ply int) float64 {
		if plies <= 0 || ply >= plies {
			return end
		}
		if ply <= 0 {
			return start
		}
		return start + (end-start)*float64(ply)/float64(plies)
	}
}

// Params 搜索参数
type Params struct {
	Budget        int           // total search calls across all workers
	NumThreads    int           // worker goroutines
	BatchSize     int           // evaluator batch size
	BatchTimeout  time.Duration // flush a partial batch after this long
	CacheCapacity int           // evaluation cache entries
	MaxTime       time.Duration // caps the budget once elapsed, 0 = no limit

	Schedule             Schedule
	CpuctExplorationBase float64
	CpuctExplorationLog  float64 // 0 disables visit-count scaling

	FpuReduction      float64 // Q assumed for unvisited children is -FpuReduction
	VirtualLossWeight float64 // each in-flight visit counts as this many losses

	Noise            bool // Dirichlet noise on root priors
	DirichletEpsilon float64
	DirichletAlpha   float64
	Seed             int64 // 0 picks a random seed

	ProgressInterval time.Duration // 0 disables OnProgress callbacks
}

func DefaultParams() Params {
	return Params{
		Budget:               800,
		NumThreads:           8,
		BatchSize:            16,
		BatchTimeout:         time.Millisecond,
		CacheCapacity:        200_000,
		Schedule:             ConstantSchedule(2.5),
		CpuctExplorationBase: 10000.0,
		CpuctExplorationLog:  0,
		FpuReduction:         0,
		VirtualLossWeight:    1.0,
		DirichletEpsilon:     0.25,
		DirichletAlpha:       0.3,
	}
}

// Validate reports the first out-of-range field.
func (p *Params) Validate() error {
	switch {
	case p.Budget < 1:
		return errors.Wrapf(ErrInvalidParams, "budget %d", p.Budget)
	case p.NumThreads < 1:
		return errors.Wrapf(ErrInvalidParams, "threads %d", p.NumThreads)
	case p.BatchSize < 1:
		return errors.Wrapf(ErrInvalidParams, "batch size %d", p.BatchSize)
	case p.CacheCapacity < 1:
		return errors.Wrapf(ErrInvalidParams, "cache capacity %d", p.CacheCapacity)
	case p.Schedule == nil:
		return errors.Wrap(ErrInvalidParams, "nil exploration schedule")
	case p.CpuctExplorationLog != 0 && p.CpuctExplorationBase <= 0:
		return errors.Wrapf(ErrInvalidParams, "cpuct base %v", p.CpuctExplorationBase)
	case p.VirtualLossWeight < 0:
		return errors.Wrapf(ErrInvalidParams, "virtual loss weight %v", p.VirtualLossWeight)
	case p.Noise && (p.DirichletEpsilon < 0 || p.DirichletEpsilon > 1):
		return errors.Wrapf(ErrInvalidParams, "dirichlet epsilon %v", p.DirichletEpsilon)
	case p.Noise && p.DirichletAlpha <= 0:
		return errors.Wrapf(ErrInvalidParams, "dirichlet alpha %v", p.DirichletAlpha)
	}
	return nil
}

// GetCpuct is the exploration constant at ply for a parent with the given
// visit count.
func (p *Params) GetCpuct(ply int, parentVisits int64) float64 {
	c := p.Schedule(ply)
	if p.CpuctExplorationLog != 0 {
		c += p.CpuctExplorationLog * math.Log((float64(parentVisits)+p.CpuctExplorationBase)/p.CpuctExplorationBase)
	}
	return c
}
