package mcts

import (
	"github.com/pkg/errors"

	"nnmcts/internal/evalcache"
)

var (
	// ErrInvariant is shared with the cache so one errors.Is check catches
	// every programming error the search detects.
	ErrInvariant = evalcache.ErrInvariant

	ErrNegativeVirtualLoss = errors.New("virtual loss below zero")
	ErrOracleInconsistency = errors.New("rules oracle inconsistency")
	ErrEvaluator           = errors.New("evaluator failure")
	ErrBusy                = errors.New("search already running")
	ErrInvalidParams       = errors.New("invalid search parameters")
	ErrClosed              = errors.New("batcher closed")
	ErrTreeFull            = errors.New("search tree arena exhausted")
)

// errRetry tells the playout loop a node became selectable while it was
// being treated as a leaf.
var errRetry = errors.New("retry selection")
