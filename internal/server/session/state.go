package session

import (
	"sync"
	"time"

	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

// Session is one analysis board: a position, the history that led to it,
// and a searcher whose cache persists across searches of this board.
type Session struct {
	ID        string
	CreatedAt time.Time

	searchMu sync.Mutex // held for the duration of a search

	mu        sync.Mutex
	updatedAt time.Time
	pos       *tictactoe.Position
	gctx      game.Context
	searcher  *mcts.Searcher
	last      *mcts.Result

	subMu sync.Mutex
	subs  map[chan mcts.Progress]struct{}
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID         string
	Position   *tictactoe.Position
	Context    game.Context
	Status     game.Status
	LegalMoves []game.Move
	Last       *mcts.Result
	UpdatedAt  time.Time
}
