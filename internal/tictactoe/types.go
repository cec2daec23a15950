// Package tictactoe is a small reference game wired to the search core: it
// is the rules oracle and the feature encoder used by the commands and the
// end-to-end tests.
package tictactoe

import "nnmcts/internal/game"

type Side int8

const (
	NoSide Side = 0
	X      Side = 1
	O      Side = -1
)

func (s Side) Opponent() Side { return -s }

func (s Side) String() string {
	switch s {
	case X:
		return "X"
	case O:
		return "O"
	}
	return "."
}

const NumSquares = 9

// Board 3x3, row major.
type Board struct {
	Squares [NumSquares]Side
}

// Position = 棋盘 + 轮到谁走
type Position struct {
	Board      Board
	SideToMove Side
	Hash       uint64
}

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// NewInitialPosition returns the empty board with X to move.
func NewInitialPosition() *Position {
	p := &Position{SideToMove: X}
	p.Hash = p.CalculateHash()
	return p
}

// Winner returns the side owning a full line, or NoSide.
func (p *Position) Winner() Side {
	for _, l := range lines {
		s := p.Board.Squares[l[0]]
		if s != NoSide && s == p.Board.Squares[l[1]] && s == p.Board.Squares[l[2]] {
			return s
		}
	}
	return NoSide
}

func (p *Position) Full() bool {
	for _, s := range p.Board.Squares {
		if s == NoSide {
			return false
		}
	}
	return true
}

// GenerateLegalMoves lists empty squares in ascending order; none once the
// game is decided.
func (p *Position) GenerateLegalMoves() []game.Move {
	if p.Winner() != NoSide {
		return nil
	}
	moves := make([]game.Move, 0, NumSquares)
	for sq, s := range p.Board.Squares {
		if s == NoSide {
			moves = append(moves, game.Move(sq))
		}
	}
	return moves
}

// ApplyMove returns the successor position; ok is false for an occupied or
// out-of-range square.
func (p *Position) ApplyMove(mv game.Move) (*Position, bool) {
	sq := int(mv)
	if sq < 0 || sq >= NumSquares || p.Board.Squares[sq] != NoSide || p.Winner() != NoSide {
		return nil, false
	}
	next := *p
	next.Board.Squares[sq] = p.SideToMove
	next.SideToMove = p.SideToMove.Opponent()
	next.Hash = p.Hash ^ squareKey(p.SideToMove, sq) ^ zobristSide
	return &next, true
}
