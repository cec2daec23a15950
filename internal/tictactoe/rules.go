package tictactoe

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"nnmcts/internal/game"
)

const (
	NumPlanes  = 3
	PolicySize = NumSquares
	TensorSize = NumPlanes * NumSquares
)

var ErrIllegalMove = errors.New("illegal move")

// Rules implements game.Oracle and game.Encoder.
type Rules struct {
	// MaxPly > 0 declares a draw once the game reaches that many plies.
	MaxPly int
}

var (
	_ game.Oracle  = Rules{}
	_ game.Encoder = Rules{}
)

func asPosition(pos game.Position) *Position {
	switch p := pos.(type) {
	case *Position:
		return p
	case Position:
		return &p
	}
	panic(errors.Errorf("tictactoe: unexpected position type %T", pos))
}

func (Rules) LegalMoves(pos game.Position) []game.Move {
	return asPosition(pos).GenerateLegalMoves()
}

func (Rules) Apply(pos game.Position, mv game.Move) (game.Position, error) {
	p := asPosition(pos)
	next, ok := p.ApplyMove(mv)
	if !ok {
		return nil, errors.Wrapf(ErrIllegalMove, "square %d in %s", mv, p.Encode())
	}
	return next, nil
}

// TerminalStatus is from the side to move: a completed line always belongs
// to the player who just moved, so it is a loss here.
func (r Rules) TerminalStatus(pos game.Position, ctx game.Context) game.Status {
	p := asPosition(pos)
	switch w := p.Winner(); {
	case w == p.SideToMove:
		return game.Win
	case w != NoSide:
		return game.Loss
	case p.Full():
		return game.Stalemate
	case r.MaxPly > 0 && ctx.Ply >= r.MaxPly:
		return game.MoveLimit
	case occurrences(p.EnsureHash(), ctx.History) >= 2:
		return game.Repetition
	}
	return game.InProgress
}

// Encode fills three planes: side-to-move stones, opponent stones, and a
// constant plane set when X is to move.
func (Rules) Encode(pos game.Position, _ game.Context) (game.Tensor, error) {
	p := asPosition(pos)
	t := make(game.Tensor, TensorSize)
	for sq, s := range p.Board.Squares {
		switch s {
		case p.SideToMove:
			t[sq] = 1
		case p.SideToMove.Opponent():
			t[NumSquares+sq] = 1
		}
	}
	if p.SideToMove == X {
		for sq := 0; sq < NumSquares; sq++ {
			t[2*NumSquares+sq] = 1
		}
	}
	return t, nil
}

// PositionKey mixes the Zobrist hash with how often the position already
// occurred, so repeated positions never share a cache slot with first
// occurrences.
func (Rules) PositionKey(pos game.Position, ctx game.Context) uint64 {
	h := asPosition(pos).EnsureHash()
	return mixKey(h, occurrences(h, ctx.History))
}

func mixKey(h uint64, seen int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], h)
	binary.LittleEndian.PutUint64(buf[8:], uint64(seen))
	return xxhash.Sum64(buf[:])
}

// occurrences counts earlier visits of the position with Zobrist hash h. The
// n-th visit is keyed mixKey(h, n), so the keys are probed in order.
func occurrences(h uint64, history []uint64) int {
	n := 0
	for slices.Contains(history, mixKey(h, n)) {
		n++
	}
	return n
}

func (Rules) PolicyIndex(mv game.Move) int { return int(mv) }

func (Rules) PolicySize() int { return PolicySize }
