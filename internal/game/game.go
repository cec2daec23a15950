// Package game declares the collaborators the search core consumes: a rules
// oracle, a feature encoder / position keyer, and the terminal status set.
package game

import "fmt"

// Move is an oracle-defined move code. Encoders map it to a policy slot.
type Move int32

// NoMove marks the root node, which has no producing move.
const NoMove Move = -1

// Position is opaque to the search; only the oracle and encoder look inside.
type Position interface{}

// Tensor is the flattened feature input for one position.
type Tensor []float32

// Context carries what the encoder and oracle need beyond the board itself.
type Context struct {
	// History holds the PositionKey of every position that led here, oldest
	// first.
	History []uint64
	// Ply is the number of half-moves played in the game so far.
	Ply int
}

// Child returns the context one ply deeper, after a position with the given
// key. The receiver's history is never aliased.
func (c Context) Child(key uint64) Context {
	h := make([]uint64, len(c.History), len(c.History)+1)
	copy(h, c.History)
	return Context{History: append(h, key), Ply: c.Ply + 1}
}

// Status is the oracle's verdict for a position, from the side to move.
type Status uint8

const (
	InProgress Status = iota
	Win
	Loss
	Stalemate
	Repetition
	NoProgress
	InsufficientMaterial
	MoveLimit
)

var statusNames = [...]string{
	InProgress:           "IN_PROGRESS",
	Win:                  "WIN",
	Loss:                 "LOSS",
	Stalemate:            "STALEMATE",
	Repetition:           "REPETITION",
	NoProgress:           "NO_PROGRESS",
	InsufficientMaterial: "INSUFFICIENT_MATERIAL",
	MoveLimit:            "MOVE_LIMIT",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", s)
}

// Terminal reports whether the game is over.
func (s Status) Terminal() bool { return s != InProgress }

// Value is the fixed outcome of a terminal status for the side to move.
func (s Status) Value() float64 {
	switch s {
	case Win:
		return 1
	case Loss:
		return -1
	default:
		return 0
	}
}

// Oracle is the rules engine.
type Oracle interface {
	LegalMoves(pos Position) []Move
	Apply(pos Position, mv Move) (Position, error)
	TerminalStatus(pos Position, ctx Context) Status
}

// Encoder turns positions into evaluator inputs and cache keys.
type Encoder interface {
	Encode(pos Position, ctx Context) (Tensor, error)
	// PositionKey must fold in enough of ctx.History for repetition draws
	// to be told apart upstream.
	PositionKey(pos Position, ctx Context) uint64
	PolicyIndex(mv Move) int
	PolicySize() int
}
