package tictactoe

import (
	"testing"

	"nnmcts/internal/game"
)

func TestApplyMoveHashIncrementalMatchesFullRecompute(t *testing.T) {
	pos := NewInitialPosition()
	for ply := 0; ply < NumSquares; ply++ {
		moves := pos.GenerateLegalMoves()
		if len(moves) == 0 {
			return
		}
		mv := moves[len(moves)/2]
		next, ok := pos.ApplyMove(mv)
		if !ok {
			t.Fatalf("apply move failed at ply %d: %d", ply, mv)
		}
		if got, want := next.Hash, next.CalculateHash(); got != want {
			t.Fatalf("hash mismatch at ply %d: got=%d want=%d move=%d", ply, got, want, mv)
		}
		pos = next
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, s := range []string{"XO./.X./..O x", "XXO/OOX/X.. o", "... x"} {
		if s == "... x" {
			if _, err := DecodePosition(s); err == nil {
				t.Fatalf("short board %q must fail", s)
			}
			continue
		}
		pos, err := DecodePosition(s)
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got := pos.Encode(); got != s {
			t.Fatalf("round trip: got=%q want=%q", got, s)
		}
		if pos.Hash != pos.CalculateHash() {
			t.Fatalf("decoded hash mismatch for %q", s)
		}
	}
}

func TestDecodeInfersSide(t *testing.T) {
	pos, err := DecodePosition("X../.../...")
	if err != nil {
		t.Fatal(err)
	}
	if pos.SideToMove != O {
		t.Fatalf("side: got=%v want=O", pos.SideToMove)
	}
	if _, err := DecodePosition("XX./.../..."); err == nil {
		t.Fatal("impossible stone counts must fail")
	}
}

func TestTerminalStatus(t *testing.T) {
	r := Rules{MaxPly: 4}
	cases := []struct {
		name string
		fen  string
		ply  int
		want game.Status
	}{
		{"x completed a row, o to move", "XXX/OO./... o", 5, game.Loss},
		{"full board draw", "XOX/XOO/OXX o", 9, game.Stalemate},
		{"move limit", "X../.O./... x", 4, game.MoveLimit},
		{"in progress", "X../.O./... x", 2, game.InProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos, err := DecodePosition(tc.fen)
			if err != nil {
				t.Fatal(err)
			}
			if got := r.TerminalStatus(pos, game.Context{Ply: tc.ply}); got != tc.want {
				t.Fatalf("status: got=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestPositionKeyTracksRepetitions(t *testing.T) {
	r := Rules{}
	pos := NewInitialPosition()
	ctx := game.Context{}
	k0 := r.PositionKey(pos, ctx)

	ctx1 := ctx.Child(k0)
	k1 := r.PositionKey(pos, ctx1)
	if k1 == k0 {
		t.Fatal("second occurrence must get a distinct key")
	}
	if r.TerminalStatus(pos, ctx1) != game.InProgress {
		t.Fatal("one earlier occurrence is not yet a repetition")
	}
	ctx2 := ctx1.Child(k1)
	if got := r.TerminalStatus(pos, ctx2); got != game.Repetition {
		t.Fatalf("third occurrence: got=%v want=REPETITION", got)
	}
	if r.PositionKey(pos, ctx) != k0 {
		t.Fatal("key must be stable for the same history")
	}
}

func TestEncodePlanes(t *testing.T) {
	pos, _ := DecodePosition("X../.O./... x")
	tensor, err := Rules{}.Encode(pos, game.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tensor) != TensorSize {
		t.Fatalf("tensor size: got=%d want=%d", len(tensor), TensorSize)
	}
	if tensor[0] != 1 || tensor[NumSquares+4] != 1 || tensor[2*NumSquares] != 1 {
		t.Fatalf("unexpected planes: %v", tensor)
	}
}

func TestApplyRejectsOccupied(t *testing.T) {
	pos, _ := DecodePosition("X../.../... o")
	if _, err := (Rules{}).Apply(pos, 0); err == nil {
		t.Fatal("occupied square must be rejected")
	}
}
