package tictactoe

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidFEN = errors.New("invalid position string")

// Encode 三行用“/”隔开，空位用“.”；空格后 x/o 表示轮到谁走
func (p *Position) Encode() string {
	var sb strings.Builder
	for sq, s := range p.Board.Squares {
		if sq > 0 && sq%3 == 0 {
			sb.WriteByte('/')
		}
		switch s {
		case X:
			sb.WriteByte('X')
		case O:
			sb.WriteByte('O')
		default:
			sb.WriteByte('.')
		}
	}
	sb.WriteByte(' ')
	if p.SideToMove == O {
		sb.WriteByte('o')
	} else {
		sb.WriteByte('x')
	}
	return sb.String()
}

// DecodePosition parses Encode's format. The side suffix is optional; when
// missing, X moves if both sides have the same number of stones.
func DecodePosition(s string) (*Position, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 || len(parts) > 2 {
		return nil, ErrInvalidFEN
	}
	cells := strings.ReplaceAll(parts[0], "/", "")
	if len(cells) != NumSquares {
		return nil, errors.Wrapf(ErrInvalidFEN, "want %d squares, got %d", NumSquares, len(cells))
	}
	p := &Position{}
	nx, no := 0, 0
	for sq, ch := range cells {
		switch ch {
		case 'X', 'x':
			p.Board.Squares[sq] = X
			nx++
		case 'O', 'o':
			p.Board.Squares[sq] = O
			no++
		case '.', '-', '_':
		default:
			return nil, errors.Wrapf(ErrInvalidFEN, "bad square %q", ch)
		}
	}
	switch {
	case len(parts) == 2 && strings.EqualFold(parts[1], "x"):
		p.SideToMove = X
	case len(parts) == 2 && strings.EqualFold(parts[1], "o"):
		p.SideToMove = O
	case len(parts) == 2:
		return nil, errors.Wrapf(ErrInvalidFEN, "bad side %q", parts[1])
	case nx == no:
		p.SideToMove = X
	case nx == no+1:
		p.SideToMove = O
	default:
		return nil, errors.Wrapf(ErrInvalidFEN, "stone counts x=%d o=%d", nx, no)
	}
	p.Hash = p.CalculateHash()
	return p, nil
}
