package tictactoe

import "sync"

var (
	zobristOnce sync.Once

	zobristSquares [2][NumSquares]uint64
	zobristSide    uint64
)

func initZobrist() {
	zobristOnce.Do(func() {
		seed := uint64(0x9E3779B97F4A7C15)
		next := func() uint64 {
			seed += 0x9E3779B97F4A7C15
			z := seed
			z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
			z = (z ^ (z >> 27)) * 0x94D049BB133111EB
			return z ^ (z >> 31)
		}
		for side := 0; side < 2; side++ {
			for sq := 0; sq < NumSquares; sq++ {
				zobristSquares[side][sq] = next()
			}
		}
		zobristSide = next()
	})
}

func squareKey(s Side, sq int) uint64 {
	initZobrist()
	switch s {
	case X:
		return zobristSquares[0][sq]
	case O:
		return zobristSquares[1][sq]
	}
	return 0
}

// CalculateHash 全量计算当前局面的 Zobrist 哈希。
func (p *Position) CalculateHash() uint64 {
	initZobrist()
	var h uint64
	for sq, s := range p.Board.Squares {
		h ^= squareKey(s, sq)
	}
	if p.SideToMove == O {
		h ^= zobristSide
	}
	return h
}

// EnsureHash 确保 Position.Hash 已初始化；返回当前哈希值。
func (p *Position) EnsureHash() uint64 {
	if p.Hash == 0 {
		p.Hash = p.CalculateHash()
	}
	return p.Hash
}
