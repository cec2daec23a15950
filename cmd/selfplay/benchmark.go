package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

type player struct {
	Name     string
	Searcher *mcts.Searcher
}

// runMatch pits the configured search against the same search with a
// different budget, alternating colours each game.
func runMatch(ctx context.Context, rules tictactoe.Rules, eval mcts.Evaluator, params mcts.Params, otherBudget, games int, start *tictactoe.Position) error {
	other := params
	other.Budget = otherBudget

	newPlayer := func(p mcts.Params) (player, error) {
		s, err := mcts.NewSearcher(rules, rules, eval, p)
		if err != nil {
			return player{}, err
		}
		return player{Name: fmt.Sprintf("MCTS (%s calls)", humanize.Comma(int64(p.Budget))), Searcher: s}, nil
	}
	a, err := newPlayer(params)
	if err != nil {
		return err
	}
	b, err := newPlayer(other)
	if err != nil {
		return err
	}
	if a.Name == b.Name {
		b.Name += " #2"
	}

	wins := map[string]int{}
	draws := 0
	for g := 0; g < games; g++ {
		x, o := a, b
		if g%2 == 1 {
			x, o = b, a
		}
		fmt.Printf("\n=== Game %d: X [%s] vs O [%s] ===\n", g+1, x.Name, o.Name)
		rec, err := playGame(ctx, rules, [2]*mcts.Searcher{x.Searcher, o.Searcher}, start)
		if err != nil {
			return err
		}
		fmt.Printf("%v %s\n", rec.Moves, rec.Result())
		switch rec.Winner {
		case tictactoe.X:
			wins[x.Name]++
		case tictactoe.O:
			wins[o.Name]++
		default:
			draws++
		}
	}

	fmt.Printf("\n=== Final Score ===\n")
	fmt.Printf("%s: %d\n", a.Name, wins[a.Name])
	fmt.Printf("%s: %d\n", b.Name, wins[b.Name])
	fmt.Printf("Draws: %d\n", draws)
	return nil
}
