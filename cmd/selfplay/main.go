package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/cmdutil"
	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

func main() {
	games := flag.Int("games", 1, "number of games to play")
	maxPly := flag.Int("maxply", 0, "declare a draw after this many plies, 0 = never")
	start := flag.String("position", "", "start position, empty = empty board")
	match := flag.Int("match", 0, "if > 0, play a match against an opponent searching this many calls per move")
	level := flag.String("loglevel", "info", "log level")
	var sf cmdutil.SearchFlags
	var ef cmdutil.EvalFlags
	sf.Register(flag.CommandLine)
	ef.Register(flag.CommandLine)
	flag.Parse()

	if err := cmdutil.SetupLogging(*level, nil); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	params, err := sf.Params()
	if err != nil {
		log.Fatal().Err(err).Msg("bad search flags")
	}
	pos := tictactoe.NewInitialPosition()
	if *start != "" {
		if pos, err = tictactoe.DecodePosition(*start); err != nil {
			log.Fatal().Err(err).Msg("bad position")
		}
	}
	eval, closeEval, err := ef.Open()
	if err != nil {
		log.Fatal().Err(err).Msg("evaluator")
	}
	defer closeEval()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rules := tictactoe.Rules{MaxPly: *maxPly}

	if *match > 0 {
		if err := runMatch(ctx, rules, eval, params, *match, *games, pos); err != nil {
			log.Error().Err(err).Msg("match")
		}
		return
	}

	s, err := mcts.NewSearcher(rules, rules, eval, params)
	if err != nil {
		log.Fatal().Err(err).Msg("searcher")
	}
	players := [2]*mcts.Searcher{s, s}
	tally := map[tictactoe.Side]int{}
	began := time.Now()
	var plies, calls int64
	for g := 0; g < *games; g++ {
		rec, err := playGame(ctx, rules, players, pos)
		if err != nil {
			log.Error().Err(err).Int("game", g+1).Msg("game aborted")
			break
		}
		tally[rec.Winner]++
		plies += int64(len(rec.Moves))
		calls += rec.Calls
		fmt.Printf("game %d: %v %s (%s)\n", g+1, rec.Moves, rec.Result(), rec.Final.Encode())
	}
	el := time.Since(began)
	st := s.Cache().Stats()
	fmt.Printf("X %d, O %d, draws %d\n", tally[tictactoe.X], tally[tictactoe.O], tally[tictactoe.NoSide])
	fmt.Printf("%s plies, %s evaluator calls in %s; cache %s/%s, %s hits, %s evictions\n",
		humanize.Comma(plies), humanize.Comma(calls), el.Round(time.Millisecond),
		humanize.Comma(int64(st.Size)), humanize.Comma(int64(st.Capacity)),
		humanize.Comma(st.Hits), humanize.Comma(st.Evictions))
}

// Record is one finished game.
type Record struct {
	Moves  []game.Move
	Final  *tictactoe.Position
	Status game.Status // from the side to move in Final
	Winner tictactoe.Side
	Calls  int64
}

func (r Record) Result() string {
	if r.Winner == tictactoe.NoSide {
		return "draw (" + r.Status.String() + ")"
	}
	return r.Winner.String() + " wins"
}

// playGame plays from pos until the game ends. players[0] moves for X.
func playGame(ctx context.Context, rules tictactoe.Rules, players [2]*mcts.Searcher, pos *tictactoe.Position) (Record, error) {
	var rec Record
	var gctx game.Context
	for {
		st := rules.TerminalStatus(pos, gctx)
		if st.Terminal() {
			rec.Final, rec.Status = pos, st
			switch st {
			case game.Win:
				rec.Winner = pos.SideToMove
			case game.Loss:
				rec.Winner = pos.SideToMove.Opponent()
			}
			return rec, nil
		}
		if err := ctx.Err(); err != nil {
			return rec, err
		}

		p := players[0]
		if pos.SideToMove == tictactoe.O {
			p = players[1]
		}
		res, err := p.Search(ctx, pos, gctx)
		if err != nil {
			return rec, err
		}
		log.Debug().
			Str("position", pos.Encode()).
			Int32("move", int32(res.BestMove)).
			Float64("value", res.Value).
			Int64("visits", res.Stats.RootVisits).
			Msg("move")

		next, err := rules.Apply(pos, res.BestMove)
		if err != nil {
			return rec, err
		}
		gctx = gctx.Child(rules.PositionKey(pos, gctx))
		pos = next.(*tictactoe.Position)
		rec.Moves = append(rec.Moves, res.BestMove)
		rec.Calls += res.Stats.EvaluatorCalls
	}
}
