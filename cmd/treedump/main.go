// treedump runs one search and writes its tree, or renders a dump written
// earlier.
//
//	treedump -position "XX./OO./... x" -budget 400 -out tree.zst
//	treedump -read tree.zst -depth 3 > tree.dot
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/cmdutil"
	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

func main() {
	start := flag.String("position", "", "position to search, empty = empty board")
	read := flag.String("read", "", "render this dump instead of searching")
	out := flag.String("out", "", "output file, .zst writes a compressed dump, anything else DOT; empty = DOT on stdout")
	depth := flag.Int("depth", 2, "DOT depth limit, 0 = unlimited")
	minVisits := flag.Int64("minvisits", 1, "DOT: skip nodes with fewer visits")
	tags := flag.String("tags", "", "comma separated tags to list instead of drawing, e.g. WIN,LOSS")
	check := flag.Bool("check", true, "verify tree counters after the search")
	level := flag.String("loglevel", "warn", "log level")
	var sf cmdutil.SearchFlags
	var ef cmdutil.EvalFlags
	sf.Register(flag.CommandLine)
	ef.Register(flag.CommandLine)
	flag.Parse()

	if err := cmdutil.SetupLogging(*level, nil); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}
	opt := mcts.DOTOptions{MaxDepth: *depth, MinVisits: *minVisits, MoveName: squareName}

	if *read != "" {
		nodes, err := readDump(*read)
		if err != nil {
			log.Fatal().Err(err).Msg("read dump")
		}
		if err := emit(*out, nodes, opt); err != nil {
			log.Fatal().Err(err).Msg("write")
		}
		return
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

	rules := tictactoe.Rules{}
	s, err := mcts.NewSearcher(rules, rules, eval, params)
	if err != nil {
		log.Fatal().Err(err).Msg("searcher")
	}
	res, err := s.Search(context.Background(), pos, game.Context{})
	if err != nil {
		log.Fatal().Err(err).Msg("search")
	}
	tree, _ := s.Tree()
	if *check {
		if err := mcts.CheckTree(tree); err != nil {
			log.Fatal().Err(err).Msg("tree check")
		}
	}
	fmt.Fprintf(os.Stderr, "best %s value %.3f, %s nodes, %s evaluator calls, %s\n",
		squareName(res.BestMove), res.Value, humanize.Comma(int64(res.Stats.Nodes)),
		humanize.Comma(res.Stats.EvaluatorCalls), res.Stats.Elapsed)

	if *tags != "" {
		listTags(os.Stdout, tree, strings.Split(*tags, ","))
		return
	}
	if err := emit(*out, mcts.Dump(tree), opt); err != nil {
		log.Fatal().Err(err).Msg("write")
	}
}

// squareName 行列记法：a1 为左上角
func squareName(mv game.Move) string {
	if mv < 0 || mv >= tictactoe.NumSquares {
		return fmt.Sprint(int32(mv))
	}
	return fmt.Sprintf("%c%d", 'a'+rune(mv%3), mv/3+1)
}

func readDump(path string) ([]mcts.DumpNode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mcts.ReadDump(f)
}

func emit(path string, nodes []mcts.DumpNode, opt mcts.DOTOptions) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
		if strings.HasSuffix(path, ".zst") {
			return mcts.WriteDump(w, nodes)
		}
	}
	return mcts.WriteDOT(w, nodes, opt)
}

func listTags(w io.Writer, tree *mcts.Tree, names []string) {
	var want []mcts.Tag
	for _, n := range names {
		for t := mcts.Unvisited; t <= mcts.TerminalMoveLimit; t++ {
			if strings.EqualFold(strings.TrimSpace(n), t.String()) {
				want = append(want, t)
			}
		}
	}
	for _, id := range tree.FindByTag(want...) {
		n := tree.Node(id)
		st := n.Stats()
		fmt.Fprintf(w, "%d\t%s\tdepth=%d\tN=%d\n", n.ID(), n.Tag(), n.Depth(), st.Visits)
	}
}
