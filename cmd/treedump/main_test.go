package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"nnmcts/internal/engine"
	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

func TestSquareName(t *testing.T) {
	cases := map[game.Move]string{0: "a1", 2: "c1", 4: "b2", 8: "c3", game.NoMove: "-1"}
	for mv, want := range cases {
		if got := squareName(mv); got != want {
			t.Fatalf("squareName(%d) = %q, want %q", mv, got, want)
		}
	}
}

func TestEmitAndReadBack(t *testing.T) {
	rules := tictactoe.Rules{}
	p := mcts.DefaultParams()
	p.Budget = 100
	p.NumThreads = 2
	p.Seed = 4
	s, err := mcts.NewSearcher(rules, rules, engine.NewSimulated(tictactoe.PolicySize, 4), p)
	if err != nil {
		t.Fatal(err)
	}
	pos, _ := tictactoe.DecodePosition("XX./OO./... x")
	if _, err := s.Search(context.Background(), pos, game.Context{}); err != nil {
		t.Fatal(err)
	}
	tree, _ := s.Tree()

	path := filepath.Join(t.TempDir(), "tree.zst")
	if err := emit(path, mcts.Dump(tree), mcts.DOTOptions{}); err != nil {
		t.Fatal(err)
	}
	nodes, err := readDump(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != tree.Len() {
		t.Fatalf("read %d nodes, tree has %d", len(nodes), tree.Len())
	}

	var buf bytes.Buffer
	listTags(&buf, tree, []string{"win", " LOSS"})
	if !strings.Contains(buf.String(), "LOSS") {
		t.Fatalf("no terminal nodes listed:\n%s", buf.String())
	}
}
