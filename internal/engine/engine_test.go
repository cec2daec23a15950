package engine

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"nnmcts/internal/game"
	"nnmcts/internal/mcts"
	"nnmcts/internal/tictactoe"
)

func TestSigmoidConversions(t *testing.T) {
	cases := []struct {
		p, v float32
	}{
		{0, -1},
		{0.5, 0},
		{1, 1},
		{0.75, 0.5},
	}
	for _, tc := range cases {
		if got := FromSigmoid(tc.p); got != tc.v {
			t.Fatalf("FromSigmoid(%v) = %v, want %v", tc.p, got, tc.v)
		}
		if got := ToSigmoid(tc.v); got != tc.p {
			t.Fatalf("ToSigmoid(%v) = %v, want %v", tc.v, got, tc.p)
		}
	}
}

func TestWDLValue(t *testing.T) {
	if v := wdlValue([]float32{0, 0, 0}); math.Abs(float64(v)) > 1e-6 {
		t.Fatalf("even logits: %v", v)
	}
	if v := wdlValue([]float32{20, 0, 0}); v < 0.99 {
		t.Fatalf("certain win: %v", v)
	}
	if v := wdlValue([]float32{0, 20, 0}); v > -0.99 {
		t.Fatalf("certain loss: %v", v)
	}
	if v := wdlValue([]float32{0, 0, 20}); math.Abs(float64(v)) > 1e-6 {
		t.Fatalf("certain draw: %v", v)
	}
}

func TestSoftmax(t *testing.T) {
	v := []float32{1, 2, 3, 1000}
	softmaxInPlace(v)
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	if math.Abs(sum-1) > 1e-5 || v[3] < 0.99 {
		t.Fatalf("softmax: %v", v)
	}
}

func TestSimulatedOffsetsAndCounters(t *testing.T) {
	sim := NewSimulated(9, 3)
	sim.Value = 0.25
	sim.AddIndexOffset(1, 4, 7)
	reqs := []mcts.Request{{Key: 1}, {Key: 2}}
	out, err := sim.EvaluateBatch(context.Background(), reqs)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("outputs: %d", len(out))
	}
	for _, o := range out {
		if o.Value != 0.25 || len(o.Policy) != 9 {
			t.Fatalf("output %+v", o)
		}
		if o.Policy[4] <= o.Policy[0] || o.Policy[7] <= o.Policy[0] {
			t.Fatalf("offset not applied: %v", o.Policy)
		}
	}
	sim.ClearIndexOffsets()
	out, _ = sim.EvaluateBatch(context.Background(), reqs[:1])
	if out[0].Policy[4] != out[0].Policy[0] {
		t.Fatalf("offsets not cleared: %v", out[0].Policy)
	}
	if sim.Calls() != 2 || sim.Positions() != 3 {
		t.Fatalf("counters: calls=%d positions=%d", sim.Calls(), sim.Positions())
	}
}

func TestSimulatedJitterIsSeeded(t *testing.T) {
	run := func() []mcts.Output {
		sim := NewSimulated(4, 11)
		sim.Jitter = 0.01
		out, err := sim.EvaluateBatch(context.Background(), make([]mcts.Request, 16))
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i].Value != b[i].Value || a[i].Policy[0] != b[i].Policy[0] {
			t.Fatalf("request %d diverged", i)
		}
		if a[i].Value < -0.01 || a[i].Value > 0.01 {
			t.Fatalf("jitter out of range: %v", a[i].Value)
		}
	}
}

func TestSimulatedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSimulated(4, 1).EvaluateBatch(ctx, []mcts.Request{{}}); err == nil {
		t.Fatal("cancelled context must fail")
	}
}

// A policy offset on one square is enough to make the search prefer it in
// an otherwise neutral position.
func TestSimulatedSteersSearch(t *testing.T) {
	sim := NewSimulated(tictactoe.PolicySize, 5)
	sim.AddIndexOffset(2, 4)
	p := mcts.DefaultParams()
	p.Budget = 200
	p.NumThreads = 2
	p.Seed = 5
	res, err := mcts.Search(context.Background(), tictactoe.Rules{}, tictactoe.Rules{}, sim,
		tictactoe.NewInitialPosition(), game.Context{}, p)
	if err != nil {
		t.Fatal(err)
	}
	if res.BestMove != 4 {
		t.Fatalf("best move %d, children %+v", res.BestMove, res.Children)
	}
}

func TestResolveModelPath(t *testing.T) {
	if _, err := resolveModelPath(""); err == nil {
		t.Fatal("empty path accepted")
	}
	dir := t.TempDir()
	model := filepath.Join(dir, "net.onnx")
	if err := os.WriteFile(model, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := resolveModelPath(model)
	if err != nil || got != model {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := resolveModelPath(filepath.Join(dir, "missing.onnx")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestPrependPathEnv(t *testing.T) {
	t.Setenv("NNMCTS_TEST_PATH", "/a")
	prependPathEnv("NNMCTS_TEST_PATH", "/b")
	prependPathEnv("NNMCTS_TEST_PATH", "/b")
	want := "/b" + string(os.PathListSeparator) + "/a"
	if got := os.Getenv("NNMCTS_TEST_PATH"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
