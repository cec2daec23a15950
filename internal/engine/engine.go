// Package engine holds the evaluators the search can be wired to: a
// deterministic simulated network for tests and self-play smoke runs, and an
// ONNX Runtime network for real models.
package engine

import (
	"math"

	"nnmcts/internal/mcts"
)

var (
	_ mcts.Evaluator = (*Simulated)(nil)
	_ mcts.Evaluator = (*NNEvaluator)(nil)
)

// FromSigmoid maps a sigmoid win probability in [0,1] to a value in [-1,1].
func FromSigmoid(p float32) float32 {
	return 2*p - 1
}

// ToSigmoid is the inverse of FromSigmoid.
func ToSigmoid(v float32) float32 {
	return (v + 1) / 2
}

// wdlValue turns [win, loss, draw] logits for the side to move into a value.
func wdlValue(logits []float32) float32 {
	m := max(logits[0], logits[1], logits[2])
	e0 := math.Exp(float64(logits[0] - m))
	e1 := math.Exp(float64(logits[1] - m))
	e2 := math.Exp(float64(logits[2] - m))
	sum := e0 + e1 + e2
	return float32((e0 - e1) / sum)
}

// softmaxInPlace normalises logits into probabilities.
func softmaxInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	m := v[0]
	for _, x := range v[1:] {
		m = max(m, x)
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - m))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}

func clampValue(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)):
		return v
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
