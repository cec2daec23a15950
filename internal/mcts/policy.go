package mcts

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// NormalisePolicy restricts raw to the slots in indexes and rescales them to
// sum to 1. Negative or non-finite entries count as zero; when nothing
// positive is left the result is uniform.
func NormalisePolicy(raw []float32, indexes []int) ([]float32, error) {
	out := make([]float32, len(indexes))
	var sum float64
	for i, idx := range indexes {
		if idx < 0 || idx >= len(raw) {
			return nil, errors.Wrapf(ErrOracleInconsistency, "policy index %d outside [0,%d)", idx, len(raw))
		}
		p := float64(raw[idx])
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			continue
		}
		out[i] = float32(p)
		sum += p
	}
	if sum <= 0 || math.IsInf(sum, 0) {
		u := 1 / float32(len(indexes))
		for i := range out {
			out[i] = u
		}
		return out, nil
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out, nil
}

// mixDirichlet blends p with a Dirichlet(alpha) sample: (1-eps)*p + eps*d.
func mixDirichlet(p []float32, eps, alpha float64, rng *rand.Rand) {
	if len(p) < 2 || eps <= 0 {
		return
	}
	noise := make([]float64, len(p))
	var sum float64
	for i := range noise {
		noise[i] = sampleGamma(alpha, rng)
		sum += noise[i]
	}
	if sum <= 0 {
		return
	}
	var total float64
	for i := range p {
		v := (1-eps)*float64(p[i]) + eps*noise[i]/sum
		p[i] = float32(v)
		total += v
	}
	for i := range p {
		p[i] = float32(float64(p[i]) / total)
	}
}

// sampleGamma draws from Gamma(alpha, 1) with Marsaglia and Tsang's method.
func sampleGamma(alpha float64, rng *rand.Rand) float64 {
	if alpha < 1 {
		// boost to alpha+1 and scale back
		return sampleGamma(alpha+1, rng) * math.Pow(rng.Float64(), 1/alpha)
	}
	d := alpha - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
