package mcts

import (
	"math"
	"math/rand"
	"testing"
)

func sum32(p []float32) float64 {
	var s float64
	for _, v := range p {
		s += float64(v)
	}
	return s
}

func TestNormalisePolicyIdempotent(t *testing.T) {
	raw := []float32{0.1, 0.5, 0.05, 2.0, -1, float32(math.NaN()), 0.3}
	legal := []int{0, 1, 3, 4, 5}
	once, err := NormalisePolicy(raw, legal)
	if err != nil {
		t.Fatal(err)
	}
	identity := make([]int, len(once))
	for i := range identity {
		identity[i] = i
	}
	twice, err := NormalisePolicy(once, identity)
	if err != nil {
		t.Fatal(err)
	}
	for i := range once {
		if math.Abs(float64(once[i]-twice[i])) > 1e-6 {
			t.Fatalf("slot %d: %v then %v", i, once[i], twice[i])
		}
	}
	if math.Abs(sum32(once)-1) > 1e-6 {
		t.Fatalf("sum %v", sum32(once))
	}
	if once[3] != 0 || once[4] != 0 {
		t.Fatalf("negative and NaN slots must be zero: %v", once)
	}
}

func TestNormalisePolicyUniformFallback(t *testing.T) {
	got, err := NormalisePolicy([]float32{0, 0, 0, 1}, []int{0, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range got {
		if math.Abs(float64(p)-1.0/3) > 1e-6 {
			t.Fatalf("want uniform, got %v", got)
		}
	}
}

func TestNormalisePolicyBadIndex(t *testing.T) {
	if _, err := NormalisePolicy([]float32{1, 1}, []int{0, 2}); err == nil {
		t.Fatal("out-of-range policy index must fail")
	}
}

func TestDirichletNoiseSeeded(t *testing.T) {
	mix := func(seed int64) []float32 {
		p := []float32{0.7, 0.2, 0.1}
		mixDirichlet(p, 0.25, 0.3, rand.New(rand.NewSource(seed)))
		return p
	}
	a, b := mix(42), mix(42)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged: %v vs %v", a, b)
		}
		if a[i] < 0 {
			t.Fatalf("negative prior %v", a)
		}
	}
	if math.Abs(sum32(a)-1) > 1e-5 {
		t.Fatalf("noised priors sum to %v", sum32(a))
	}
	if c := mix(7); c[0] == a[0] && c[1] == a[1] {
		t.Fatalf("different seeds gave identical noise: %v", c)
	}
}

func TestSampleGammaMean(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, alpha := range []float64{0.3, 1, 2.5} {
		var s float64
		const n = 20000
		for i := 0; i < n; i++ {
			s += sampleGamma(alpha, rng)
		}
		if mean := s / n; math.Abs(mean-alpha) > 0.1*alpha+0.02 {
			t.Fatalf("alpha %v: sample mean %v", alpha, mean)
		}
	}
}

func TestLinearSchedule(t *testing.T) {
	s := LinearSchedule(3, 1, 10)
	if s(0) != 3 || s(10) != 1 || s(50) != 1 {
		t.Fatalf("endpoints: %v %v %v", s(0), s(10), s(50))
	}
	if got := s(5); math.Abs(got-2) > 1e-9 {
		t.Fatalf("midpoint: %v", got)
	}
}

func TestGetCpuctLogScaling(t *testing.T) {
	p := DefaultParams()
	if p.GetCpuct(0, 1000) != 2.5 {
		t.Fatal("scaling off by default")
	}
	p.CpuctExplorationLog = 0.4
	if p.GetCpuct(0, 100000) <= 2.5 {
		t.Fatal("visit-log scaling must grow with visits")
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	p.Budget = 0
	if err := p.Validate(); err == nil {
		t.Fatal("zero budget accepted")
	}
}
