// Package cmdutil holds the flag groups and logging setup shared by the
// commands under cmd/.
package cmdutil

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/engine"
	"nnmcts/internal/mcts"
	"nnmcts/internal/store"
	"nnmcts/internal/tictactoe"
)

// SetupLogging sets the global zerolog level and routes the global logger
// through a console writer on w (stderr when nil).
func SetupLogging(level string, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	if w == nil {
		w = os.Stderr
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly})
	return nil
}

// SearchFlags are the search parameters exposed on the command line.
type SearchFlags struct {
	Budget   int
	Threads  int
	Batch    int
	Cache    int
	Cpuct    float64
	CpuctEnd float64 // < 0 keeps Cpuct constant
	Decay    int     // plies over which Cpuct decays to CpuctEnd
	Fpu      float64
	Noise    bool
	Seed     int64
	MaxTime  time.Duration
}

func (f *SearchFlags) Register(fs *flag.FlagSet) {
	d := mcts.DefaultParams()
	fs.IntVar(&f.Budget, "budget", d.Budget, "search calls per move")
	fs.IntVar(&f.Threads, "threads", d.NumThreads, "worker goroutines")
	fs.IntVar(&f.Batch, "batch", d.BatchSize, "evaluator batch size")
	fs.IntVar(&f.Cache, "cache", d.CacheCapacity, "evaluation cache entries")
	fs.Float64Var(&f.Cpuct, "cpuct", 2.5, "exploration constant")
	fs.Float64Var(&f.CpuctEnd, "cpuct-end", -1, "exploration constant after -cpuct-decay plies, <0 = constant")
	fs.IntVar(&f.Decay, "cpuct-decay", 0, "plies over which cpuct decays")
	fs.Float64Var(&f.Fpu, "fpu", d.FpuReduction, "first-play urgency reduction")
	fs.BoolVar(&f.Noise, "noise", false, "Dirichlet noise at the root")
	fs.Int64Var(&f.Seed, "seed", 0, "random seed, 0 = random")
	fs.DurationVar(&f.MaxTime, "movetime", 0, "time cap per search, 0 = none")
}

// Params builds validated search parameters.
func (f *SearchFlags) Params() (mcts.Params, error) {
	p := mcts.DefaultParams()
	p.Budget = f.Budget
	p.NumThreads = f.Threads
	p.BatchSize = f.Batch
	p.CacheCapacity = f.Cache
	p.Schedule = mcts.ConstantSchedule(f.Cpuct)
	if f.CpuctEnd >= 0 {
		p.Schedule = mcts.LinearSchedule(f.Cpuct, f.CpuctEnd, f.Decay)
	}
	p.FpuReduction = f.Fpu
	p.Noise = f.Noise
	p.Seed = f.Seed
	p.MaxTime = f.MaxTime
	return p, p.Validate()
}

// EvalFlags choose the evaluator: an ONNX model when -model is set,
// otherwise the simulated network. -archive puts a badger archive in front.
type EvalFlags struct {
	Model    string
	Lib      string
	Provider string
	Archive  string
	SimValue float64
	Jitter   float64
	Seed     int64
}

func (f *EvalFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.Model, "model", "", "path to ONNX model file, empty = simulated network")
	fs.StringVar(&f.Lib, "lib", engine.DefaultONNXConfig().LibPath, "path to the onnxruntime shared library")
	fs.StringVar(&f.Provider, "provider", "", "execution provider to force (TensorRT, CUDA, DirectML, CPU)")
	fs.StringVar(&f.Archive, "archive", "", "badger directory caching evaluations across runs")
	fs.Float64Var(&f.SimValue, "sim-value", 0, "simulated network value")
	fs.Float64Var(&f.Jitter, "sim-jitter", 0.05, "simulated network value jitter")
	fs.Int64Var(&f.Seed, "sim-seed", 0, "simulated network seed, 0 = random")
}

// Open builds the evaluator. The returned close func releases the model
// and the archive.
func (f *EvalFlags) Open() (mcts.Evaluator, func(), error) {
	var (
		eval    mcts.Evaluator
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if f.Model != "" {
		cfg := engine.DefaultONNXConfig()
		cfg.ModelPath = f.Model
		cfg.LibPath = f.Lib
		cfg.FeatureShape = []int64{tictactoe.NumPlanes, 3, 3}
		cfg.PolicySize = tictactoe.PolicySize
		if f.Provider != "" {
			cfg.Providers = []string{f.Provider}
		}
		nn, err := engine.NewNNEvaluator(cfg)
		if err != nil {
			return nil, nil, err
		}
		eval = nn
		closers = append(closers, nn.Close)
	} else {
		sim := engine.NewSimulated(tictactoe.PolicySize, f.Seed)
		sim.Value = float32(f.SimValue)
		sim.Jitter = float32(f.Jitter)
		eval = sim
	}

	if f.Archive != "" {
		a, err := store.Open(store.Options{Dir: f.Archive, PolicySize: tictactoe.PolicySize})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			st := a.Stats()
			log.Info().Int64("hits", st.Hits).Int64("misses", st.Misses).Int64("writes", st.Writes).Msg("archive-closed")
			if err := a.Close(); err != nil {
				log.Warn().Err(err).Msg("archive-close")
			}
		})
		eval = &store.ArchivedEvaluator{Archive: a, Inner: eval}
	}
	return eval, closeAll, nil
}
