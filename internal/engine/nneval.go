package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"nnmcts/internal/mcts"
)

// ValueHead describes how the model reports the position value.
type ValueHead int

const (
	// ValueTanh is a single output already in [-1, 1].
	ValueTanh ValueHead = iota
	// ValueSigmoid is a single win probability in [0, 1].
	ValueSigmoid
	// ValueWDL is three logits: win, loss, draw for the side to move.
	ValueWDL
)

func (h ValueHead) width() int {
	if h == ValueWDL {
		return 3
	}
	return 1
}

// ONNXConfig describes the model's tensors.
type ONNXConfig struct {
	ModelPath string
	LibPath   string // onnxruntime shared library
	CacheDir  string // TensorRT engine cache, "" = ./trt_cache

	MaxBatchSize int
	FeatureShape []int64 // per-position input shape, e.g. {3, 3, 3}
	PolicySize   int

	InputName    string
	PolicyOutput string
	ValueOutput  string
	ValueHead    ValueHead
	// PolicyLogits applies a softmax to the policy output.
	PolicyLogits bool

	// Providers lists execution providers to try in order. Empty tries
	// TensorRT, CUDA, DirectML and finally CPU.
	Providers []string
}

func DefaultONNXConfig() ONNXConfig {
	return ONNXConfig{
		LibPath:      "onnxruntime.so",
		MaxBatchSize: 64,
		InputName:    "input",
		PolicyOutput: "policy",
		ValueOutput:  "value",
		ValueHead:    ValueWDL,
		PolicyLogits: true,
	}
}

// NNEvaluator runs an ONNX model over fixed-size batches. The tensors are
// allocated once at MaxBatchSize; shorter batches zero the unused tail.
type NNEvaluator struct {
	cfg      ONNXConfig
	provider string

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   []float32
	policy  []float32
	value   []float32
	inputs  []ort.Value
	outputs []ort.Value

	featureSize int
}

func featureSize(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// NewNNEvaluator loads the model, trying each execution provider in turn
// until one both builds a session and survives a warm-up run.
func NewNNEvaluator(cfg ONNXConfig) (*NNEvaluator, error) {
	if cfg.MaxBatchSize < 1 || cfg.PolicySize < 1 || len(cfg.FeatureShape) == 0 {
		return nil, errors.Errorf("onnx config: batch %d, policy %d, shape %v", cfg.MaxBatchSize, cfg.PolicySize, cfg.FeatureShape)
	}
	modelPath, err := resolveModelPath(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "trt_cache"
	}
	absCachePath, _ := filepath.Abs(cacheDir)
	_ = os.MkdirAll(absCachePath, 0o755)
	setNativeEnv("ORT_TENSORRT_ENGINE_CACHE_ENABLE", "1")
	setNativeEnv("ORT_TENSORRT_CACHE_PATH", absCachePath)
	setNativeEnv("ORT_LOGGING_LEVEL", "3")

	if !ort.IsInitialized() {
		libPath, err := resolveORTSharedLibraryPath(cfg.LibPath)
		if err != nil {
			return nil, err
		}
		libDir := filepath.Dir(libPath)
		prependPathEnv("PATH", libDir)
		configureORTSearchPath(libDir)
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "initialize onnxruntime")
		}
	}

	n := &NNEvaluator{cfg: cfg, featureSize: featureSize(cfg.FeatureShape)}
	b := int64(cfg.MaxBatchSize)
	n.input = make([]float32, cfg.MaxBatchSize*n.featureSize)
	n.policy = make([]float32, cfg.MaxBatchSize*cfg.PolicySize)
	n.value = make([]float32, cfg.MaxBatchSize*cfg.ValueHead.width())

	inShape := ort.NewShape(append([]int64{b}, cfg.FeatureShape...)...)
	inTensor, err := ort.NewTensor(inShape, n.input)
	if err != nil {
		return nil, errors.Wrap(err, "input tensor")
	}
	policyTensor, err := ort.NewTensor(ort.NewShape(b, int64(cfg.PolicySize)), n.policy)
	if err != nil {
		inTensor.Destroy()
		return nil, errors.Wrap(err, "policy tensor")
	}
	valueTensor, err := ort.NewTensor(ort.NewShape(b, int64(cfg.ValueHead.width())), n.value)
	if err != nil {
		inTensor.Destroy()
		policyTensor.Destroy()
		return nil, errors.Wrap(err, "value tensor")
	}
	n.inputs = []ort.Value{inTensor}
	n.outputs = []ort.Value{policyTensor, valueTensor}

	for _, p := range providers(cfg.Providers, absCachePath) {
		log.Debug().Str("provider", p.name).Msg("onnx-provider-try")
		so, err := ort.NewSessionOptions()
		if err != nil {
			n.Close()
			return nil, errors.Wrap(err, "session options")
		}
		if err := p.setup(so); err != nil {
			log.Debug().Str("provider", p.name).Err(err).Msg("onnx-provider-setup-failed")
			so.Destroy()
			continue
		}
		s, err := ort.NewAdvancedSession(modelPath,
			[]string{cfg.InputName}, []string{cfg.PolicyOutput, cfg.ValueOutput},
			n.inputs, n.outputs, so)
		so.Destroy()
		if err != nil {
			log.Debug().Str("provider", p.name).Err(err).Msg("onnx-session-failed")
			continue
		}
		if err := s.Run(); err != nil {
			log.Debug().Str("provider", p.name).Err(err).Msg("onnx-warmup-failed")
			s.Destroy()
			continue
		}
		n.session = s
		n.provider = p.name
		break
	}
	if n.session == nil {
		n.Close()
		return nil, errors.New("failed to initialize NN with any provider")
	}
	log.Info().Str("provider", n.provider).Str("model", modelPath).Msg("onnx-ready")
	return n, nil
}

type provider struct {
	name  string
	setup func(*ort.SessionOptions) error
}

func providers(names []string, cacheDir string) []provider {
	all := map[string]provider{
		"tensorrt": {"TensorRT", func(so *ort.SessionOptions) error {
			opts, err := ort.NewTensorRTProviderOptions()
			if err != nil {
				return err
			}
			defer opts.Destroy()
			if err := opts.Update(map[string]string{
				"device_id":               "0",
				"trt_engine_cache_enable": "1",
				"trt_engine_cache_path":   cacheDir,
				"trt_fp16_enable":         "1",
			}); err != nil {
				return err
			}
			return so.AppendExecutionProviderTensorRT(opts)
		}},
		"cuda": {"CUDA", func(so *ort.SessionOptions) error {
			opts, err := ort.NewCUDAProviderOptions()
			if err != nil {
				return err
			}
			defer opts.Destroy()
			return so.AppendExecutionProviderCUDA(opts)
		}},
		"directml": {"DirectML", func(so *ort.SessionOptions) error {
			return so.AppendExecutionProviderDirectML(0)
		}},
		"cpu": {"CPU", func(*ort.SessionOptions) error { return nil }},
	}
	if len(names) == 0 {
		names = []string{"tensorrt", "cuda", "directml", "cpu"}
	}
	out := make([]provider, 0, len(names))
	for _, name := range names {
		if p, ok := all[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Provider names the execution provider the session runs on.
func (n *NNEvaluator) Provider() string { return n.provider }

func (n *NNEvaluator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session != nil {
		n.session.Destroy()
		n.session = nil
	}
	for _, v := range n.inputs {
		v.Destroy()
	}
	for _, v := range n.outputs {
		v.Destroy()
	}
	n.inputs, n.outputs = nil, nil
}

// EvaluateBatch splits reqs into MaxBatchSize chunks and runs each.
func (n *NNEvaluator) EvaluateBatch(ctx context.Context, reqs []mcts.Request) ([]mcts.Output, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.session == nil {
		return nil, errors.New("onnx evaluator closed")
	}
	out := make([]mcts.Output, 0, len(reqs))
	for start := 0; start < len(reqs); start += n.cfg.MaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+n.cfg.MaxBatchSize, len(reqs))
		chunk, err := n.run(reqs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (n *NNEvaluator) run(reqs []mcts.Request) ([]mcts.Output, error) {
	fs := n.featureSize
	for i, r := range reqs {
		if len(r.Features) != fs {
			return nil, errors.Errorf("request %d: %d features, model wants %d", i, len(r.Features), fs)
		}
		copy(n.input[i*fs:(i+1)*fs], r.Features)
	}
	clear(n.input[len(reqs)*fs:])

	if err := n.session.Run(); err != nil {
		return nil, errors.Wrap(err, "onnx run")
	}

	ps, vw := n.cfg.PolicySize, n.cfg.ValueHead.width()
	out := make([]mcts.Output, len(reqs))
	for i := range reqs {
		policy := make([]float32, ps)
		copy(policy, n.policy[i*ps:(i+1)*ps])
		if n.cfg.PolicyLogits {
			softmaxInPlace(policy)
		}
		var v float32
		raw := n.value[i*vw : (i+1)*vw]
		switch n.cfg.ValueHead {
		case ValueWDL:
			v = wdlValue(raw)
		case ValueSigmoid:
			v = FromSigmoid(raw[0])
		default:
			v = raw[0]
		}
		out[i] = mcts.Output{Value: clampValue(v), Policy: policy}
	}
	return out, nil
}
