package oracle

import (
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/crimson-sun/counterfact/internal/model"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

// initORT initializes the ONNX Runtime environment. Safe to call multiple
// times; only the first call has any effect.
func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// Input tensor names of the exported link predictor. The TGNN is exported
// with the target edge plus both endpoints' sampled temporal neighborhoods
// flattened into fixed-size tensors; the recurrent memory is folded into
// the export.
var predictorInputs = []string{
	"edge_feat",      // [1, featDim]
	"src_neigh_feat", // [1, numNeighbors, featDim]
	"dst_neigh_feat", // [1, numNeighbors, featDim]
	"src_neigh_dt",   // [1, numNeighbors] time deltas to the target
	"dst_neigh_dt",   // [1, numNeighbors]
	"src_neigh_mask", // [1, numNeighbors] 1 for real neighbors, 0 for padding
	"dst_neigh_mask", // [1, numNeighbors]
}

const predictorOutput = "logit" // [1, 1]

// session wraps a DynamicAdvancedSession for the exported TGNN link
// predictor.
type session struct {
	sess         *ort.DynamicAdvancedSession
	featDim      int64
	numNeighbors int64
}

// newSession loads the ONNX model and creates an inference session,
// validating tensor names and shapes. Load failures wrap model.ErrModelLoad
// so callers can distinguish the fatal artifact problem from runtime
// prediction errors.
func newSession(modelPath string) (*session, error) {
	// The ONNX Runtime shared library ships alongside the model artifact.
	libPath := filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("oracle: initialize runtime: %w: %v", model.ErrModelLoad, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("oracle: read model info: %w: %v", model.ErrModelLoad, err)
	}

	byName := make(map[string]ort.InputOutputInfo, len(inputs))
	for _, inp := range inputs {
		byName[inp.Name] = inp
	}
	for _, name := range predictorInputs {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("oracle: %w: model missing required input %q", model.ErrModelLoad, name)
		}
	}

	edgeFeat := byName["edge_feat"].Dimensions
	if len(edgeFeat) != 2 {
		return nil, fmt.Errorf("oracle: %w: expected 2D edge_feat, got %v", model.ErrModelLoad, edgeFeat)
	}
	neighFeat := byName["src_neigh_feat"].Dimensions
	if len(neighFeat) != 3 {
		return nil, fmt.Errorf("oracle: %w: expected 3D src_neigh_feat, got %v", model.ErrModelLoad, neighFeat)
	}

	if len(outputs) == 0 {
		return nil, fmt.Errorf("oracle: %w: model has no outputs", model.ErrModelLoad)
	}
	if outputs[0].Name != predictorOutput {
		return nil, fmt.Errorf("oracle: %w: expected output %q, got %q", model.ErrModelLoad, predictorOutput, outputs[0].Name)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("oracle: session options: %w: %v", model.ErrModelLoad, err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(4)
	opts.SetInterOpNumThreads(1)

	sess, err := ort.NewDynamicAdvancedSession(
		modelPath,
		predictorInputs,
		[]string{predictorOutput},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("oracle: create session: %w: %v", model.ErrModelLoad, err)
	}

	return &session{
		sess:         sess,
		featDim:      edgeFeat[1],
		numNeighbors: neighFeat[1],
	}, nil
}

// infer runs one forward pass and returns the predicted logit.
func (s *session) infer(in *inputs) (float64, error) {
	n := s.numNeighbors
	f := s.featDim

	tensors := make([]ort.Value, 0, len(predictorInputs))
	destroy := func() {
		for _, t := range tensors {
			t.Destroy()
		}
	}

	for _, spec := range []struct {
		data  []float32
		shape ort.Shape
	}{
		{in.edgeFeat, ort.NewShape(1, f)},
		{in.srcNeighFeat, ort.NewShape(1, n, f)},
		{in.dstNeighFeat, ort.NewShape(1, n, f)},
		{in.srcNeighDT, ort.NewShape(1, n)},
		{in.dstNeighDT, ort.NewShape(1, n)},
		{in.srcNeighMask, ort.NewShape(1, n)},
		{in.dstNeighMask, ort.NewShape(1, n)},
	} {
		t, err := ort.NewTensor(spec.shape, spec.data)
		if err != nil {
			destroy()
			return 0, fmt.Errorf("oracle: create input tensor: %w", err)
		}
		tensors = append(tensors, t)
	}
	defer destroy()

	outputs := []ort.Value{nil}
	if err := s.sess.Run(tensors, outputs); err != nil {
		return 0, fmt.Errorf("oracle: inference: %w", err)
	}
	out := outputs[0].(*ort.Tensor[float32])
	defer out.Destroy()

	data := out.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("oracle: empty output tensor")
	}
	return float64(data[0]), nil
}

// close releases ONNX Runtime resources.
func (s *session) close() error {
	if s.sess != nil {
		return s.sess.Destroy()
	}
	return nil
}
