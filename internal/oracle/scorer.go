package oracle

import (
	"fmt"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/crimson-sun/counterfact/internal/model"
)

// Scorer runs the pretrained candidate importance model, the auxiliary
// artifact the pretrained selection strategy delegates to. It satisfies
// selector.ImportanceScorer.
type Scorer struct {
	sess *ort.DynamicAdvancedSession
	dim  int
}

const (
	scorerInput  = "pair_emb"   // [1, dim]
	scorerOutput = "importance" // [1, 1]
)

// NewScorer loads the importance model. Artifact problems wrap
// model.ErrModelLoad, the same fatal class as the predictor itself.
func NewScorer(modelPath string) (*Scorer, error) {
	libPath := filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("scorer: initialize runtime: %w: %v", model.ErrModelLoad, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("scorer: read model info: %w: %v", model.ErrModelLoad, err)
	}
	if len(inputs) != 1 || inputs[0].Name != scorerInput {
		return nil, fmt.Errorf("scorer: %w: expected single input %q", model.ErrModelLoad, scorerInput)
	}
	dims := inputs[0].Dimensions
	if len(dims) != 2 {
		return nil, fmt.Errorf("scorer: %w: expected 2D input, got %v", model.ErrModelLoad, dims)
	}
	if len(outputs) == 0 || outputs[0].Name != scorerOutput {
		return nil, fmt.Errorf("scorer: %w: expected output %q", model.ErrModelLoad, scorerOutput)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("scorer: session options: %w: %v", model.ErrModelLoad, err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(1)
	opts.SetInterOpNumThreads(1)

	sess, err := ort.NewDynamicAdvancedSession(modelPath, []string{scorerInput}, []string{scorerOutput}, opts)
	if err != nil {
		return nil, fmt.Errorf("scorer: create session: %w: %v", model.ErrModelLoad, err)
	}
	return &Scorer{sess: sess, dim: int(dims[1])}, nil
}

// Dim returns the expected pair embedding dimensionality.
func (s *Scorer) Dim() int { return s.dim }

// Score predicts the removal importance for one pair embedding.
func (s *Scorer) Score(emb []float32) (float64, error) {
	if len(emb) != s.dim {
		return 0, fmt.Errorf("scorer: embedding dim %d, want %d", len(emb), s.dim)
	}
	in, err := ort.NewTensor(ort.NewShape(1, int64(s.dim)), emb)
	if err != nil {
		return 0, fmt.Errorf("scorer: create input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.sess.Run([]ort.Value{in}, outputs); err != nil {
		return 0, fmt.Errorf("scorer: inference: %w", err)
	}
	out := outputs[0].(*ort.Tensor[float32])
	defer out.Destroy()

	data := out.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("scorer: empty output tensor")
	}
	return float64(data[0]), nil
}

// Close releases the session.
func (s *Scorer) Close() error {
	if s.sess != nil {
		return s.sess.Destroy()
	}
	return nil
}
