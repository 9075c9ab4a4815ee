package selector

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/crimson-sun/counterfact/internal/model"
)

// ImportanceScorer is a trained auxiliary model predicting how much a
// candidate's removal would shift the target's prediction, given a
// candidate/target pair embedding.
type ImportanceScorer interface {
	// Dim is the expected pair embedding dimensionality.
	Dim() int
	Score(emb []float32) (float64, error)
}

// pretrainedSelector ranks candidates by a learned importance score. All
// pool scores are computed once at construction; ranking only re-sorts the
// filtered remainder. For a positive original prediction candidates are
// ranked ascending by score (removals that push the logit down first),
// mirrored for a negative original prediction.
type pretrainedSelector struct {
	target  model.TargetEvent
	pool    []model.Event
	weights map[int64]float64
}

func newPretrainedSelector(target model.TargetEvent, pool []model.Event, scorer ImportanceScorer) (*pretrainedSelector, error) {
	if want := pairEmbeddingDim(target); scorer.Dim() != want {
		return nil, fmt.Errorf("selector: scorer expects embedding dim %d, pair embeddings have %d", scorer.Dim(), want)
	}

	weights := make(map[int64]float64, len(pool))
	for _, ev := range pool {
		score, err := scorer.Score(pairEmbedding(ev, target))
		if err != nil {
			return nil, fmt.Errorf("selector: score candidate %d: %w", ev.ID, err)
		}
		weights[ev.ID] = score
	}
	return &pretrainedSelector{target: target, pool: pool, weights: weights}, nil
}

func (s *pretrainedSelector) Name() string { return Pretrained }

func (s *pretrainedSelector) Rank(excluded *model.RemovalMask, knownCF [][]int64) ([]int64, error) {
	filtered := filterCandidates(s.pool, s.target.ID, excluded, knownCF)
	ascending := s.target.Positive()
	sort.SliceStable(filtered, func(i, j int) bool {
		wi, wj := s.weights[filtered[i].ID], s.weights[filtered[j].ID]
		if ascending {
			return wi < wj
		}
		return wi > wj
	})
	return ids(filtered), nil
}

func (s *pretrainedSelector) Sample(excluded *model.RemovalMask, knownCF [][]int64, size int) ([]int64, error) {
	return sampleFromRank(s, excluded, knownCF, size)
}

// pairEmbeddingDim is the candidate's feature vector plus the time delta to
// the target and the feature-space cosine similarity between the two edges.
func pairEmbeddingDim(target model.TargetEvent) int {
	return len(target.Features) + 2
}

func pairEmbedding(cand model.Event, target model.TargetEvent) []float32 {
	emb := make([]float32, 0, pairEmbeddingDim(target))
	emb = append(emb, cand.Features...)
	emb = append(emb, float32(target.Timestamp-cand.Timestamp))
	emb = append(emb, float32(featureCosine(cand.Features, target.Features)))
	return emb
}

// featureCosine is the cosine similarity of two edge feature vectors.
func featureCosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	va := mat.NewVecDense(len(a), toFloat64(a))
	vb := mat.NewVecDense(len(b), toFloat64(b))
	na, nb := mat.Norm(va, 2), mat.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return mat.Dot(va, vb) / (na * nb)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
