// Package search implements the counterfactual search strategies. Each
// strategy consumes a candidate selector, the predictor oracle, and a
// removal mask, and produces an explanation for one target event. The set
// of strategies is closed and dispatched by explainer name.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crimson-sun/counterfact/internal/model"
	"github.com/crimson-sun/counterfact/internal/selector"
	"github.com/crimson-sun/counterfact/pkg/metrics"
)

// Explainer names accepted by New.
const (
	Greedy        = "greedy"
	CoDy          = "cody"
	TGNNExplainer = "tgnnexplainer"
)

// Oracle is the slice of the predictor the searches need. One Predict call
// is one atomic search step; PredictBatch scores independent masks
// concurrently without changing step accounting.
type Oracle interface {
	Predict(ctx context.Context, targetID int64, mask *model.RemovalMask) (float64, error)
	PredictBatch(ctx context.Context, targetID int64, masks []*model.RemovalMask) ([]float64, error)
}

// Budget bounds one search. Steps caps predictor calls; a zero Deadline
// means no wall-clock limit. A Steps value of zero or less returns the
// unperturbed prediction without any oracle call.
type Budget struct {
	Steps    int
	Deadline time.Time
}

func (b Budget) expired() bool {
	return !b.Deadline.IsZero() && time.Now().After(b.Deadline)
}

// Strategy is one search algorithm bound to a single target event. Search
// may be called again after an interrupted run once Restore has loaded the
// serialized intermediate state; progress resumes rather than restarting.
type Strategy interface {
	Name() string
	Search(ctx context.Context, budget Budget) (*model.Explanation, error)
	// State serializes the intermediate search state between atomic steps.
	State() ([]byte, error)
	// Restore loads state previously produced by State on an equivalent
	// strategy (same target, selector, and seed).
	Restore(data []byte) error
}

// Config carries strategy tunables.
type Config struct {
	// SampleSize is how many ranked candidates each round draws.
	SampleSize int

	// FlipThreshold is the logit decision boundary a perturbed score must
	// cross for the removal set to count as a counterfactual. Zero is the
	// model's own boundary (probability 0.5).
	FlipThreshold float64

	// ProgressThreshold is the minimum relative prediction delta for a
	// CoDy removal to count as progress rather than trigger backtracking.
	ProgressThreshold float64
	// Patience is how many CoDy rounds without improvement to tolerate
	// before stopping early.
	Patience int
}

// Deps are the collaborators every strategy shares.
type Deps struct {
	Oracle   Oracle
	Selector selector.Selector
	Metrics  *metrics.Manager
}

// New builds the named strategy for a target.
func New(explainer string, target model.TargetEvent, deps Deps, cfg Config) (Strategy, error) {
	if deps.Oracle == nil || deps.Selector == nil {
		return nil, fmt.Errorf("search: oracle and selector are required")
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 10
	}
	switch explainer {
	case Greedy:
		return newGreedy(target, deps, cfg), nil
	case CoDy:
		if cfg.Patience <= 0 {
			cfg.Patience = 3
		}
		return newCoDy(target, deps, cfg), nil
	case TGNNExplainer:
		return newMCTS(target, deps, cfg), nil
	default:
		return nil, fmt.Errorf("search: unknown explainer %q", explainer)
	}
}

// skipExplanation is the immediate result for targets that cannot or need
// not be searched.
func skipExplanation(target model.TargetEvent, name, strategy, reason string) *model.Explanation {
	return &model.Explanation{
		TargetID:      target.ID,
		Explainer:     name,
		Strategy:      strategy,
		OriginalScore: target.OriginalScore,
		BestScore:     target.OriginalScore,
		SkipReason:    reason,
	}
}

// flipped reports whether a perturbed logit crossed the decision boundary
// relative to the original.
func flipped(threshold, original, perturbed float64) bool {
	return (original-threshold)*(perturbed-threshold) < 0
}

// cloneWith returns mask plus one extra id, leaving mask untouched.
func cloneWith(mask *model.RemovalMask, id int64) *model.RemovalMask {
	m := mask.Clone()
	m.Add(id)
	return m
}

// wrapOracleErr classifies a predictor failure. Context cancellation and
// the fatal taxonomy sentinels pass through untouched; anything else
// becomes a per-target ErrOracle.
func wrapOracleErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, model.ErrOracle) || errors.Is(err, model.ErrInvalidMask) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrOracle, err)
}
