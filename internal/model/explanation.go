package model

import (
	"math"
	"time"
)

// Skip reasons recorded when a search terminates without running.
const (
	SkipNone          = ""
	SkipNoCandidates  = "no_candidates"        // no events precede the target
	SkipZeroBudget    = "zero_budget"          // step budget of 0
	SkipExhausted     = "candidates_exhausted" // search ran out of useful removals
	SkipBudget        = "budget_exhausted"     // step or wall-clock budget hit mid-search
	SkipOracleFailure = "oracle_failure"       // predictor error aborted the search
)

// Explanation is the outcome of one counterfactual search for one target.
// Immutable once produced; the results log persists one row per
// (target, explainer, strategy).
type Explanation struct {
	TargetID    int64
	Explainer   string
	Strategy    string
	RemovedIDs  []int64   // in removal order
	Importances []float64 // cumulative prediction delta after each removal

	OriginalScore  float64
	BestScore      float64 // score under the final removal mask
	Counterfactual bool    // prediction flipped before budget exhaustion

	Steps       int // oracle-call-plus-commit steps consumed
	OracleCalls int
	Duration    time.Duration
	SkipReason  string
	Err         string // non-fatal failure detail, empty on success
}

// PredictionDelta measures how far a perturbed score has shifted from the
// original. When the sign flips the magnitudes add; otherwise the shift is
// the loss of magnitude.
func PredictionDelta(original, perturbed float64) float64 {
	if original*perturbed < 0 {
		return math.Abs(original) + math.Abs(perturbed)
	}
	return math.Abs(original) - math.Abs(perturbed)
}

// AbsoluteImportances converts the cumulative importances into the marginal
// contribution of each removed event.
func (e *Explanation) AbsoluteImportances() []float64 {
	out := make([]float64, len(e.Importances))
	for i, imp := range e.Importances {
		if i == 0 {
			out[i] = imp
			continue
		}
		out[i] = imp - e.Importances[i-1]
	}
	return out
}

// RelativeImportances normalizes the marginal importances by the total
// achieved delta. Returns nil when no events were removed or the total
// delta is zero.
func (e *Explanation) RelativeImportances() []float64 {
	n := len(e.Importances)
	if n == 0 {
		return nil
	}
	total := e.Importances[n-1]
	if total == 0 {
		return nil
	}
	abs := e.AbsoluteImportances()
	for i := range abs {
		abs[i] /= total
	}
	return abs
}

// Probability maps the best achieved logit to a probability.
func (e *Explanation) Probability() float64 {
	return sigmoid(e.BestScore)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
