package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/crimson-sun/counterfact/internal/model"
)

// codySearch refines a removal set like greedy but is allowed to undo a
// committed removal when it fails to make enough progress, trading extra
// oracle calls for a chance to escape local optima. Rejected removals are
// excluded from later sampling so the search never oscillates on the same
// event.
type codySearch struct {
	target model.TargetEvent
	deps   Deps
	cfg    Config
	state  codyState
}

type codyState struct {
	Removed      []int64   `json:"removed"`
	Importances  []float64 `json:"importances"`
	Rejected     []int64   `json:"rejected"`
	CurrentScore float64   `json:"current_score"`
	Steps        int       `json:"steps"`
	NoImprove    int       `json:"no_improve"`
	Done         bool      `json:"done"`
	Flipped      bool      `json:"flipped"`
	Exhausted    bool      `json:"exhausted"`
	KnownCF      [][]int64 `json:"known_cf,omitempty"`
}

func newCoDy(target model.TargetEvent, deps Deps, cfg Config) *codySearch {
	return &codySearch{
		target: target,
		deps:   deps,
		cfg:    cfg,
		state: codyState{
			CurrentScore: target.OriginalScore,
		},
	}
}

func (c *codySearch) Name() string { return CoDy }

func (c *codySearch) State() ([]byte, error) {
	return json.Marshal(c.state)
}

func (c *codySearch) Restore(data []byte) error {
	var st codyState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("search: restore cody state: %w", err)
	}
	c.state = st
	return nil
}

// filterMask is the union of committed removals and rejected events: both
// are invisible to the selector, but only the former count as the
// explanation.
func (c *codySearch) filterMask() *model.RemovalMask {
	m := model.NewRemovalMask(c.state.Removed...)
	for _, id := range c.state.Rejected {
		m.Add(id)
	}
	return m
}

func (c *codySearch) Search(ctx context.Context, budget Budget) (*model.Explanation, error) {
	start := time.Now()
	if budget.Steps <= 0 && !c.state.Done && c.state.Steps == 0 {
		return skipExplanation(c.target, CoDy, c.deps.Selector.Name(), model.SkipZeroBudget), nil
	}

	callsBefore := c.state.Steps
	reason := model.SkipNone

	for !c.state.Done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if budget.expired() || c.state.Steps >= budget.Steps {
			reason = model.SkipBudget
			break
		}

		filter := c.filterMask()
		candidates, err := c.deps.Selector.Sample(filter, c.state.KnownCF, c.cfg.SampleSize)
		if err != nil {
			return nil, fmt.Errorf("search: sample candidates: %w", err)
		}
		if len(candidates) == 0 {
			if filter.Len() == 0 {
				return skipExplanation(c.target, CoDy, c.deps.Selector.Name(), model.SkipNoCandidates), nil
			}
			c.state.Done = true
			c.state.Exhausted = true
			break
		}
		if remaining := budget.Steps - c.state.Steps; len(candidates) > remaining {
			candidates = candidates[:remaining]
		}

		mask := model.NewRemovalMask(c.state.Removed...)
		masks := make([]*model.RemovalMask, len(candidates))
		for i, id := range candidates {
			masks[i] = cloneWith(mask, id)
		}
		scores, err := c.deps.Oracle.PredictBatch(ctx, c.target.ID, masks)
		if err != nil {
			return nil, wrapOracleErr(err)
		}
		c.state.Steps += len(candidates)

		bestIdx := 0
		bestDelta := math.Inf(-1)
		for i, score := range scores {
			if d := model.PredictionDelta(c.target.OriginalScore, score); d > bestDelta {
				bestDelta = d
				bestIdx = i
			}
		}
		bestScore := scores[bestIdx]
		currentDelta := model.PredictionDelta(c.target.OriginalScore, c.state.CurrentScore)
		// Progress is measured relative to the original logit's magnitude,
		// so the threshold has the same meaning across targets.
		progress := (bestDelta - currentDelta) / math.Abs(c.target.OriginalScore)

		if progress >= c.cfg.ProgressThreshold && bestDelta > currentDelta {
			c.state.Removed = append(c.state.Removed, candidates[bestIdx])
			c.state.Importances = append(c.state.Importances, bestDelta)
			c.state.CurrentScore = bestScore
			c.state.NoImprove = 0
			c.deps.Metrics.SearchStep()

			if flipped(c.cfg.FlipThreshold, c.target.OriginalScore, bestScore) {
				c.state.Done = true
				c.state.Flipped = true
				c.state.KnownCF = append(c.state.KnownCF, append([]int64(nil), c.state.Removed...))
			}
			continue
		}

		// Backtrack: provisionally undo the last committed removal and bar
		// the round's best candidate from being proposed again.
		c.state.NoImprove++
		c.state.Rejected = append(c.state.Rejected, candidates[bestIdx])
		if n := len(c.state.Removed); n > 0 {
			undone := c.state.Removed[n-1]
			c.state.Removed = c.state.Removed[:n-1]
			c.state.Importances = c.state.Importances[:n-1]
			c.state.Rejected = append(c.state.Rejected, undone)
			c.state.CurrentScore = c.previousScore()
			slog.Debug("cody backtracked",
				"target", c.target.ID,
				"undone", undone,
				"no_improve", c.state.NoImprove)
		}
		if c.state.NoImprove >= c.cfg.Patience {
			c.state.Done = true
			c.state.Exhausted = true
		}
	}

	if c.state.Exhausted && !c.state.Flipped {
		reason = model.SkipExhausted
	}

	return &model.Explanation{
		TargetID:       c.target.ID,
		Explainer:      CoDy,
		Strategy:       c.deps.Selector.Name(),
		RemovedIDs:     append([]int64(nil), c.state.Removed...),
		Importances:    append([]float64(nil), c.state.Importances...),
		OriginalScore:  c.target.OriginalScore,
		BestScore:      c.state.CurrentScore,
		Counterfactual: c.state.Flipped,
		Steps:          c.state.Steps,
		OracleCalls:    c.state.Steps - callsBefore,
		Duration:       time.Since(start),
		SkipReason:     reason,
	}, nil
}

// previousScore recovers the score of the remaining removal chain from the
// recorded cumulative importances.
func (c *codySearch) previousScore() float64 {
	if len(c.state.Importances) == 0 {
		return c.target.OriginalScore
	}
	// The cumulative delta d is |o| - |p| when p kept o's sign and
	// |o| + |p| when it crossed zero, so d > |o| iff the sign crossed.
	// Either way |o| - d is |p| carrying that regime's sign flip, and
	// applying o's sign on top reproduces p exactly.
	d := c.state.Importances[len(c.state.Importances)-1]
	mag := math.Abs(c.target.OriginalScore) - d
	if c.target.OriginalScore < 0 {
		return -mag
	}
	return mag
}
