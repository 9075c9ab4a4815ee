package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/crimson-sun/counterfact/internal/model"
)

// greedySearch removes one event per round: every remaining candidate in
// the round's sample is scored against the current mask and the single
// most shifting removal is committed. Removals are never undone, so the
// score sequence is monotone toward the flip for a well-behaved predictor.
type greedySearch struct {
	target model.TargetEvent
	deps   Deps
	cfg    Config
	state  greedyState
}

// greedyState is the serialized between-steps progress of one greedy
// search.
type greedyState struct {
	Removed      []int64   `json:"removed"`
	Importances  []float64 `json:"importances"`
	CurrentScore float64   `json:"current_score"`
	LargestDelta float64   `json:"largest_delta"`
	Steps        int       `json:"steps"`
	Done         bool      `json:"done"`
	Flipped      bool      `json:"flipped"`
	Exhausted    bool      `json:"exhausted"`
}

func newGreedy(target model.TargetEvent, deps Deps, cfg Config) *greedySearch {
	return &greedySearch{
		target: target,
		deps:   deps,
		cfg:    cfg,
		state: greedyState{
			CurrentScore: target.OriginalScore,
		},
	}
}

func (g *greedySearch) Name() string { return Greedy }

func (g *greedySearch) State() ([]byte, error) {
	return json.Marshal(g.state)
}

func (g *greedySearch) Restore(data []byte) error {
	var st greedyState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("search: restore greedy state: %w", err)
	}
	g.state = st
	return nil
}

func (g *greedySearch) mask() *model.RemovalMask {
	return model.NewRemovalMask(g.state.Removed...)
}

func (g *greedySearch) Search(ctx context.Context, budget Budget) (*model.Explanation, error) {
	start := time.Now()
	if budget.Steps <= 0 && !g.state.Done && g.state.Steps == 0 {
		return skipExplanation(g.target, Greedy, g.deps.Selector.Name(), model.SkipZeroBudget), nil
	}

	callsBefore := g.state.Steps
	reason := model.SkipNone

	for !g.state.Done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if budget.expired() || g.state.Steps >= budget.Steps {
			reason = model.SkipBudget
			break
		}

		mask := g.mask()
		candidates, err := g.deps.Selector.Sample(mask, nil, g.cfg.SampleSize)
		if err != nil {
			return nil, fmt.Errorf("search: sample candidates: %w", err)
		}
		if len(candidates) == 0 {
			if mask.Len() == 0 {
				// Nothing precedes the target: inexplicable, zero oracle calls.
				return skipExplanation(g.target, Greedy, g.deps.Selector.Name(), model.SkipNoCandidates), nil
			}
			g.state.Done = true
			g.state.Exhausted = true
			break
		}
		if remaining := budget.Steps - g.state.Steps; len(candidates) > remaining {
			candidates = candidates[:remaining]
		}

		scores, err := g.scoreCandidates(ctx, mask, candidates)
		if err != nil {
			return nil, err
		}
		g.state.Steps += len(candidates)

		// Most shifted wins; strict improvement keeps ties on candidate rank.
		bestIdx := -1
		bestScore := g.state.CurrentScore
		largest := g.state.LargestDelta
		for i, score := range scores {
			delta := model.PredictionDelta(g.target.OriginalScore, score)
			if delta > largest {
				largest = delta
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			g.state.Done = true
			g.state.Exhausted = true
			break
		}

		g.state.Removed = append(g.state.Removed, candidates[bestIdx])
		g.state.Importances = append(g.state.Importances, largest)
		g.state.CurrentScore = bestScore
		g.state.LargestDelta = largest
		g.deps.Metrics.SearchStep()

		slog.Debug("greedy removal committed",
			"target", g.target.ID,
			"event", candidates[bestIdx],
			"score", bestScore,
			"removed", len(g.state.Removed))

		if flipped(g.cfg.FlipThreshold, g.target.OriginalScore, bestScore) {
			g.state.Done = true
			g.state.Flipped = true
		}
	}

	if g.state.Exhausted && !g.state.Flipped {
		reason = model.SkipExhausted
	}

	return &model.Explanation{
		TargetID:       g.target.ID,
		Explainer:      Greedy,
		Strategy:       g.deps.Selector.Name(),
		RemovedIDs:     append([]int64(nil), g.state.Removed...),
		Importances:    append([]float64(nil), g.state.Importances...),
		OriginalScore:  g.target.OriginalScore,
		BestScore:      g.state.CurrentScore,
		Counterfactual: g.state.Flipped,
		Steps:          g.state.Steps,
		OracleCalls:    g.state.Steps - callsBefore,
		Duration:       time.Since(start),
		SkipReason:     reason,
	}, nil
}

// scoreCandidates evaluates each candidate's removal on top of the current
// mask. Candidate evaluations are independent until a winner is committed,
// so they run through the oracle's batch path.
func (g *greedySearch) scoreCandidates(ctx context.Context, mask *model.RemovalMask, candidates []int64) ([]float64, error) {
	masks := make([]*model.RemovalMask, len(candidates))
	for i, id := range candidates {
		masks[i] = cloneWith(mask, id)
	}
	scores, err := g.deps.Oracle.PredictBatch(ctx, g.target.ID, masks)
	if err != nil {
		return nil, wrapOracleErr(err)
	}
	return scores, nil
}
