// Package selector ranks which historical events are plausible removal
// candidates for a target event. Strategies form a closed set dispatched by
// name; all of them operate on the target's fixed candidate pool computed
// once by the store and shared across search strategies.
package selector

import (
	"fmt"

	"github.com/crimson-sun/counterfact/internal/model"
)

// Strategy names accepted by New. "all" is expanded by the evaluation loop,
// never passed here.
const (
	Random     = "random"
	Recency    = "recency"
	Structural = "structural"
	Pretrained = "pretrained"
)

// Selector ranks and samples removal candidates for one target event.
//
// Rank returns candidate ids best-first under the strategy's notion of
// relevance, after filtering out already-excluded events. knownCF carries
// previously found counterfactual sets so the selector can avoid proposing
// a candidate that would only rediscover one of them.
type Selector interface {
	Name() string
	Rank(excluded *model.RemovalMask, knownCF [][]int64) ([]int64, error)
	Sample(excluded *model.RemovalMask, knownCF [][]int64, size int) ([]int64, error)
}

// Config selects and parameterizes a strategy.
type Config struct {
	Strategy string
	Seed     int64
	// Scorer is the pretrained importance model; required for Pretrained.
	Scorer ImportanceScorer
}

// New builds the named selector for a target and its candidate pool.
// Unknown strategy names are an error, not a fallback.
func New(cfg Config, target model.TargetEvent, pool []model.Event) (Selector, error) {
	switch cfg.Strategy {
	case Random:
		return newRandomSelector(target, pool, cfg.Seed), nil
	case Recency:
		return newRecencySelector(target, pool), nil
	case Structural:
		return newStructuralSelector(target, pool), nil
	case Pretrained:
		if cfg.Scorer == nil {
			return nil, fmt.Errorf("selector: pretrained strategy requires a scorer model")
		}
		return newPretrainedSelector(target, pool, cfg.Scorer)
	default:
		return nil, fmt.Errorf("selector: unknown strategy %q", cfg.Strategy)
	}
}

// filterCandidates drops the target itself, already-excluded events, and
// events whose removal would only complete an already-known counterfactual
// set again.
func filterCandidates(pool []model.Event, targetID int64, excluded *model.RemovalMask, knownCF [][]int64) []model.Event {
	avoid := make(map[int64]bool)
	for _, cf := range knownCF {
		missing := int64(-1)
		covered := 0
		for _, id := range cf {
			if excluded != nil && excluded.Contains(id) {
				covered++
			} else {
				missing = id
			}
		}
		// All but one id already removed: proposing the last one would
		// rediscover this counterfactual instead of finding a new one.
		if covered >= len(cf)-1 && missing != -1 {
			avoid[missing] = true
		}
	}

	out := make([]model.Event, 0, len(pool))
	for _, ev := range pool {
		if ev.ID == targetID {
			continue
		}
		if excluded != nil && excluded.Contains(ev.ID) {
			continue
		}
		if avoid[ev.ID] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// sampleFromRank truncates a ranking to size. Fewer qualifying candidates
// than requested is not an error; the caller gets what exists.
func sampleFromRank(s Selector, excluded *model.RemovalMask, knownCF [][]int64, size int) ([]int64, error) {
	ranked, err := s.Rank(excluded, knownCF)
	if err != nil {
		return nil, err
	}
	if len(ranked) <= size {
		return ranked, nil
	}
	return ranked[:size], nil
}

func ids(events []model.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}
