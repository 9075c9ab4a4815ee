package selector

import "github.com/crimson-sun/counterfact/internal/model"

// recencySelector prefers the most recent prior events. The pool is stored
// ascending by id (and therefore by time), so the ranking is simply the
// filtered pool reversed.
type recencySelector struct {
	target model.TargetEvent
	pool   []model.Event
}

func newRecencySelector(target model.TargetEvent, pool []model.Event) *recencySelector {
	return &recencySelector{target: target, pool: pool}
}

func (s *recencySelector) Name() string { return Recency }

func (s *recencySelector) Rank(excluded *model.RemovalMask, knownCF [][]int64) ([]int64, error) {
	filtered := filterCandidates(s.pool, s.target.ID, excluded, knownCF)
	ranked := make([]int64, len(filtered))
	for i, ev := range filtered {
		ranked[len(filtered)-1-i] = ev.ID
	}
	return ranked, nil
}

func (s *recencySelector) Sample(excluded *model.RemovalMask, knownCF [][]int64, size int) ([]int64, error) {
	return sampleFromRank(s, excluded, knownCF, size)
}
