package selector

import (
	"math/rand"

	"github.com/crimson-sun/counterfact/internal/model"
)

// randomSelector shuffles the filtered pool uniformly. The shuffle order is
// a pure function of (seed, target, excluded set), never of how many times
// Rank ran before, so a search restored mid-target samples the exact
// candidate order the uninterrupted run would have seen.
type randomSelector struct {
	target model.TargetEvent
	pool   []model.Event
	seed   int64
}

func newRandomSelector(target model.TargetEvent, pool []model.Event, seed int64) *randomSelector {
	return &randomSelector{
		target: target,
		pool:   pool,
		seed:   seed ^ target.ID,
	}
}

func (s *randomSelector) Name() string { return Random }

func (s *randomSelector) Rank(excluded *model.RemovalMask, knownCF [][]int64) ([]int64, error) {
	filtered := filterCandidates(s.pool, s.target.ID, excluded, knownCF)
	ranked := ids(filtered)
	var h uint64
	if excluded != nil {
		h = excluded.Hash()
	}
	rng := rand.New(rand.NewSource(s.seed ^ int64(h)))
	rng.Shuffle(len(ranked), func(i, j int) {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	})
	return ranked, nil
}

func (s *randomSelector) Sample(excluded *model.RemovalMask, knownCF [][]int64, size int) ([]int64, error) {
	return sampleFromRank(s, excluded, knownCF, size)
}
