package selector

import (
	"sort"

	"github.com/crimson-sun/counterfact/internal/model"
)

// structuralSelector ranks by spatio-temporal relevance: graph distance to
// the target's endpoints first (closer is more relevant), recency second.
// Distances are computed once per target over the candidate pool's own
// adjacency.
type structuralSelector struct {
	target   model.TargetEvent
	pool     []model.Event
	distance map[int64]int // event id -> hops from the target's endpoints
}

func newStructuralSelector(target model.TargetEvent, pool []model.Event) *structuralSelector {
	return &structuralSelector{
		target:   target,
		pool:     pool,
		distance: eventDistances(target, pool),
	}
}

func (s *structuralSelector) Name() string { return Structural }

func (s *structuralSelector) Rank(excluded *model.RemovalMask, knownCF [][]int64) ([]int64, error) {
	filtered := filterCandidates(s.pool, s.target.ID, excluded, knownCF)
	sort.SliceStable(filtered, func(i, j int) bool {
		di, dj := s.distance[filtered[i].ID], s.distance[filtered[j].ID]
		if di != dj {
			return di < dj
		}
		return filtered[i].Timestamp > filtered[j].Timestamp
	})
	return ids(filtered), nil
}

func (s *structuralSelector) Sample(excluded *model.RemovalMask, knownCF [][]int64, size int) ([]int64, error) {
	return sampleFromRank(s, excluded, knownCF, size)
}

// eventDistances runs a BFS over the pool's node adjacency starting from
// the target's endpoints and assigns each event the smaller of its
// endpoints' node distances plus one.
func eventDistances(target model.TargetEvent, pool []model.Event) map[int64]int {
	adj := make(map[int64][]int64)
	for _, ev := range pool {
		adj[ev.Source] = append(adj[ev.Source], ev.Target)
		adj[ev.Target] = append(adj[ev.Target], ev.Source)
	}

	nodeDist := map[int64]int{target.Source: 0, target.Target: 0}
	queue := []int64{target.Source, target.Target}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adj[node] {
			if _, seen := nodeDist[next]; !seen {
				nodeDist[next] = nodeDist[node] + 1
				queue = append(queue, next)
			}
		}
	}

	const unreachable = 1 << 30
	dist := make(map[int64]int, len(pool))
	for _, ev := range pool {
		d := unreachable
		if v, ok := nodeDist[ev.Source]; ok && v < d {
			d = v
		}
		if v, ok := nodeDist[ev.Target]; ok && v < d {
			d = v
		}
		if d != unreachable {
			d++
		}
		dist[ev.ID] = d
	}
	return dist
}
