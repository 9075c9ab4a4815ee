package store

import (
	"slices"

	"github.com/crimson-sun/counterfact/internal/model"
)

// CandidateSubgraph extracts the fixed-size k-hop temporal subgraph around
// the target event: the pool of events a search is allowed to remove. Only
// events with ids strictly below targetID qualify, so the pool can never
// leak the target or its future. The pool is grown most-recent-first from
// the target's endpoints and returned in ascending id order.
//
// For directed graphs expansion follows source-to-target edges only; for
// undirected (and bipartite) graphs both endpoints seed and extend the
// reachable node set.
func (s *Store) CandidateSubgraph(targetID int64, hops, size int) ([]model.Event, error) {
	target, err := s.Get(targetID)
	if err != nil {
		return nil, err
	}

	centers := []int64{target.Source}
	if !s.directed {
		centers = append(centers, target.Target)
	}

	inHop := s.kHopNodes(centers, targetID, hops)

	// Candidate edges: both endpoints inside the k-hop neighborhood.
	var pool []model.Event
	for i := int64(0); i < targetID-1; i++ {
		ev := s.events[i]
		if inHop[ev.Source] && inHop[ev.Target] {
			pool = append(pool, ev)
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	// Grow a fixed-size subgraph: repeatedly take the most recent
	// unselected event attached to an already-reached node.
	reached := make(map[int64]bool, len(centers))
	for _, c := range centers {
		reached[c] = true
	}
	selected := make(map[int64]bool, size)
	var out []model.Event
	for len(out) < size {
		var pick *model.Event
		for i := len(pool) - 1; i >= 0; i-- {
			ev := pool[i]
			if selected[ev.ID] {
				continue
			}
			if reached[ev.Source] || (!s.directed && reached[ev.Target]) {
				pick = &pool[i]
				break
			}
		}
		if pick == nil {
			break
		}
		selected[pick.ID] = true
		out = append(out, *pick)
		reached[pick.Source] = true
		if !s.directed {
			reached[pick.Target] = true
		}
	}

	slices.SortFunc(out, func(a, b model.Event) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// kHopNodes walks hops steps of the temporal adjacency restricted to events
// before beforeID and returns the reachable node set.
func (s *Store) kHopNodes(centers []int64, beforeID int64, hops int) map[int64]bool {
	reached := make(map[int64]bool, len(centers))
	frontier := make([]int64, 0, len(centers))
	for _, c := range centers {
		reached[c] = true
		frontier = append(frontier, c)
	}

	for h := 0; h < hops; h++ {
		var next []int64
		for _, node := range frontier {
			for _, id := range s.byNode[node] {
				if id >= beforeID {
					break
				}
				ev := s.events[id-1]
				var other int64
				switch {
				case ev.Source == node:
					other = ev.Target
				case !s.directed:
					other = ev.Source
				default:
					continue // directed: only source->target traversal
				}
				if !reached[other] {
					reached[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return reached
}
