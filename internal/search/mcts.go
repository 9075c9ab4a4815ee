package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/crimson-sun/counterfact/internal/model"
)

// mctsSearch implements the T-GNNExplainer search: a Monte-Carlo tree over
// removal masks. Each rollout descends by an upper-confidence policy to a
// leaf, scores that leaf's mask with the oracle, and backpropagates the
// result. The tree is an arena of nodes addressed by index; parent and
// child links are indices, which keeps the checkpointed form free of
// pointer cycles.
type mctsSearch struct {
	target model.TargetEvent
	deps   Deps
	cfg    Config
	state  mctsState
}

// mctsNode is one removal-mask state in the search tree. The node's mask
// is its own EventID plus all ancestors' EventIDs.
type mctsNode struct {
	EventID int64 `json:"event_id"` // 0 at the root (empty mask)
	Parent  int   `json:"parent"`   // -1 at the root
	Depth   int   `json:"depth"`
	Rank    int   `json:"rank"` // selector rank at creation, biases untried picks

	Children []int `json:"children,omitempty"`

	Prediction     float64 `json:"prediction"`
	Exploit        float64 `json:"exploit"`
	Selections     int     `json:"selections"`
	Expanded       bool    `json:"expanded"`
	Counterfactual bool    `json:"counterfactual"`
	MaxExpanded    bool    `json:"max_expanded"`
}

type mctsState struct {
	Nodes    []mctsNode         `json:"nodes"`
	Known    map[string]float64 `json:"known"` // mask hash -> prediction
	BestCF   int                `json:"best_cf"`
	MaxDepth int                `json:"max_depth"`
	Rollouts int                `json:"rollouts"`
	Done     bool               `json:"done"`
	Started  bool               `json:"started"`
	NoPool   bool               `json:"no_pool"`
}

func newMCTS(target model.TargetEvent, deps Deps, cfg Config) *mctsSearch {
	return &mctsSearch{
		target: target,
		deps:   deps,
		cfg:    cfg,
		state: mctsState{
			Known:    make(map[string]float64),
			BestCF:   -1,
			MaxDepth: math.MaxInt,
		},
	}
}

func (s *mctsSearch) Name() string { return TGNNExplainer }

func (s *mctsSearch) State() ([]byte, error) {
	return json.Marshal(s.state)
}

func (s *mctsSearch) Restore(data []byte) error {
	var st mctsState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("search: restore mcts state: %w", err)
	}
	if st.Known == nil {
		st.Known = make(map[string]float64)
	}
	s.state = st
	return nil
}

// maskOf collects the removal mask a node stands for.
func (s *mctsSearch) maskOf(idx int) *model.RemovalMask {
	mask := model.NewRemovalMask()
	for idx > 0 {
		mask.Add(s.state.Nodes[idx].EventID)
		idx = s.state.Nodes[idx].Parent
	}
	return mask
}

func (s *mctsSearch) hashOf(idx int) string {
	return strconv.FormatUint(s.maskOf(idx).Hash(), 16)
}

func (s *mctsSearch) Search(ctx context.Context, budget Budget) (*model.Explanation, error) {
	start := time.Now()
	if budget.Steps <= 0 && !s.state.Started {
		return skipExplanation(s.target, TGNNExplainer, s.deps.Selector.Name(), model.SkipZeroBudget), nil
	}

	if !s.state.Started {
		if err := s.initRoot(); err != nil {
			return nil, err
		}
	}
	if s.state.NoPool {
		return skipExplanation(s.target, TGNNExplainer, s.deps.Selector.Name(), model.SkipNoCandidates), nil
	}

	rolloutsBefore := s.state.Rollouts
	reason := model.SkipNone

	for !s.state.Done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if budget.expired() || s.state.Rollouts >= budget.Steps {
			reason = model.SkipBudget
			break
		}

		leaf := s.selectLeaf()
		if leaf == 0 {
			// Tree fully explored below the current depth bound.
			s.state.Done = true
			break
		}

		if cached, ok := s.state.Known[s.hashOf(leaf)]; ok {
			// Re-encountered mask: fill in the cached score and reselect
			// without spending a rollout.
			if err := s.expand(leaf, cached, false); err != nil {
				return nil, err
			}
			continue
		}

		prediction, err := s.deps.Oracle.Predict(ctx, s.target.ID, s.maskOf(leaf))
		if err != nil {
			return nil, wrapOracleErr(err)
		}
		if err := s.expand(leaf, prediction, true); err != nil {
			return nil, err
		}
		s.state.Rollouts++
		s.deps.Metrics.Rollout()
		s.deps.Metrics.SearchStep()
	}

	best := s.state.BestCF
	if best < 0 {
		best = s.bestNonCounterfactual()
		if s.state.Done && reason == model.SkipNone {
			reason = model.SkipExhausted
		}
	} else if reason == model.SkipBudget {
		// A counterfactual was already found; budget exhaustion only
		// stopped further minimization.
		reason = model.SkipNone
	}

	node := s.state.Nodes[best]
	removed, importances := s.chain(best)
	return &model.Explanation{
		TargetID:       s.target.ID,
		Explainer:      TGNNExplainer,
		Strategy:       s.deps.Selector.Name(),
		RemovedIDs:     removed,
		Importances:    importances,
		OriginalScore:  s.target.OriginalScore,
		BestScore:      node.Prediction,
		Counterfactual: node.Counterfactual,
		Steps:          s.state.Rollouts,
		OracleCalls:    s.state.Rollouts - rolloutsBefore,
		Duration:       time.Since(start),
		SkipReason:     reason,
	}, nil
}

// initRoot creates the root (empty mask, original prediction — no oracle
// call needed) and its ranked children.
func (s *mctsSearch) initRoot() error {
	s.state.Started = true
	s.state.Nodes = []mctsNode{{
		Parent:     -1,
		Prediction: s.target.OriginalScore,
		Expanded:   true,
	}}
	ranked, err := s.deps.Selector.Rank(nil, nil)
	if err != nil {
		return fmt.Errorf("search: rank candidates: %w", err)
	}
	if len(ranked) == 0 {
		s.state.NoPool = true
		return nil
	}
	s.addChildren(0, ranked)
	return nil
}

// selectLeaf descends by the upper-confidence policy to an unexpanded
// node. Returns 0 (the root) when nothing is selectable anymore.
func (s *mctsSearch) selectLeaf() int {
	idx := 0
	for {
		node := &s.state.Nodes[idx]
		if !node.Expanded {
			return idx
		}
		best, bestScore := -1, math.Inf(-1)
		hasUntried := false
		for _, ci := range node.Children {
			child := &s.state.Nodes[ci]
			if child.Counterfactual || child.MaxExpanded {
				continue
			}
			if child.Depth > s.state.MaxDepth {
				child.MaxExpanded = true
				continue
			}
			if !child.Expanded {
				hasUntried = true
			}
			if score := s.uct(idx, ci); score > bestScore {
				bestScore = score
				best = ci
			}
		}
		if best == -1 {
			// No selectable children: this subtree is finished.
			node.MaxExpanded = idx != 0
			if node.Parent < 0 {
				return 0
			}
			s.propagateMaxExpanded(node.Parent)
			idx = 0
			continue
		}
		// When exploration picks an unexpanded node, prefer the untried
		// candidate the selector ranked highest (navigator bias).
		if hasUntried && !s.state.Nodes[best].Expanded {
			best = s.lowestRankUntried(idx)
		}
		if !s.state.Nodes[best].Expanded {
			return best
		}
		idx = best
	}
}

// uct scores a child for selection: exploitation plus the standard
// sqrt(2)-weighted exploration bonus.
func (s *mctsSearch) uct(parent, child int) float64 {
	p := s.state.Nodes[parent]
	c := s.state.Nodes[child]
	exploration := math.Sqrt2 * math.Sqrt(math.Log(float64(p.Selections+1))/float64(c.Selections+1))
	return c.Exploit + exploration
}

func (s *mctsSearch) lowestRankUntried(parent int) int {
	best, bestRank := -1, math.MaxInt
	for _, ci := range s.state.Nodes[parent].Children {
		child := &s.state.Nodes[ci]
		if child.Expanded || child.Counterfactual || child.MaxExpanded {
			continue
		}
		if child.Rank < bestRank {
			bestRank = child.Rank
			best = ci
		}
	}
	return best
}

// expand scores a node, marks counterfactuals, creates ranked children,
// and backpropagates. countRollout is false when the score came from the
// known-state memo.
func (s *mctsSearch) expand(idx int, prediction float64, countRollout bool) error {
	node := &s.state.Nodes[idx]
	node.Prediction = prediction
	node.Exploit = math.Max(0, model.PredictionDelta(s.target.OriginalScore, prediction)/math.Abs(s.target.OriginalScore))
	node.Expanded = true
	s.state.Known[s.hashOf(idx)] = prediction

	if flipped(s.cfg.FlipThreshold, s.target.OriginalScore, prediction) {
		node.Counterfactual = true
		node.MaxExpanded = true
		s.recordCounterfactual(idx)
	} else if node.Depth < s.state.MaxDepth {
		mask := s.maskOf(idx)
		ranked, err := s.deps.Selector.Rank(mask, s.knownCFChains())
		if err != nil {
			return fmt.Errorf("search: rank candidates: %w", err)
		}
		if len(ranked) == 0 {
			node.MaxExpanded = true
		} else {
			s.addChildren(idx, ranked)
		}
	}

	if countRollout {
		s.backpropagate(idx)
	}
	if node.MaxExpanded && node.Parent >= 0 {
		s.propagateMaxExpanded(node.Parent)
	}
	return nil
}

func (s *mctsSearch) addChildren(parent int, ranked []int64) {
	for rank, id := range ranked {
		s.state.Nodes = append(s.state.Nodes, mctsNode{
			EventID: id,
			Parent:  parent,
			Depth:   s.state.Nodes[parent].Depth + 1,
			Rank:    rank,
		})
		s.state.Nodes[parent].Children = append(s.state.Nodes[parent].Children, len(s.state.Nodes)-1)
	}
}

// backpropagate walks from the expanded node to the root, incrementing
// visit counts and refreshing ancestors' exploitation scores from their
// expanded children.
func (s *mctsSearch) backpropagate(idx int) {
	for idx >= 0 {
		node := &s.state.Nodes[idx]
		node.Selections++
		if len(node.Children) > 0 && node.Exploit == 0 {
			var sum float64
			var n int
			for _, ci := range node.Children {
				if child := s.state.Nodes[ci]; child.Expanded {
					sum += child.Exploit
					n++
				}
			}
			if n > 0 {
				node.Exploit = math.Max(0, sum/float64(n))
			}
		}
		idx = node.Parent
	}
}

// propagateMaxExpanded marks ancestors whose every child is finished.
func (s *mctsSearch) propagateMaxExpanded(idx int) {
	for idx >= 0 {
		node := &s.state.Nodes[idx]
		if node.MaxExpanded {
			return
		}
		for _, ci := range node.Children {
			if !s.state.Nodes[ci].MaxExpanded {
				return
			}
		}
		if idx == 0 {
			s.state.Done = true
			return
		}
		node.MaxExpanded = true
		idx = node.Parent
	}
}

// recordCounterfactual keeps the smallest (then most shifted)
// counterfactual found and tightens the depth bound so later rollouts only
// look for smaller explanations.
func (s *mctsSearch) recordCounterfactual(idx int) {
	node := s.state.Nodes[idx]
	replace := s.state.BestCF < 0
	if !replace {
		best := s.state.Nodes[s.state.BestCF]
		replace = node.Depth < best.Depth ||
			(node.Depth == best.Depth && node.Exploit > best.Exploit)
	}
	if replace {
		s.state.BestCF = idx
		s.state.MaxDepth = node.Depth
		slog.Debug("counterfactual found",
			"target", s.target.ID,
			"size", node.Depth,
			"prediction", node.Prediction,
			"rollouts", s.state.Rollouts)
	}
}

// knownCFChains lists the removal sets of all counterfactual nodes found
// so far, for the selector's rediscovery avoidance.
func (s *mctsSearch) knownCFChains() [][]int64 {
	var out [][]int64
	for i, node := range s.state.Nodes {
		if node.Counterfactual {
			ids, _ := s.chain(i)
			out = append(out, ids)
		}
	}
	return out
}

// bestNonCounterfactual finds the expanded node whose prediction shifted
// furthest, the fallback when no counterfactual exists in the tree.
func (s *mctsSearch) bestNonCounterfactual() int {
	best := 0
	bestDelta := math.Inf(-1)
	for i, node := range s.state.Nodes {
		if !node.Expanded {
			continue
		}
		if d := model.PredictionDelta(s.target.OriginalScore, node.Prediction); d > bestDelta {
			bestDelta = d
			best = i
		}
	}
	return best
}

// chain returns a node's removal ids root-first, with the cumulative
// prediction delta at each depth as importances.
func (s *mctsSearch) chain(idx int) ([]int64, []float64) {
	var ids []int64
	var importances []float64
	for idx > 0 {
		node := s.state.Nodes[idx]
		ids = append(ids, node.EventID)
		importances = append(importances, model.PredictionDelta(s.target.OriginalScore, node.Prediction))
		idx = node.Parent
	}
	// Reverse into removal order.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
		importances[i], importances[j] = importances[j], importances[i]
	}
	return ids, importances
}
