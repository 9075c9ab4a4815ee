// Package oracle wraps the trained TGNN link predictor. Predictions are
// pure but expensive: identical (target, mask) pairs always produce the
// same logit, so results are memoized in a two-tier cache shared across
// search strategies within a run and, with a durable cache configured,
// across runs.
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/crimson-sun/counterfact/internal/model"
	"github.com/crimson-sun/counterfact/internal/store"
	"github.com/crimson-sun/counterfact/pkg/metrics"
)

// Oracle scores a target event against the event history with a removal
// mask applied. Masking is logical: the store is never modified, excluded
// events are simply invisible during neighborhood reconstruction.
type Oracle struct {
	sess    *session
	store   *store.Store
	cache   ScoreCache
	met     *metrics.Manager
	workers int

	mu    sync.Mutex
	calls int
}

// Config tunes oracle behavior.
type Config struct {
	// Workers bounds concurrent inference calls in PredictBatch.
	Workers int
	// Cache is the score memo. Nil defaults to an in-memory cache.
	Cache ScoreCache
	// Metrics is optional instrumentation.
	Metrics *metrics.Manager
}

// New loads the predictor artifact and validates it against the store's
// feature dimensionality. A missing or malformed artifact fails with
// model.ErrModelLoad.
func New(modelPath string, st *store.Store, cfg Config) (*Oracle, error) {
	sess, err := newSession(modelPath)
	if err != nil {
		return nil, err
	}
	if int(sess.featDim) != st.FeatureDim() {
		sess.close()
		return nil, fmt.Errorf("oracle: %w: model feature dim %d != dataset feature dim %d",
			model.ErrModelLoad, sess.featDim, st.FeatureDim())
	}
	o := &Oracle{
		sess:    sess,
		store:   st,
		cache:   cfg.Cache,
		met:     cfg.Metrics,
		workers: cfg.Workers,
	}
	if o.cache == nil {
		o.cache = NewMemoryCache()
	}
	if o.workers <= 0 {
		o.workers = 4
	}
	return o, nil
}

// Predict returns the logit for the target event with the masked events
// excluded from its history. An empty or nil mask scores the unperturbed
// history.
func (o *Oracle) Predict(ctx context.Context, targetID int64, mask *model.RemovalMask) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateMask(o.store, targetID, mask); err != nil {
		return 0, err
	}

	key := cacheKey(targetID, mask)
	if score, ok := o.cache.Get(key); ok {
		o.met.CacheHit()
		return score, nil
	}
	o.met.CacheMiss()

	in, err := buildInputs(o.store, targetID, mask, int(o.sess.numNeighbors), int(o.sess.featDim))
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	o.met.OracleCall()

	score, err := o.sess.infer(in)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrOracle, err)
	}
	o.cache.Put(key, score)
	return score, nil
}

// PredictBatch scores independent masks for one target concurrently.
// Results are positionally aligned with masks; the first error wins and
// cancels the remaining work.
func (o *Oracle) PredictBatch(ctx context.Context, targetID int64, masks []*model.RemovalMask) ([]float64, error) {
	scores := make([]float64, len(masks))
	if len(masks) == 0 {
		return scores, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	for i, m := range masks {
		wg.Add(1)
		go func(i int, m *model.RemovalMask) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// A goroutine that never ran still must not let the batch
				// report success with its zero score in place.
				once.Do(func() { firstErr = ctx.Err() })
				return
			}
			score, err := o.Predict(ctx, targetID, m)
			if err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			scores[i] = score
		}(i, m)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return scores, nil
}

// Target scores the unperturbed prediction for an event and wraps it as a
// TargetEvent. Observed interactions are positive examples, so the
// prediction is correct when the logit is positive.
func (o *Oracle) Target(ctx context.Context, id int64) (model.TargetEvent, error) {
	ev, err := o.store.Get(id)
	if err != nil {
		return model.TargetEvent{}, fmt.Errorf("%w: %v", model.ErrInvalidMask, err)
	}
	score, err := o.Predict(ctx, id, nil)
	if err != nil {
		return model.TargetEvent{}, err
	}
	return model.TargetEvent{
		Event:         ev,
		OriginalScore: score,
		Correct:       score > 0,
	}, nil
}

// Calls returns the number of actual (uncached) inference calls made.
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Close releases the inference session and the cache.
func (o *Oracle) Close() error {
	if err := o.cache.Close(); err != nil {
		return err
	}
	return o.sess.close()
}

// validateMask rejects masks referencing unknown events, the target
// itself, or events at/after the target. Such a mask means the search
// violated the no-lookahead invariant, which is a bug, not bad input.
func validateMask(st *store.Store, targetID int64, mask *model.RemovalMask) error {
	if !st.Contains(targetID) {
		return fmt.Errorf("%w: unknown target event %d", model.ErrInvalidMask, targetID)
	}
	if mask == nil {
		return nil
	}
	for _, id := range mask.IDs() {
		if !st.Contains(id) {
			return fmt.Errorf("%w: unknown event %d", model.ErrInvalidMask, id)
		}
		if id >= targetID {
			return fmt.Errorf("%w: event %d is not strictly before target %d", model.ErrInvalidMask, id, targetID)
		}
	}
	return nil
}

// inputs holds the flattened tensors for one forward pass.
type inputs struct {
	edgeFeat     []float32
	srcNeighFeat []float32
	dstNeighFeat []float32
	srcNeighDT   []float32
	dstNeighDT   []float32
	srcNeighMask []float32
	dstNeighMask []float32
}

// buildInputs reconstructs the target's event-time neighborhood under the
// mask and packs it into fixed-size padded tensors.
func buildInputs(st *store.Store, targetID int64, mask *model.RemovalMask, n, f int) (*inputs, error) {
	ev, err := st.Get(targetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidMask, err)
	}

	in := &inputs{
		edgeFeat:     make([]float32, f),
		srcNeighFeat: make([]float32, n*f),
		dstNeighFeat: make([]float32, n*f),
		srcNeighDT:   make([]float32, n),
		dstNeighDT:   make([]float32, n),
		srcNeighMask: make([]float32, n),
		dstNeighMask: make([]float32, n),
	}
	copy(in.edgeFeat, ev.Features)

	fill := func(node int64, feats, dts, pad []float32) {
		for i, nb := range st.Neighbors(node, targetID, n, mask) {
			copy(feats[i*f:(i+1)*f], nb.Features)
			dts[i] = float32(ev.Timestamp - nb.Timestamp)
			pad[i] = 1
		}
	}
	fill(ev.Source, in.srcNeighFeat, in.srcNeighDT, in.srcNeighMask)
	fill(ev.Target, in.dstNeighFeat, in.dstNeighDT, in.dstNeighMask)
	return in, nil
}

func cacheKey(targetID int64, mask *model.RemovalMask) Key {
	var h uint64
	if mask != nil {
		h = mask.Hash()
	} else {
		h = (&model.RemovalMask{}).Hash()
	}
	return Key{TargetID: targetID, MaskHash: h}
}
