// Package eval drives counterfactual explanation runs: it resolves the
// target list, fans out over selection strategies, survives interrupts
// through checkpoints, and appends one result row per explained target.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/crimson-sun/counterfact/internal/config"
	"github.com/crimson-sun/counterfact/internal/model"
	"github.com/crimson-sun/counterfact/internal/results"
	"github.com/crimson-sun/counterfact/internal/search"
	"github.com/crimson-sun/counterfact/internal/selector"
	"github.com/crimson-sun/counterfact/internal/store"
	"github.com/crimson-sun/counterfact/pkg/metrics"
)

// StrategyAll fans a run out over every available selection strategy,
// sharing the oracle cache and the results file.
const StrategyAll = "all"

// Oracle is the slice of the predictor the runner needs.
type Oracle interface {
	search.Oracle
	Target(ctx context.Context, id int64) (model.TargetEvent, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithScorer supplies the pretrained importance model, enabling the
// pretrained selection strategy.
func WithScorer(s selector.ImportanceScorer) Option {
	return func(r *Runner) { r.scorer = s }
}

// WithMetrics attaches a metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(r *Runner) { r.met = m }
}

// Runner executes one configured evaluation over a dataset.
type Runner struct {
	cfg    *config.Config
	store  *store.Store
	oracle Oracle
	writer *results.Writer
	scorer selector.ImportanceScorer
	met    *metrics.Manager
}

// NewRunner wires a runner from its collaborators.
func NewRunner(cfg *config.Config, st *store.Store, o Oracle, w *results.Writer, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, store: st, oracle: o, writer: w}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run explains every target under each configured strategy. A context
// cancellation checkpoints the in-flight search and returns the context's
// error; rerunning with the same configuration resumes where it stopped.
func (r *Runner) Run(ctx context.Context) error {
	ids, err := r.targetIDs()
	if err != nil {
		return err
	}
	slog.Info("run starting",
		"dataset", r.store.Name(),
		"explainer", r.cfg.Explain.Explainer,
		"strategies", r.strategies(),
		"targets", len(ids))

	for _, strategy := range r.strategies() {
		if err := r.runStrategy(ctx, strategy, ids); err != nil {
			return err
		}
	}
	return nil
}

// strategies expands the configured strategy name. "all" covers the
// pretrained strategy only when a scorer model was supplied.
func (r *Runner) strategies() []string {
	if r.cfg.Explain.Strategy != StrategyAll {
		return []string{r.cfg.Explain.Strategy}
	}
	all := []string{selector.Random, selector.Recency, selector.Structural}
	if r.scorer != nil {
		all = append(all, selector.Pretrained)
	}
	return all
}

// targetIDs loads the configured id file or samples a fresh target set,
// persisting it so reruns and other strategies see identical targets.
func (r *Runner) targetIDs() ([]int64, error) {
	tc := r.cfg.Targets
	if tc.File != "" {
		ids, err := store.ReadTargetIDs(tc.File)
		if err == nil {
			return ids, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	sec := store.Section{Start: tc.SectionStart, End: tc.SectionEnd}
	ids, err := r.store.SampleTargetIDs(sec, tc.Count, r.cfg.Seed)
	if err != nil {
		return nil, err
	}
	if tc.File != "" {
		if err := store.WriteTargetIDs(tc.File, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *Runner) runStrategy(ctx context.Context, strategy string, ids []int64) error {
	explainer := r.cfg.Explain.Explainer
	dir := r.cfg.Output.CheckpointDir

	cp, err := loadCheckpoint(dir, r.store.Name(), explainer, strategy)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = &Checkpoint{
			RunID:     uuid.NewString(),
			Dataset:   r.store.Name(),
			Explainer: explainer,
			Strategy:  strategy,
			State:     StatePending,
		}
	}
	if cp.State == StateCompleted {
		slog.Info("strategy already completed", "strategy", strategy, "run_id", cp.RunID)
		return nil
	}
	cp.State = StateRunning
	if err := saveCheckpoint(dir, cp); err != nil {
		return err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return r.interrupt(cp, nil, err)
		}
		if cp.completed(id) {
			continue
		}
		key := results.Key{TargetID: id, Explainer: explainer, Strategy: strategy}
		if r.writer.Has(key) {
			r.finishTarget(cp, id)
			continue
		}
		if err := r.runTarget(ctx, cp, strategy, id); err != nil {
			return err
		}
		if err := saveCheckpoint(dir, cp); err != nil {
			return err
		}
	}

	cp.State = StateCompleted
	cp.InProgressID = 0
	cp.SearchState = nil
	if err := saveCheckpoint(dir, cp); err != nil {
		return err
	}
	slog.Info("strategy completed", "strategy", strategy,
		"targets", len(cp.CompletedIDs), "run_id", cp.RunID)
	return nil
}

// runTarget explains a single target. Per-target oracle failures are
// recorded as skipped rows; model and mask errors abort the whole run.
func (r *Runner) runTarget(ctx context.Context, cp *Checkpoint, strategy string, id int64) error {
	explainer := cp.Explainer

	target, err := r.oracle.Target(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupt(cp, nil, ctx.Err())
		}
		if isFatal(err) {
			return r.fail(cp, err)
		}
		return r.recordFailure(cp, strategy, id, err)
	}
	if r.cfg.Targets.WrongOnly && target.Correct {
		slog.Debug("target predicted correctly, skipping", "target", id)
		r.met.TargetSkipped()
		r.finishTarget(cp, id)
		return nil
	}

	pool, err := r.store.CandidateSubgraph(id, r.cfg.Explain.Hops, r.cfg.Explain.PoolSize)
	if err != nil {
		return r.fail(cp, err)
	}
	sel, err := selector.New(selector.Config{
		Strategy: strategy,
		Seed:     r.cfg.Seed,
		Scorer:   r.scorer,
	}, target, pool)
	if err != nil {
		return r.fail(cp, err)
	}

	strat, err := search.New(explainer, target, search.Deps{
		Oracle:   r.oracle,
		Selector: sel,
		Metrics:  r.met,
	}, search.Config{
		SampleSize:        r.cfg.Explain.SampleSize,
		FlipThreshold:     r.cfg.Explain.FlipThreshold,
		ProgressThreshold: r.cfg.Explain.ProgressThreshold,
		Patience:          r.cfg.Explain.Patience,
	})
	if err != nil {
		return r.fail(cp, err)
	}
	if cp.InProgressID == id && len(cp.SearchState) > 0 {
		if err := strat.Restore(cp.SearchState); err != nil {
			return r.fail(cp, err)
		}
		slog.Info("resuming interrupted search", "target", id, "strategy", strategy)
	}

	budget := search.Budget{Steps: r.cfg.Explain.Steps}
	if r.cfg.Explain.Timeout > 0 {
		budget.Deadline = time.Now().Add(r.cfg.Explain.Timeout)
	}
	cp.InProgressID = id

	start := time.Now()
	exp, err := strat.Search(ctx, budget)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return r.interrupt(cp, strat, err)
		}
		if isFatal(err) {
			return r.fail(cp, err)
		}
		return r.recordFailure(cp, strategy, id, err)
	}
	r.met.ObserveSearch(time.Since(start))
	r.met.TargetCompleted()

	slog.Info("target explained",
		"target", id,
		"strategy", strategy,
		"counterfactual", exp.Counterfactual,
		"removed", len(exp.RemovedIDs),
		"oracle_calls", exp.OracleCalls,
		"skip", exp.SkipReason)

	if err := r.writer.Append(exp); err != nil {
		return r.fail(cp, err)
	}
	if err := r.writer.Flush(); err != nil {
		return r.fail(cp, err)
	}
	r.finishTarget(cp, id)
	return nil
}

func (r *Runner) finishTarget(cp *Checkpoint, id int64) {
	cp.CompletedIDs = append(cp.CompletedIDs, id)
	if cp.InProgressID == id {
		cp.InProgressID = 0
		cp.SearchState = nil
	}
}

// recordFailure logs a per-target oracle failure as a skipped row and
// moves on.
func (r *Runner) recordFailure(cp *Checkpoint, strategy string, id int64, cause error) error {
	slog.Warn("target failed", "target", id, "strategy", strategy, "err", cause)
	r.met.TargetFailed()
	row := &model.Explanation{
		TargetID:   id,
		Explainer:  cp.Explainer,
		Strategy:   strategy,
		SkipReason: model.SkipOracleFailure,
		Err:        cause.Error(),
	}
	if err := r.writer.Append(row); err != nil {
		return r.fail(cp, err)
	}
	// The row must be durable before the checkpoint marks the target done,
	// same as the success path; otherwise a crash would drop it for good.
	if err := r.writer.Flush(); err != nil {
		return r.fail(cp, err)
	}
	r.finishTarget(cp, id)
	return nil
}

// interrupt checkpoints the in-flight search state and surfaces the
// context error.
func (r *Runner) interrupt(cp *Checkpoint, strat search.Strategy, cause error) error {
	cp.State = StateInterrupted
	if strat != nil {
		if blob, err := strat.State(); err == nil {
			cp.SearchState = blob
		}
	}
	if err := saveCheckpoint(r.cfg.Output.CheckpointDir, cp); err != nil {
		slog.Error("checkpoint save failed on interrupt", "err", err)
	}
	slog.Info("run interrupted", "strategy", cp.Strategy, "completed", len(cp.CompletedIDs))
	return cause
}

// fail marks the run failed and surfaces the fatal error.
func (r *Runner) fail(cp *Checkpoint, cause error) error {
	cp.State = StateFailed
	if err := saveCheckpoint(r.cfg.Output.CheckpointDir, cp); err != nil {
		slog.Error("checkpoint save failed", "err", err)
	}
	return fmt.Errorf("eval: %s/%s: %w", cp.Explainer, cp.Strategy, cause)
}

// isFatal reports whether an error invalidates the whole run rather than
// one target.
func isFatal(err error) bool {
	return errors.Is(err, model.ErrModelLoad) || errors.Is(err, model.ErrInvalidMask)
}
