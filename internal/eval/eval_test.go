package eval

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crimson-sun/counterfact/internal/config"
	"github.com/crimson-sun/counterfact/internal/model"
	"github.com/crimson-sun/counterfact/internal/results"
	"github.com/crimson-sun/counterfact/internal/store"
)

// writeChain materializes a line graph 1-2, 2-3, ... as a dataset on disk.
func writeChain(t *testing.T, dir string, n int) *store.Store {
	t.Helper()
	var b strings.Builder
	b.WriteString("idx,u,i,ts,label,f0\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d,%d,%d,%d,0,1.0\n", i, i, i+1, i*10)
	}
	path := filepath.Join(dir, "chain_data.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	st, err := store.Load(dir, "chain", store.Options{})
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	return st
}

func writeTargets(t *testing.T, dir string, ids ...int64) string {
	t.Helper()
	path := filepath.Join(dir, "targets.txt")
	if err := store.WriteTargetIDs(path, ids); err != nil {
		t.Fatalf("write targets: %v", err)
	}
	return path
}

// scriptOracle scores masks from a fixed table keyed by the sorted removal
// ids, with per-target overrides for correctness and failures.
type scriptOracle struct {
	st          *store.Store
	scores      map[string]float64
	fallback    float64
	original    float64
	correct     map[int64]bool
	targetErr   map[int64]error
	cancelAfter int
	cancel      context.CancelFunc
	calls       int
}

func maskKey(mask *model.RemovalMask) string {
	if mask == nil || mask.Len() == 0 {
		return ""
	}
	parts := make([]string, 0, mask.Len())
	for _, id := range mask.IDs() {
		parts = append(parts, fmt.Sprint(id))
	}
	return strings.Join(parts, ",")
}

func (o *scriptOracle) Predict(ctx context.Context, targetID int64, mask *model.RemovalMask) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	o.calls++
	if o.cancelAfter > 0 && o.calls >= o.cancelAfter {
		o.cancel()
	}
	if score, ok := o.scores[maskKey(mask)]; ok {
		return score, nil
	}
	return o.fallback - 0.1*float64(mask.Len()), nil
}

func (o *scriptOracle) PredictBatch(ctx context.Context, targetID int64, masks []*model.RemovalMask) ([]float64, error) {
	out := make([]float64, len(masks))
	for i, mask := range masks {
		score, err := o.Predict(ctx, targetID, mask)
		if err != nil {
			return nil, err
		}
		out[i] = score
	}
	return out, nil
}

func (o *scriptOracle) Target(ctx context.Context, id int64) (model.TargetEvent, error) {
	if err, ok := o.targetErr[id]; ok {
		return model.TargetEvent{}, err
	}
	ev, err := o.st.Get(id)
	if err != nil {
		return model.TargetEvent{}, err
	}
	return model.TargetEvent{Event: ev, OriginalScore: o.original, Correct: o.correct[id]}, nil
}

func testConfig(dir, targetsFile string) *config.Config {
	cfg := config.New()
	cfg.Data.Dir = dir
	cfg.Data.Name = "chain"
	cfg.Explain.Explainer = "greedy"
	cfg.Explain.Strategy = "recency"
	cfg.Explain.Hops = 3
	cfg.Explain.Steps = 50
	cfg.Targets.File = targetsFile
	cfg.Targets.WrongOnly = false
	cfg.Output.ResultsPath = filepath.Join(dir, "results.csv")
	cfg.Output.CheckpointDir = filepath.Join(dir, "checkpoints")
	return cfg
}

func openWriter(t *testing.T, path string) *results.Writer {
	t.Helper()
	w, err := results.Open(path)
	if err != nil {
		t.Fatalf("open results: %v", err)
	}
	return w
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows[1:] // drop the header
}

func TestRunExplainsTargets(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 8, 9))
	oracle := &scriptOracle{
		st:       st,
		original: 2.0,
		fallback: 2.0,
		scores:   map[string]float64{"7": -1.0},
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	defer w.Close()

	r := NewRunner(cfg, st, oracle, w)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	rows := readRows(t, cfg.Output.ResultsPath)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, row := range rows {
		if row[5] != "true" || row[6] != "7" {
			t.Fatalf("row = %v, want a single-event counterfactual on 7", row)
		}
	}

	cp, err := loadCheckpoint(cfg.Output.CheckpointDir, "chain", "greedy", "recency")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp == nil || cp.State != StateCompleted {
		t.Fatalf("checkpoint = %+v, want completed", cp)
	}
	if len(cp.CompletedIDs) != 2 {
		t.Fatalf("CompletedIDs = %v", cp.CompletedIDs)
	}
}

func TestRunSkipsCorrectPredictions(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 8, 9))
	cfg.Targets.WrongOnly = true
	oracle := &scriptOracle{
		st:       st,
		original: 2.0,
		fallback: 2.0,
		scores:   map[string]float64{"7": -1.0},
		correct:  map[int64]bool{8: true},
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	defer w.Close()

	if err := NewRunner(cfg, st, oracle, w).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	w.Close()

	rows := readRows(t, cfg.Output.ResultsPath)
	if len(rows) != 1 || rows[0][0] != "9" {
		t.Fatalf("rows = %v, want only target 9", rows)
	}
	cp, err := loadCheckpoint(cfg.Output.CheckpointDir, "chain", "greedy", "recency")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	// The correctly predicted target still counts as handled.
	if len(cp.CompletedIDs) != 2 {
		t.Fatalf("CompletedIDs = %v, want both targets", cp.CompletedIDs)
	}
}

func TestRunResumesAfterInterrupt(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 9))
	scores := map[string]float64{"7,8": -1.0}

	ctx, cancel := context.WithCancel(context.Background())
	first := &scriptOracle{
		st: st, original: 2.0, fallback: 2.0, scores: scores,
		cancelAfter: 1, cancel: cancel,
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	err := NewRunner(cfg, st, first, w).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted Run err = %v, want context.Canceled", err)
	}
	w.Close()

	cp, err := loadCheckpoint(cfg.Output.CheckpointDir, "chain", "greedy", "recency")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.State != StateInterrupted {
		t.Fatalf("checkpoint state = %q, want interrupted", cp.State)
	}

	second := &scriptOracle{st: st, original: 2.0, fallback: 2.0, scores: scores}
	w = openWriter(t, cfg.Output.ResultsPath)
	if err := NewRunner(cfg, st, second, w).Run(context.Background()); err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	w.Close()

	rows := readRows(t, cfg.Output.ResultsPath)
	if len(rows) != 1 {
		t.Fatalf("got %d rows after resume, want 1", len(rows))
	}
	if rows[0][5] != "true" {
		t.Fatalf("row = %v, want a counterfactual", rows[0])
	}
	cp, _ = loadCheckpoint(cfg.Output.CheckpointDir, "chain", "greedy", "recency")
	if cp.State != StateCompleted {
		t.Fatalf("checkpoint state = %q, want completed", cp.State)
	}
}

func TestRunAllStrategiesFanOut(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 9))
	cfg.Explain.Strategy = StrategyAll
	oracle := &scriptOracle{
		st: st, original: 2.0, fallback: 2.0,
		scores: map[string]float64{"8": -1.0},
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	defer w.Close()

	if err := NewRunner(cfg, st, oracle, w).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	w.Close()

	rows := readRows(t, cfg.Output.ResultsPath)
	// No scorer model, so "all" covers the three model-free strategies.
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want one per strategy", len(rows))
	}
	seen := map[string]bool{}
	for _, row := range rows {
		seen[row[2]] = true
	}
	for _, want := range []string{"random", "recency", "structural"} {
		if !seen[want] {
			t.Fatalf("strategies = %v, missing %q", seen, want)
		}
	}
}

func TestRunIsolatesPerTargetFailures(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 8, 9))
	oracle := &scriptOracle{
		st: st, original: 2.0, fallback: 2.0,
		scores:    map[string]float64{"7": -1.0},
		targetErr: map[int64]error{8: fmt.Errorf("%w: inference timeout", model.ErrOracle)},
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	defer w.Close()

	if err := NewRunner(cfg, st, oracle, w).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	w.Close()

	rows := readRows(t, cfg.Output.ResultsPath)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want a failure row plus a result", len(rows))
	}
	if rows[0][0] != "8" || rows[0][11] != model.SkipOracleFailure {
		t.Fatalf("failure row = %v", rows[0])
	}
	if rows[1][0] != "9" || rows[1][5] != "true" {
		t.Fatalf("result row = %v", rows[1])
	}
}

func TestFailureRowDurableBeforeWriterCloses(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 8))
	oracle := &scriptOracle{
		st: st, original: 2.0, fallback: 2.0,
		targetErr: map[int64]error{8: fmt.Errorf("%w: inference timeout", model.ErrOracle)},
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	defer w.Close()

	if err := NewRunner(cfg, st, oracle, w).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Read the file while the writer is still open: the checkpoint marks
	// the target done, so the row cannot be sitting in the write buffer.
	rows := readRows(t, cfg.Output.ResultsPath)
	if len(rows) != 1 {
		t.Fatalf("got %d rows on disk, want the failure row", len(rows))
	}
	if rows[0][0] != "8" || rows[0][11] != model.SkipOracleFailure {
		t.Fatalf("failure row = %v", rows[0])
	}
}

func TestRunAbortsOnFatalError(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 12)
	cfg := testConfig(dir, writeTargets(t, dir, 8, 9))
	oracle := &scriptOracle{
		st: st, original: 2.0, fallback: 2.0,
		targetErr: map[int64]error{8: fmt.Errorf("%w: missing artifact", model.ErrModelLoad)},
	}
	w := openWriter(t, cfg.Output.ResultsPath)
	defer w.Close()

	err := NewRunner(cfg, st, oracle, w).Run(context.Background())
	if !errors.Is(err, model.ErrModelLoad) {
		t.Fatalf("Run err = %v, want ErrModelLoad", err)
	}
	cp, _ := loadCheckpoint(cfg.Output.CheckpointDir, "chain", "greedy", "recency")
	if cp.State != StateFailed {
		t.Fatalf("checkpoint state = %q, want failed", cp.State)
	}
}

func TestTargetSamplingPersistsIDs(t *testing.T) {
	dir := t.TempDir()
	st := writeChain(t, dir, 40)
	cfg := testConfig(dir, filepath.Join(dir, "sampled.txt"))
	cfg.Targets.Count = 3
	cfg.Targets.SectionStart = 0.5
	cfg.Targets.SectionEnd = 1.0
	oracle := &scriptOracle{st: st, original: 2.0, fallback: 2.0}

	r := NewRunner(cfg, st, oracle, nil)
	ids, err := r.targetIDs()
	if err != nil {
		t.Fatalf("targetIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("sampled %d ids, want 3", len(ids))
	}
	for _, id := range ids {
		if id < 20 {
			t.Fatalf("id %d falls outside the configured section", id)
		}
	}
	again, err := r.targetIDs()
	if err != nil {
		t.Fatalf("second targetIDs: %v", err)
	}
	for i := range ids {
		if again[i] != ids[i] {
			t.Fatalf("reread ids %v differ from sampled %v", again, ids)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cp := &Checkpoint{
		RunID:        "run-1",
		Dataset:      "chain",
		Explainer:    "cody",
		Strategy:     "random",
		State:        StateRunning,
		CompletedIDs: []int64{4, 9},
		InProgressID: 11,
		SearchState:  []byte(`{"steps":3}`),
	}
	if err := saveCheckpoint(dir, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadCheckpoint(dir, "chain", "cody", "random")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RunID != "run-1" || got.InProgressID != 11 || len(got.CompletedIDs) != 2 {
		t.Fatalf("round trip = %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}
	if string(got.SearchState) != `{"steps":3}` {
		t.Fatalf("SearchState = %s", got.SearchState)
	}

	got.State = StateCompleted
	if err := saveCheckpoint(dir, got); err != nil {
		t.Fatalf("resave: %v", err)
	}
	reread, _ := loadCheckpoint(dir, "chain", "cody", "random")
	if reread.State != StateCompleted {
		t.Fatalf("state = %q after overwrite", reread.State)
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	cp, err := loadCheckpoint(t.TempDir(), "chain", "greedy", "random")
	if err != nil || cp != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", cp, err)
	}
}
