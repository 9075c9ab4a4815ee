package results

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crimson-sun/counterfact/internal/model"
)

func sampleExplanation(target int64) *model.Explanation {
	return &model.Explanation{
		TargetID:       target,
		Explainer:      "greedy",
		Strategy:       "recency",
		RemovedIDs:     []int64{3, 7},
		Importances:    []float64{0.4, 2.1},
		OriginalScore:  1.5,
		BestScore:      -0.6,
		Counterfactual: true,
		Steps:          12,
		OracleCalls:    12,
		Duration:       1500 * time.Millisecond,
		SkipReason:     model.SkipNone,
	}
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
	return rows
}

func TestAppendAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(sampleExplanation(10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header plus one", len(rows))
	}
	row := rows[1]
	if row[0] != "10" || row[1] != "greedy" || row[2] != "recency" {
		t.Fatalf("key columns = %v", row[:3])
	}
	if row[5] != "true" {
		t.Fatalf("counterfactual column = %q", row[5])
	}
	if row[6] != "3;7" {
		t.Fatalf("removed ids column = %q", row[6])
	}
	if row[10] != "1500" {
		t.Fatalf("duration column = %q, want milliseconds", row[10])
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for range 3 {
		if err := w.Append(sampleExplanation(10)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rows := readRows(t, path); len(rows) != 2 {
		t.Fatalf("got %d rows, want header plus one", len(rows))
	}
}

func TestReopenSkipsExistingRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(sampleExplanation(10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !w.Has(Key{TargetID: 10, Explainer: "greedy", Strategy: "recency"}) {
		t.Fatal("existing row not indexed on reopen")
	}
	if w.Has(Key{TargetID: 11, Explainer: "greedy", Strategy: "recency"}) {
		t.Fatal("phantom row reported")
	}
	if err := w.Append(sampleExplanation(10)); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}
	if err := w.Append(sampleExplanation(11)); err != nil {
		t.Fatalf("Append new: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus two", len(rows))
	}
	if w.Len() != 2 {
		t.Fatalf("Len = %d, want 2", w.Len())
	}
}

func TestDistinctStrategiesAreDistinctRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a := sampleExplanation(10)
	b := sampleExplanation(10)
	b.Strategy = "random"
	if err := w.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rows := readRows(t, path); len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus two", len(rows))
	}
}

func TestSkippedTargetRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exp := &model.Explanation{
		TargetID:      5,
		Explainer:     "cody",
		Strategy:      "closest",
		OriginalScore: 0.9,
		BestScore:     0.9,
		SkipReason:    model.SkipNoCandidates,
	}
	if err := w.Append(exp); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rows := readRows(t, path)
	if rows[1][6] != "" || rows[1][11] != model.SkipNoCandidates {
		t.Fatalf("skip row = %v", rows[1])
	}
}
