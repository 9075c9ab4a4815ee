// Package results persists finished explanations as an append-only CSV
// file. A row is keyed by target event, explainer, and selection strategy;
// appending an already-recorded key is a no-op, so an interrupted run can
// simply be replayed over its own output file.
package results

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/crimson-sun/counterfact/internal/model"
)

const defaultBufSize = 64 * 1024 // 64KB

var header = []string{
	"target_event_id",
	"explainer",
	"selection_strategy",
	"original_prediction",
	"best_prediction",
	"counterfactual",
	"removed_event_ids",
	"importances",
	"steps",
	"oracle_calls",
	"duration_ms",
	"skip_reason",
}

// Key identifies one result row.
type Key struct {
	TargetID  int64
	Explainer string
	Strategy  string
}

// Option configures a Writer.
type Option func(*Writer)

// WithBufSize sets the bufio.Writer buffer size. Default: 64KB.
func WithBufSize(bytes int) Option {
	return func(w *Writer) { w.bufSize = bytes }
}

// Writer appends explanation rows to a CSV file with buffered I/O. Rows
// already present in the file when it is opened are remembered and never
// written twice.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	buf     *bufio.Writer
	csv     *csv.Writer
	seen    map[Key]struct{}
	path    string
	bufSize int
}

// Open creates or reopens the results file at path, indexing any rows it
// already holds.
func Open(path string, opts ...Option) (*Writer, error) {
	w := &Writer{
		path:    path,
		bufSize: defaultBufSize,
		seen:    make(map[Key]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	fresh, err := w.index()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	w.f = f
	w.buf = bufio.NewWriterSize(f, w.bufSize)
	w.csv = csv.NewWriter(w.buf)

	if fresh {
		if err := w.csv.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("results: write header: %w", err)
		}
	}
	return w, nil
}

// Has reports whether a row for the key is already on disk.
func (w *Writer) Has(key Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[key]
	return ok
}

// Append writes one explanation row. Duplicate keys are dropped silently.
func (w *Writer) Append(exp *model.Explanation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := Key{TargetID: exp.TargetID, Explainer: exp.Explainer, Strategy: exp.Strategy}
	if _, ok := w.seen[key]; ok {
		return nil
	}

	row := []string{
		strconv.FormatInt(exp.TargetID, 10),
		exp.Explainer,
		exp.Strategy,
		formatFloat(exp.OriginalScore),
		formatFloat(exp.BestScore),
		strconv.FormatBool(exp.Counterfactual),
		joinIDs(exp.RemovedIDs),
		joinFloats(exp.Importances),
		strconv.Itoa(exp.Steps),
		strconv.Itoa(exp.OracleCalls),
		strconv.FormatInt(exp.Duration.Milliseconds(), 10),
		exp.SkipReason,
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("results: write row: %w", err)
	}
	w.seen[key] = struct{}{}
	return nil
}

// Len returns how many result rows are recorded, on disk and pending.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Flush pushes buffered rows to disk. Called between targets so an
// interrupt loses at most the row in flight.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("results: flush: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("results: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// index reads the existing file, if any, and records the keys of its
// rows. Returns true when the file is new or empty and needs a header.
func (w *Writer) index() (bool, error) {
	f, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("results: open %s: %w", w.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)
	first := true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("results: read %s: %w", w.path, err)
		}
		if first {
			first = false
			if row[0] == header[0] {
				continue
			}
		}
		id, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return false, fmt.Errorf("results: bad target id %q in %s: %w", row[0], w.path, err)
		}
		w.seen[Key{TargetID: id, Explainer: row[1], Strategy: row[2]}] = struct{}{}
	}
	return first, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// joinIDs packs an id list into one CSV field.
func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ";")
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ";")
}
