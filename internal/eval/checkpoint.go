package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run states recorded in checkpoints.
const (
	StatePending     = "pending"
	StateRunning     = "running"
	StateCompleted   = "completed"
	StateInterrupted = "interrupted"
	StateFailed      = "failed"
)

// Checkpoint is the resumable progress of one (explainer, strategy) run
// over a target list. SearchState holds the in-progress target's
// serialized search tree so an interrupt mid-target loses no oracle calls.
type Checkpoint struct {
	RunID     string `json:"run_id"`
	Dataset   string `json:"dataset"`
	Explainer string `json:"explainer"`
	Strategy  string `json:"strategy"`
	State     string `json:"state"`

	CompletedIDs []int64         `json:"completed_ids"`
	InProgressID int64           `json:"in_progress_id,omitempty"`
	SearchState  json.RawMessage `json:"search_state,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Checkpoint) completed(id int64) bool {
	for _, done := range c.CompletedIDs {
		if done == id {
			return true
		}
	}
	return false
}

func checkpointPath(dir string, cp *Checkpoint) string {
	name := fmt.Sprintf("%s_%s_%s.json", cp.Dataset, cp.Explainer, cp.Strategy)
	return filepath.Join(dir, name)
}

// loadCheckpoint returns the stored checkpoint for the run triple, or nil
// when none exists yet.
func loadCheckpoint(dir, dataset, explainer, strategy string) (*Checkpoint, error) {
	path := checkpointPath(dir, &Checkpoint{Dataset: dataset, Explainer: explainer, Strategy: strategy})
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eval: read checkpoint %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("eval: parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// saveCheckpoint writes the checkpoint atomically: a temp file in the same
// directory renamed over the target, so a crash never leaves a torn file.
func saveCheckpoint(dir string, cp *Checkpoint) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("eval: create checkpoint dir: %w", err)
	}
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("eval: marshal checkpoint: %w", err)
	}

	path := checkpointPath(dir, cp)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("eval: temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("eval: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("eval: close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("eval: replace checkpoint: %w", err)
	}
	return nil
}
