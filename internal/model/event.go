package model

// Event is a single interaction in the temporal graph: an edge between two
// nodes at a point in time, with its edge feature vector and ground-truth
// label. Events are immutable after loading and ordered by timestamp; ids
// are dense, unique, and one-indexed.
type Event struct {
	ID        int64
	Source    int64
	Target    int64
	Timestamp float64
	Features  []float32
	Label     float64
}

// TargetEvent is an event selected for explanation. It carries the
// unperturbed prediction the model made for it and whether that prediction
// matched the label.
type TargetEvent struct {
	Event
	OriginalScore float64 // logit for the full, unmasked history
	Correct       bool    // whether the original prediction matched Label
}

// Positive reports whether the original prediction is the positive class
// (logit above zero).
func (t TargetEvent) Positive() bool {
	return t.OriginalScore > 0
}
