package model

import "errors"

// Error taxonomy for the explanation engine. Fatal errors abort a run
// before or during startup; the rest are isolated per target by the
// evaluation loop.
var (
	// ErrModelLoad indicates a missing or corrupt model artifact. Fatal.
	ErrModelLoad = errors.New("model artifact load failed")

	// ErrInvalidMask indicates a removal mask referencing an unknown event
	// or one at/after the explained event. This is a bug in the mask
	// builder, not an input problem. Fatal.
	ErrInvalidMask = errors.New("invalid removal mask")

	// ErrCandidatesExhausted indicates a search ran out of candidates
	// before finding a counterfactual. Recorded, not fatal.
	ErrCandidatesExhausted = errors.New("candidate events exhausted")

	// ErrOracle wraps predictor runtime failures. The affected target is
	// recorded as failed and the run continues.
	ErrOracle = errors.New("predictor call failed")
)
