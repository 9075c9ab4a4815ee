package oracle

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ModelDigest hashes the predictor artifact. The durable score cache keys
// on it so scores computed with one set of weights are never served for
// another.
func ModelDigest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("oracle: digest model: %w", err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("oracle: digest model: %w", err)
	}
	return h.Sum64(), nil
}
