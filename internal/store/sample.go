package store

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Section bounds a fraction range of the event stream, mirroring how the
// predictor was trained: targets are normally drawn from the validation
// slice so explanations cover events the model never trained on.
type Section struct {
	Start float64
	End   float64
}

// SampleTargetIDs draws n distinct event ids from the section, uniformly
// without replacement, deterministic for a fixed seed. Returned sorted
// ascending. n larger than the section yields the whole section.
func (s *Store) SampleTargetIDs(sec Section, n int, seed int64) ([]int64, error) {
	if sec.Start < 0 || sec.End > 1 || sec.Start >= sec.End {
		return nil, fmt.Errorf("store: invalid section [%v, %v]", sec.Start, sec.End)
	}
	// Bounds are zero-based event indexes; ids are the index plus one, so
	// End of 1.0 reaches the final event.
	lo := int64(float64(len(s.events)) * sec.Start)
	hi := int64(float64(len(s.events)) * sec.End)
	count := int(hi - lo)
	if count <= 0 {
		return nil, fmt.Errorf("store: section [%v, %v] contains no events", sec.Start, sec.End)
	}
	if n > count {
		n = count
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(count)[:n]
	ids := make([]int64, n)
	for i, p := range perm {
		ids[i] = lo + 1 + int64(p)
	}
	slices.Sort(ids)
	return ids, nil
}

// ReadTargetIDs loads explained event ids from a plain text file, one id
// per line. Blank lines are skipped.
func ReadTargetIDs(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open target ids: %w", err)
	}
	defer f.Close()

	var ids []int64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("store: bad target id %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("store: read target ids: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// WriteTargetIDs persists sampled target ids so later runs (and other
// strategies) explain the same events.
func WriteTargetIDs(path string, ids []int64) error {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%d\n", id)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("store: write target ids: %w", err)
	}
	return nil
}
