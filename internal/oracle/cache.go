package oracle

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key identifies one memoized prediction: the explained event and the
// content hash of the removal mask applied to its history.
type Key struct {
	TargetID int64
	MaskHash uint64
}

// ScoreCache memoizes (target, mask) -> logit. Implementations must be safe
// for concurrent use; the oracle calls them from its batch workers.
type ScoreCache interface {
	Get(k Key) (float64, bool)
	Put(k Key, score float64)
	Close() error
}

// memoryCache is a process-lifetime map cache, the default when no durable
// cache directory is configured.
type memoryCache struct {
	mu     sync.RWMutex
	scores map[Key]float64
}

// NewMemoryCache returns an empty in-memory score cache.
func NewMemoryCache() ScoreCache {
	return &memoryCache{scores: make(map[Key]float64)}
}

func (c *memoryCache) Get(k Key) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	score, ok := c.scores[k]
	return score, ok
}

func (c *memoryCache) Put(k Key, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores[k] = score
}

func (c *memoryCache) Close() error { return nil }

// Key prefix for score records. Single-byte prefixes keep keys compact and
// leave room for future record types in the same database.
const prefixScore = byte(0x01)

// badgerCache persists scores across runs, so rerunning a different search
// strategy against the same targets skips oracle calls already paid for.
// Keys incorporate a digest of the model artifact: scores from different
// weights never mix.
type badgerCache struct {
	db          *badger.DB
	modelDigest uint64
}

// NewBadgerCache opens (or creates) a durable score cache at dir.
func NewBadgerCache(dir string, modelDigest uint64) (ScoreCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("oracle: open score cache: %w", err)
	}
	return &badgerCache{db: db, modelDigest: modelDigest}, nil
}

// key layout: prefix + modelDigest + targetID + maskHash (25 bytes).
func (c *badgerCache) key(k Key) []byte {
	buf := make([]byte, 25)
	buf[0] = prefixScore
	binary.BigEndian.PutUint64(buf[1:9], c.modelDigest)
	binary.BigEndian.PutUint64(buf[9:17], uint64(k.TargetID))
	binary.BigEndian.PutUint64(buf[17:25], k.MaskHash)
	return buf
}

func (c *badgerCache) Get(k Key) (float64, bool) {
	var score float64
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(k))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt score record: %d bytes", len(val))
			}
			score = math.Float64frombits(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	return score, err == nil
}

func (c *badgerCache) Put(k Key, score float64) {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, math.Float64bits(score))
	// Best effort: a failed cache write only costs a recomputation later.
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(c.key(k), val)
	})
}

func (c *badgerCache) Close() error {
	return c.db.Close()
}
