package core

import (
	"ListingLedger/internal/observability"
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres event log (optional)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	stats   IdempotencyStats
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

// IdempotencyStats counts dedup hits per tier.
// Not thread-safe; only touched from the processor loop.
type IdempotencyStats struct {
	DuplicatesLRU      int64
	DuplicatesPostgres int64
	Tier2Errors        int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", commandType, idempotencyKey)
}

// IsDuplicate checks if the command was already committed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.stats.DuplicatesLRU++
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			// A database outage must not stall the ledger; the key is
			// treated as new.
			ic.stats.Tier2Errors++
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}

		if isDup {
			ic.stats.DuplicatesPostgres++
			ic.recordDuplicate(commandType, "postgres")
			ic.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds the key to the LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.add(compositeKey(commandType, idempotencyKey))
}

// Warm loads composite keys, oldest first, into the LRU.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.add(key)
	}
}

// Stats returns dedup counters.
func (ic *IdempotencyChecker) Stats() IdempotencyStats {
	return ic.stats
}

func (ic *IdempotencyChecker) add(key string) {
	evicted := ic.lru.Add(key)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of idempotency keys.
// Not thread-safe; only touched from the processor loop.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes it) and reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
