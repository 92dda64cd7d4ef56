package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU
// in front of the Postgres event log.
type IdempotencyChecker struct {
	lru       *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
	observer  func(eventType, tier string)
	onError   func(eventType string)
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(fmt.Sprintf("idempotency lru: %v", err))
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
	}
}

// CompositeKey scopes an idempotency key to its event type.
func CompositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if event has been processed (two-tier lookup). A
// Postgres error counts as not-duplicate so a DB outage cannot block the
// core.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	compositeKey := CompositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			if ic.onError != nil {
				ic.onError(eventType)
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.lru.Add(compositeKey, struct{}{})
			return true
		}
	}

	return false
}

// OnDuplicate registers a callback for every duplicate found, by tier.
func (ic *IdempotencyChecker) OnDuplicate(fn func(eventType, tier string)) {
	ic.observer = fn
}

// OnLookupError registers a callback for failed Postgres lookups.
func (ic *IdempotencyChecker) OnLookupError(fn func(eventType string)) {
	ic.onError = fn
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.observer != nil {
		ic.observer(eventType, tier)
	}
}

// MarkProcessed adds key to the LRU once the event's outcome is final.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey), struct{}{})
}

// Warm loads composite keys, oldest first, so the newest survive eviction.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key, struct{}{})
	}
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}
