package store

import (
	"fmt"
	"sync"
	"time"
)

// bucketTTL is how long a rate-limit bucket is retained, counted from its
// window start, before garbage collection reclaims it.
const bucketTTL = 48 * time.Hour

// BucketKey identifies one rate-limit window for one user.
type BucketKey struct {
	User        string
	Unit        string // "hour" or "day"
	WindowStart time.Time
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.User, k.Unit, k.WindowStart.Unix())
}

// BucketStore counts events per (user, unit, window) bucket and evicts
// buckets whose window started more than bucketTTL ago.
type BucketStore struct {
	mu      sync.Mutex
	counts  map[string]int
	created map[string]time.Time
}

// NewBucketStore creates an empty bucket store.
func NewBucketStore() *BucketStore {
	return &BucketStore{
		counts:  make(map[string]int),
		created: make(map[string]time.Time),
	}
}

// Increment adds one to the bucket identified by key and returns the new
// count. It opportunistically garbage-collects stale buckets on each call.
func (b *BucketStore) Increment(key BucketKey, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gcLocked(now)

	k := key.String()
	b.counts[k]++
	if _, ok := b.created[k]; !ok {
		b.created[k] = key.WindowStart
	}
	return b.counts[k]
}

// Count returns the current count for key without incrementing it.
func (b *BucketStore) Count(key BucketKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[key.String()]
}

func (b *BucketStore) gcLocked(now time.Time) {
	for k, windowStart := range b.created {
		if now.Sub(windowStart) > bucketTTL {
			delete(b.counts, k)
			delete(b.created, k)
		}
	}
}

// Len reports the number of live buckets, for tests.
func (b *BucketStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.counts)
}
