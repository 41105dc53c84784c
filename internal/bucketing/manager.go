package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"accounts-service/internal/config"
)

// BucketingManager maps keys onto a fixed number of buckets with murmur3.
// Lock stripes for per-phone state and event partitions both come from here.
type BucketingManager struct {
	lockStripes  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		lockStripes:  max(cfg.LockStripes, 1),
		eventBuckets: max(cfg.EventBuckets, 1),
	}
	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}
	return bm
}

// LockStripes returns the number of lock stripes.
func (bm *BucketingManager) LockStripes() int {
	return bm.lockStripes
}

// GetLockStripe returns the stripe (0 to LockStripes-1) guarding key.
func (bm *BucketingManager) GetLockStripe(key string) int {
	return bm.getBucket(key, bm.lockStripes)
}

// GetEventBucket returns the partition bucket for an event subject.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC day of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
