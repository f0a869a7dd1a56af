package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"authsession-service/internal/config"
	"authsession-service/internal/util"
)

const defaultIdentityBuckets = 256

// BucketingManager spreads identities across a fixed number of partition
// buckets. The bucket count must never change once data has been written.
type BucketingManager struct {
	identityBuckets int
	hasherPool      sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	n := cfg.IdentityBuckets
	if n <= 0 {
		n = defaultIdentityBuckets
	}
	return &BucketingManager{
		identityBuckets: n,
		hasherPool: sync.Pool{
			New: func() any { return murmur3.New64() },
		},
	}
}

// IdentityBucket returns the bucket for an identity id.
func (bm *BucketingManager) IdentityBucket(identityID string) int {
	return bm.bucket(identityID)
}

// EmailBucket returns the bucket for the email lookup table. The email is
// normalized first so case variants land in the same partition.
func (bm *BucketingManager) EmailBucket(email string) int {
	return bm.bucket(util.NormalizeIdentifier(email))
}

func (bm *BucketingManager) IdentityBuckets() int {
	return bm.identityBuckets
}

func (bm *BucketingManager) bucket(key string) int {
	return int(bm.hash(key) % uint64(bm.identityBuckets))
}

func (bm *BucketingManager) hash(key string) uint64 {
	h := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
