package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"authsession-service/internal/config"
)

func TestBucketsAreStableAndBounded(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{IdentityBuckets: 16})
	assert.Equal(t, 16, bm.IdentityBuckets())

	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("identity-%d", i)
		b := bm.IdentityBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.IdentityBucket(id))
		seen[b] = true
	}
	assert.Len(t, seen, 16, "every bucket used")
}

func TestEmailBucketIgnoresCase(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, defaultIdentityBuckets, bm.IdentityBuckets())
	assert.Equal(t, bm.EmailBucket("Alice@Example.com "), bm.EmailBucket("alice@example.com"))
}
