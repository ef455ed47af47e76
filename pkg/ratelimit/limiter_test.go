package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilLimiterAllows(t *testing.T) {
	var l *PublishLimiter
	assert.True(t, l.Allow("acme", "u1"))
}

func TestOrgBucketExhausts(t *testing.T) {
	l := NewPublishLimiter(&BucketConfig{RPS: 1, Burst: 2}, nil)

	assert.True(t, l.Allow("acme", ""))
	assert.True(t, l.Allow("acme", ""))
	assert.False(t, l.Allow("acme", ""), "burst spent")

	assert.True(t, l.Allow("globex", ""), "orgs have independent buckets")
}

func TestUserBucketAppliesAfterOrg(t *testing.T) {
	l := NewPublishLimiter(
		&BucketConfig{RPS: 100, Burst: 100},
		&BucketConfig{RPS: 1, Burst: 1},
	)

	assert.True(t, l.Allow("acme", "u1"))
	assert.False(t, l.Allow("acme", "u1"))
	assert.True(t, l.Allow("acme", "u2"))
}
