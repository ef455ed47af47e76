package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/pkg/metrics"
)

type BucketConfig struct {
	RPS   float64
	Burst int
}

// PublishLimiter applies per-org and per-user token buckets to the
// publish path. The org bucket is consulted first.
type PublishLimiter struct {
	orgConfig  *BucketConfig
	userConfig *BucketConfig

	mu          sync.Mutex
	orgBuckets  map[string]*rate.Limiter
	userBuckets map[string]*rate.Limiter
}

func NewPublishLimiter(orgConfig, userConfig *BucketConfig) *PublishLimiter {
	return &PublishLimiter{
		orgConfig:   orgConfig,
		userConfig:  userConfig,
		orgBuckets:  make(map[string]*rate.Limiter),
		userBuckets: make(map[string]*rate.Limiter),
	}
}

func (l *PublishLimiter) orgBucket(orgID string) *rate.Limiter {
	if l.orgConfig == nil {
		return nil
	}
	b, ok := l.orgBuckets[orgID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.orgConfig.RPS), l.orgConfig.Burst)
		l.orgBuckets[orgID] = b
	}
	return b
}

func (l *PublishLimiter) userBucket(orgID, userID string) *rate.Limiter {
	if l.userConfig == nil || userID == "" {
		return nil
	}
	key := orgID + ":" + userID
	b, ok := l.userBuckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.userConfig.RPS), l.userConfig.Burst)
		l.userBuckets[key] = b
	}
	return b
}

// Allow reports whether one publish may proceed right now for the
// given org and user. A nil limiter always allows.
func (l *PublishLimiter) Allow(orgID, userID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	org := l.orgBucket(orgID)
	user := l.userBucket(orgID, userID)
	l.mu.Unlock()

	if org != nil && !org.Allow() {
		metrics.RateLimitThrottledTotal.WithLabelValues(orgID).Inc()
		return false
	}
	if user != nil && !user.Allow() {
		metrics.RateLimitThrottledTotal.WithLabelValues(orgID).Inc()
		return false
	}
	return true
}

// Reserve returns how long a publish has to wait for a token, without
// consuming one if the wait exceeds maxWait.
func (l *PublishLimiter) Reserve(orgID string, maxWait time.Duration) (time.Duration, bool) {
	if l == nil {
		return 0, true
	}

	l.mu.Lock()
	org := l.orgBucket(orgID)
	l.mu.Unlock()

	if org == nil {
		return 0, true
	}
	r := org.Reserve()
	if !r.OK() {
		return 0, false
	}
	delay := r.Delay()
	if delay > maxWait {
		r.Cancel()
		metrics.RateLimitThrottledTotal.WithLabelValues(orgID).Inc()
		return delay, false
	}
	return delay, true
}
