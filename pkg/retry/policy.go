package retry

import (
	"math"
	"time"

	apperrors "courier/pkg/errors"
)

type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// KindPolicy describes how a single error kind is retried. Delays are
// realized by broker-side holding queues, so every computed delay is
// snapped to a declared rung with SnapDelay.
type KindPolicy struct {
	Strategy Strategy
	Base     time.Duration
	Cap      time.Duration
}

// kindPolicies maps handler error kinds to their retry behavior.
var kindPolicies = map[string]KindPolicy{
	apperrors.ErrValidation.Code:        {Strategy: StrategyNone},
	apperrors.ErrUnsupportedSchema.Code: {Strategy: StrategyNone},
	apperrors.ErrPermanentUpstream.Code: {Strategy: StrategyNone},
	apperrors.ErrRateLimit.Code:         {Strategy: StrategyExponential, Base: time.Second, Cap: 60 * time.Second},
	apperrors.ErrTransientIO.Code:       {Strategy: StrategyExponential, Base: 500 * time.Millisecond, Cap: 30 * time.Second},
	apperrors.ErrHandlerTimeout.Code:    {Strategy: StrategyLinear, Base: 5 * time.Second},
	apperrors.ErrUnknown.Code:           {Strategy: StrategyExponential, Base: time.Second, Cap: 30 * time.Second},
}

func PolicyForKind(kind string) KindPolicy {
	if p, ok := kindPolicies[kind]; ok {
		return p
	}
	return kindPolicies[apperrors.ErrUnknown.Code]
}

// DemotePriority lowers a logical priority by one level, bounded at P3.
func DemotePriority(current int) int {
	if current < 0 {
		current = 0
	}
	if current >= 3 {
		return 3
	}
	return current + 1
}

// SnapDelay picks the declared holding-queue rung closest to the ideal
// delay, never below it unless the ideal exceeds the largest rung.
func SnapDelay(idealMS int, rungsMS []int) int {
	if len(rungsMS) == 0 {
		return idealMS
	}
	best := rungsMS[len(rungsMS)-1]
	for _, rung := range rungsMS {
		if rung >= idealMS && rung < best {
			best = rung
		}
	}
	if idealMS > best {
		max := rungsMS[0]
		for _, rung := range rungsMS {
			if rung > max {
				max = rung
			}
		}
		return max
	}
	return best
}

// Decision is the computed outcome for one failed delivery.
type Decision struct {
	ShouldRetry    bool
	DelayMS        int
	NextPriority   int
	NextRetryCount int
	MaxRetries     int
	Strategy       Strategy
	ErrorKind      string
}

// Decide computes whether a failed message retries, at which delay
// rung, and at which (demoted) priority. retryCount is the count prior
// to this failure; noDemote preserves the current priority.
func Decide(kind string, priority, retryCount, maxRetries int, noDemote bool, rungsMS []int) Decision {
	policy := PolicyForKind(kind)

	d := Decision{
		NextPriority:   priority,
		NextRetryCount: retryCount,
		MaxRetries:     maxRetries,
		Strategy:       policy.Strategy,
		ErrorKind:      kind,
	}

	if policy.Strategy == StrategyNone || retryCount >= maxRetries {
		return d
	}

	var idealMS int
	switch policy.Strategy {
	case StrategyLinear:
		idealMS = int(policy.Base / time.Millisecond)
	default:
		ideal := float64(policy.Base) * math.Pow(2, float64(retryCount))
		if policy.Cap > 0 && ideal > float64(policy.Cap) {
			ideal = float64(policy.Cap)
		}
		idealMS = int(time.Duration(ideal) / time.Millisecond)
	}

	d.ShouldRetry = true
	d.DelayMS = SnapDelay(idealMS, rungsMS)
	d.NextRetryCount = retryCount + 1
	if !noDemote {
		d.NextPriority = DemotePriority(priority)
	}
	return d
}
