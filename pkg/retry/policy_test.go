package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "courier/pkg/errors"
)

var rungs = []int{1000, 2000, 4000, 8000, 5000, 60000}

func TestDemotePriority(t *testing.T) {
	assert.Equal(t, 1, DemotePriority(0))
	assert.Equal(t, 2, DemotePriority(1))
	assert.Equal(t, 3, DemotePriority(2))
	assert.Equal(t, 3, DemotePriority(3))
	assert.Equal(t, 1, DemotePriority(-4))
}

func TestDecideNoRetryKinds(t *testing.T) {
	for _, kind := range []string{
		apperrors.ErrValidation.Code,
		apperrors.ErrUnsupportedSchema.Code,
		apperrors.ErrPermanentUpstream.Code,
	} {
		d := Decide(kind, 1, 0, 3, false, rungs)
		assert.False(t, d.ShouldRetry, "kind %s must not retry", kind)
		assert.Equal(t, 1, d.NextPriority)
		assert.Equal(t, 0, d.NextRetryCount)
	}
}

func TestDecideDemotesAndIncrements(t *testing.T) {
	d := Decide(apperrors.ErrTransientIO.Code, 1, 0, 3, false, rungs)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 2, d.NextPriority)
	assert.Equal(t, 1, d.NextRetryCount)

	d = Decide(apperrors.ErrTransientIO.Code, d.NextPriority, d.NextRetryCount, 3, false, rungs)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 3, d.NextPriority)
	assert.Equal(t, 2, d.NextRetryCount)

	d = Decide(apperrors.ErrTransientIO.Code, d.NextPriority, d.NextRetryCount, 3, false, rungs)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 3, d.NextPriority, "demotion clamps at P3")
}

func TestDecideNoDemotePreservesPriority(t *testing.T) {
	d := Decide(apperrors.ErrRateLimit.Code, 0, 0, 3, true, rungs)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 0, d.NextPriority)
	assert.Equal(t, 1, d.NextRetryCount)
}

func TestDecideStopsAtMaxRetries(t *testing.T) {
	d := Decide(apperrors.ErrTransientIO.Code, 2, 3, 3, false, rungs)
	assert.False(t, d.ShouldRetry)
}

func TestDecideLinearTimeoutDelay(t *testing.T) {
	d := Decide(apperrors.ErrHandlerTimeout.Code, 2, 0, 3, false, rungs)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 5000, d.DelayMS)
	assert.Equal(t, StrategyLinear, d.Strategy)

	d = Decide(apperrors.ErrHandlerTimeout.Code, 2, 2, 5, false, rungs)
	assert.Equal(t, 5000, d.DelayMS, "linear delay does not grow")
}

func TestDecideExponentialDelayGrows(t *testing.T) {
	first := Decide(apperrors.ErrUnknown.Code, 2, 0, 5, false, rungs)
	second := Decide(apperrors.ErrUnknown.Code, 2, 1, 5, false, rungs)
	third := Decide(apperrors.ErrUnknown.Code, 2, 2, 5, false, rungs)

	assert.Equal(t, 1000, first.DelayMS)
	assert.Equal(t, 2000, second.DelayMS)
	assert.Equal(t, 4000, third.DelayMS)
}

func TestDecideUnknownKindFallsBack(t *testing.T) {
	d := Decide("something-novel", 2, 0, 3, false, rungs)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, StrategyExponential, d.Strategy)
}

func TestSnapDelay(t *testing.T) {
	assert.Equal(t, 1000, SnapDelay(500, rungs))
	assert.Equal(t, 1000, SnapDelay(1000, rungs))
	assert.Equal(t, 2000, SnapDelay(1500, rungs))
	assert.Equal(t, 5000, SnapDelay(4500, rungs))
	assert.Equal(t, 60000, SnapDelay(30000, rungs))
	assert.Equal(t, 60000, SnapDelay(120000, rungs), "caps at the largest rung")
	assert.Equal(t, 42, SnapDelay(42, nil))
}
