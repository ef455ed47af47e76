package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "validation", Kind(ErrValidation))
	assert.Equal(t, "rate_limit", Kind(ErrRateLimit.WithDetail("upstream", "llm")))
	assert.Equal(t, "unknown", Kind(fmt.Errorf("some plain error")))
	assert.Equal(t, "broker_unavailable", Kind(fmt.Errorf("wrapped: %w", ErrBrokerUnavailable)))
}

func TestRetryableClassification(t *testing.T) {
	assert.False(t, ErrValidation.IsRetryable())
	assert.False(t, ErrUnsupportedSchema.IsRetryable())
	assert.False(t, ErrPermanentUpstream.IsRetryable())
	assert.True(t, ErrRateLimit.IsRetryable())
	assert.True(t, ErrTransientIO.IsRetryable())
	assert.True(t, ErrHandlerTimeout.IsRetryable())
	assert.True(t, ErrUnknown.IsRetryable())
}

func TestExplicitOverridesWin(t *testing.T) {
	err := ErrTransientIO.AsFatal()
	assert.False(t, err.IsRetryable())
	assert.True(t, err.IsFatal())

	err = ErrValidation.AsRetryable()
	assert.True(t, err.IsRetryable())
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	before := len(ErrValidation.Details)
	derived := ErrValidation.WithDetail("field", "priority")
	assert.Len(t, ErrValidation.Details, before)
	assert.Equal(t, "priority", derived.Details["field"])
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrBrokerUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "broker_unavailable")
}

func TestRecoverPanicIsFatal(t *testing.T) {
	err := RecoverPanic("boom")
	var appErr *Error
	assert.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.IsFatal())
	assert.Equal(t, true, appErr.Details["panic"])
}
