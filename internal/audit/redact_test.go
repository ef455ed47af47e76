package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactNonePassesThrough(t *testing.T) {
	r := NewRedactor(RedactNone)
	details := map[string]interface{}{"email": "user@example.com"}
	assert.Equal(t, details, r.Details(details))
	payload := json.RawMessage(`{"ssn":"123-45-6789"}`)
	assert.Equal(t, payload, r.Payload(payload))
}

func TestRedactMediumScrubsPatterns(t *testing.T) {
	r := NewRedactor(RedactMedium)

	details := r.Details(map[string]interface{}{
		"note":   "contact user@example.com about ssn 123-45-6789",
		"nested": map[string]interface{}{"api_key": "api_key=sk-abc123"},
		"count":  3,
	})

	assert.NotContains(t, details["note"], "user@example.com")
	assert.NotContains(t, details["note"], "123-45-6789")
	nested := details["nested"].(map[string]interface{})
	assert.NotContains(t, nested["api_key"], "sk-abc123")
	assert.Equal(t, 3, details["count"])
}

func TestRedactFullReplacesDetails(t *testing.T) {
	r := NewRedactor(RedactFull)

	details := r.Details(map[string]interface{}{"anything": "secret"})
	assert.Equal(t, map[string]interface{}{"redacted": true}, details)

	payload := r.Payload(json.RawMessage(`{"big":"blob"}`))
	assert.JSONEq(t, `{"redacted":true}`, string(payload))

	assert.Nil(t, r.Details(nil))
	assert.Nil(t, r.Payload(nil))
}
