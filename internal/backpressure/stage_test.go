package backpressure

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"courier/internal/config"
)

func defaults() config.BackpressureConfig {
	return config.BackpressureConfig{
		ScaleThreshold:     100,
		LightThreshold:     500,
		HeavyThreshold:     1000,
		EmergencyThreshold: 5000,
	}
}

func TestDecideStage(t *testing.T) {
	cfg := defaults()

	assert.Equal(t, StageNormal, DecideStage(0, cfg))
	assert.Equal(t, StageNormal, DecideStage(99, cfg))
	assert.Equal(t, StageScale, DecideStage(100, cfg))
	assert.Equal(t, StageLight, DecideStage(500, cfg))
	assert.Equal(t, StageHeavy, DecideStage(1000, cfg))
	assert.Equal(t, StageEmergency, DecideStage(5000, cfg))
	assert.Equal(t, StageEmergency, DecideStage(50000, cfg))
}

func TestStageThrottled(t *testing.T) {
	assert.False(t, StageNormal.Throttled(3))
	assert.False(t, StageScale.Throttled(3))

	assert.True(t, StageLight.Throttled(3))
	assert.False(t, StageLight.Throttled(2))

	assert.True(t, StageHeavy.Throttled(3))
	assert.True(t, StageHeavy.Throttled(2))
	assert.False(t, StageHeavy.Throttled(1))

	assert.True(t, StageEmergency.Throttled(1))
	assert.False(t, StageEmergency.Throttled(0), "P0 always passes")
}
