package promotion

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"courier/internal/config"
	"courier/internal/logger"
)

func TestDeathReason(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"reason": "expired", "queue": "org.acme.requests.q"},
		},
	}
	assert.Equal(t, "expired", deathReason(headers))

	assert.Equal(t, "", deathReason(amqp.Table{}))
	assert.Equal(t, "", deathReason(amqp.Table{"x-death": "garbage"}))
	assert.Equal(t, "", deathReason(amqp.Table{"x-death": []interface{}{"garbage"}}))
}

func TestThresholdOverrides(t *testing.T) {
	cfg := config.PromotionConfig{
		Overrides: map[string]config.PromotionThresholds{
			"acme": {P3: 10 * time.Second},
		},
	}

	s := NewScheduler("acme", nil, nil, nil, cfg, logger.NopLogger())
	assert.Equal(t, 10*time.Second, s.thresholds[3])
	assert.Equal(t, 15*time.Second, s.thresholds[2], "unset levels keep defaults")
	assert.Equal(t, 5*time.Second, s.thresholds[1])

	other := NewScheduler("globex", nil, nil, nil, cfg, logger.NopLogger())
	assert.Equal(t, 30*time.Second, other.thresholds[3])
}
