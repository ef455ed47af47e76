package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityMapping(t *testing.T) {
	assert.Equal(t, uint8(9), MapLogicalPriorityToAMQP(0))
	assert.Equal(t, uint8(6), MapLogicalPriorityToAMQP(1))
	assert.Equal(t, uint8(3), MapLogicalPriorityToAMQP(2))
	assert.Equal(t, uint8(0), MapLogicalPriorityToAMQP(3))

	// Mapped values stay distinct so the broker preserves class order.
	seen := map[uint8]bool{}
	for p := 0; p <= 3; p++ {
		v := MapLogicalPriorityToAMQP(p)
		assert.False(t, seen[v])
		seen[v] = true
	}

	assert.Equal(t, uint8(3), MapLogicalPriorityToAMQP(7), "out of range defaults to P2")
}

func TestTopologyNames(t *testing.T) {
	assert.Equal(t, "org.acme.requests", OrgRequestExchange("acme"))
	assert.Equal(t, "org.acme.requests.q", OrgRequestQueue("acme"))
	assert.Equal(t, "org.acme.dlq", OrgDLQ("acme"))
	assert.Equal(t, "org.acme.retry.5000", OrgRetryQueue("acme", 5000))
	assert.Equal(t, "responses.acme", ResponseExchange("acme"))
	assert.Equal(t, "agent.a1.responses.q", AgentResponseQueue("a1"))
}
