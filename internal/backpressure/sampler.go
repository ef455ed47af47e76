package backpressure

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"courier/internal/config"
	"courier/internal/constants"
)

// DepthSampler reads per-queue depth from the broker management API.
type DepthSampler struct {
	client *resty.Client
}

type queueInfo struct {
	Messages int `json:"messages"`
}

func NewDepthSampler(cfg config.BrokerConfig) *DepthSampler {
	client := resty.New().
		SetBaseURL(cfg.ManagementURL).
		SetBasicAuth(cfg.ManagementUser, cfg.ManagementPass).
		SetTimeout(5 * time.Second)
	return &DepthSampler{client: client}
}

// QueueDepth returns the message count of the org request queue.
func (s *DepthSampler) QueueDepth(ctx context.Context, orgID string) (int, error) {
	var info queueInfo
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("/api/queues/%s/%s", url.PathEscape("/"), url.PathEscape(constants.OrgRequestQueue(orgID))))
	if err != nil {
		return 0, fmt.Errorf("queue depth request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("queue depth request returned %s", resp.Status())
	}
	return info.Messages, nil
}
