package producer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/audit"
	"courier/internal/config"
	"courier/internal/idempotency"
	"courier/internal/logger"
	apperrors "courier/pkg/errors"
	"courier/pkg/models"
)

type fakeRequestPublisher struct {
	mu        sync.Mutex
	published []*models.Message
	ttls      []int
	fail      bool
}

func (f *fakeRequestPublisher) PublishRequestWithTTL(ctx context.Context, msg *models.Message, ttlMS int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return apperrors.ErrBrokerUnavailable
	}
	f.published = append(f.published, msg)
	f.ttls = append(f.ttls, ttlMS)
	return nil
}

type fakeIdemRepo struct {
	mu       sync.Mutex
	keys     map[string]bool
	released []string
	fail     bool
}

func newFakeIdemRepo() *fakeIdemRepo {
	return &fakeIdemRepo{keys: make(map[string]bool)}
}

func (f *fakeIdemRepo) InsertIdempotencyKey(ctx context.Context, orgID, dedupKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, apperrors.ErrStoreUnavailable
	}
	key := orgID + ":" + dedupKey
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func (f *fakeIdemRepo) DeleteIdempotencyKey(ctx context.Context, orgID, dedupKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := orgID + ":" + dedupKey
	delete(f.keys, key)
	f.released = append(f.released, key)
	return nil
}

func (f *fakeIdemRepo) CleanupIdempotencyKeys(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

type nullSink struct{}

func (nullSink) AppendEvents(ctx context.Context, events []models.MessageEventRecord) error { return nil }
func (nullSink) UpsertMessage(ctx context.Context, rec models.MessageRecord) error          { return nil }
func (nullSink) InsertDLQ(ctx context.Context, rec models.DLQRecord) error                  { return nil }

type testProducer struct {
	svc        *Service
	confirmed  *fakeRequestPublisher
	fireForget *fakeRequestPublisher
	repo       *fakeIdemRepo
}

func newTestProducer() *testProducer {
	confirmed := &fakeRequestPublisher{}
	fireForget := &fakeRequestPublisher{}
	repo := newFakeIdemRepo()

	auditWriter := audit.NewWriter(nullSink{}, config.AuditConfig{FlushSize: 100, FlushInterval: time.Second}, logger.NopLogger())
	idem := idempotency.NewService(repo, 30, logger.NopLogger())

	svc := NewService(confirmed, fireForget, idem, nil, auditWriter, nil, logger.NopLogger())
	return &testProducer{svc: svc, confirmed: confirmed, fireForget: fireForget, repo: repo}
}

func request(priority int) *models.Message {
	return models.NewMessageBuilder("acme", models.TypeModelCall).
		WithPriority(priority).
		WithCreatedBy(models.CreatedByUser, "u1").
		Build()
}

func TestPublishUsesConfirmsForP1ToP3(t *testing.T) {
	p := newTestProducer()

	for _, priority := range []int{1, 2, 3} {
		_, err := p.svc.Publish(context.Background(), request(priority))
		require.NoError(t, err)
	}

	assert.Len(t, p.confirmed.published, 3)
	assert.Empty(t, p.fireForget.published)
}

func TestPublishP0SkipsConfirms(t *testing.T) {
	p := newTestProducer()

	_, err := p.svc.Publish(context.Background(), request(0))
	require.NoError(t, err)

	assert.Empty(t, p.confirmed.published)
	assert.Len(t, p.fireForget.published, 1)
	assert.Zero(t, p.fireForget.ttls[0], "P0 gets no promotion TTL")
}

func TestPublishSetsPromotionTTL(t *testing.T) {
	p := newTestProducer()

	_, err := p.svc.Publish(context.Background(), request(3))
	require.NoError(t, err)
	assert.Equal(t, 30000, p.confirmed.ttls[0])

	_, err = p.svc.Publish(context.Background(), request(1))
	require.NoError(t, err)
	assert.Equal(t, 5000, p.confirmed.ttls[1])
}

func TestPublishDuplicateSuppressed(t *testing.T) {
	p := newTestProducer()
	ctx := context.Background()

	msg := request(2)
	msg.DedupKey = "k1"
	res, err := p.svc.Publish(ctx, msg)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)

	dup := request(2)
	dup.DedupKey = "k1"
	res, err = p.svc.Publish(ctx, dup)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Duplicate)

	assert.Len(t, p.confirmed.published, 1, "only one message reaches the broker")
}

func TestPublishRollsBackKeyOnBrokerFailure(t *testing.T) {
	p := newTestProducer()
	p.confirmed.fail = true

	msg := request(2)
	msg.DedupKey = "k1"
	res, err := p.svc.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, "broker_unavailable", res.Reason)
	assert.Contains(t, p.repo.released, "acme:k1")

	// The same key publishes cleanly once the broker recovers.
	p.confirmed.fail = false
	retry := request(2)
	retry.DedupKey = "k1"
	res, err = p.svc.Publish(context.Background(), retry)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Duplicate)
}

func TestPublishStoreFailureRejectsNonP0(t *testing.T) {
	p := newTestProducer()
	p.repo.fail = true

	msg := request(2)
	msg.DedupKey = "k1"
	_, err := p.svc.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, "store_unavailable", apperrors.Kind(err))

	// P0 stays publishable while the store is down.
	urgent := request(0)
	urgent.DedupKey = "k2"
	res, err := p.svc.Publish(context.Background(), urgent)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestPublishStampsMissingIdentifiers(t *testing.T) {
	p := newTestProducer()

	msg := &models.Message{
		OrgID:     "acme",
		Type:      models.TypeAgentMessage,
		Priority:  2,
		CreatedBy: models.CreatedBy{Kind: models.CreatedBySystem, ID: "svc"},
	}
	res, err := p.svc.Publish(context.Background(), msg)
	require.NoError(t, err)

	assert.NotEmpty(t, res.MessageID)
	assert.NotEmpty(t, msg.GoalID)
	assert.NotEmpty(t, msg.TaskID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, models.CurrentSchemaVersion, msg.SchemaVersion)
}
