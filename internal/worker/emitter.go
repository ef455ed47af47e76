package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"courier/pkg/metrics"
	"courier/pkg/models"
)

// ResponsePublisher is the slice of the broker publisher the emitter
// needs.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, orgID string, resp models.Response) error
}

// emitter publishes response frames for one in-flight message. It owns
// the chunk counter so stream ordering per request is monotonic, and it
// refuses frames after a terminal one has gone out.
type emitter struct {
	publisher ResponsePublisher
	orgID     string
	msg       *models.Message

	mu        sync.Mutex
	nextChunk int
	terminal  bool
}

func newEmitter(publisher ResponsePublisher, orgID string, msg *models.Message) *emitter {
	return &emitter{publisher: publisher, orgID: orgID, msg: msg}
}

// Emit forwards a frame, stamping stream bookkeeping. Chunk indexes
// supplied by handlers are overwritten with the emitter's counter.
func (e *emitter) Emit(ctx context.Context, resp models.Response) error {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		return fmt.Errorf("response stream for %s already terminated", resp.RequestID)
	}

	if resp.RequestID == "" {
		resp.RequestID = e.msg.MessageID
	}
	if resp.AgentID == "" {
		resp.AgentID = e.msg.AgentID
	}
	if resp.Priority == 0 {
		resp.Priority = e.msg.Priority
	}

	switch resp.Type {
	case models.ResponseStreamChunk:
		idx := e.nextChunk
		e.nextChunk++
		resp.ChunkIndex = &idx
	case models.ResponseStreamComplete:
		total := e.nextChunk
		resp.TotalChunks = &total
		e.terminal = true
	case models.ResponseResult, models.ResponseError:
		e.terminal = true
	}
	e.mu.Unlock()

	if err := e.publisher.PublishResponse(ctx, e.orgID, resp); err != nil {
		e.mu.Lock()
		if resp.Terminal() {
			e.terminal = false
		}
		e.mu.Unlock()
		return err
	}

	metrics.ResponseFramesTotal.WithLabelValues(string(resp.Type)).Inc()
	return nil
}

func (e *emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

func (e *emitter) ChunksEmitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextChunk
}

func (e *emitter) EmitAck(ctx context.Context, stage string) error {
	return e.Emit(ctx, models.NewAck(e.msg, stage))
}

func (e *emitter) EmitProgress(ctx context.Context, percent int, note string) error {
	return e.Emit(ctx, models.NewProgress(e.msg, percent, note))
}

func (e *emitter) EmitResult(ctx context.Context, data json.RawMessage) error {
	return e.Emit(ctx, models.NewResult(e.msg, data))
}

func (e *emitter) EmitError(ctx context.Context, kind, detail string, retriable bool) error {
	return e.Emit(ctx, models.NewErrorResponse(e.msg, kind, detail, retriable))
}
