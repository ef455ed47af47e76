package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperrors "courier/pkg/errors"
	"courier/pkg/models"
)

// EmitFunc sends one response frame toward the requesting agent.
type EmitFunc func(resp models.Response) error

// Handler executes the business logic for one message type. The
// returned payload becomes the final result frame when the handler did
// not already emit a terminal frame itself.
type Handler interface {
	Handle(ctx context.Context, msg *models.Message, emit EmitFunc) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, msg *models.Message, emit EmitFunc) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *models.Message, emit EmitFunc) (json.RawMessage, error) {
	return f(ctx, msg, emit)
}

// Registry maps message types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.MessageType]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.MessageType]Handler),
		fallback: HandlerFunc(handleUnknown),
	}
}

func (r *Registry) Register(msgType models.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = h
}

func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Registry) Lookup(msgType models.MessageType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[msgType]; ok {
		return h
	}
	return r.fallback
}

// NewDefaultRegistry wires stub handlers for every request type:
// agent_message echoes its context, the others return a status stub.
// Deployments replace these with real model/tool/memory executors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.TypeAgentMessage, HandlerFunc(handleEcho))
	for _, t := range []models.MessageType{
		models.TypeModelCall,
		models.TypeToolCall,
		models.TypeMemorySave,
		models.TypeMemoryRetrieve,
		models.TypeMemoryUpdate,
		models.TypeAgentSpawn,
		models.TypeAgentTerminate,
	} {
		r.Register(t, HandlerFunc(handlePassthrough))
	}
	return r
}

func handleEcho(ctx context.Context, msg *models.Message, emit EmitFunc) (json.RawMessage, error) {
	if forceErrorRequested(msg) {
		return nil, apperrors.ErrTransientIO.WithDetail("message", "forced error for retry testing")
	}
	body, err := json.Marshal(map[string]interface{}{"echo": msg.Context})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func handlePassthrough(ctx context.Context, msg *models.Message, emit EmitFunc) (json.RawMessage, error) {
	if forceErrorRequested(msg) {
		return nil, apperrors.ErrTransientIO.WithDetail("message", "forced error for retry testing")
	}
	body, err := json.Marshal(map[string]interface{}{"status": "ok", "type": msg.Type})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func handleUnknown(ctx context.Context, msg *models.Message, emit EmitFunc) (json.RawMessage, error) {
	return nil, apperrors.ErrValidation.WithDetail("message", fmt.Sprintf("no handler for type %q", msg.Type))
}

func forceErrorRequested(msg *models.Message) bool {
	if msg.Context == nil {
		return false
	}
	v, ok := msg.Context["force_error"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ClassifyHandlerError maps any handler failure onto the retry
// taxonomy. Typed errors pass through; context deadline becomes a
// handler timeout; everything else is unknown.
func ClassifyHandlerError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrHandlerTimeout.Code
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperrors.ErrUnknown.Code
}
