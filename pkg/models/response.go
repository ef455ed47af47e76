package models

import (
	"encoding/json"
	"time"
)

type ResponseType string

const (
	ResponseResult         ResponseType = "result"
	ResponseStreamChunk    ResponseType = "stream_chunk"
	ResponseStreamComplete ResponseType = "stream_complete"
	ResponseError          ResponseType = "error"
	ResponseProgress       ResponseType = "progress"
	ResponseAck            ResponseType = "acknowledgment"
)

// ErrorInfo describes a handler failure forwarded to the agent.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
	Retriable bool   `json:"retriable"`
}

// Response is one frame on an agent's response queue. Type-specific
// fields are populated for the matching ResponseType and omitted
// otherwise.
type Response struct {
	RequestID string       `json:"request_id"`
	Type      ResponseType `json:"type"`
	AgentID   string       `json:"agent_id"`
	Priority  int          `json:"priority,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	Chunk       json.RawMessage `json:"chunk,omitempty"`
	ChunkIndex  *int            `json:"chunk_index,omitempty"`
	TotalChunks *int            `json:"total_chunks,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	Percent     *int            `json:"percent,omitempty"`
	Note        string          `json:"note,omitempty"`
	Stage       string          `json:"stage,omitempty"`
}

// Terminal reports whether this frame ends the response sequence for
// its request.
func (r *Response) Terminal() bool {
	switch r.Type {
	case ResponseResult, ResponseStreamComplete, ResponseError:
		return true
	}
	return false
}

func NewAck(req *Message, stage string) Response {
	return Response{
		RequestID: req.MessageID,
		Type:      ResponseAck,
		AgentID:   req.AgentID,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
		Stage:     stage,
	}
}

func NewProgress(req *Message, percent int, note string) Response {
	p := percent
	return Response{
		RequestID: req.MessageID,
		Type:      ResponseProgress,
		AgentID:   req.AgentID,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
		Percent:   &p,
		Note:      note,
	}
}

func NewStreamChunk(req *Message, chunk json.RawMessage, index int) Response {
	i := index
	return Response{
		RequestID:  req.MessageID,
		Type:       ResponseStreamChunk,
		AgentID:    req.AgentID,
		Priority:   req.Priority,
		Timestamp:  time.Now().UTC(),
		Chunk:      chunk,
		ChunkIndex: &i,
	}
}

func NewStreamComplete(req *Message, totalChunks int) Response {
	n := totalChunks
	return Response{
		RequestID:   req.MessageID,
		Type:        ResponseStreamComplete,
		AgentID:     req.AgentID,
		Priority:    req.Priority,
		Timestamp:   time.Now().UTC(),
		TotalChunks: &n,
	}
}

func NewResult(req *Message, data json.RawMessage) Response {
	return Response{
		RequestID: req.MessageID,
		Type:      ResponseResult,
		AgentID:   req.AgentID,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewErrorResponse(req *Message, kind, detail string, retriable bool) Response {
	return Response{
		RequestID: req.MessageID,
		Type:      ResponseError,
		AgentID:   req.AgentID,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
		Error:     &ErrorInfo{Kind: kind, Detail: detail, Retriable: retriable},
	}
}
