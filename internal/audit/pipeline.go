package audit

import (
	"context"
	"encoding/json"

	"courier/internal/constants"
	"courier/pkg/models"
)

// The helpers below bundle the status upsert and event writes for the
// common lifecycle transitions so call sites stay small.

func snapshot(msg *models.Message, status string) models.MessageRecord {
	payload, _ := json.Marshal(msg)
	return models.MessageRecord{
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		AgentID:   msg.AgentID,
		Type:      msg.Type,
		Priority:  msg.Priority,
		Status:    status,
		Payload:   payload,
	}
}

// RecordCreatedEnqueued captures the producer-side transition into the
// queue.
func (w *Writer) RecordCreatedEnqueued(ctx context.Context, msg *models.Message) error {
	if err := w.UpsertStatus(ctx, snapshot(msg, constants.StatusQueued)); err != nil {
		return err
	}
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventCreated, map[string]interface{}{"source": "producer"})
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventEnqueued, map[string]interface{}{
		"exchange": constants.OrgRequestExchange(msg.OrgID),
		"priority": msg.Priority,
	})
	return nil
}

// RecordDequeuedProcessing captures a worker picking the message up.
func (w *Writer) RecordDequeuedProcessing(ctx context.Context, msg *models.Message, workerID string) error {
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventDequeued, map[string]interface{}{
		"queue": constants.OrgRequestQueue(msg.OrgID),
	})
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventProcessing, map[string]interface{}{
		"worker": workerID,
	})
	return w.UpsertStatus(ctx, snapshot(msg, constants.StatusProcessing))
}

// RecordCompleted durably records the terminal success before the
// caller acks.
func (w *Writer) RecordCompleted(ctx context.Context, msg *models.Message, workerID string) error {
	if err := w.UpsertStatus(ctx, snapshot(msg, constants.StatusCompleted)); err != nil {
		return err
	}
	return w.EmitTerminal(ctx, models.MessageEventRecord{
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		EventType: constants.EventCompleted,
		Details:   map[string]interface{}{"worker": workerID},
	})
}

// RecordFailedThenRetry captures one failed attempt and its scheduled
// redelivery, including any demotion.
func (w *Writer) RecordFailedThenRetry(ctx context.Context, msg *models.Message, errKind, detail string, delayMS, fromPriority int) error {
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventFailed, map[string]interface{}{
		"error_kind": errKind,
		"error":      detail,
	})
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventRetryScheduled, map[string]interface{}{
		"delay_ms":    delayMS,
		"retry_count": msg.RetryCount,
	})
	if msg.Priority != fromPriority {
		w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventDemoted, map[string]interface{}{
			"from": fromPriority,
			"to":   msg.Priority,
		})
	}
	return w.UpsertStatus(ctx, snapshot(msg, constants.StatusRetrying))
}

// RecordDeadLetter durably records the terminal failure before the
// caller acks.
func (w *Writer) RecordDeadLetter(ctx context.Context, msg *models.Message, reason string, history []models.FailureEntry) error {
	if err := w.store.InsertDLQ(ctx, models.DLQRecord{
		OrgID:           msg.OrgID,
		OriginalMessage: msg,
		ErrorHistory:    history,
		Reason:          reason,
		CanReplay:       true,
	}); err != nil {
		return err
	}
	if err := w.UpsertStatus(ctx, snapshot(msg, constants.StatusDeadLettered)); err != nil {
		return err
	}
	return w.EmitTerminal(ctx, models.MessageEventRecord{
		MessageID: msg.MessageID,
		OrgID:     msg.OrgID,
		EventType: constants.EventDeadLetter,
		Details:   map[string]interface{}{"reason": reason},
	})
}

// RecordPromoted captures a time-based priority escalation.
func (w *Writer) RecordPromoted(messageID, orgID string, from, to int, ageMS int64) {
	w.EmitEvent(messageID, orgID, constants.EventPromoted, map[string]interface{}{
		"from":   from,
		"to":     to,
		"age_ms": ageMS,
	})
}

// RecordDuplicateSkipped captures an idempotency collision on the
// worker path.
func (w *Writer) RecordDuplicateSkipped(ctx context.Context, msg *models.Message, dedupKey string) error {
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventDuplicateSkipped, map[string]interface{}{
		"dedup_key": dedupKey,
	})
	return w.UpsertStatus(ctx, snapshot(msg, constants.StatusDuplicate))
}

// RecordQuarantined captures a poison quarantine alongside its DLQ
// insert.
func (w *Writer) RecordQuarantined(ctx context.Context, msg *models.Message, failCount int, history []models.FailureEntry) error {
	w.EmitEvent(msg.MessageID, msg.OrgID, constants.EventPoisonQuarantined, map[string]interface{}{
		"dedup_key":  msg.EffectiveDedupKey(),
		"fail_count": failCount,
	})
	if err := w.UpsertStatus(ctx, snapshot(msg, constants.StatusQuarantined)); err != nil {
		return err
	}
	return w.RecordDeadLetter(ctx, msg, constants.DLQReasonPoison, history)
}
