package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"courier/pkg/models"
)

// FilterEvaluator compiles and runs CEL filter expressions against DLQ
// records for replay and purge selection.
type FilterEvaluator struct {
	env *cel.Env
}

func NewFilterEvaluator() (*FilterEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("org_id", cel.StringType),
		cel.Variable("type", cel.StringType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("error_kind", cel.StringType),
		cel.Variable("can_replay", cel.BoolType),
		cel.Variable("age_seconds", cel.IntType),
		cel.Variable("retry_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &FilterEvaluator{env: env}, nil
}

// Compile validates an expression and requires a boolean result type.
func (e *FilterEvaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return program, nil
}

// Matches evaluates a compiled filter against one DLQ record.
func (e *FilterEvaluator) Matches(ctx context.Context, program cel.Program, rec models.DLQRecord) (bool, error) {
	errorKind := ""
	if len(rec.ErrorHistory) > 0 {
		errorKind = rec.ErrorHistory[len(rec.ErrorHistory)-1].Kind
	}

	msg := rec.OriginalMessage
	if msg == nil {
		msg = &models.Message{}
	}

	vars := map[string]interface{}{
		"org_id":      rec.OrgID,
		"type":        string(msg.Type),
		"priority":    int64(msg.Priority),
		"reason":      rec.Reason,
		"error_kind":  errorKind,
		"can_replay":  rec.CanReplay,
		"age_seconds": int64(time.Since(rec.DLQTimestamp) / time.Second),
		"retry_count": int64(msg.RetryCount),
	}

	result, _, err := program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter expression returned non-bool value %v", result.Value())
	}
	return boolVal, nil
}
