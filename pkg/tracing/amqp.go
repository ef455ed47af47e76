package tracing

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// InjectTraceContext writes the active trace context into an AMQP
// header table, allocating one if needed.
func InjectTraceContext(ctx context.Context, headers amqp.Table) amqp.Table {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		return headers
	}

	if headers == nil {
		headers = amqp.Table{}
	}
	carrier := amqpHeaderCarrier{headers: headers}
	propagator.Inject(ctx, carrier)

	return carrier.headers
}

// ExtractTraceContext restores the trace context from delivery headers.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil || headers == nil {
		return ctx
	}

	carrier := amqpHeaderCarrier{headers: headers}
	return propagator.Extract(ctx, carrier)
}

type amqpHeaderCarrier struct {
	headers amqp.Table
}

func (c amqpHeaderCarrier) Get(key string) string {
	if v, ok := c.headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}
