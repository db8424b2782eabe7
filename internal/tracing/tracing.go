// Package tracing оборачивает OpenTelemetry для операций координатора.
// Без настроенного провайдера otel возвращает no-op трассировщик.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/vladislavdragonenkov/shopcore"

// Tracer возвращает трассировщик из глобального провайдера.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Start открывает span с атрибутами.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End закрывает span, отмечая ошибку, если она есть.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func OrderID(id string) attribute.KeyValue {
	return attribute.String("shop.order_id", id)
}

func UserID(id string) attribute.KeyValue {
	return attribute.String("shop.user_id", id)
}
