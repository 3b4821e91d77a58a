package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsDropped     otelmetric.Int64Counter
	busSubscribers    otelmetric.Int64UpDownCounter
)

func initStreamMetrics() {
	meter := otel.Meter("quizzer/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"quizzer_events_published_total",
		otelmetric.WithDescription("Session events fanned out by the bus"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: quizzer_events_published_total: %v", err)
	}
	eventsDropped, err = meter.Int64Counter(
		"quizzer_events_dropped_total",
		otelmetric.WithDescription("Session events dropped for lagging subscribers"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: quizzer_events_dropped_total: %v", err)
	}
	busSubscribers, err = meter.Int64UpDownCounter(
		"quizzer_event_subscribers",
		otelmetric.WithDescription("Currently attached event stream subscribers"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: quizzer_event_subscribers: %v", err)
	}
}

func recordEventPublished(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsPublished == nil {
		return
	}
	eventsPublished.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("type", eventType)))
}

func recordEventDropped(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsDropped == nil {
		return
	}
	eventsDropped.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(attribute.String("type", eventType)))
}

func recordSubscriberDelta(ctx context.Context, delta int64) {
	streamMetricsOnce.Do(initStreamMetrics)
	if busSubscribers == nil {
		return
	}
	busSubscribers.Add(contextOrBackground(ctx), delta)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
