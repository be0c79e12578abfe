package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "notification-service/api"
	publishEventName   = "notify.publish"
	publishEventDomain = "notifications"
	publishRoute       = "/api/events"
)

// publishMetrics collects the stages of one producer publish request and
// emits a single observability event: span attributes for traces, matching
// logrus fields for log search.
type publishMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	decodeDuration time.Duration
	createDuration time.Duration
	audienceKind   string
	eventType      string
	delivered      int
	failed         int
	errorStage     string
}

func newPublishMetrics(ctx context.Context, logger *log.Logger) (*publishMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, publishEventName)
	return &publishMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *publishMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *publishMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decodeDuration = d
	}
}

func (m *publishMetrics) ObserveCreate(d time.Duration) {
	if d > 0 {
		m.createDuration = d
	}
}

func (m *publishMetrics) SetEvent(eventType, audienceKind string) {
	m.eventType = eventType
	m.audienceKind = audienceKind
}

func (m *publishMetrics) SetDispatch(delivered, failed int) {
	if delivered > 0 {
		m.delivered = delivered
	}
	if failed > 0 {
		m.failed = failed
	}
}

func (m *publishMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and writes the observability event. Safe to call from a
// deferred handler epilogue.
func (m *publishMetrics) Log(status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	attrs := map[string]any{
		"http.route":               publishRoute,
		"http.status_code":         status,
		"notify.total_ms":          durationToMillis(time.Since(m.start)),
		"notify.delivered":         m.delivered,
		"notify.failed_deliveries": m.failed,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", publishRoute),
		attribute.Int("http.status_code", status),
		attribute.Int("notify.delivered", m.delivered),
		attribute.Int("notify.failed_deliveries", m.failed),
	}
	if m.eventType != "" {
		attrs["notify.event_type"] = m.eventType
		spanAttrs = append(spanAttrs, attribute.String("notify.event_type", m.eventType))
	}
	if m.audienceKind != "" {
		attrs["notify.audience_kind"] = m.audienceKind
		spanAttrs = append(spanAttrs, attribute.String("notify.audience_kind", m.audienceKind))
	}
	if m.authDuration > 0 {
		attrs["notify.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.decodeDuration > 0 {
		attrs["notify.decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.createDuration > 0 {
		attrs["notify.create_ms"] = durationToMillis(m.createDuration)
	}
	if m.errorStage != "" {
		attrs["error.stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("error.stage", m.errorStage))
	}

	m.span.SetAttributes(spanAttrs...)
	if err != nil {
		attrs["error.message"] = err.Error()
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	}
	m.span.End()

	m.logger.WithFields(log.Fields{
		"event.name":   publishEventName,
		"event.domain": publishEventDomain,
		"attributes":   attrs,
	}).Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
