package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/open62541-go/pubsub-core/pkg/logger"
)

// Instrumented wraps a Channel with structured logging and tracing around
// Send/Receive, the same shape as the ambient stack's InstrumentedBroker.
type Instrumented struct {
	next    Channel
	profile Profile
	tracer  trace.Tracer
}

func NewInstrumented(next Channel, profile Profile) *Instrumented {
	return &Instrumented{next: next, profile: profile, tracer: otel.Tracer("pkg/pubsub/transport")}
}

func (c *Instrumented) State() State { return c.next.State() }

func (c *Instrumented) Register(ctx context.Context, settings RegisterSettings, cb ReceiveCallback) error {
	if err := c.next.Register(ctx, settings, cb); err != nil {
		logger.L().ErrorContext(ctx, "channel register failed", "profile", c.profile, "topic", settings.Topic, "error", err)
		return err
	}
	return nil
}

func (c *Instrumented) Unregister(ctx context.Context, settings RegisterSettings) error {
	return c.next.Unregister(ctx, settings)
}

func (c *Instrumented) Send(ctx context.Context, settings RegisterSettings, buf []byte) error {
	ctx, span := c.tracer.Start(ctx, "transport.Send", trace.WithAttributes(
		attribute.String("pubsub.transport_profile", string(c.profile)),
		attribute.Int("pubsub.payload_bytes", len(buf)),
	))
	defer span.End()

	err := c.next.Send(ctx, settings, buf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.L().WarnContext(ctx, "channel send failed", "profile", c.profile, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "sent")
	return nil
}

func (c *Instrumented) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return c.next.Receive(ctx, timeout)
}

func (c *Instrumented) Yield(ctx context.Context) error { return c.next.Yield(ctx) }

func (c *Instrumented) Close() error {
	logger.L().Info("closing transport channel", "profile", c.profile)
	return c.next.Close()
}
