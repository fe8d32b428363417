// Package telemetry ships gate denials to an out-of-band collector. Emission is
// fire-and-forget: a broken collector never changes a request's outcome.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Denial is one refused request.
type Denial struct {
	CorrelationID string    `json:"correlation_id"`
	Route         string    `json:"route"`
	Kind          string    `json:"kind"`
	UID           string    `json:"uid,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	At            time.Time `json:"at"`
}

// Sink receives denials. Implementations must not block the caller for long
// and must swallow their own failures.
type Sink interface {
	EmitDenial(ctx context.Context, d Denial)
}

// Nop discards every denial.
type Nop struct{}

func (Nop) EmitDenial(context.Context, Denial) {}

// Multi fans a denial out to several sinks.
type Multi []Sink

func (m Multi) EmitDenial(ctx context.Context, d Denial) {
	for _, s := range m {
		if s != nil {
			s.EmitDenial(ctx, d)
		}
	}
}

// LogSink writes denials to a structured logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) EmitDenial(_ context.Context, d Denial) {
	l := s.Logger
	if l == nil {
		return
	}
	l.Warn("gate_denied",
		zap.String("correlation_id", d.CorrelationID),
		zap.String("route", d.Route),
		zap.String("kind", d.Kind),
		zap.String("uid", d.UID),
		zap.String("client_ip", d.ClientIP),
		zap.Time("at", d.At),
	)
}
