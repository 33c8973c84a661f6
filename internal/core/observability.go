package core

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per completed service operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan ends a single traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type nopTracer struct{}

func (nopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) End(error) {}
