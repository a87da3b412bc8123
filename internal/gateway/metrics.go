package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-gateway/internal/gateway"

type instruments struct {
	tracer   trace.Tracer
	meter    metric.Meter
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
	gauges   metric.Registration
}

func newInstruments(g *Gateway) (*instruments, error) {
	inst := &instruments{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	var err error
	inst.jobs, err = inst.meter.Int64Counter("loqa.gateway.jobs",
		metric.WithDescription("Jobs completed by endpoint and outcome"))
	if err != nil {
		return nil, err
	}
	inst.duration, err = inst.meter.Float64Histogram("loqa.gateway.job.duration",
		metric.WithDescription("Job latency from submission to completion"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	active, err := inst.meter.Int64ObservableGauge("loqa.gateway.jobs.active",
		metric.WithDescription("Jobs not yet in a terminal state"))
	if err != nil {
		return nil, err
	}
	sessions, err := inst.meter.Int64ObservableGauge("loqa.gateway.sessions",
		metric.WithDescription("Live conversation sessions"))
	if err != nil {
		return nil, err
	}
	busy, err := inst.meter.Int64ObservableGauge("loqa.gateway.engine.busy",
		metric.WithDescription("Engine instances currently checked out"))
	if err != nil {
		return nil, err
	}
	inst.gauges, err = inst.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(active, int64(g.Pending()))
		if g.deps.Sessions != nil {
			obs.ObserveInt64(sessions, int64(g.deps.Sessions.Len()))
		}
		if g.deps.Pool != nil {
			inUse, _ := g.deps.Pool.Stats()
			obs.ObserveInt64(busy, int64(inUse))
		}
		return nil
	}, active, sessions, busy)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (i *instruments) record(ctx context.Context, job Job, elapsed time.Duration) {
	outcome := "success"
	if job.Error != nil {
		outcome = string(job.Error.Code)
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", string(job.Endpoint)),
		attribute.String("outcome", outcome),
	)
	i.jobs.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (i *instruments) close() {
	if i.gauges != nil {
		_ = i.gauges.Unregister()
	}
}
