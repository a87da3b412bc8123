// Package gateway turns job submissions into ordered, bounded engine calls
// and tracks each job from queued to a terminal state.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/auth"
	"github.com/loqalabs/loqa-gateway/internal/batch"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/engine"
	"github.com/loqalabs/loqa-gateway/internal/eventstore"
	"github.com/loqalabs/loqa-gateway/internal/sessions"
	"github.com/loqalabs/loqa-gateway/internal/stream"
	"github.com/loqalabs/loqa-gateway/internal/voices"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const rejectTimeout = 5 * time.Second

type Authenticator interface {
	Authenticate(credential string) error
}

type VoiceRegistry interface {
	Clone(ctx context.Context, req voices.CloneRequest) (voices.Profile, error)
	Get(ctx context.Context, id string) (voices.Profile, error)
	List(ctx context.Context) ([]voices.Profile, error)
	Delete(ctx context.Context, id string) error
	Reference(ctx context.Context, id string) (engine.VoiceReference, error)
}

// Deps are the collaborators a Gateway coordinates. Journal may be nil.
type Deps struct {
	Auth     Authenticator
	Pool     *engine.Pool
	Sessions *sessions.Store
	Voices   VoiceRegistry
	Batch    *batch.Scheduler
	Journal  *eventstore.Store
}

type Gateway struct {
	engineCfg    config.EngineConfig
	jobsCfg      config.JobsConfig
	maxReference int
	deps         Deps
	logger       *slog.Logger
	inst         *instruments
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*record
	pending int
	closed  bool
}

// plan is a validated job ready to execute. release runs exactly once after
// the job finishes.
type plan struct {
	conversationID string
	run            func(ctx context.Context, enc *stream.Encoder) (any, error)
	release        func()
}

func New(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	ctx, cancel := context.WithCancel(parent)
	g := &Gateway{
		engineCfg:    cfg.Engine,
		jobsCfg:      cfg.Jobs,
		maxReference: cfg.Voices.MaxReferenceBytes,
		deps:         deps,
		logger:       logger.With(slog.String("component", "gateway")),
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(map[string]*record),
	}
	inst, err := newInstruments(g)
	if err != nil {
		cancel()
		return nil, err
	}
	g.inst = inst
	return g, nil
}

// Submit runs a job to completion on the caller's context and returns its
// terminal snapshot. Admission failures come back as a failed job.
func (g *Gateway) Submit(ctx context.Context, sub Submission) Job {
	rec, err := g.start(ctx, sub, nil)
	if err != nil {
		return g.rejected(sub, err)
	}
	<-rec.done
	return g.snapshot(rec)
}

// SubmitAsync queues a job on the gateway's own context and returns at once.
func (g *Gateway) SubmitAsync(_ context.Context, sub Submission) (Job, error) {
	rec, err := g.start(g.ctx, sub, nil)
	if err != nil {
		return Job{}, err
	}
	return g.snapshot(rec), nil
}

// Stream runs a job while emitting its output to sink. The sink always
// receives exactly one terminal chunk, including for rejected submissions.
func (g *Gateway) Stream(ctx context.Context, sub Submission, sink stream.Sink) Job {
	rec, err := g.start(ctx, sub, sink)
	if err != nil {
		job := g.rejected(sub, err)
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rejectTimeout)
		defer cancel()
		if sendErr := stream.NewEncoder(job.ID, sink).Fail(sendCtx, err); sendErr != nil {
			g.logger.Warn("failed to deliver rejection chunk", slogError(sendErr))
		}
		return job
	}
	<-rec.done
	return g.snapshot(rec)
}

// Status returns the job's current state. Terminal jobs are forgotten once
// they have been reported.
func (g *Gateway) Status(id string) (Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.jobs[id]
	if !ok {
		return Job{}, apierr.New(apierr.NotFound, "job %s not found", id)
	}
	job := rec.job
	if job.Status.Terminal() {
		delete(g.jobs, id)
	}
	return job, nil
}

// Cancel interrupts a queued or running job. Cancelling a finished job is a no-op.
func (g *Gateway) Cancel(id string) error {
	g.mu.Lock()
	rec, ok := g.jobs[id]
	g.mu.Unlock()
	if !ok {
		return apierr.New(apierr.NotFound, "job %s not found", id)
	}
	rec.cancel()
	return nil
}

// Pending counts jobs that have not reached a terminal state.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Run expires terminal jobs that were never polled until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	retention := g.jobsCfg.Retention()
	if retention <= 0 {
		return
	}
	interval := max(retention/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.expire(retention); n > 0 {
				g.logger.Info("expired unpolled jobs", slog.Int("count", n))
			}
		}
	}
}

func (g *Gateway) expire(retention time.Duration) int {
	cutoff := g.now().Add(-retention)
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, rec := range g.jobs {
		if rec.job.Status.Terminal() && rec.job.CompletedAt.Before(cutoff) {
			delete(g.jobs, id)
			n++
		}
	}
	return n
}

// Close cancels every in-flight job and waits for them to finish.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
	g.inst.close()
}

func (g *Gateway) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed
}

func (g *Gateway) start(parent context.Context, sub Submission, sink stream.Sink) (*record, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := Authorize(g.deps.Auth, sub.APIKey); err != nil {
		return nil, err
	}
	ep, err := ParseEndpoint(sub.Endpoint)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return nil, apierr.New(apierr.ResourceExhausted, "gateway is shutting down")
	case g.pending >= g.jobsCfg.MaxPending:
		g.mu.Unlock()
		return nil, apierr.New(apierr.ResourceExhausted, "too many pending jobs")
	}
	if _, dup := g.jobs[sub.ID]; dup {
		g.mu.Unlock()
		return nil, apierr.New(apierr.InvalidArgument, "job id %s already in use", sub.ID)
	}
	g.pending++
	g.mu.Unlock()

	p, err := g.prepare(parent, sub.ID, ep, sub.Params, sink != nil)
	if err != nil {
		g.mu.Lock()
		g.pending--
		g.mu.Unlock()
		return nil, classify(err)
	}

	jobCtx, cancel := context.WithTimeout(parent, g.engineCfg.JobTimeout())
	rec := &record{
		job: Job{
			ID:        sub.ID,
			Endpoint:  ep,
			Status:    StatusQueued,
			Input:     sub.Params,
			CreatedAt: g.now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	g.mu.Lock()
	if _, dup := g.jobs[sub.ID]; dup {
		g.pending--
		g.mu.Unlock()
		cancel()
		p.release()
		return nil, apierr.New(apierr.InvalidArgument, "job id %s already in use", sub.ID)
	}
	g.jobs[sub.ID] = rec
	g.wg.Add(1)
	g.mu.Unlock()

	g.journalJob(rec.job, p.conversationID)
	go g.execute(jobCtx, cancel, rec, p, sink)
	return rec, nil
}

func (g *Gateway) execute(ctx context.Context, cancel context.CancelFunc, rec *record, p *plan, sink stream.Sink) {
	defer g.wg.Done()
	defer close(rec.done)
	defer cancel()
	defer p.release()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	ctx, span := g.inst.tracer.Start(ctx, "gateway.job", trace.WithAttributes(
		attribute.String("job.id", rec.job.ID),
		attribute.String("job.endpoint", string(rec.job.Endpoint)),
	))
	defer span.End()

	g.transition(rec, StatusRunning, nil, nil)

	var output any
	var err error
	if sink != nil {
		enc := stream.NewEncoder(rec.job.ID, sink)
		err = enc.Run(ctx, func(ctx context.Context, enc *stream.Encoder) (any, error) {
			out, err := p.run(ctx, enc)
			output = out
			if err != nil {
				return nil, classify(err)
			}
			return out, nil
		})
	} else {
		output, err = p.run(ctx, nil)
	}
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apierr.CodeOf(err)))
	}
	g.transition(rec, StatusFailed, output, err)
}

// transition moves rec forward. A nil err with a terminal target marks success.
func (g *Gateway) transition(rec *record, target Status, output any, err error) {
	now := g.now().UTC()
	if target == StatusRunning {
		g.mu.Lock()
		rec.job.Status = StatusRunning
		rec.job.StartedAt = now
		g.mu.Unlock()
		g.journalEvent(rec.job.ID, StatusRunning, nil)
		return
	}

	var raw json.RawMessage
	var apiErr *apierr.Error
	if err == nil {
		data, mErr := json.Marshal(output)
		if mErr != nil {
			err = mErr
		} else {
			raw = data
		}
	}
	if err != nil {
		apiErr = classify(err)
	}

	g.mu.Lock()
	if rec.job.Status.Terminal() {
		g.mu.Unlock()
		return
	}
	if apiErr != nil {
		rec.job.Status = StatusFailed
		rec.job.Error = apiErr
	} else {
		rec.job.Status = StatusSucceeded
		rec.job.Output = raw
	}
	rec.job.CompletedAt = now
	g.pending--
	job := rec.job
	g.mu.Unlock()

	elapsed := job.CompletedAt.Sub(job.CreatedAt)
	g.inst.record(g.ctx, job, elapsed)
	g.journalEvent(job.ID, job.Status, apiErr)
	if apiErr != nil {
		g.logger.Warn("job failed",
			slog.String("job_id", job.ID),
			slog.String("endpoint", string(job.Endpoint)),
			slog.String("code", string(apiErr.Code)),
			slogError(apiErr))
		return
	}
	g.logger.Info("job succeeded",
		slog.String("job_id", job.ID),
		slog.String("endpoint", string(job.Endpoint)),
		slog.Duration("latency", elapsed))
}

func (g *Gateway) snapshot(rec *record) Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	return rec.job
}

func (g *Gateway) rejected(sub Submission, err error) Job {
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	ep, _ := ParseEndpoint(sub.Endpoint)
	now := g.now().UTC()
	job := Job{
		ID:          id,
		Endpoint:    ep,
		Status:      StatusFailed,
		Error:       classify(err),
		CreatedAt:   now,
		CompletedAt: now,
	}
	g.inst.record(g.ctx, job, 0)
	g.logger.Info("job rejected", slog.String("job_id", id), slog.String("code", string(job.Error.Code)))
	return job
}

func (g *Gateway) journalJob(job Job, conversationID string) {
	if g.deps.Journal == nil {
		return
	}
	ctx := context.WithoutCancel(g.ctx)
	if err := g.deps.Journal.AppendJob(ctx, job.ID, string(job.Endpoint), conversationID); err != nil {
		g.logger.Warn("failed to journal job", slogError(err))
		return
	}
	g.journalEvent(job.ID, StatusQueued, nil)
}

func (g *Gateway) journalEvent(jobID string, status Status, apiErr *apierr.Error) {
	if g.deps.Journal == nil {
		return
	}
	evt := eventstore.Event{JobID: jobID, Status: string(status)}
	if apiErr != nil {
		evt.Code = string(apiErr.Code)
		evt.Detail = apiErr.Detail
	}
	if err := g.deps.Journal.AppendEvent(context.WithoutCancel(g.ctx), evt); err != nil {
		g.logger.Warn("failed to journal job event", slogError(err))
	}
}

// Authorize checks the credential on requests that address an existing job.
func Authorize(a Authenticator, credential string) error {
	err := a.Authenticate(credential)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrRateLimited):
		return apierr.Wrap(apierr.ResourceExhausted, err, "rate limit exceeded")
	default:
		return apierr.Wrap(apierr.Unauthorized, err, "invalid or missing API key")
	}
}

// classify maps collaborator errors onto the public taxonomy.
func classify(err error) *apierr.Error {
	var apiErr *apierr.Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, voices.ErrNotFound):
		return apierr.Wrap(apierr.NotFound, err, "voice profile not found")
	case errors.Is(err, voices.ErrInvalid):
		return apierr.Wrap(apierr.InvalidArgument, err, err.Error())
	}
	return apierr.From(err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
