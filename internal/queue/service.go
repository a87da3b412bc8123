// Package queue serves gateway jobs over NATS request/reply. Workers share a
// queue group so each request is handled by exactly one gateway instance.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/gateway"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/stream"
	"github.com/nats-io/nats.go"
)

const flushTimeout = 5 * time.Second

type Dispatcher interface {
	Submit(ctx context.Context, sub gateway.Submission) gateway.Job
	SubmitAsync(ctx context.Context, sub gateway.Submission) (gateway.Job, error)
	Stream(ctx context.Context, sub gateway.Submission, sink stream.Sink) gateway.Job
	Status(id string) (gateway.Job, error)
	Cancel(id string) error
}

type Service struct {
	cfg    config.BusConfig
	bus    *bus.Client
	jobs   Dispatcher
	auth   gateway.Authenticator
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, jobs Dispatcher, authn gateway.Authenticator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		jobs:   jobs,
		auth:   authn,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "queue-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectJobRun:     s.handleRun,
		protocol.SubjectJobRunSync: s.handleRunSync,
		protocol.SubjectJobStream:  s.handleStream,
		protocol.SubjectJobStatus:  s.handleStatus,
		protocol.SubjectJobCancel:  s.handleCancel,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().QueueSubscribe(subject, s.cfg.QueueGroup, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready.Store(true)
	s.logger.Info("queue service started", slog.String("queue_group", s.cfg.QueueGroup))
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleRun(msg *nats.Msg) {
	sub, ok := s.decodeEnvelope(msg)
	if !ok {
		return
	}
	job, err := s.jobs.SubmitAsync(s.ctx, sub)
	if err != nil {
		s.respondError(msg, sub.ID, err)
		return
	}
	s.respond(msg, job.Response())
}

func (s *Service) handleRunSync(msg *nats.Msg) {
	sub, ok := s.decodeEnvelope(msg)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		job := s.jobs.Submit(s.ctx, sub)
		s.respond(msg, job.Response())
	}()
}

// handleStream acknowledges the request and then publishes chunks on the
// job's stream subject. Callers pick the job id and subscribe before sending.
func (s *Service) handleStream(msg *nats.Msg) {
	sub, ok := s.decodeEnvelope(msg)
	if !ok {
		return
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	s.respond(msg, protocol.Response{ID: sub.ID, Status: protocol.StatusRunning})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sink := &busSink{conn: s.bus.Conn(), subject: protocol.StreamSubject(sub.ID)}
		job := s.jobs.Stream(s.ctx, sub, sink)
		s.logger.Debug("stream finished", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
	}()
}

func (s *Service) handleStatus(msg *nats.Msg) {
	ref, ok := s.decodeRef(msg)
	if !ok {
		return
	}
	job, err := s.jobs.Status(ref.ID)
	if err != nil {
		s.respondError(msg, ref.ID, err)
		return
	}
	s.respond(msg, job.Response())
}

func (s *Service) handleCancel(msg *nats.Msg) {
	ref, ok := s.decodeRef(msg)
	if !ok {
		return
	}
	if err := s.jobs.Cancel(ref.ID); err != nil {
		s.respondError(msg, ref.ID, err)
		return
	}
	s.respond(msg, protocol.Response{ID: ref.ID, Status: protocol.StatusCancelRequested})
}

func (s *Service) decodeEnvelope(msg *nats.Msg) (gateway.Submission, bool) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Warn("failed to decode job envelope", slogError(err))
		s.respondError(msg, "", apierr.Wrap(apierr.InvalidArgument, err, fmt.Sprintf("invalid envelope: %v", err)))
		return gateway.Submission{}, false
	}
	return gateway.FromEnvelope(env), true
}

func (s *Service) decodeRef(msg *nats.Msg) (protocol.JobRef, bool) {
	var ref protocol.JobRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		s.respondError(msg, "", apierr.Wrap(apierr.InvalidArgument, err, fmt.Sprintf("invalid job reference: %v", err)))
		return ref, false
	}
	if err := gateway.Authorize(s.auth, ref.APIKey); err != nil {
		s.respondError(msg, ref.ID, err)
		return ref, false
	}
	return ref, true
}

func (s *Service) respondError(msg *nats.Msg, id string, err error) {
	code, detail := apierr.Public(err)
	s.respond(msg, protocol.Response{
		ID:     id,
		Status: protocol.StatusError,
		Error:  &protocol.ErrorBody{Code: code, Detail: detail},
	})
}

func (s *Service) respond(msg *nats.Msg, resp protocol.Response) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish response", slog.String("job_id", resp.ID), slogError(err))
	}
}

// busSink publishes each chunk on a per-job subject and flushes after the
// terminal one.
type busSink struct {
	conn    *nats.Conn
	subject string
}

func (b *busSink) Send(ctx context.Context, c stream.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return err
	}
	if c.Terminal() {
		return b.conn.FlushTimeout(flushTimeout)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
