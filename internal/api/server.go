// Package api exposes the gateway over HTTP using the serverless job
// envelope: run, runsync, status, cancel and an NDJSON stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/gateway"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/stream"
)

const defaultMaxBodyBytes = 32 << 20

// Dispatcher is the subset of *gateway.Gateway the HTTP surface needs.
type Dispatcher interface {
	Submit(ctx context.Context, sub gateway.Submission) gateway.Job
	SubmitAsync(ctx context.Context, sub gateway.Submission) (gateway.Job, error)
	Stream(ctx context.Context, sub gateway.Submission, sink stream.Sink) gateway.Job
	Status(id string) (gateway.Job, error)
	Cancel(id string) error
}

type options struct {
	maxBodyBytes int64
	logger       *slog.Logger
}

type Option func(*options)

// WithMaxBodyBytes caps the size of a submitted envelope.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

type handler struct {
	jobs   Dispatcher
	auth   gateway.Authenticator
	opts   options
	logger *slog.Logger
}

// NewHandler routes the /v1 job API. Status and cancel requests must carry the
// API key in the Authorization header.
func NewHandler(jobs Dispatcher, authenticator gateway.Authenticator, optFns ...Option) http.Handler {
	opts := options{maxBodyBytes: defaultMaxBodyBytes, logger: slog.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	h := &handler{
		jobs:   jobs,
		auth:   authenticator,
		opts:   opts,
		logger: opts.logger.With(slog.String("component", "http-api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/run", h.handleRun)
	mux.HandleFunc("POST /v1/runsync", h.handleRunSync)
	mux.HandleFunc("POST /v1/stream", h.handleStream)
	mux.HandleFunc("GET /v1/status/{id}", h.handleStatus)
	mux.HandleFunc("POST /v1/cancel/{id}", h.handleCancel)
	return mux
}

func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	sub, err := h.decode(w, r)
	if err != nil {
		writeError(w, sub.ID, err)
		return
	}
	job, err := h.jobs.SubmitAsync(r.Context(), sub)
	if err != nil {
		writeError(w, sub.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Response())
}

func (h *handler) handleRunSync(w http.ResponseWriter, r *http.Request) {
	sub, err := h.decode(w, r)
	if err != nil {
		writeError(w, sub.ID, err)
		return
	}
	job := h.jobs.Submit(r.Context(), sub)
	writeJSON(w, job.HTTPStatus(), job.Response())
}

func (h *handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sub, err := h.decode(w, r)
	if err != nil {
		writeError(w, sub.ID, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	job := h.jobs.Stream(r.Context(), sub, stream.NewWriterSink(w))
	h.logger.Debug("stream finished", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.authorize(r); err != nil {
		writeError(w, id, err)
		return
	}
	job, err := h.jobs.Status(id)
	if err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Response())
}

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.authorize(r); err != nil {
		writeError(w, id, err)
		return
	}
	if err := h.jobs.Cancel(id); err != nil {
		writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Response{ID: id, Status: protocol.StatusCancelRequested})
}

// decode reads the envelope. A missing input.api_key falls back to the
// Authorization header.
func (h *handler) decode(w http.ResponseWriter, r *http.Request) (gateway.Submission, error) {
	var env protocol.Envelope
	body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return gateway.Submission{}, apierr.New(apierr.ResourceExhausted, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return gateway.Submission{}, apierr.Wrap(apierr.InvalidArgument, err, fmt.Sprintf("invalid envelope: %v", err))
	}
	sub := gateway.FromEnvelope(env)
	if sub.APIKey == "" {
		sub.APIKey = r.Header.Get("Authorization")
	}
	return sub, nil
}

func (h *handler) authorize(r *http.Request) error {
	return gateway.Authorize(h.auth, r.Header.Get("Authorization"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, id string, err error) {
	status, detail := apierr.Public(err)
	writeJSON(w, status, protocol.Response{
		ID:     id,
		Status: protocol.StatusError,
		Error:  &protocol.ErrorBody{Code: status, Detail: detail},
	})
}
