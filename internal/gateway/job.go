package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

type Endpoint string

const (
	EndpointChat                Endpoint = "chat"
	EndpointBatchChat           Endpoint = "batch_chat"
	EndpointGenerateSpeech      Endpoint = "generate_speech"
	EndpointBatchGenerateSpeech Endpoint = "batch_generate_speech"
	EndpointCloneVoice          Endpoint = "clone_voice"
	EndpointListVoices          Endpoint = "list_voices"
	EndpointGetVoice            Endpoint = "get_voice"
	EndpointDeleteVoice         Endpoint = "delete_voice"
)

var aliases = map[string]Endpoint{
	"agent_chat":       EndpointChat,
	"batch_agent_chat": EndpointBatchChat,
}

// ParseEndpoint resolves an endpoint name, accepting the agent_* aliases.
func ParseEndpoint(name string) (Endpoint, error) {
	if e, ok := aliases[name]; ok {
		return e, nil
	}
	switch e := Endpoint(name); e {
	case EndpointChat, EndpointBatchChat, EndpointGenerateSpeech, EndpointBatchGenerateSpeech,
		EndpointCloneVoice, EndpointListVoices, EndpointGetVoice, EndpointDeleteVoice:
		return e, nil
	}
	if name == "" {
		return "", apierr.New(apierr.InvalidArgument, "endpoint is required")
	}
	return "", apierr.New(apierr.NotFound, "unknown endpoint: %s", name)
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Submission is a job request after transport decoding.
type Submission struct {
	ID       string
	APIKey   string
	Endpoint string
	Params   json.RawMessage
}

// FromEnvelope converts a wire envelope.
func FromEnvelope(env protocol.Envelope) Submission {
	return Submission{
		ID:       env.ID,
		APIKey:   env.Input.APIKey,
		Endpoint: env.Input.Endpoint,
		Params:   env.Input.Params,
	}
}

// Job is an immutable snapshot of a job's state.
type Job struct {
	ID          string          `json:"id"`
	Endpoint    Endpoint        `json:"endpoint"`
	Status      Status          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *apierr.Error   `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

// Response renders the job the way callers see it.
func (j Job) Response() protocol.Response {
	resp := protocol.Response{ID: j.ID}
	switch j.Status {
	case StatusSucceeded:
		resp.Status = protocol.StatusSuccess
		resp.Output = j.Output
	case StatusFailed:
		resp.Status = protocol.StatusError
		code, detail := apierr.Public(j.Error)
		resp.Error = &protocol.ErrorBody{Code: code, Detail: detail}
	case StatusRunning:
		resp.Status = protocol.StatusRunning
	default:
		resp.Status = protocol.StatusQueued
	}
	return resp
}

// HTTPStatus is the status code matching the job's outcome.
func (j Job) HTTPStatus() int {
	if j.Status == StatusFailed {
		return apierr.Status(apierr.CodeOf(j.Error))
	}
	return 200
}

type record struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}
