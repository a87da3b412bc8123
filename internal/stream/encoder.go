// Package stream turns incremental engine output into an ordered chunk
// sequence closed by exactly one end or error chunk.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/audio"
)

type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindEnd   Kind = "end"
	KindError Kind = "error"
)

var ErrClosed = errors.New("stream already terminated")

const terminalTimeout = 5 * time.Second

// Chunk is one frame on the wire.
type Chunk struct {
	JobID    string          `json:"job_id"`
	Sequence int             `json:"sequence_number"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

func (c Chunk) Terminal() bool {
	return c.Kind == KindEnd || c.Kind == KindError
}

type TextPayload struct {
	Text string `json:"text"`
}

type ErrorPayload struct {
	Code   int         `json:"code"`
	Reason apierr.Code `json:"reason"`
	Detail string      `json:"detail"`
}

// Sink delivers chunks to a transport. Send must not reorder chunks.
type Sink interface {
	Send(ctx context.Context, c Chunk) error
}

// Encoder numbers chunks for one job.
type Encoder struct {
	jobID string
	sink  Sink

	mu   sync.Mutex
	seq  int
	done bool
}

func NewEncoder(jobID string, sink Sink) *Encoder {
	return &Encoder{jobID: jobID, sink: sink}
}

func (e *Encoder) Text(ctx context.Context, text string) error {
	return e.emit(ctx, KindText, TextPayload{Text: text})
}

func (e *Encoder) Audio(ctx context.Context, clip audio.Clip) error {
	return e.emit(ctx, KindAudio, clip)
}

// End closes the stream successfully. payload summarizes the final result.
func (e *Encoder) End(ctx context.Context, payload any) error {
	if payload == nil {
		payload = struct{}{}
	}
	return e.emit(ctx, KindEnd, payload)
}

// Fail closes the stream with the public rendering of err.
func (e *Encoder) Fail(ctx context.Context, err error) error {
	apiErr := apierr.From(err)
	code, detail := apierr.Public(apiErr)
	return e.emit(ctx, KindError, ErrorPayload{Code: code, Reason: apiErr.Code, Detail: detail})
}

// Run drives produce and terminates the stream according to its result. The
// terminal chunk is still delivered when ctx was cancelled. A produce that
// returned a result ends the stream successfully even if ctx was cancelled
// afterwards.
func (e *Encoder) Run(ctx context.Context, produce func(context.Context, *Encoder) (any, error)) error {
	result, err := produce(ctx, e)

	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()
	if err != nil {
		if failErr := e.Fail(termCtx, err); failErr != nil && !errors.Is(failErr, ErrClosed) {
			return errors.Join(err, failErr)
		}
		return err
	}
	return e.End(termCtx, result)
}

// Sequence reports how many chunks have been emitted.
func (e *Encoder) Sequence() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (e *Encoder) emit(ctx context.Context, kind Kind, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return ErrClosed
	}
	c := Chunk{JobID: e.jobID, Sequence: e.seq, Kind: kind, Payload: data}
	if c.Terminal() {
		e.done = true
	}
	if err := e.sink.Send(ctx, c); err != nil {
		return err
	}
	e.seq++
	return nil
}
