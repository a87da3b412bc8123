package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/stream"
	"github.com/nats-io/nats.go"
)

// transport carries envelopes to a gateway. The error return covers
// transport failures only; job failures arrive inside the Response.
type transport interface {
	Run(ctx context.Context, env protocol.Envelope, async bool) (protocol.Response, error)
	Stream(ctx context.Context, env protocol.Envelope, onChunk func(stream.Chunk) error) error
	Status(ctx context.Context, id, apiKey string) (protocol.Response, error)
	Cancel(ctx context.Context, id, apiKey string) (protocol.Response, error)
	Close()
}

type httpTransport struct {
	base   string
	client *http.Client
}

func newHTTPTransport(base string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *httpTransport) Close() {}

func (h *httpTransport) Run(ctx context.Context, env protocol.Envelope, async bool) (protocol.Response, error) {
	path := "/v1/runsync"
	if async {
		path = "/v1/run"
	}
	resp, err := h.post(ctx, path, env)
	if err != nil {
		return protocol.Response{}, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

func (h *httpTransport) Stream(ctx context.Context, env protocol.Envelope, onChunk func(stream.Chunk) error) error {
	resp, err := h.post(ctx, "/v1/stream", env)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		r, err := decodeResponse(resp)
		if err != nil {
			return err
		}
		return responseError(r)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var c stream.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("decode chunk: %w", err)
		}
		if err := onChunk(c); err != nil {
			return err
		}
		if c.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream ended without a terminal chunk")
}

func (h *httpTransport) Status(ctx context.Context, id, apiKey string) (protocol.Response, error) {
	return h.ref(ctx, http.MethodGet, "/v1/status/", id, apiKey)
}

func (h *httpTransport) Cancel(ctx context.Context, id, apiKey string) (protocol.Response, error) {
	return h.ref(ctx, http.MethodPost, "/v1/cancel/", id, apiKey)
}

func (h *httpTransport) ref(ctx context.Context, method, prefix, id, apiKey string) (protocol.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.base+prefix+url.PathEscape(id), nil)
	if err != nil {
		return protocol.Response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := h.client.Do(req)
	if err != nil {
		return protocol.Response{}, err
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

func (h *httpTransport) post(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	slog.Debug("http request", slog.String("path", path))
	return h.client.Do(req)
}

func decodeResponse(resp *http.Response) (protocol.Response, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Response{}, err
	}
	var out protocol.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return protocol.Response{}, fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return out, nil
}

type busTransport struct {
	conn    *nats.Conn
	timeout time.Duration
}

func dialBus(natsURL string, timeout time.Duration) (*busTransport, error) {
	conn, err := nats.Connect(natsURL, nats.Name("loqa-gatewayctl"), nats.Timeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &busTransport{conn: conn, timeout: timeout}, nil
}

func (b *busTransport) Close() { b.conn.Close() }

func (b *busTransport) Run(ctx context.Context, env protocol.Envelope, async bool) (protocol.Response, error) {
	subject := protocol.SubjectJobRunSync
	if async {
		subject = protocol.SubjectJobRun
	}
	return b.request(ctx, subject, env)
}

// Stream subscribes to the job's chunk subject before submitting so no chunk
// published ahead of the acknowledgement is missed.
func (b *busTransport) Stream(ctx context.Context, env protocol.Envelope, onChunk func(stream.Chunk) error) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	sub, err := b.conn.SubscribeSync(protocol.StreamSubject(env.ID))
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := b.conn.Flush(); err != nil {
		return err
	}

	ack, err := b.request(ctx, protocol.SubjectJobStream, env)
	if err != nil {
		return err
	}
	if ack.Status == protocol.StatusError {
		return responseError(ack)
	}

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return err
		}
		var c stream.Chunk
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return fmt.Errorf("decode chunk: %w", err)
		}
		if err := onChunk(c); err != nil {
			return err
		}
		if c.Terminal() {
			return nil
		}
	}
}

func (b *busTransport) Status(ctx context.Context, id, apiKey string) (protocol.Response, error) {
	return b.request(ctx, protocol.SubjectJobStatus, protocol.JobRef{ID: id, APIKey: apiKey})
}

func (b *busTransport) Cancel(ctx context.Context, id, apiKey string) (protocol.Response, error) {
	return b.request(ctx, protocol.SubjectJobCancel, protocol.JobRef{ID: id, APIKey: apiKey})
}

func (b *busTransport) request(ctx context.Context, subject string, v any) (protocol.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return protocol.Response{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	slog.Debug("bus request", slog.String("subject", subject))
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("request %s: %w", subject, err)
	}
	var out protocol.Response
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func responseError(r protocol.Response) error {
	if r.Error == nil {
		return fmt.Errorf("job %s: %s", r.ID, r.Status)
	}
	return fmt.Errorf("job %s failed (%d): %s", r.ID, r.Error.Code, r.Error.Detail)
}
