package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/audio"
	"github.com/loqalabs/loqa-gateway/internal/batch"
	"github.com/loqalabs/loqa-gateway/internal/engine"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/sessions"
	"github.com/loqalabs/loqa-gateway/internal/stream"
	"github.com/loqalabs/loqa-gateway/internal/voices"
)

type chatOutput struct {
	Text           string      `json:"text"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Audio          *audio.Clip `json:"audio,omitempty"`
	AudioBase64    string      `json:"audio_base64,omitempty"`
	Duration       float64     `json:"duration,omitempty"`
}

type speechOutput struct {
	Audio       *audio.Clip `json:"audio,omitempty"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	Duration    float64     `json:"duration"`
}

type itemResult struct {
	Index  int                 `json:"index"`
	Status string              `json:"status"`
	Output any                 `json:"output,omitempty"`
	Error  *protocol.ErrorBody `json:"error,omitempty"`
}

type batchOutput struct {
	Results []itemResult `json:"results"`
}

type voiceMessage struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

type voiceList struct {
	Voices []voices.Profile `json:"voices"`
}

// chatItem is a validated chat call with its voice already resolved.
type chatItem struct {
	params chatParams
	voice  *engine.VoiceReference
	err    error
	ticket *sessions.Ticket
}

type speechItem struct {
	params speechParams
	voice  *engine.VoiceReference
	err    error
}

func noop() {}

// prepare validates params and resolves everything a job needs before it is
// queued. Nothing here touches the engine. streaming is set when the caller
// came through the stream endpoint.
func (g *Gateway) prepare(ctx context.Context, jobID string, ep Endpoint, raw json.RawMessage, streaming bool) (*plan, error) {
	switch ep {
	case EndpointChat:
		var p chatParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		if err := checkStream(p.Stream, streaming); err != nil {
			return nil, err
		}
		voice, err := g.resolveVoice(ctx, p.voiceSource)
		if err != nil {
			return nil, err
		}
		item := &chatItem{params: p, voice: voice}
		g.reserve(item)
		return &plan{
			conversationID: p.ConversationID,
			run: func(ctx context.Context, enc *stream.Encoder) (any, error) {
				return g.converse(ctx, jobID, item, enc)
			},
			release: item.release,
		}, nil

	case EndpointBatchChat:
		var p batchParams[chatParams]
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := g.deps.Batch.Admit(len(p.Items)); err != nil {
			return nil, err
		}
		items := make([]*chatItem, len(p.Items))
		for i := range p.Items {
			if err := p.Items[i].validate(); err != nil {
				return nil, itemError(i, err)
			}
			if p.Items[i].Stream {
				return nil, itemError(i, errBatchStream)
			}
			items[i] = &chatItem{params: p.Items[i]}
		}
		for _, item := range items {
			item.voice, item.err = g.resolveVoice(ctx, item.params.voiceSource)
			if item.err == nil {
				g.reserve(item)
			}
		}
		return &plan{
			run: func(ctx context.Context, _ *stream.Encoder) (any, error) {
				return runBatch(ctx, g, items, p.BatchSize, func(ctx context.Context, i int, item *chatItem) (any, error) {
					defer item.release()
					if item.err != nil {
						return nil, item.err
					}
					return g.converse(ctx, fmt.Sprintf("%s/%d", jobID, i), item, nil)
				})
			},
			release: func() {
				for _, item := range items {
					item.release()
				}
			},
		}, nil

	case EndpointGenerateSpeech:
		var p speechParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		if err := checkStream(p.Stream, streaming); err != nil {
			return nil, err
		}
		voice, err := g.resolveVoice(ctx, p.voiceSource)
		if err != nil {
			return nil, err
		}
		return &plan{
			run: func(ctx context.Context, enc *stream.Encoder) (any, error) {
				return g.speak(ctx, jobID, p, voice, enc)
			},
			release: noop,
		}, nil

	case EndpointBatchGenerateSpeech:
		var p batchParams[speechParams]
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := g.deps.Batch.Admit(len(p.Items)); err != nil {
			return nil, err
		}
		items := make([]*speechItem, len(p.Items))
		for i := range p.Items {
			if err := p.Items[i].validate(); err != nil {
				return nil, itemError(i, err)
			}
			if p.Items[i].Stream {
				return nil, itemError(i, errBatchStream)
			}
			items[i] = &speechItem{params: p.Items[i]}
		}
		for _, item := range items {
			item.voice, item.err = g.resolveVoice(ctx, item.params.voiceSource)
		}
		return &plan{
			run: func(ctx context.Context, _ *stream.Encoder) (any, error) {
				return runBatch(ctx, g, items, p.BatchSize, func(ctx context.Context, i int, item *speechItem) (any, error) {
					if item.err != nil {
						return nil, item.err
					}
					return g.speak(ctx, fmt.Sprintf("%s/%d", jobID, i), item.params, item.voice, nil)
				})
			},
			release: noop,
		}, nil

	case EndpointCloneVoice:
		var p cloneParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ReferenceAudio) == "" {
			return nil, apierr.New(apierr.InvalidArgument, "reference_audio is required")
		}
		if err := g.checkReferenceSize(p.ReferenceAudio); err != nil {
			return nil, err
		}
		return &plan{
			run: func(ctx context.Context, _ *stream.Encoder) (any, error) {
				profile, err := g.deps.Voices.Clone(ctx, voices.CloneRequest{
					ReferenceAudio: p.ReferenceAudio,
					Name:           p.Name,
					Description:    p.Description,
					Language:       p.Language,
				})
				if err != nil {
					return nil, err
				}
				return voiceMessage{VoiceID: profile.ID, Name: profile.Name, Message: "Voice cloned successfully"}, nil
			},
			release: noop,
		}, nil

	case EndpointListVoices:
		return &plan{
			run: func(ctx context.Context, _ *stream.Encoder) (any, error) {
				list, err := g.deps.Voices.List(ctx)
				if err != nil {
					return nil, err
				}
				return voiceList{Voices: list}, nil
			},
			release: noop,
		}, nil

	case EndpointGetVoice, EndpointDeleteVoice:
		var p voiceIDParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		id, err := p.id()
		if err != nil {
			return nil, err
		}
		if ep == EndpointGetVoice {
			return &plan{
				run: func(ctx context.Context, _ *stream.Encoder) (any, error) {
					return g.deps.Voices.Get(ctx, id)
				},
				release: noop,
			}, nil
		}
		return &plan{
			run: func(ctx context.Context, _ *stream.Encoder) (any, error) {
				if err := g.deps.Voices.Delete(ctx, id); err != nil {
					return nil, err
				}
				return voiceMessage{VoiceID: id, Message: "Voice deleted successfully"}, nil
			},
			release: noop,
		}, nil
	}
	return nil, apierr.New(apierr.NotFound, "unknown endpoint: %s", ep)
}

var errBatchStream = apierr.New(apierr.InvalidArgument, "stream is not supported on batch items")

// checkStream rejects stream=true outside the stream endpoint. Streaming is
// selected by the endpoint, the flag only has to agree with it.
func checkStream(requested, streaming bool) error {
	if requested && !streaming {
		return apierr.New(apierr.InvalidArgument, "stream=true requires the stream endpoint")
	}
	return nil
}

// checkReferenceSize rejects oversized base64 reference audio before it is
// decoded.
func (g *Gateway) checkReferenceSize(encoded string) error {
	if g.maxReference > 0 && base64.StdEncoding.DecodedLen(len(encoded)) > g.maxReference+2 {
		return apierr.New(apierr.InvalidArgument, "reference_audio exceeds %d bytes", g.maxReference)
	}
	return nil
}

func itemError(index int, err error) error {
	apiErr := classify(err)
	return apierr.Wrap(apiErr.Code, err, fmt.Sprintf("items[%d]: %s", index, apiErr.Detail))
}

// reserve takes the conversation slot for item at submission time so that
// turns commit in submission order.
func (g *Gateway) reserve(item *chatItem) {
	if item.params.ConversationID != "" {
		item.ticket = g.deps.Sessions.Reserve(item.params.ConversationID)
	}
}

func (c *chatItem) release() {
	if c.ticket != nil {
		c.ticket.Release()
	}
}

// resolveVoice returns the conditioning audio for a job, or nil when none was
// requested. reference_audio is used once and never stored.
func (g *Gateway) resolveVoice(ctx context.Context, src voiceSource) (*engine.VoiceReference, error) {
	if src.ReferenceAudio != "" {
		_, raw, err := audio.DecodeBase64WAV(src.ReferenceAudio, g.maxReference)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidArgument, err, fmt.Sprintf("reference_audio: %v", err))
		}
		return &engine.VoiceReference{Audio: raw}, nil
	}
	id, err := src.profileID()
	if err != nil || id == "" {
		return nil, err
	}
	ref, err := g.deps.Voices.Reference(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return &ref, nil
}

func (g *Gateway) converse(ctx context.Context, jobID string, item *chatItem, enc *stream.Encoder) (chatOutput, error) {
	p := item.params
	req := engine.Request{
		JobID:       jobID,
		Mode:        engine.ModeChat,
		Prompt:      p.Message,
		System:      p.SystemMessage,
		Voice:       item.voice,
		Temperature: *p.Temperature,
		MaxTokens:   *p.MaxTokens,
	}
	if item.ticket != nil {
		if err := item.ticket.Wait(ctx); err != nil {
			return chatOutput{}, err
		}
		req.History = item.ticket.Context()
	}

	res, err := g.generate(ctx, req, enc)
	if err != nil {
		return chatOutput{}, err
	}
	if item.ticket != nil {
		if err := ctx.Err(); err != nil {
			return chatOutput{}, err
		}
		if err := item.ticket.Commit(p.Message, res.Text); err != nil {
			return chatOutput{}, fmt.Errorf("commit turns: %w", err)
		}
	}

	out := chatOutput{Text: res.Text, ConversationID: p.ConversationID}
	if res.Audio != nil {
		out.Duration = res.Audio.Duration().Seconds()
		if enc == nil {
			out.Audio = res.Audio
			if out.AudioBase64, err = renderWAV(*res.Audio, p.AudioFormat); err != nil {
				return chatOutput{}, err
			}
		}
	}
	return out, nil
}

func (g *Gateway) speak(ctx context.Context, jobID string, p speechParams, voice *engine.VoiceReference, enc *stream.Encoder) (speechOutput, error) {
	req := engine.Request{
		JobID:    jobID,
		Mode:     engine.ModeSpeech,
		Prompt:   p.Text,
		Voice:    voice,
		Language: p.Language,
		Emotion:  p.Emotion,
		Speed:    *p.Speed,
	}
	res, err := g.generate(ctx, req, enc)
	if err != nil {
		return speechOutput{}, err
	}
	if res.Audio == nil {
		return speechOutput{}, apierr.New(apierr.AdapterFailure, "engine produced no audio")
	}
	out := speechOutput{Duration: res.Audio.Duration().Seconds()}
	if enc == nil {
		out.Audio = res.Audio
		if out.AudioBase64, err = renderWAV(*res.Audio, p.AudioFormat); err != nil {
			return speechOutput{}, err
		}
	}
	return out, nil
}

// generate checks out an engine and accumulates its output, forwarding each
// fragment to enc when streaming.
func (g *Gateway) generate(ctx context.Context, req engine.Request, enc *stream.Encoder) (engine.Result, error) {
	var acc engine.Accumulator
	err := g.deps.Pool.Do(ctx, func(ctx context.Context, e engine.Engine) error {
		return e.Generate(ctx, req, func(f engine.Fragment) error {
			acc.Add(f)
			if enc == nil {
				return nil
			}
			switch f.Kind {
			case engine.FragmentText:
				return enc.Text(ctx, f.Text)
			case engine.FragmentAudio:
				return enc.Audio(ctx, f.Audio)
			}
			return nil
		})
	})
	if err != nil {
		return engine.Result{}, err
	}
	return acc.Result(), nil
}

func renderWAV(clip audio.Clip, format string) (string, error) {
	if format != "wav" {
		return "", nil
	}
	data, err := audio.EncodeWAV(clip)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// runBatch fans items out through the scheduler and renders per-item slots.
func runBatch[T any](ctx context.Context, g *Gateway, items []T, size int, fn batch.ItemFunc[T, any]) (batchOutput, error) {
	outcomes, err := batch.Run(ctx, g.deps.Batch, items, size, fn)
	if err != nil {
		return batchOutput{}, err
	}
	if err := ctx.Err(); err != nil {
		return batchOutput{}, err
	}
	out := batchOutput{Results: make([]itemResult, len(outcomes))}
	for i, o := range outcomes {
		if o.Err != nil {
			code, detail := apierr.Public(classify(o.Err))
			out.Results[i] = itemResult{Index: o.Index, Status: protocol.StatusError, Error: &protocol.ErrorBody{Code: code, Detail: detail}}
			continue
		}
		out.Results[i] = itemResult{Index: o.Index, Status: protocol.StatusSuccess, Output: o.Value}
	}
	return out, nil
}
