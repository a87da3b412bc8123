package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
	"github.com/loqalabs/loqa-gateway/internal/audio"
	"github.com/loqalabs/loqa-gateway/internal/auth"
	"github.com/loqalabs/loqa-gateway/internal/batch"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/engine"
	"github.com/loqalabs/loqa-gateway/internal/eventstore"
	"github.com/loqalabs/loqa-gateway/internal/sessions"
	"github.com/loqalabs/loqa-gateway/internal/stream"
	"github.com/loqalabs/loqa-gateway/internal/voices"
	"github.com/stretchr/testify/require"
)

const testKey = "test-key"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingVoices records how often the registry is consulted.
type countingVoices struct {
	*voices.Registry
	references atomic.Int32
}

func (c *countingVoices) Reference(ctx context.Context, id string) (engine.VoiceReference, error) {
	c.references.Add(1)
	return c.Registry.Reference(ctx, id)
}

type harness struct {
	gw       *Gateway
	voices   *countingVoices
	sessions *sessions.Store
	journal  *eventstore.Store
	created  *atomic.Int32
}

func newHarness(t *testing.T, mock engine.MockOptions, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.APIKey = testKey
	cfg.Auth.RateLimitPerMinute = 0
	cfg.Engine.Workers = 2
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "jobs.db")
	if mutate != nil {
		mutate(&cfg)
	}
	ctx := context.Background()
	logger := newLogger()

	created := &atomic.Int32{}
	pool := engine.NewPool(func(context.Context) (engine.Engine, error) {
		created.Add(1)
		return engine.NewMock(mock), nil
	}, cfg.Engine.Workers, cfg.Engine.MaxCached, logger)

	dir := t.TempDir()
	blobs, err := voices.NewFileStore(filepath.Join(dir, "voices"))
	require.NoError(t, err)
	registry, err := voices.Open(ctx, filepath.Join(dir, "voices.db"), blobs, logger)
	require.NoError(t, err)

	journal, err := eventstore.Open(ctx, cfg.EventStore, logger)
	require.NoError(t, err)

	store := sessions.NewStore(cfg.Sessions.ContextTurns, cfg.Sessions.MaxStoredTurns, logger)
	counting := &countingVoices{Registry: registry}
	gw, err := New(ctx, cfg, Deps{
		Auth:     auth.New(cfg.Auth.APIKey, cfg.Auth.JWTSecret, cfg.Auth.RateLimitPerMinute),
		Pool:     pool,
		Sessions: store,
		Voices:   counting,
		Batch:    batch.NewScheduler(cfg.Batch),
		Journal:  journal,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		gw.Close()
		_ = pool.Close()
		_ = registry.Close()
		_ = journal.Close()
	})
	return &harness{gw: gw, voices: counting, sessions: store, journal: journal, created: created}
}

func submission(endpoint string, params any) Submission {
	raw, _ := json.Marshal(params)
	return Submission{APIKey: testKey, Endpoint: endpoint, Params: raw}
}

func referenceAudio(t *testing.T) string {
	t.Helper()
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(0.4 * math.Sin(float64(i)/8))
	}
	data, err := audio.EncodeWAV(audio.Clip{SampleRate: 16000, Channels: 1, Samples: samples})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func requireCode(t *testing.T, job Job, code apierr.Code) {
	t.Helper()
	require.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	require.Equal(t, code, job.Error.Code, job.Error.Error())
}

func decodeOutput[T any](t *testing.T, job Job) T {
	t.Helper()
	require.Equal(t, StatusSucceeded, job.Status, "job failed: %v", job.Error)
	var out T
	require.NoError(t, json.Unmarshal(job.Output, &out))
	return out
}

func TestChatKeepsConversationHistory(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	ctx := context.Background()

	messages := []string{"Hi", "How are you?", "And you?", "Bye"}
	var replies []string
	for _, msg := range messages {
		job := h.gw.Submit(ctx, submission("chat", map[string]any{"message": msg, "conversation_id": "c1"}))
		out := decodeOutput[chatOutput](t, job)
		require.Equal(t, "c1", out.ConversationID)
		replies = append(replies, out.Text)
	}
	require.Equal(t, "reply 3 to: And you?", replies[2])

	history := h.sessions.History("c1")
	require.Len(t, history, 8)
	require.Equal(t, engine.RoleUser, history[4].Role)
	require.Equal(t, "And you?", history[4].Content)
	require.Equal(t, "reply 3 to: And you?", history[5].Content)
}

func TestChatWithoutConversationIsStateless(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job := h.gw.Submit(context.Background(), submission("agent_chat", map[string]any{"message": "Hi"}))
	out := decodeOutput[chatOutput](t, job)
	require.Equal(t, "reply 1 to: Hi", out.Text)
	require.Empty(t, out.ConversationID)
	require.Zero(t, h.sessions.Len())
}

func TestConcurrentChatsCommitInSubmissionOrder(t *testing.T) {
	h := newHarness(t, engine.MockOptions{WordDelay: 2 * time.Millisecond}, nil)
	ctx := context.Background()

	var ids []string
	messages := []string{"first", "second", "third", "fourth", "fifth"}
	for _, msg := range messages {
		job, err := h.gw.SubmitAsync(ctx, submission("chat", map[string]any{"message": msg, "conversation_id": "ordered"}))
		require.NoError(t, err)
		require.Equal(t, StatusQueued, job.Status)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		require.Eventually(t, func() bool {
			job, err := h.gw.Status(id)
			return err == nil && job.Status == StatusSucceeded
		}, 5*time.Second, 5*time.Millisecond)
	}

	history := h.sessions.History("ordered")
	require.Len(t, history, 10)
	for i, msg := range messages {
		require.Equal(t, msg, history[2*i].Content)
	}
}

func TestConflictingVoiceSourcesRejectedWithoutLookup(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job := h.gw.Submit(context.Background(), submission("chat", map[string]any{
		"message":         "hello",
		"reference_audio": referenceAudio(t),
		"speaker_id":      "voice_20250101_000000_deadbeef",
	}))
	requireCode(t, job, apierr.InvalidArgument)
	require.Equal(t, 400, job.HTTPStatus())
	require.Zero(t, h.voices.references.Load())
	require.Zero(t, h.created.Load())
}

func TestInvalidParamsNeverReachEngine(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		endpoint string
		params   map[string]any
	}{
		{"empty message", "chat", map[string]any{"message": "  "}},
		{"temperature", "chat", map[string]any{"message": "hi", "temperature": 1.5}},
		{"speech without voice", "generate_speech", map[string]any{"text": "hi"}},
		{"emotion", "generate_speech", map[string]any{"text": "hi", "speaker_id": "v", "emotion": "angry"}},
		{"get without id", "get_voice", map[string]any{}},
		{"delete without id", "delete_voice", nil},
		{"empty batch", "batch_chat", map[string]any{"items": []any{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireCode(t, h.gw.Submit(ctx, submission(tc.endpoint, tc.params)), apierr.InvalidArgument)
		})
	}
	require.Zero(t, h.created.Load())
}

func TestBatchIsolatesItemFailure(t *testing.T) {
	h := newHarness(t, engine.MockOptions{FailOn: "boom"}, nil)
	items := []map[string]any{
		{"message": "one"},
		{"message": "two"},
		{"message": "boom three"},
		{"message": "four"},
		{"message": "five"},
	}
	job := h.gw.Submit(context.Background(), submission("batch_chat", map[string]any{"items": items, "batch_size": 2}))
	out := decodeOutput[struct {
		Results []struct {
			Index  int        `json:"index"`
			Status string     `json:"status"`
			Output chatOutput `json:"output"`
			Error  *struct {
				Code   int    `json:"code"`
				Detail string `json:"detail"`
			} `json:"error"`
		} `json:"results"`
	}](t, job)

	require.Len(t, out.Results, 5)
	for i, r := range out.Results {
		require.Equal(t, i, r.Index)
		if i == 2 {
			require.Equal(t, "error", r.Status)
			require.Equal(t, 500, r.Error.Code)
			continue
		}
		require.Equal(t, "success", r.Status)
		require.Equal(t, "reply 1 to: "+items[i]["message"].(string), r.Output.Text)
	}
}

func TestBatchSharedConversationSkipsFailedItem(t *testing.T) {
	cases := []struct {
		name   string
		failed map[string]any
		code   int
	}{
		{"engine failure", map[string]any{"message": "boom m2"}, 500},
		{"unknown voice", map[string]any{"message": "m2", "voice_id": "voice_missing"}, 404},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, engine.MockOptions{FailOn: "boom", WordDelay: time.Millisecond}, func(c *config.Config) {
				c.Batch.Concurrency = 2
			})
			items := []map[string]any{
				{"message": "m0"},
				{"message": "m1"},
				tc.failed,
				{"message": "m3"},
				{"message": "m4"},
			}
			for _, item := range items {
				item["conversation_id"] = "shared"
			}
			job := h.gw.Submit(context.Background(), submission("batch_chat", map[string]any{"items": items, "batch_size": 2}))
			out := decodeOutput[struct {
				Results []struct {
					Index  int        `json:"index"`
					Status string     `json:"status"`
					Output chatOutput `json:"output"`
					Error  *struct {
						Code int `json:"code"`
					} `json:"error"`
				} `json:"results"`
			}](t, job)

			require.Len(t, out.Results, 5)
			require.Equal(t, "error", out.Results[2].Status)
			require.Equal(t, tc.code, out.Results[2].Error.Code)
			for turn, i := range []int{0, 1, 3, 4} {
				r := out.Results[i]
				require.Equal(t, "success", r.Status, "item %d", i)
				require.Equal(t, fmt.Sprintf("reply %d to: m%d", turn+1, i), r.Output.Text)
			}

			history := h.sessions.History("shared")
			require.Len(t, history, 8)
			for turn, i := range []int{0, 1, 3, 4} {
				require.Equal(t, engine.RoleUser, history[2*turn].Role)
				require.Equal(t, fmt.Sprintf("m%d", i), history[2*turn].Content)
				require.Equal(t, fmt.Sprintf("reply %d to: m%d", turn+1, i), history[2*turn+1].Content)
			}
		})
	}
}

func TestStreamFlagRequiresStreamEndpoint(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	ctx := context.Background()

	job := h.gw.Submit(ctx, submission("chat", map[string]any{"message": "hi", "stream": true}))
	requireCode(t, job, apierr.InvalidArgument)
	require.Contains(t, job.Error.Detail, "stream endpoint")

	job = h.gw.Submit(ctx, submission("generate_speech", map[string]any{"text": "hi", "reference_audio": referenceAudio(t), "stream": true}))
	requireCode(t, job, apierr.InvalidArgument)

	job = h.gw.Submit(ctx, submission("batch_chat", map[string]any{
		"items": []map[string]any{{"message": "a"}, {"message": "b", "stream": true}},
	}))
	requireCode(t, job, apierr.InvalidArgument)
	require.Contains(t, job.Error.Detail, "items[1]")
	require.Zero(t, h.created.Load())

	sink := stream.NewChanSink(64)
	job = h.gw.Stream(ctx, submission("chat", map[string]any{"message": "hi", "stream": false}), sink)
	require.Equal(t, StatusSucceeded, job.Status)
	var chunks []stream.Chunk
	for len(sink.C) > 0 {
		chunks = append(chunks, <-sink.C)
	}
	require.Greater(t, len(chunks), 1)
	require.Equal(t, stream.KindText, chunks[0].Kind)
	require.Equal(t, stream.KindEnd, chunks[len(chunks)-1].Kind)
}

func TestBatchItemValidationRejectsWholeBatch(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job := h.gw.Submit(context.Background(), submission("batch_agent_chat", map[string]any{
		"items": []map[string]any{{"message": "fine"}, {"message": ""}},
	}))
	requireCode(t, job, apierr.InvalidArgument)
	require.Contains(t, job.Error.Detail, "items[1]")
}

func TestBatchTooLarge(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, func(c *config.Config) { c.Batch.MaxItems = 2 })
	items := []map[string]any{{"message": "a"}, {"message": "b"}, {"message": "c"}}
	requireCode(t, h.gw.Submit(context.Background(), submission("batch_chat", map[string]any{"items": items})), apierr.ResourceExhausted)
}

func TestStreamCancelLeavesHistoryUnchanged(t *testing.T) {
	h := newHarness(t, engine.MockOptions{WordDelay: 30 * time.Millisecond}, nil)
	seed := h.gw.Submit(context.Background(), submission("chat", map[string]any{"message": "Hi", "conversation_id": "c1"}))
	require.Equal(t, StatusSucceeded, seed.Status)
	require.Len(t, h.sessions.History("c1"), 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := stream.NewChanSink(64)
	done := make(chan Job, 1)
	go func() {
		done <- h.gw.Stream(ctx, submission("chat", map[string]any{
			"message": "tell me a long story", "conversation_id": "c1", "stream": true,
		}), sink)
	}()

	first := <-sink.C
	require.Equal(t, stream.KindText, first.Kind)
	require.Equal(t, 0, first.Sequence)
	cancel()

	var job Job
	select {
	case job = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	requireCode(t, job, apierr.Cancelled)

	chunks := []stream.Chunk{first}
	for len(sink.C) > 0 {
		chunks = append(chunks, <-sink.C)
	}
	last := chunks[len(chunks)-1]
	require.Equal(t, stream.KindError, last.Kind)
	var payload stream.ErrorPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	require.Equal(t, apierr.Cancelled, payload.Reason)
	for i, c := range chunks {
		require.Equal(t, i, c.Sequence)
		require.Equal(t, i == len(chunks)-1, c.Terminal())
	}

	require.Len(t, h.sessions.History("c1"), 2)
}

func TestStreamChatEmitsTextThenEnd(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	sink := stream.NewChanSink(64)
	job := h.gw.Stream(context.Background(), submission("chat", map[string]any{"message": "hello there"}), sink)
	require.Equal(t, StatusSucceeded, job.Status)

	var text string
	var chunks []stream.Chunk
	for len(sink.C) > 0 {
		chunks = append(chunks, <-sink.C)
	}
	for _, c := range chunks[:len(chunks)-1] {
		require.Equal(t, stream.KindText, c.Kind)
		var p stream.TextPayload
		require.NoError(t, json.Unmarshal(c.Payload, &p))
		text += p.Text
	}
	require.Equal(t, "reply 1 to: hello there", text)
	require.Equal(t, stream.KindEnd, chunks[len(chunks)-1].Kind)
}

func TestStreamRejectionEmitsSingleErrorChunk(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	sink := stream.NewChanSink(4)
	sub := submission("chat", map[string]any{"message": "hi"})
	sub.APIKey = "wrong"
	job := h.gw.Stream(context.Background(), sub, sink)
	requireCode(t, job, apierr.Unauthorized)
	require.Len(t, sink.C, 1)
	c := <-sink.C
	require.Equal(t, stream.KindError, c.Kind)
	require.Equal(t, 0, c.Sequence)
}

func TestUnauthorizedSubmission(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	sub := submission("chat", map[string]any{"message": "hi"})
	sub.APIKey = ""
	job := h.gw.Submit(context.Background(), sub)
	requireCode(t, job, apierr.Unauthorized)
	require.Equal(t, 401, job.HTTPStatus())

	_, err := h.gw.SubmitAsync(context.Background(), sub)
	require.ErrorIs(t, err, apierr.New(apierr.Unauthorized, ""))
	require.Zero(t, h.created.Load())
}

func TestBearerTokenAccepted(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, func(c *config.Config) { c.Auth.JWTSecret = "signing-secret" })
	token, err := auth.IssueToken("signing-secret", testKey, time.Minute)
	require.NoError(t, err)
	sub := submission("list_voices", nil)
	sub.APIKey = "Bearer " + token
	job := h.gw.Submit(context.Background(), sub)
	out := decodeOutput[voiceList](t, job)
	require.Empty(t, out.Voices)
}

func TestUnknownEndpoint(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job := h.gw.Submit(context.Background(), submission("dance", nil))
	requireCode(t, job, apierr.NotFound)
	require.Equal(t, 404, job.HTTPStatus())
}

func TestAsyncStatusRemovesTerminalJob(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job, err := h.gw.SubmitAsync(context.Background(), submission("chat", map[string]any{"message": "hi"}))
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	var final Job
	require.Eventually(t, func() bool {
		got, err := h.gw.Status(job.ID)
		if err != nil {
			return false
		}
		final = got
		return got.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, StatusSucceeded, final.Status)
	require.False(t, final.StartedAt.IsZero())
	require.Equal(t, "success", final.Response().Status)

	_, err = h.gw.Status(job.ID)
	require.ErrorIs(t, err, apierr.New(apierr.NotFound, ""))

	require.Eventually(t, func() bool {
		events, err := h.journal.ListJobEvents(context.Background(), job.ID, 10)
		return err == nil && len(events) == 3 && events[2].Status == "succeeded"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestJobTimeout(t *testing.T) {
	h := newHarness(t, engine.MockOptions{WordDelay: 200 * time.Millisecond}, func(c *config.Config) {
		c.Engine.JobTimeoutMS = 50
	})
	job := h.gw.Submit(context.Background(), submission("chat", map[string]any{"message": "hi", "conversation_id": "slow"}))
	requireCode(t, job, apierr.Timeout)
	require.Equal(t, 504, job.HTTPStatus())
	require.Empty(t, h.sessions.History("slow"))
}

func TestCancelAsyncJob(t *testing.T) {
	h := newHarness(t, engine.MockOptions{WordDelay: 100 * time.Millisecond}, func(c *config.Config) {
		c.Jobs.MaxPending = 1
	})
	ctx := context.Background()
	job, err := h.gw.SubmitAsync(ctx, submission("chat", map[string]any{"message": "long running"}))
	require.NoError(t, err)

	_, err = h.gw.SubmitAsync(ctx, submission("chat", map[string]any{"message": "rejected"}))
	require.ErrorIs(t, err, apierr.New(apierr.ResourceExhausted, ""))

	require.NoError(t, h.gw.Cancel(job.ID))
	require.Eventually(t, func() bool {
		got, err := h.gw.Status(job.ID)
		if err != nil || !got.Status.Terminal() {
			return false
		}
		return got.Error != nil && got.Error.Code == apierr.Cancelled
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, h.gw.Pending())

	require.ErrorIs(t, h.gw.Cancel("missing"), apierr.New(apierr.NotFound, ""))
}

func TestVoiceLifecycle(t *testing.T) {
	h := newHarness(t, engine.MockOptions{SampleRate: 16000}, nil)
	ctx := context.Background()

	cloned := decodeOutput[voiceMessage](t, h.gw.Submit(ctx, submission("clone_voice", map[string]any{
		"reference_audio": referenceAudio(t),
		"name":            "Narrator",
	})))
	require.NotEmpty(t, cloned.VoiceID)
	require.Equal(t, "Narrator", cloned.Name)

	list := decodeOutput[voiceList](t, h.gw.Submit(ctx, submission("list_voices", nil)))
	require.Len(t, list.Voices, 1)

	profile := decodeOutput[voices.Profile](t, h.gw.Submit(ctx, submission("get_voice", map[string]any{"voice_id": cloned.VoiceID})))
	require.Equal(t, "Narrator", profile.Name)

	speech := decodeOutput[speechOutput](t, h.gw.Submit(ctx, submission("generate_speech", map[string]any{
		"text":         "two words",
		"voice_id":     cloned.VoiceID,
		"audio_format": "wav",
	})))
	require.NotNil(t, speech.Audio)
	require.Equal(t, 16000, speech.Audio.SampleRate)
	require.InDelta(t, 0.1, speech.Duration, 1e-6)
	wav, err := base64.StdEncoding.DecodeString(speech.AudioBase64)
	require.NoError(t, err)
	decoded, err := audio.DecodeWAV(wav)
	require.NoError(t, err)
	require.Len(t, decoded.Samples, len(speech.Audio.Samples))
	require.Equal(t, int32(1), h.voices.references.Load())

	deleted := decodeOutput[voiceMessage](t, h.gw.Submit(ctx, submission("delete_voice", map[string]any{"speaker_id": cloned.VoiceID})))
	require.Equal(t, cloned.VoiceID, deleted.VoiceID)
	requireCode(t, h.gw.Submit(ctx, submission("delete_voice", map[string]any{"voice_id": cloned.VoiceID})), apierr.NotFound)
	requireCode(t, h.gw.Submit(ctx, submission("generate_speech", map[string]any{"text": "x", "voice_id": cloned.VoiceID})), apierr.NotFound)
}

func TestCloneRejectsBadAudio(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job := h.gw.Submit(context.Background(), submission("clone_voice", map[string]any{
		"reference_audio": base64.StdEncoding.EncodeToString([]byte("not a wav")),
		"name":            "Broken",
	}))
	requireCode(t, job, apierr.InvalidArgument)
}

func TestOversizedReferenceAudioRejected(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, func(c *config.Config) { c.Voices.MaxReferenceBytes = 1024 })
	h.voices.LimitReference(1024)
	ctx := context.Background()

	job := h.gw.Submit(ctx, submission("chat", map[string]any{"message": "hi", "reference_audio": referenceAudio(t)}))
	requireCode(t, job, apierr.InvalidArgument)
	require.Contains(t, job.Error.Detail, "too large")

	job = h.gw.Submit(ctx, submission("clone_voice", map[string]any{"reference_audio": referenceAudio(t), "name": "Big"}))
	requireCode(t, job, apierr.InvalidArgument)
	require.Contains(t, job.Error.Detail, "exceeds 1024 bytes")
	require.Zero(t, h.created.Load())
}

func TestCorruptChunkSizeRejected(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	ctx := context.Background()

	data, err := base64.StdEncoding.DecodeString(referenceAudio(t))
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[16:20], 0x4c000010)
	corrupt := base64.StdEncoding.EncodeToString(data)

	job := h.gw.Submit(ctx, submission("generate_speech", map[string]any{"text": "hi", "reference_audio": corrupt}))
	requireCode(t, job, apierr.InvalidArgument)

	job = h.gw.Submit(ctx, submission("clone_voice", map[string]any{"reference_audio": corrupt, "name": "Corrupt"}))
	requireCode(t, job, apierr.InvalidArgument)
	list, err := h.voices.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestChatWithReferenceAudioReturnsAudio(t *testing.T) {
	h := newHarness(t, engine.MockOptions{SampleRate: 16000}, nil)
	out := decodeOutput[chatOutput](t, h.gw.Submit(context.Background(), submission("chat", map[string]any{
		"message":         "hi",
		"reference_audio": referenceAudio(t),
	})))
	require.NotNil(t, out.Audio)
	require.Greater(t, out.Duration, 0.0)
	require.Empty(t, out.AudioBase64)
	require.Zero(t, h.voices.references.Load())
}

func TestExpireUnpolledJobs(t *testing.T) {
	h := newHarness(t, engine.MockOptions{}, nil)
	job := h.gw.Submit(context.Background(), submission("chat", map[string]any{"message": "hi"}))
	require.Equal(t, StatusSucceeded, job.Status)

	h.gw.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.Equal(t, 1, h.gw.expire(time.Minute))
	_, err := h.gw.Status(job.ID)
	require.ErrorIs(t, err, apierr.New(apierr.NotFound, ""))
}
