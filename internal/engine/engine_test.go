package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/audio"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMockStreamsWords(t *testing.T) {
	m := NewMock(MockOptions{SampleRate: 8000, Channels: 1})
	var texts []string
	err := m.Generate(context.Background(), Request{Mode: ModeChat, Prompt: "Hi there"}, func(f Fragment) error {
		require.Equal(t, FragmentText, f.Kind)
		texts = append(texts, f.Text)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"reply ", "1 ", "to: ", "Hi ", "there"}, texts)
}

func TestCollectAccumulatesAudio(t *testing.T) {
	m := NewMock(MockOptions{SampleRate: 8000, Channels: 1})
	res, err := Collect(context.Background(), m, Request{Mode: ModeSpeech, Prompt: "one two"})
	require.NoError(t, err)
	require.Empty(t, res.Text)
	require.NotNil(t, res.Audio)
	require.Equal(t, 8000, res.Audio.SampleRate)
	require.Len(t, res.Audio.Samples, 2*400)
}

func TestAccumulatorDoesNotAliasFragments(t *testing.T) {
	var acc Accumulator
	require.Nil(t, acc.Result().Audio)

	first := audio.Clip{SampleRate: 16000, Channels: 1, Samples: []float32{0.1, 0.2}}
	acc.Add(Fragment{Kind: FragmentText, Text: "hello "})
	acc.Add(Fragment{Kind: FragmentAudio, Audio: first})
	acc.Add(Fragment{Kind: FragmentText, Text: "world"})
	acc.Add(Fragment{Kind: FragmentAudio, Audio: audio.Clip{SampleRate: 16000, Channels: 1, Samples: []float32{0.3}}})
	first.Samples[0] = 0.9

	res := acc.Result()
	require.Equal(t, "hello world", res.Text)
	require.NotNil(t, res.Audio)
	require.Equal(t, 16000, res.Audio.SampleRate)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, res.Audio.Samples)
}

func TestMockHonoursCancellation(t *testing.T) {
	m := NewMock(MockOptions{WordDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := m.Generate(ctx, Request{Mode: ModeChat, Prompt: "a b c"}, func(Fragment) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var created atomic.Int32
	pool := NewPool(func(context.Context) (Engine, error) {
		created.Add(1)
		return NewMock(MockOptions{WordDelay: 5 * time.Millisecond}), nil
	}, 2, 2, newLogger())

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := pool.Do(context.Background(), func(ctx context.Context, e Engine) error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				_, err := Collect(ctx, e, Request{Mode: ModeChat, Prompt: fmt.Sprintf("job %d", i)})
				return err
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.LessOrEqual(t, created.Load(), int32(2))
	inUse, idle := pool.Stats()
	require.Zero(t, inUse)
	require.Equal(t, int(created.Load()), idle)
}

func TestPoolReleasesOnEveryPath(t *testing.T) {
	m := NewMock(MockOptions{})
	pool := NewPool(func(context.Context) (Engine, error) { return m, nil }, 1, 1, newLogger())

	require.NoError(t, pool.Do(context.Background(), func(context.Context, Engine) error { return nil }))
	boom := errors.New("boom")
	require.ErrorIs(t, pool.Do(context.Background(), func(context.Context, Engine) error { return boom }), boom)
	require.Panics(t, func() {
		_ = pool.Do(context.Background(), func(context.Context, Engine) error { panic("adapter crashed") })
	})
	require.Equal(t, int64(3), m.Releases())

	// the slot must have been returned after the panic
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Do(ctx, func(context.Context, Engine) error { return nil }))
}

func TestPoolEvictsBeyondMaxCached(t *testing.T) {
	var mocks []*Mock
	var mu sync.Mutex
	pool := NewPool(func(context.Context) (Engine, error) {
		m := NewMock(MockOptions{})
		mu.Lock()
		mocks = append(mocks, m)
		mu.Unlock()
		return m, nil
	}, 3, 1, newLogger())

	start := make(chan struct{})
	var wg sync.WaitGroup
	var entered sync.WaitGroup
	entered.Add(3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Do(context.Background(), func(context.Context, Engine) error {
				entered.Done()
				<-start
				return nil
			})
		}()
	}
	entered.Wait()
	close(start)
	wg.Wait()

	_, idle := pool.Stats()
	require.Equal(t, 1, idle)
	closed := 0
	for _, m := range mocks {
		if m.Closed() {
			closed++
		}
	}
	require.Equal(t, 2, closed)

	require.NoError(t, pool.Close())
	_, idle = pool.Stats()
	require.Zero(t, idle)
	require.ErrorIs(t, pool.Do(context.Background(), func(context.Context, Engine) error { return nil }), ErrPoolClosed)
}

func TestPoolSlotWaitHonoursContext(t *testing.T) {
	pool := NewPool(func(context.Context) (Engine, error) { return NewMock(MockOptions{}), nil }, 1, 1, newLogger())
	hold := make(chan struct{})
	go func() {
		_ = pool.Do(context.Background(), func(context.Context, Engine) error {
			<-hold
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Do(ctx, func(context.Context, Engine) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestExecEngineStreamsNDJSON(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	script := `sh -c 'cat >/dev/null; echo "{\"text\":\"hello \"}"; echo "{\"text\":\"world\",\"pcm_base64\":\"AEAAwA==\",\"final\":true}"'`
	e, err := NewExec(script, 16000, 1)
	require.NoError(t, err)

	res, err := Collect(context.Background(), e, Request{Mode: ModeChat, Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello world", res.Text)
	require.NotNil(t, res.Audio)
	require.Len(t, res.Audio.Samples, 2)
	require.InDelta(t, 0.5, res.Audio.Samples[0], 1e-6)
}

func TestExecEngineReportsFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	e, err := NewExec(`sh -c 'cat >/dev/null; echo "{\"error\":\"model not loaded\"}"'`, 16000, 1)
	require.NoError(t, err)
	_, err = Collect(context.Background(), e, Request{Mode: ModeChat, Prompt: "hi"})
	require.ErrorContains(t, err, "model not loaded")

	_, err = NewExec("", 16000, 1)
	require.Error(t, err)
}

func TestOllamaEngineStreamsChat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaStreamResponse{Message: ollamaMessage{Role: "assistant", Content: "Hel"}})
		_ = enc.Encode(ollamaStreamResponse{Message: ollamaMessage{Role: "assistant", Content: "lo"}, Done: true})
	}))
	defer srv.Close()

	e := NewOllama(srv.URL, "test-model")
	res, err := Collect(context.Background(), e, Request{
		Mode:    ModeChat,
		Prompt:  "And you?",
		System:  "be brief",
		History: []Message{{Role: RoleUser, Content: "Hi"}, {Role: RoleAssistant, Content: "Hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "And you?", got.Messages[3].Content)

	_, err = Collect(context.Background(), e, Request{Mode: ModeSpeech, Prompt: "hi"})
	require.ErrorIs(t, err, ErrAudioUnsupported)
}
