package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/audio"
)

var ErrConcurrentUse = errors.New("engine already generating")

type MockOptions struct {
	WordDelay  time.Duration
	SampleRate int
	Channels   int
	// FailOn makes Generate fail when the prompt contains this substring.
	FailOn string
}

// Mock is a deterministic engine that streams its reply word by word and
// renders a short tone per word when audio is requested.
type Mock struct {
	opts MockOptions

	busy        atomic.Bool
	generations atomic.Int64
	releases    atomic.Int64
	closed      atomic.Bool
}

func NewMock(opts MockOptions) *Mock {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	return &Mock{opts: opts}
}

func (m *Mock) Generate(ctx context.Context, req Request, consumer func(Fragment) error) error {
	if !m.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	defer m.busy.Store(false)
	m.generations.Add(1)

	if m.opts.FailOn != "" && strings.Contains(req.Prompt, m.opts.FailOn) {
		return fmt.Errorf("mock engine failure for %q", req.Prompt)
	}

	words := strings.Fields(reply(req))
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.WordDelay):
		}
		if req.Mode == ModeChat {
			text := word
			if i < len(words)-1 {
				text += " "
			}
			if err := consumer(Fragment{Kind: FragmentText, Text: text}); err != nil {
				return err
			}
		}
		if wantsAudio(req) {
			if err := consumer(Fragment{Kind: FragmentAudio, Audio: m.tone(i, req.Speed)}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Mock) Release(context.Context) error {
	m.releases.Add(1)
	return nil
}

func (m *Mock) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Mock) Generations() int64 { return m.generations.Load() }
func (m *Mock) Releases() int64    { return m.releases.Load() }
func (m *Mock) Closed() bool       { return m.closed.Load() }

func reply(req Request) string {
	prompt := strings.TrimSpace(req.Prompt)
	if req.Mode == ModeSpeech {
		return prompt
	}
	turn := len(req.History)/2 + 1
	return fmt.Sprintf("reply %d to: %s", turn, prompt)
}

func (m *Mock) tone(index int, speed float64) audio.Clip {
	if speed <= 0 {
		speed = 1
	}
	frames := int(float64(m.opts.SampleRate) * 0.05 / speed)
	freq := 220 + 20*float64(index%8)
	samples := make([]float32, frames*m.opts.Channels)
	for f := 0; f < frames; f++ {
		v := float32(0.3 * math.Sin(2*math.Pi*freq*float64(f)/float64(m.opts.SampleRate)))
		for c := 0; c < m.opts.Channels; c++ {
			samples[f*m.opts.Channels+c] = v
		}
	}
	return audio.Clip{SampleRate: m.opts.SampleRate, Channels: m.opts.Channels, Samples: samples}
}
