package engine

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-gateway/internal/audio"
)

type Mode string

const (
	ModeChat   Mode = "chat"
	ModeSpeech Mode = "speech"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior turn handed to the model as context.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// VoiceReference is read-only conditioning audio. Engines must not retain or
// modify Audio after Generate returns.
type VoiceReference struct {
	ProfileID string
	Audio     []byte
}

// Request describes one generation call.
type Request struct {
	JobID       string
	Mode        Mode
	Prompt      string
	System      string
	History     []Message
	Voice       *VoiceReference
	Temperature float64
	MaxTokens   int
	Language    string
	Emotion     string
	Speed       float64
}

type FragmentKind string

const (
	FragmentText  FragmentKind = "text"
	FragmentAudio FragmentKind = "audio"
)

// Fragment is an incremental piece of engine output.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Audio audio.Clip
}

// Result is the accumulated output of a generation call.
type Result struct {
	Text  string
	Audio *audio.Clip
}

// Engine is a pluggable inference backend. An Engine is not re-entrant: the
// pool guarantees a single Generate in flight per instance. Release frees any
// accelerator memory held after a call and runs on both success and failure.
type Engine interface {
	Generate(ctx context.Context, req Request, consumer func(Fragment) error) error
	Release(ctx context.Context) error
	Close() error
}

// Accumulator concatenates fragments into a Result. Audio fragments after the
// first are appended regardless of their format.
type Accumulator struct {
	text strings.Builder
	clip *audio.Clip
}

func (a *Accumulator) Add(f Fragment) {
	switch f.Kind {
	case FragmentText:
		a.text.WriteString(f.Text)
	case FragmentAudio:
		if a.clip == nil {
			a.clip = &audio.Clip{SampleRate: f.Audio.SampleRate, Channels: f.Audio.Channels}
		}
		a.clip.Samples = append(a.clip.Samples, f.Audio.Samples...)
	}
}

func (a *Accumulator) Result() Result {
	return Result{Text: a.text.String(), Audio: a.clip}
}

// Collect runs Generate and concatenates every fragment.
func Collect(ctx context.Context, e Engine, req Request) (Result, error) {
	var acc Accumulator
	err := e.Generate(ctx, req, func(f Fragment) error {
		acc.Add(f)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return acc.Result(), nil
}

func wantsAudio(req Request) bool {
	return req.Mode == ModeSpeech || req.Voice != nil
}
