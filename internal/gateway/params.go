package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-gateway/internal/apierr"
)

const (
	maxTextLen       = 2000
	defaultMaxTokens = 1000
	defaultTemp      = 0.7
	defaultSpeed     = 1.0
)

// voiceSource is shared by chat and speech parameters.
type voiceSource struct {
	ReferenceAudio string `json:"reference_audio,omitempty"`
	SpeakerID      string `json:"speaker_id,omitempty"`
	VoiceID        string `json:"voice_id,omitempty"`
}

// profileID merges the speaker_id and voice_id aliases.
func (v voiceSource) profileID() (string, error) {
	if v.SpeakerID != "" && v.VoiceID != "" && v.SpeakerID != v.VoiceID {
		return "", apierr.New(apierr.InvalidArgument, "speaker_id and voice_id refer to different profiles")
	}
	if v.SpeakerID != "" {
		return v.SpeakerID, nil
	}
	return v.VoiceID, nil
}

func (v voiceSource) validate() error {
	id, err := v.profileID()
	if err != nil {
		return err
	}
	if v.ReferenceAudio != "" && id != "" {
		return apierr.New(apierr.InvalidArgument, "reference_audio and speaker_id are mutually exclusive")
	}
	return nil
}

func (v voiceSource) present() bool {
	return v.ReferenceAudio != "" || v.SpeakerID != "" || v.VoiceID != ""
}

type chatParams struct {
	voiceSource
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SystemMessage  string   `json:"system_message,omitempty"`
	Stream         bool     `json:"stream,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"max_tokens,omitempty"`
	AudioFormat    string   `json:"audio_format,omitempty"`
}

func (p *chatParams) validate() error {
	if err := checkText("message", p.Message); err != nil {
		return err
	}
	if p.Temperature == nil {
		t := defaultTemp
		p.Temperature = &t
	} else if *p.Temperature < 0.1 || *p.Temperature > 1.0 {
		return apierr.New(apierr.InvalidArgument, "temperature must be between 0.1 and 1.0")
	}
	if p.MaxTokens == nil {
		n := defaultMaxTokens
		p.MaxTokens = &n
	} else if *p.MaxTokens < 1 || *p.MaxTokens > maxTextLen {
		return apierr.New(apierr.InvalidArgument, "max_tokens must be between 1 and %d", maxTextLen)
	}
	if err := checkAudioFormat(p.AudioFormat); err != nil {
		return err
	}
	return p.voiceSource.validate()
}

type speechParams struct {
	voiceSource
	Text        string   `json:"text"`
	Language    string   `json:"language,omitempty"`
	Emotion     string   `json:"emotion,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	AudioFormat string   `json:"audio_format,omitempty"`
}

func (p *speechParams) validate() error {
	if err := checkText("text", p.Text); err != nil {
		return err
	}
	switch p.Emotion {
	case "", "happy", "sad", "neutral":
	default:
		return apierr.New(apierr.InvalidArgument, "emotion must be one of happy, sad, neutral")
	}
	if p.Speed == nil {
		s := defaultSpeed
		p.Speed = &s
	} else if *p.Speed < 0.5 || *p.Speed > 2.0 {
		return apierr.New(apierr.InvalidArgument, "speed must be between 0.5 and 2.0")
	}
	if err := checkAudioFormat(p.AudioFormat); err != nil {
		return err
	}
	if err := p.voiceSource.validate(); err != nil {
		return err
	}
	if !p.present() {
		return apierr.New(apierr.InvalidArgument, "either reference_audio or speaker_id must be provided")
	}
	return nil
}

type batchParams[T any] struct {
	Items     []T `json:"items"`
	BatchSize int `json:"batch_size,omitempty"`
}

type cloneParams struct {
	ReferenceAudio string `json:"reference_audio"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Language       string `json:"language,omitempty"`
}

type voiceIDParams struct {
	VoiceID   string `json:"voice_id"`
	SpeakerID string `json:"speaker_id"`
}

func (p voiceIDParams) id() (string, error) {
	id := p.VoiceID
	if id == "" {
		id = p.SpeakerID
	}
	if id == "" {
		return "", apierr.New(apierr.InvalidArgument, "voice_id is required")
	}
	return id, nil
}

func checkText(field, value string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n == 0 {
		return apierr.New(apierr.InvalidArgument, "%s must not be empty", field)
	}
	if utf8.RuneCountInString(value) > maxTextLen {
		return apierr.New(apierr.InvalidArgument, "%s must be at most %d characters", field, maxTextLen)
	}
	return nil
}

func checkAudioFormat(format string) error {
	switch format {
	case "", "samples", "wav":
		return nil
	}
	return apierr.New(apierr.InvalidArgument, "audio_format must be samples or wav")
}

// decodeParams decodes raw into v, ignoring unknown fields. Missing params
// decode as {}.
func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}
