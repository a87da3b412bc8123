package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-gateway/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execEngine runs an external inference command per call. The command reads one
// JSON request on stdin and writes NDJSON fragments to stdout.
type execEngine struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	JobID       string    `json:"job_id"`
	Mode        Mode      `json:"mode"`
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	History     []Message `json:"history,omitempty"`
	VoiceAudio  string    `json:"voice_audio_base64,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Language    string    `json:"language,omitempty"`
	Emotion     string    `json:"emotion,omitempty"`
	Speed       float64   `json:"speed,omitempty"`
	SampleRate  int       `json:"sample_rate"`
	Channels    int       `json:"channels"`
}

type execResponse struct {
	Text      string `json:"text"`
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

func NewExec(command string, sampleRate, channels int) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &execEngine{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execEngine) Generate(ctx context.Context, req Request, consumer func(Fragment) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execRequest{
		JobID:       req.JobID,
		Mode:        req.Mode,
		Prompt:      req.Prompt,
		System:      req.System,
		History:     req.History,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Language:    req.Language,
		Emotion:     req.Emotion,
		Speed:       req.Speed,
		SampleRate:  e.sampleRate,
		Channels:    e.channels,
	}
	if req.Voice != nil {
		payload.VoiceAudio = base64.StdEncoding.EncodeToString(req.Voice.Audio)
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine command: %w", err)
	}

	streamErr := e.stream(stdout, consumer)
	if streamErr != nil {
		_ = cmd.Process.Kill()
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return fmt.Errorf("engine command failed: %w: %s", waitErr, stderr.String())
	}
	return nil
}

func (e *execEngine) stream(stdout io.Reader, consumer func(Fragment) error) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode engine output: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("engine reported error: %s", resp.Error)
		}
		if resp.Text != "" {
			if err := consumer(Fragment{Kind: FragmentText, Text: resp.Text}); err != nil {
				return err
			}
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				return fmt.Errorf("decode engine pcm: %w", err)
			}
			clip, err := audio.FromPCM16(pcm, e.sampleRate, e.channels)
			if err != nil {
				return err
			}
			if err := consumer(Fragment{Kind: FragmentAudio, Audio: clip}); err != nil {
				return err
			}
		}
		if resp.Final {
			break
		}
	}
	return scanner.Err()
}

// Release is a no-op: the subprocess exits after each call, returning its
// accelerator memory to the system.
func (e *execEngine) Release(context.Context) error { return nil }

func (e *execEngine) Close() error { return nil }
