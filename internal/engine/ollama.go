package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrAudioUnsupported = errors.New("engine backend does not synthesize audio")

// ollamaEngine streams chat completions from an Ollama server. It is text only.
type ollamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllama(endpoint, model string) Engine {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaEngine{endpoint: endpoint, model: model, client: http.DefaultClient}
}

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	Options   ollamaOptions   `json:"options"`
	KeepAlive *int            `json:"keep_alive,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (g *ollamaEngine) Generate(ctx context.Context, req Request, consumer func(Fragment) error) error {
	if wantsAudio(req) {
		return ErrAudioUnsupported
	}
	messages := make([]ollamaMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		messages = append(messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, ollamaMessage{Role: string(RoleUser), Content: req.Prompt})

	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return err
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := consumer(Fragment{Kind: FragmentText, Text: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// Release keeps the model resident; the server manages its own cache.
func (g *ollamaEngine) Release(context.Context) error { return nil }

// Close asks the server to unload the model.
func (g *ollamaEngine) Close() error {
	zero := 0
	body, err := json.Marshal(ollamaChatRequest{Model: g.model, KeepAlive: &zero})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
