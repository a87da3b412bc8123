package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
)

// FactoryFromConfig selects the backend named by cfg.Mode.
func FactoryFromConfig(cfg config.EngineConfig) (Factory, error) {
	switch cfg.Mode {
	case "mock":
		return func(context.Context) (Engine, error) {
			return NewMock(MockOptions{
				WordDelay:  20 * time.Millisecond,
				SampleRate: cfg.SampleRate,
				Channels:   cfg.Channels,
			}), nil
		}, nil
	case "exec":
		if _, err := NewExec(cfg.Command, cfg.SampleRate, cfg.Channels); err != nil {
			return nil, err
		}
		return func(context.Context) (Engine, error) {
			return NewExec(cfg.Command, cfg.SampleRate, cfg.Channels)
		}, nil
	case "ollama":
		return func(context.Context) (Engine, error) {
			return NewOllama(cfg.Endpoint, cfg.Model), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
