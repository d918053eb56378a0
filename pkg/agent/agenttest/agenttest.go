// Package agenttest provides a scripted model and a ready registry for
// tests of packages that drive agent contexts.
package agenttest

import (
	"context"
	"testing"
	"time"

	"github.com/harun/agentrt/pkg/agent"
	"github.com/harun/agentrt/pkg/provider"
	"github.com/harun/agentrt/pkg/scheduler"
	"github.com/harun/agentrt/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ModelFunc is a scripted model. Calls suspend like the real dispatcher.
type ModelFunc func(ctx context.Context, req provider.Request) (*provider.Response, error)

func (f ModelFunc) Call(ctx context.Context, _ provider.Config, req provider.Request) (*provider.Response, error) {
	return scheduler.SuspendValue(ctx, func(ctx context.Context) (*provider.Response, error) {
		return f(ctx, req)
	})
}

// Echo answers every message with "echo: <last message>"
func Echo() ModelFunc {
	return func(_ context.Context, req provider.Request) (*provider.Response, error) {
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		return Reply("echo: " + last), nil
	}
}

// Reply is a plain-text model response
func Reply(content string) *provider.Response {
	return &provider.Response{Provider: "fake", Model: "fake-1", Content: content}
}

// NewRegistry returns a registry backed by model whose pool is shut down
// when the test ends.
func NewRegistry(t testing.TB, model agent.Caller, mutate ...func(*agent.Config)) *agent.Registry {
	t.Helper()
	logger := zerolog.Nop()
	pool := scheduler.NewPool(scheduler.PoolConfig{Logger: &logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	cfg := agent.Config{
		Pool:    pool,
		Caller:  model,
		Toolbox: tools.NewRegistry(logger),
		Resolve: func(*agent.Profile) (provider.Config, error) {
			return provider.Config{Provider: "fake", Credentials: []string{"k"}}, nil
		},
		Logger: logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	reg, err := agent.NewRegistry(cfg)
	require.NoError(t, err)
	return reg
}
