package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echoes its input",
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			{Name: "times", Type: "integer", Description: "Repetitions"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			n := 1
			if v, ok := args["times"].(float64); ok {
				n = int(v)
			} else if v, ok := args["times"].(int); ok {
				n = v
			}
			return strings.Repeat(args["text"].(string), n), nil
		},
	}
}

func newTestRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	for _, def := range defs {
		require.NoError(t, r.Register(def))
	}
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t, echoTool())

	t.Run("should list tools sorted", func(t *testing.T) {
		require.NoError(t, r.Register(Definition{Name: "alpha", Description: "a", Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
		assert.Equal(t, []string{"alpha", "echo"}, r.List())
	})

	t.Run("should reject invalid definitions", func(t *testing.T) {
		bad := []Definition{
			{Description: "no name", Handler: echoTool().Handler},
			{Name: "x", Handler: echoTool().Handler},
			{Name: "x", Description: "no handler"},
			{Name: "x", Description: "bad type", Handler: echoTool().Handler, Parameters: []Parameter{{Name: "p", Type: "date"}}},
		}
		for _, def := range bad {
			assert.Error(t, r.Register(def))
		}
	})

	t.Run("should unregister", func(t *testing.T) {
		r.Unregister("alpha")
		_, ok := r.Get("alpha")
		assert.False(t, ok)
	})
}

func TestRegistry_Invoke(t *testing.T) {
	r := newTestRegistry(t, echoTool())
	ctx := context.Background()

	t.Run("should run with valid args", func(t *testing.T) {
		out, err := r.Invoke(ctx, "echo", map[string]any{"text": "ab", "times": 2})
		require.NoError(t, err)
		assert.Equal(t, "abab", out)
	})

	t.Run("should reject missing required args", func(t *testing.T) {
		_, err := r.Invoke(ctx, "echo", map[string]any{})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "echo", verr.Tool)
		assert.NotEmpty(t, verr.Issues)
	})

	t.Run("should reject unknown and mistyped args", func(t *testing.T) {
		_, err := r.Invoke(ctx, "echo", map[string]any{"text": "a", "extra": true})
		assert.Error(t, err)
		_, err = r.Invoke(ctx, "echo", map[string]any{"text": 5})
		assert.Error(t, err)
	})

	t.Run("should report unknown tools", func(t *testing.T) {
		_, err := r.Invoke(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrToolNotFound)
	})
}

func TestRegistry_Execute(t *testing.T) {
	t.Run("should encode structured output as JSON", func(t *testing.T) {
		r := newTestRegistry(t, Definition{
			Name:        "info",
			Description: "Returns a map",
			Handler: func(context.Context, map[string]any) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		})
		res, err := r.Execute(context.Background(), "info", nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.JSONEq(t, `{"ok":true}`, res.Output)
	})

	t.Run("should truncate large output", func(t *testing.T) {
		r := newTestRegistry(t, Definition{
			Name:        "big",
			Description: "Returns a lot",
			Handler: func(context.Context, map[string]any) (any, error) {
				return strings.Repeat("x", maxOutputSize*2), nil
			},
		})
		res, err := r.Execute(context.Background(), "big", nil)
		require.NoError(t, err)
		assert.True(t, res.Truncated)
		assert.True(t, strings.HasSuffix(res.Output, "[output truncated]"))
	})

	t.Run("should time out slow handlers", func(t *testing.T) {
		r := newTestRegistry(t, Definition{
			Name:        "slow",
			Description: "Never returns in time",
			Timeout:     20 * time.Millisecond,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		})
		_, err := r.Execute(context.Background(), "slow", nil)
		assert.ErrorIs(t, err, ErrToolTimeout)
	})

	t.Run("should surface handler errors", func(t *testing.T) {
		boom := errors.New("boom")
		r := newTestRegistry(t, Definition{
			Name:        "fail",
			Description: "Fails",
			Handler:     func(context.Context, map[string]any) (any, error) { return nil, boom },
		})
		res, err := r.Execute(context.Background(), "fail", nil)
		assert.ErrorIs(t, err, boom)
		assert.False(t, res.Success)
		assert.Equal(t, "boom", res.Error)
	})
}

func TestPolicy(t *testing.T) {
	var nilPolicy *Policy
	assert.True(t, nilPolicy.Allows("anything"))
	assert.True(t, AllowAll().Allows("anything"))

	p := &Policy{Allow: []string{"*"}, Deny: []string{"wait"}}
	assert.True(t, p.Allows("echo"))
	assert.False(t, p.Allows("wait"))

	explicit := &Policy{Allow: []string{"echo"}}
	assert.True(t, explicit.Allows("echo"))
	assert.False(t, explicit.Allows("current_time"))
}

func TestRestrict(t *testing.T) {
	r := newTestRegistry(t, echoTool())
	inv := Restrict(r, &Policy{Allow: []string{"current_time"}})

	_, err := inv.Invoke(context.Background(), "echo", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, ErrToolNotAllowed)
}

func TestSpecs(t *testing.T) {
	r := newTestRegistry(t, echoTool())
	require.NoError(t, RegisterBuiltins(r))

	specs := r.Specs(&Policy{Allow: []string{"echo", "wait"}})
	require.Len(t, specs, 2)
	assert.Equal(t, "echo", specs[0].Name)
	assert.Equal(t, "object", specs[0].Parameters["type"])
	assert.Equal(t, []any{"text"}, specs[0].Parameters["required"])
	assert.Equal(t, "wait", specs[1].Name)

	assert.Len(t, r.Specs(nil), 3)
}

func TestBuiltins(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(r))
	ctx := context.Background()

	out, err := r.Invoke(ctx, "current_time", map[string]any{"timezone": "UTC"})
	require.NoError(t, err)
	_, perr := time.Parse(time.RFC3339, out)
	assert.NoError(t, perr)

	_, err = r.Invoke(ctx, "current_time", map[string]any{"timezone": "Nowhere/Atlantis"})
	assert.Error(t, err)

	out, err = r.Invoke(ctx, "wait", map[string]any{"seconds": 0.01})
	require.NoError(t, err)
	assert.Contains(t, out, "waited")
}
