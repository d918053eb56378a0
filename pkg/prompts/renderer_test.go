package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+ext), []byte(body), 0o644))
}

func TestLibrary_Resolution(t *testing.T) {
	global := t.TempDir()
	profile := filepath.Join(t.TempDir(), "prompts")
	writeTemplate(t, global, "greeting", "global {{.name}}")
	writeTemplate(t, global, "only.global", "from global")
	writeTemplate(t, profile, "greeting", "profile {{.name}}")

	lib := NewLibrary(global)

	t.Run("should use the global layer", func(t *testing.T) {
		out, err := lib.Render("greeting", map[string]any{"name": "ada"})
		require.NoError(t, err)
		assert.Equal(t, "global ada", out)
	})

	t.Run("should prefer the profile layer", func(t *testing.T) {
		out, err := lib.ForProfile(profile).Render("greeting", map[string]any{"name": "ada"})
		require.NoError(t, err)
		assert.Equal(t, "profile ada", out)

		out, err = lib.ForProfile(profile).Render("only.global", nil)
		require.NoError(t, err)
		assert.Equal(t, "from global", out)
	})

	t.Run("should fall back to built-ins", func(t *testing.T) {
		out, err := lib.Render(Intervention, map[string]any{"message": "stop"})
		require.NoError(t, err)
		assert.Contains(t, out, "stop")
	})

	t.Run("should let a global template shadow a built-in", func(t *testing.T) {
		writeTemplate(t, global, ToolError, "custom {{.tool_name}}")
		out, err := NewLibrary(global).Render(ToolError, map[string]any{"tool_name": "x", "error": "e"})
		require.NoError(t, err)
		assert.Equal(t, "custom x", out)
	})
}

func TestLibrary_Errors(t *testing.T) {
	lib := NewLibrary("", "/does/not/exist")

	_, err := lib.Render("missing.template", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)

	_, err = lib.Render("../etc/passwd", nil)
	assert.Error(t, err)

	_, err = lib.Render(Intervention, map[string]any{})
	assert.Error(t, err, "missing variables should fail")

	assert.True(t, lib.Exists(AgentSystem))
	assert.False(t, lib.Exists("nope"))
}

func TestBuiltinSystemPrompt(t *testing.T) {
	type tool struct{ Name, Description string }
	out, err := NewLibrary().Render(AgentSystem, map[string]any{
		"agent_name":   "A0",
		"context_id":   "ctx1",
		"superior":     "",
		"role":         "You review code.",
		"can_delegate": true,
		"tools":        []tool{{"response", "Final answer"}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "You are A0")
	assert.Contains(t, out, "You review code.")
	assert.Contains(t, out, "call_subordinate")
	assert.Contains(t, out, "- response: Final answer")
	assert.NotContains(t, out, "subordinate agent. Your superior")
}
