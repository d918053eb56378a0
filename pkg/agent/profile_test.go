package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	researcher := filepath.Join(dir, "researcher")
	require.NoError(t, os.MkdirAll(filepath.Join(researcher, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(researcher, "agent.yaml"), []byte(`
description: Finds and summarizes sources
provider: claude
model: claude-sonnet-4-5
temperature: 0.2
max_iterations: 12
thinking: true
can_delegate: false
role: |
  You research topics thoroughly.
tools:
  allow: ["current_time"]
`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	ps, err := LoadProfiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "researcher"}, ps.Names())

	p, err := ps.Get("researcher")
	require.NoError(t, err)
	assert.Equal(t, "researcher", p.Name)
	assert.Equal(t, "claude", p.Provider)
	assert.Equal(t, 12, p.MaxIterations)
	require.NotNil(t, p.Temperature)
	assert.InDelta(t, 0.2, *p.Temperature, 1e-9)
	assert.True(t, p.Thinking)
	assert.False(t, p.Delegates())
	assert.True(t, p.Tools.Allows("current_time"))
	assert.False(t, p.Tools.Allows("wait"))
	assert.Equal(t, filepath.Join(researcher, "prompts"), p.PromptsDir())

	def, err := ps.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileName, def.Name)
	assert.True(t, def.Delegates())
	assert.Empty(t, def.PromptsDir())

	_, err = ps.Get("missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoadProfiles_Errors(t *testing.T) {
	t.Run("should tolerate a missing directory", func(t *testing.T) {
		ps, err := LoadProfiles(filepath.Join(t.TempDir(), "none"))
		require.NoError(t, err)
		assert.Equal(t, []string{DefaultProfileName}, ps.Names())
	})

	t.Run("should reject malformed yaml", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "bad"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad", "agent.yaml"), []byte("tools: [unterminated"), 0o644))
		_, err := LoadProfiles(dir)
		assert.Error(t, err)
	})

	t.Run("should let a directory override the default profile", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "default"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "default", "agent.yaml"), []byte("provider: openai\n"), 0o644))
		ps, err := LoadProfiles(dir)
		require.NoError(t, err)
		p, err := ps.Get("default")
		require.NoError(t, err)
		assert.Equal(t, "openai", p.Provider)
		assert.True(t, p.Tools.Allows("anything"))
	})
}
