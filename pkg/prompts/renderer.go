package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
)

//go:embed builtin/*.md
var builtinFS embed.FS

const ext = ".md"

// Well-known template ids
const (
	AgentSystem       = "agent.system"
	Intervention      = "fw.intervention"
	ToolResult        = "fw.tool_result"
	ToolError         = "fw.tool_error"
	SubordinateFailed = "fw.subordinate_failed"
)

// ErrTemplateNotFound is returned when no layer has the template
var ErrTemplateNotFound = errors.New("prompt template not found")

// Renderer renders a template by id
type Renderer interface {
	Render(templateID string, vars map[string]any) (string, error)
}

// BuiltinFS returns the embedded templates
func BuiltinFS() fs.FS {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return builtinFS
	}
	return sub
}

// Library resolves templates across ordered layers and caches parsed
// templates per source path
type Library struct {
	layers []fs.FS

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewLibrary creates a library over dirs, highest priority first, followed
// by the built-in templates. Empty or missing dirs are skipped.
func NewLibrary(dirs ...string) *Library {
	var layers []fs.FS
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		layers = append(layers, os.DirFS(dir))
	}
	layers = append(layers, BuiltinFS())
	return &Library{layers: layers, cache: make(map[string]*template.Template)}
}

// ForProfile returns a library that checks profileDir before this one
func (l *Library) ForProfile(profileDir string) *Library {
	if profileDir == "" {
		return l
	}
	if info, err := os.Stat(profileDir); err != nil || !info.IsDir() {
		return l
	}
	layers := append([]fs.FS{os.DirFS(profileDir)}, l.layers...)
	return &Library{layers: layers, cache: make(map[string]*template.Template)}
}

// Render implements Renderer. Missing variables are an error.
func (l *Library) Render(templateID string, vars map[string]any) (string, error) {
	tmpl, err := l.lookup(templateID)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("execute template %s: %w", templateID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (l *Library) lookup(templateID string) (*template.Template, error) {
	if templateID == "" || strings.ContainsAny(templateID, `/\`) || strings.Contains(templateID, "..") {
		return nil, fmt.Errorf("invalid template id %q", templateID)
	}
	name := templateID + ext

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, layer := range l.layers {
		key := fmt.Sprintf("%d/%s", i, name)
		if tmpl, ok := l.cache[key]; ok {
			return tmpl, nil
		}
		data, err := fs.ReadFile(layer, name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", templateID, err)
		}
		tmpl, err := template.New(templateID).Option("missingkey=error").Parse(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", templateID, err)
		}
		l.cache[key] = tmpl
		return tmpl, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
}

// Exists reports whether any layer provides templateID
func (l *Library) Exists(templateID string) bool {
	_, err := l.lookup(templateID)
	return err == nil
}

// ProfilePromptsDir is where a profile keeps its prompt overrides
func ProfilePromptsDir(profileDir string) string {
	if profileDir == "" {
		return ""
	}
	return filepath.Join(profileDir, "prompts")
}
