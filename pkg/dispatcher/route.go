package dispatcher

import (
	"context"
	"net/http"
	"strings"
)

// Kind selects how a route's handler is produced.
type Kind int

const (
	// KindSync routes serve a fixed handler chain.
	KindSync Kind = iota
	// KindAsync routes serve a protocol server built on first use and cached.
	KindAsync
)

func (k Kind) String() string {
	if k == KindAsync {
		return "async"
	}
	return "sync"
}

// Factory produces the handler for a route. Fingerprint identifies the
// configuration the handler was built from; a different fingerprint forces
// a rebuild of a cached async handler.
type Factory interface {
	Fingerprint() string
	Build(ctx context.Context) (http.Handler, error)
}

// StaticFactory wraps an existing handler.
type StaticFactory struct {
	Handler http.Handler
}

func (f StaticFactory) Fingerprint() string { return "static" }

func (f StaticFactory) Build(context.Context) (http.Handler, error) {
	return f.Handler, nil
}

type funcFactory struct {
	fingerprint func() string
	build       func(ctx context.Context) (http.Handler, error)
}

func (f funcFactory) Fingerprint() string {
	if f.fingerprint == nil {
		return ""
	}
	return f.fingerprint()
}

func (f funcFactory) Build(ctx context.Context) (http.Handler, error) {
	return f.build(ctx)
}

// NewFactory adapts two functions to a Factory. A nil fingerprint function
// means the handler is built once and kept until invalidated.
func NewFactory(fingerprint func() string, build func(ctx context.Context) (http.Handler, error)) Factory {
	return funcFactory{fingerprint: fingerprint, build: build}
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Route binds a path prefix to a handler factory.
type Route struct {
	Prefix     string
	Kind       Kind
	Factory    Factory
	Middleware []Middleware
}

// normalizePrefix returns prefix with a leading slash and no trailing slash.
func normalizePrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	for len(prefix) > 1 && strings.HasSuffix(prefix, "/") {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}

// matches reports whether path falls under prefix on a segment boundary.
func matches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func chain(h http.Handler, mws []Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
