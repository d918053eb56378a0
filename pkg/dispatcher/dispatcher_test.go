package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	})
}

type closingHandler struct {
	http.Handler
	closed atomic.Bool
}

func (c *closingHandler) Close() error {
	c.closed.Store(true)
	return nil
}

func serve(d *Dispatcher, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func TestDispatcher_Resolve(t *testing.T) {
	d := New(Config{})
	require.NoError(t, d.Register(Route{Prefix: "/mcp", Kind: KindAsync, Factory: StaticFactory{Handler: textHandler("mcp")}}))
	require.NoError(t, d.Register(Route{Prefix: "/a2a/", Kind: KindAsync, Factory: StaticFactory{Handler: textHandler("a2a")}}))
	require.NoError(t, d.Register(Route{Prefix: "/api", Kind: KindSync, Factory: StaticFactory{Handler: textHandler("api")}}))
	require.NoError(t, d.Register(Route{Prefix: "/api/admin", Kind: KindSync, Factory: StaticFactory{Handler: textHandler("admin")}}))

	cases := []struct {
		path   string
		prefix string
		ok     bool
	}{
		{"/mcp", "/mcp", true},
		{"/mcp/stream", "/mcp", true},
		{"/mcpx", "", false},
		{"/a2a", "/a2a", true},
		{"/a2a/v1/tasks", "/a2a", true},
		{"/api/message", "/api", true},
		{"/api/admin", "/api/admin", true},
		{"/api/admin/users", "/api/admin", true},
		{"/api/administrator", "/api", true},
		{"/", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("should resolve %q", tc.path), func(t *testing.T) {
			route, ok := d.Resolve(tc.path)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.prefix, route.Prefix)

			again, _ := d.Resolve(tc.path)
			assert.Equal(t, route.Prefix, again.Prefix)
		})
	}
}

func TestDispatcher_ServeHTTP(t *testing.T) {
	t.Run("should serve the matched route", func(t *testing.T) {
		d := New(Config{Default: textHandler("default")})
		require.NoError(t, d.Register(Route{Prefix: "/api", Kind: KindSync, Factory: StaticFactory{Handler: textHandler("api")}}))

		assert.Equal(t, "api", serve(d, http.MethodGet, "/api/poll").Body.String())
		assert.Equal(t, "default", serve(d, http.MethodGet, "/login").Body.String())
	})

	t.Run("should return 404 without a default chain", func(t *testing.T) {
		d := New(Config{})
		rec := serve(d, http.MethodGet, "/nowhere")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	})

	t.Run("should apply route middleware in order", func(t *testing.T) {
		var order []string
		mw := func(name string) Middleware {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, name)
					next.ServeHTTP(w, r)
				})
			}
		}
		d := New(Config{})
		require.NoError(t, d.Register(Route{
			Prefix:     "/mcp",
			Kind:       KindAsync,
			Factory:    StaticFactory{Handler: textHandler("ok")},
			Middleware: []Middleware{mw("first"), mw("second")},
		}))

		serve(d, http.MethodPost, "/mcp")
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("should convert async panics to JSON-RPC errors", func(t *testing.T) {
		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/a2a", Kind: KindAsync, Factory: StaticFactory{
			Handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
		}}))

		rec := serve(d, http.MethodPost, "/a2a")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "2.0", resp["jsonrpc"])
		assert.Nil(t, resp["id"])
		errObj := resp["error"].(map[string]any)
		assert.Equal(t, float64(InternalError), errObj["code"])
	})

	t.Run("should convert sync panics to JSON errors", func(t *testing.T) {
		d := New(Config{Default: http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })})

		rec := serve(d, http.MethodGet, "/login")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())

		// The dispatcher keeps serving after a panic.
		rec = serve(d, http.MethodGet, "/login")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("should report build failures as unavailable", func(t *testing.T) {
		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/mcp", Kind: KindAsync, Factory: NewFactory(nil, func(context.Context) (http.Handler, error) {
			return nil, errors.New("no tools")
		})}))

		rec := serve(d, http.MethodPost, "/mcp")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "no tools")
		assert.Contains(t, rec.Body.String(), `"jsonrpc":"2.0"`)
	})

	t.Run("should run route gates before building the handler", func(t *testing.T) {
		var builds atomic.Int32
		gate := func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer good" {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		}
		d := New(Config{})
		require.NoError(t, d.Register(Route{
			Prefix: "/mcp",
			Kind:   KindAsync,
			Factory: NewFactory(nil, func(context.Context) (http.Handler, error) {
				builds.Add(1)
				return nil, errors.New("upstream secret at 10.0.0.7")
			}),
			Middleware: []Middleware{gate},
		}))

		rec := serve(d, http.MethodPost, "/mcp")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotContains(t, rec.Body.String(), "10.0.0.7")
		assert.Equal(t, int32(0), builds.Load())

		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer good")
		authed := httptest.NewRecorder()
		d.ServeHTTP(authed, req)
		assert.Equal(t, http.StatusServiceUnavailable, authed.Code)
		assert.Equal(t, int32(1), builds.Load())
	})

	t.Run("should recover panicking builds", func(t *testing.T) {
		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/mcp", Kind: KindAsync, Factory: NewFactory(nil, func(context.Context) (http.Handler, error) {
			panic("bad build")
		})}))

		rec := serve(d, http.MethodPost, "/mcp")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestDispatcher_AsyncCache(t *testing.T) {
	t.Run("should build once under concurrent first use", func(t *testing.T) {
		var builds atomic.Int32
		release := make(chan struct{})
		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/mcp", Kind: KindAsync, Factory: NewFactory(nil, func(context.Context) (http.Handler, error) {
			builds.Add(1)
			<-release
			return textHandler("mcp"), nil
		})}))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := serve(d, http.MethodPost, "/mcp")
				assert.Equal(t, "mcp", rec.Body.String())
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), builds.Load())

		serve(d, http.MethodPost, "/mcp")
		assert.Equal(t, int32(1), builds.Load())
	})

	t.Run("should rebuild when the fingerprint changes", func(t *testing.T) {
		var version atomic.Int32
		var builds atomic.Int32
		var handlers []*closingHandler
		var mu sync.Mutex

		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/a2a", Kind: KindAsync, Factory: NewFactory(
			func() string { return fmt.Sprintf("v%d", version.Load()) },
			func(context.Context) (http.Handler, error) {
				n := builds.Add(1)
				h := &closingHandler{Handler: textHandler(fmt.Sprintf("build-%d", n))}
				mu.Lock()
				handlers = append(handlers, h)
				mu.Unlock()
				return h, nil
			},
		)}))

		assert.Equal(t, "build-1", serve(d, http.MethodPost, "/a2a").Body.String())
		assert.Equal(t, "build-1", serve(d, http.MethodPost, "/a2a").Body.String())

		version.Store(1)
		assert.Equal(t, "build-2", serve(d, http.MethodPost, "/a2a").Body.String())

		mu.Lock()
		assert.True(t, handlers[0].closed.Load())
		assert.False(t, handlers[1].closed.Load())
		mu.Unlock()
	})

	t.Run("should rebuild after invalidation", func(t *testing.T) {
		var builds atomic.Int32
		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/mcp", Kind: KindAsync, Factory: NewFactory(nil, func(context.Context) (http.Handler, error) {
			builds.Add(1)
			return &closingHandler{Handler: textHandler("ok")}, nil
		})}))

		assert.False(t, d.Invalidate("/mcp"))
		require.NoError(t, d.Warm(context.Background(), "/mcp"))
		assert.Equal(t, int32(1), builds.Load())

		assert.True(t, d.Invalidate("/mcp/"))
		serve(d, http.MethodPost, "/mcp")
		assert.Equal(t, int32(2), builds.Load())
	})

	t.Run("should not cache failed builds", func(t *testing.T) {
		var calls atomic.Int32
		d := New(Config{})
		require.NoError(t, d.Register(Route{Prefix: "/mcp", Kind: KindAsync, Factory: NewFactory(nil, func(context.Context) (http.Handler, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return textHandler("ok"), nil
		})}))

		assert.Equal(t, http.StatusServiceUnavailable, serve(d, http.MethodPost, "/mcp").Code)
		assert.Equal(t, "ok", serve(d, http.MethodPost, "/mcp").Body.String())
	})
}

func TestDispatcher_Register(t *testing.T) {
	d := New(Config{})
	assert.Error(t, d.Register(Route{Prefix: "/x"}))

	require.NoError(t, d.Register(Route{Prefix: "x", Factory: StaticFactory{Handler: textHandler("one")}}))
	require.NoError(t, d.Register(Route{Prefix: "/x/", Factory: StaticFactory{Handler: textHandler("two")}}))

	routes := d.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "/x", routes[0].Prefix)
	assert.Equal(t, "two", serve(d, http.MethodGet, "/x").Body.String())

	assert.Error(t, d.Warm(context.Background(), "/missing"))
}

func TestServer_StartStop(t *testing.T) {
	d := New(Config{Default: textHandler("hello")})
	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", Handler: d})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/anything")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "hello", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	_, err = NewServer(ServerConfig{Handler: d})
	assert.Error(t, err)
}
