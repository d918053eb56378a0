package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackGate(t *testing.T) {
	m := newTestManager(t, Config{})

	cases := []struct {
		remote      string
		allowRemote bool
		ok          bool
	}{
		{"127.0.0.1:1234", false, true},
		{"[::1]:1234", false, true},
		{"10.0.0.5:1234", false, false},
		{"10.0.0.5:1234", true, true},
	}

	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remote
		_, err := m.Validate(r, LoopbackGate(tc.allowRemote))
		if tc.ok {
			assert.NoError(t, err, tc.remote)
		} else {
			assert.ErrorIs(t, err, ErrOriginRejected, tc.remote)
		}
	}
}

func TestCSRFGate(t *testing.T) {
	m := newTestManager(t, Config{})
	sess, err := m.IssueSession(httptest.NewRecorder(), "")
	require.NoError(t, err)

	withSession := func(method, token string) *http.Request {
		r := loopbackRequest(method, "/api/message")
		r.AddCookie(&http.Cookie{Name: m.CookieName(), Value: sess.ID})
		if token != "" {
			r.Header.Set(CSRFHeader, token)
		}
		return r
	}

	t.Run("should ignore safe methods", func(t *testing.T) {
		_, err := m.Validate(withSession(http.MethodGet, ""), SessionGate(), CSRFGate())
		assert.NoError(t, err)
	})

	t.Run("should accept the session token", func(t *testing.T) {
		got, err := m.Validate(withSession(http.MethodPost, sess.CSRFToken), SessionGate(), CSRFGate())
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
	})

	t.Run("should reject a missing or wrong token", func(t *testing.T) {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			_, err := m.Validate(withSession(method, ""), SessionGate(), CSRFGate())
			assert.ErrorIs(t, err, ErrCSRFMismatch, method)
			_, err = m.Validate(withSession(method, "nope"), SessionGate(), CSRFGate())
			assert.ErrorIs(t, err, ErrCSRFMismatch, method)
		}
	})

	t.Run("should reject without a session", func(t *testing.T) {
		r := loopbackRequest(http.MethodPost, "/api/message")
		r.Header.Set(CSRFHeader, sess.CSRFToken)
		_, err := m.Validate(r, CSRFGate())
		assert.ErrorIs(t, err, ErrCSRFMismatch)
	})
}

func TestBearerGate(t *testing.T) {
	m := newTestManager(t, Config{APIToken: "tok"})

	t.Run("should accept the authorization header", func(t *testing.T) {
		r := loopbackRequest(http.MethodPost, "/mcp")
		r.Header.Set("Authorization", "Bearer tok")
		_, err := m.Validate(r, BearerGate(""))
		assert.NoError(t, err)
	})

	t.Run("should accept the api key header", func(t *testing.T) {
		r := loopbackRequest(http.MethodPost, "/mcp")
		r.Header.Set("X-API-Key", "explicit")
		_, err := m.Validate(r, BearerGate("explicit"))
		assert.NoError(t, err)
	})

	t.Run("should reject a wrong token", func(t *testing.T) {
		r := loopbackRequest(http.MethodPost, "/mcp")
		r.Header.Set("Authorization", "Bearer other")
		_, err := m.Validate(r, BearerGate(""))
		assert.ErrorIs(t, err, ErrTokenInvalid)
	})
}

func TestValidate_ShortCircuits(t *testing.T) {
	m := newTestManager(t, Config{APIToken: "tok"})

	called := false
	never := Gate(func(*Manager, *http.Request, *GateState) error {
		called = true
		return nil
	})

	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	r.RemoteAddr = "192.168.1.2:999"
	_, err := m.Validate(r, LoopbackGate(false), BearerGate(""), never)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, KindOriginRejected, authErr.Kind)
	assert.False(t, called)
}

func TestMiddleware(t *testing.T) {
	m := newTestManager(t, Config{Login: "admin", Password: "secret"})
	sess, err := m.IssueSession(httptest.NewRecorder(), "admin")
	require.NoError(t, err)

	var seen *Session
	handler := m.Middleware(LoopbackGate(false), SessionGate(), CSRFGate())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("should store the session in the request context", func(t *testing.T) {
		r := loopbackRequest(http.MethodGet, "/api/poll")
		r.AddCookie(&http.Cookie{Name: m.CookieName(), Value: sess.ID})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, sess.ID, seen.ID)
	})

	t.Run("should write auth errors as JSON", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, loopbackRequest(http.MethodGet, "/api/poll"))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(KindCredentialInvalid), body["kind"])
	})
}

func TestKind_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, KindOriginRejected.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, KindCredentialInvalid.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindCSRFMismatch.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, KindTokenInvalid.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
}
