package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/agentrt/internal/identity"
	"github.com/harun/agentrt/internal/observability"
	"github.com/harun/agentrt/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// CSRFHeader carries the CSRF token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// Config holds session and auth configuration
type Config struct {
	Identity     *identity.Identity
	CookiePrefix string
	SecureCookie bool
	Login        string
	Password     string
	CSRFSecret   string
	APIToken     string
	SessionTTL   time.Duration
	MaxFailures  int
	Window       time.Duration
	Store        Store
	Logger       zerolog.Logger
}

// Manager issues and validates sessions for one runtime.
type Manager struct {
	identity     *identity.Identity
	cookieName   string
	secureCookie bool
	login        string
	password     string
	csrfSecret   []byte
	apiToken     string
	sessionTTL   time.Duration
	store        Store
	limiter      *LoginLimiter
	logger       zerolog.Logger
	now          func() time.Time
}

// NewManager creates a session manager namespaced by cfg.Identity.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("runtime identity is required")
	}
	if cfg.CookiePrefix == "" {
		cfg.CookiePrefix = "agentrt_session"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}

	secret := []byte(cfg.CSRFSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate CSRF secret: %w", err)
		}
	}

	observability.EnsureRegistered()

	m := &Manager{
		identity:     cfg.Identity,
		cookieName:   cfg.CookiePrefix + "-" + cfg.Identity.Hex(),
		secureCookie: cfg.SecureCookie,
		login:        cfg.Login,
		password:     cfg.Password,
		csrfSecret:   secret,
		apiToken:     cfg.APIToken,
		sessionTTL:   cfg.SessionTTL,
		store:        cfg.Store,
		limiter:      NewLoginLimiter(cfg.MaxFailures, cfg.Window),
		logger:       cfg.Logger.With().Str("component", "auth").Logger(),
		now:          time.Now,
	}
	if m.apiToken == "" {
		m.apiToken = DeriveAPIToken(cfg.Identity, cfg.Login, cfg.Password)
	}
	return m, nil
}

// DeriveAPIToken returns the bearer token used when none is configured. It
// changes with every runtime identity.
func DeriveAPIToken(id *identity.Identity, login, password string) string {
	sum := sha256.Sum256([]byte(id.Hex() + "|" + login + "|" + password))
	return hex.EncodeToString(sum[:16])
}

// CookieName returns "<prefix>-<runtimeHex>".
func (m *Manager) CookieName() string { return m.cookieName }

// CredentialsConfigured reports whether static login credentials are set.
func (m *Manager) CredentialsConfigured() bool {
	return m.login != "" || m.password != ""
}

// APIToken returns the configured or derived bearer token.
func (m *Manager) APIToken() string { return m.apiToken }

// Limiter exposes the failed-login limiter for periodic sweeping.
func (m *Manager) Limiter() *LoginLimiter { return m.limiter }

func (m *Manager) csrfToken(sessionID string) string {
	mac := hmac.New(sha256.New, m.csrfSecret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueSession creates a session for user and sets its cookie on w.
func (m *Manager) IssueSession(w http.ResponseWriter, user string) (*Session, error) {
	id, err := gonanoid.New(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	sess := &Session{
		ID:        id,
		Namespace: m.identity.Hex(),
		User:      user,
		CreatedAt: m.now(),
		CSRFToken: m.csrfToken(id),
	}
	m.store.Put(sess)
	observability.SetActiveSessions(len(m.store.List()))

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secureCookie,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.CreatedAt.Add(m.sessionTTL),
	})

	m.logger.Debug().Str("session_ref", tracing.SessionRef(id)).Str("user", user).Msg("Session issued")
	return sess, nil
}

// Session returns the live session referenced by r's cookie for this runtime.
func (m *Manager) Session(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	sess, ok := m.store.Get(cookie.Value)
	if !ok {
		return nil, false
	}
	if sess.Namespace != m.identity.Hex() {
		return nil, false
	}
	if m.now().Sub(sess.CreatedAt) > m.sessionTTL {
		m.store.Delete(sess.ID)
		return nil, false
	}
	if m.CredentialsConfigured() && sess.User != m.login {
		return nil, false
	}
	return sess, true
}

// EnsureSession returns the request's session or, when no credentials are
// configured, issues an anonymous one.
func (m *Manager) EnsureSession(w http.ResponseWriter, r *http.Request) (*Session, error) {
	if sess, ok := m.Session(r); ok {
		return sess, nil
	}
	if m.CredentialsConfigured() {
		return nil, newError(KindCredentialInvalid, "login required")
	}
	return m.IssueSession(w, "")
}

// Validate runs gates in order and returns the session they established.
func (m *Manager) Validate(r *http.Request, gates ...Gate) (*Session, error) {
	state := &GateState{}
	for _, gate := range gates {
		if err := gate(m, r, state); err != nil {
			m.recordFailure(r, err)
			return nil, err
		}
	}
	return state.Session, nil
}

func (m *Manager) recordFailure(r *http.Request, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		return
	}
	observability.RecordAuthFailure(string(authErr.Kind))

	logger := tracing.LoggerFromContext(r.Context(), m.logger)
	logger.Debug().
		Str("kind", string(authErr.Kind)).
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Msg("Request rejected")

	if authErr.Kind == KindTokenInvalid {
		observability.RecordAuthAudit(r.Context(), "token_rejected", clientKey(r), "failure", map[string]interface{}{
			"path": r.URL.Path,
		})
	}
}

// Login checks static credentials in constant time, enforcing the
// per-client failure lockout, and issues a session on success.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, user, pass string) (*Session, error) {
	client := clientKey(r)

	if !m.limiter.Allowed(client) {
		err := newError(KindRateLimited, "too many failed login attempts")
		observability.RecordAuthFailure(string(err.Kind))
		observability.RecordAuthAudit(r.Context(), "login", client, "rate_limited", nil)
		return nil, err
	}

	if m.CredentialsConfigured() && !m.credentialsMatch(user, pass) {
		failures := m.limiter.RecordFailure(client)
		observability.RecordAuthFailure(string(KindCredentialInvalid))
		observability.RecordAuthAudit(r.Context(), "login", client, "failure", map[string]interface{}{
			"user":     user,
			"failures": failures,
		})
		m.logger.Warn().Str("client", client).Int("failures", failures).Msg("Login failed")
		return nil, newError(KindCredentialInvalid, "invalid credentials")
	}

	m.limiter.Reset(client)
	sess, err := m.IssueSession(w, user)
	if err != nil {
		return nil, err
	}

	observability.RecordAuthAudit(r.Context(), "login", client, "success", map[string]interface{}{
		"user":        user,
		"session_ref": tracing.SessionRef(sess.ID),
	})
	m.logger.Info().Str("client", client).Str("user", user).Msg("Login succeeded")
	return sess, nil
}

func (m *Manager) credentialsMatch(user, pass string) bool {
	userSum := sha256.Sum256([]byte(user))
	wantUser := sha256.Sum256([]byte(m.login))
	passSum := sha256.Sum256([]byte(pass))
	wantPass := sha256.Sum256([]byte(m.password))

	userOK := subtle.ConstantTimeCompare(userSum[:], wantUser[:])
	passOK := subtle.ConstantTimeCompare(passSum[:], wantPass[:])
	return userOK&passOK == 1
}

// Logout removes the request's session and expires its cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(m.cookieName); err == nil {
		user := ""
		if sess, ok := m.store.Get(cookie.Value); ok {
			user = sess.User
		}
		m.store.Delete(cookie.Value)
		observability.RecordAuthAudit(r.Context(), "logout", clientKey(r), "success", map[string]interface{}{
			"user": user,
		})
	}
	observability.SetActiveSessions(len(m.store.List()))

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secureCookie,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// Sweep removes expired sessions and stale login failures. It returns the
// number of sessions removed.
func (m *Manager) Sweep() int {
	removed := 0
	for _, sess := range m.store.List() {
		if m.now().Sub(sess.CreatedAt) > m.sessionTTL {
			m.store.Delete(sess.ID)
			removed++
		}
	}
	m.limiter.Sweep()
	observability.SetActiveSessions(len(m.store.List()))
	return removed
}

// Middleware validates requests with gates, writes AuthErrors as JSON and
// stores the session in the request context.
func (m *Manager) Middleware(gates ...Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := m.Validate(r, gates...)
			if err != nil {
				WriteError(w, err)
				return
			}

			if sess != nil {
				ctx := WithSession(r.Context(), sess)
				ctx = tracing.WithSession(ctx, sess.ID)
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}
