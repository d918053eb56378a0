package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// GateState carries what earlier gates learned to later ones.
type GateState struct {
	Session *Session
}

// Gate checks one aspect of a request. The first failing gate
// short-circuits validation.
type Gate func(m *Manager, r *http.Request, state *GateState) error

// LoopbackGate rejects requests that do not originate from a loopback
// address unless allowRemote is set.
func LoopbackGate(allowRemote bool) Gate {
	return func(m *Manager, r *http.Request, state *GateState) error {
		if allowRemote {
			return nil
		}
		if !isLoopback(r.RemoteAddr) {
			return newError(KindOriginRejected, "non-loopback origin")
		}
		return nil
	}
}

// SessionGate requires a valid session cookie for this runtime when static
// credentials are configured. Without credentials it only attaches the
// session if one is present.
func SessionGate() Gate {
	return func(m *Manager, r *http.Request, state *GateState) error {
		sess, ok := m.Session(r)
		if ok {
			state.Session = sess
			return nil
		}
		if m.CredentialsConfigured() {
			return newError(KindCredentialInvalid, "login required")
		}
		return nil
	}
}

// CSRFGate requires X-CSRF-Token to match the session token on
// state-changing methods.
func CSRFGate() Gate {
	return func(m *Manager, r *http.Request, state *GateState) error {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return nil
		}

		sess := state.Session
		if sess == nil {
			var ok bool
			if sess, ok = m.Session(r); !ok {
				return newError(KindCSRFMismatch, "no session for CSRF check")
			}
			state.Session = sess
		}

		got := r.Header.Get(CSRFHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(sess.CSRFToken)) != 1 {
			return newError(KindCSRFMismatch, "CSRF token mismatch")
		}
		return nil
	}
}

// BearerGate requires an Authorization bearer token or X-API-Key header
// equal to token. An empty token means the manager's API token.
func BearerGate(token string) Gate {
	return func(m *Manager, r *http.Request, state *GateState) error {
		want := token
		if want == "" {
			want = m.APIToken()
		}

		got := bearerToken(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return newError(KindTokenInvalid, "missing or invalid bearer token")
		}
		return nil
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.Header.Get("X-API-Key")
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// clientKey identifies a client for login throttling.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
