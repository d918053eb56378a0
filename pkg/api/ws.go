package api

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentrt/internal/tracing"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsBuffer       = 256
)

// handleWebSocket streams a context's log items: first everything newer
// than ?since=, then live items until the context terminates or the client
// disconnects.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("context")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("context is required"))
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ac, err := a.contexts.Get(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	ctx := tracing.WithContextID(r.Context(), id)
	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().Str("remote", r.RemoteAddr).Msg("Log stream opened")
	defer logger.Debug().Msg("Log stream closed")

	// Subscribe before reading the backlog so nothing falls in between
	live, unsubscribe := ac.Log.Subscribe(wsBuffer)
	defer unsubscribe()

	last := since
	backlog, _ := ac.Log.Since(since)
	for _, item := range backlog {
		if err := writeWS(conn, item); err != nil {
			return
		}
		last = item.Version
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case item, ok := <-live:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "context terminated")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			if item.Version <= last {
				continue
			}
			if err := writeWS(conn, item); err != nil {
				return
			}
			last = item.Version
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// sameOrigin accepts clients without an Origin header and browsers on the
// same host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
