package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/harun/agentrt/internal/tracing"
	"github.com/harun/agentrt/pkg/agent"
)

type messageRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
	Profile string `json:"profile,omitempty"`
	// Wait blocks until the run's Output is available
	Wait bool `json:"wait,omitempty"`
}

type messageResponse struct {
	Context    string        `json:"context"`
	Intervened bool          `json:"intervened,omitempty"`
	TaskID     string        `json:"task_id,omitempty"`
	Output     *agent.Output `json:"output,omitempty"`
}

// handleMessage delivers a user message. A running context receives it as
// an intervention; an idle one starts a run, waited on when requested.
func (a *API) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	ctx := r.Context()
	var (
		ac  *agent.AgentContext
		err error
	)
	if req.Context == "" {
		ac, err = a.contexts.Create(ctx, req.Profile)
	} else {
		ac, err = a.contexts.GetOrCreate(ctx, req.Context, req.Profile)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	ctx = tracing.WithContextID(ctx, ac.ID)
	logger := tracing.LoggerFromContext(ctx, a.logger)

	if ac.State() == agent.ContextTerminated {
		writeError(w, http.StatusConflict, agent.ErrTerminated)
		return
	}
	if ac.Communicate(req.Text) {
		logger.Debug().Msg("Message queued as intervention")
		writeJSON(w, http.StatusAccepted, messageResponse{Context: ac.ID, Intervened: true})
		return
	}

	if req.Wait {
		out, _ := ac.Send(ctx, req.Text)
		writeJSON(w, http.StatusOK, messageResponse{Context: ac.ID, Output: &out})
		return
	}

	task := ac.Dispatch(ctx, req.Text)
	logger.Debug().Str("task_id", task.ID()).Msg("Message dispatched")
	writeJSON(w, http.StatusAccepted, messageResponse{Context: ac.ID, TaskID: task.ID()})
}

type pollResponse struct {
	Context    agent.Info      `json:"context"`
	Logs       []agent.LogItem `json:"logs"`
	LogVersion int64           `json:"log_version"`
}

// handlePoll returns log items newer than ?since=
func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
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

	items, version := ac.Log.Since(since)
	if items == nil {
		items = []agent.LogItem{}
	}
	writeJSON(w, http.StatusOK, pollResponse{Context: ac.Info(), Logs: items, LogVersion: version})
}

func parseSince(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("since must be a non-negative integer")
	}
	return v, nil
}

func (a *API) handleListContexts(w http.ResponseWriter, r *http.Request) {
	list := a.contexts.List()
	infos := make([]agent.Info, 0, len(list))
	for _, c := range list {
		infos = append(infos, c.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"contexts": infos})
}

type createContextRequest struct {
	Profile string `json:"profile,omitempty"`
}

func (a *API) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	ac, err := a.contexts.Create(r.Context(), req.Profile)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, ac.Info())
}

func (a *API) handleGetContext(w http.ResponseWriter, r *http.Request) {
	ac, err := a.contexts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	agents := ac.Agents()
	tree := make([]map[string]any, 0, len(agents))
	for _, ag := range agents {
		node := map[string]any{
			"id":      ag.ID,
			"name":    ag.Name(),
			"profile": ag.Profile.Name,
			"state":   ag.State(),
			"depth":   ag.Depth(),
		}
		if sup := ag.Superior(); sup != "" {
			node["superior"] = sup
		}
		tree = append(tree, node)
	}
	writeJSON(w, http.StatusOK, map[string]any{"context": ac.Info(), "agents": tree})
}

// handleDeleteContext terminates a context. ?purge=true also deletes its
// stored history.
func (a *API) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	if purge, _ := strconv.ParseBool(r.URL.Query().Get("purge")); purge {
		if _, err = a.contexts.Get(id); err == nil {
			err = a.contexts.Delete(r.Context(), id)
		}
	} else {
		err = a.contexts.Remove(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	a.withContext(w, r, func(ac *agent.AgentContext) { ac.Pause() })
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.withContext(w, r, func(ac *agent.AgentContext) { ac.Resume() })
}

func (a *API) withContext(w http.ResponseWriter, r *http.Request, fn func(*agent.AgentContext)) {
	ac, err := a.contexts.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	fn(ac)
	writeJSON(w, http.StatusOK, ac.Info())
}

func (a *API) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := a.contexts.Profiles()
	out := make([]map[string]any, 0)
	for _, name := range profiles.Names() {
		p, err := profiles.Get(name)
		if err != nil {
			continue
		}
		out = append(out, map[string]any{
			"name":         p.Name,
			"description":  p.Description,
			"provider":     p.Provider,
			"model":        p.Model,
			"can_delegate": p.Delegates(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}
