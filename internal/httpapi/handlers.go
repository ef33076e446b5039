package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/cognerr"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/eventbridge"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// handler carries the collaborators the ops surface dispatches into. It
// holds no state of its own beyond these references.
type handler struct {
	sessions *session.Engine
	bridge   *eventbridge.Bridge
}

func newHandler(sessions *session.Engine, bridge *eventbridge.Bridge) *handler {
	return &handler{sessions: sessions, bridge: bridge}
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	AppName      string         `json:"app_name"`
	UserID       string         `json:"user_id"`
	InitialState map[string]any `json:"initial_state"`
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.sessions.CreateSession(r.Context(), req.AppName, req.UserID, req.InitialState)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := pathParamAt(r.URL.Path, 1)
	if id == "" {
		badRequest(w, "session id required")
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("app_name")
	userID := r.URL.Query().Get("user_id")
	if appName == "" || userID == "" {
		badRequest(w, "app_name and user_id query params are required")
		return
	}
	if sub := userIDFromContext(r.Context()); sub != "" && sub != userID {
		forbidden(w, "token subject does not match user_id")
		return
	}
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	sessions, err := h.sessions.ListSessions(r.Context(), appName, userID, limit, offset)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := pathParamAt(r.URL.Path, 1)
	if id == "" {
		badRequest(w, "session id required")
		return
	}
	if err := h.sessions.DeleteSession(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	h.sessions.DropTempState(id)
	w.WriteHeader(http.StatusNoContent)
}

type appendEventRequest struct {
	Author     session.Author    `json:"author"`
	EventType  session.EventType `json:"event_type"`
	Content    json.RawMessage   `json:"content"`
	StateDelta map[string]any    `json:"state_delta,omitempty"`
}

func (h *handler) appendEvent(w http.ResponseWriter, r *http.Request) {
	id := pathParamAt(r.URL.Path, 1)
	if id == "" {
		badRequest(w, "session id required")
		return
	}
	var req appendEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	ev := session.Event{
		Author:    req.Author,
		EventType: req.EventType,
		Content:   req.Content,
		Actions:   session.Actions{StateDelta: req.StateDelta},
	}
	storedEvent, updated, err := h.sessions.AppendEvent(r.Context(), sess, ev)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": storedEvent, "session": updated})
}

type stateRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (h *handler) getState(w http.ResponseWriter, r *http.Request) {
	id := pathParamAt(r.URL.Path, 1)
	key := r.URL.Query().Get("key")
	if id == "" || key == "" {
		badRequest(w, "session id and key query param are required")
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if key == "*" {
		all, err := h.sessions.GetAllState(r.Context(), sess)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, all)
		return
	}
	value, err := h.sessions.GetState(r.Context(), sess, key)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (h *handler) setState(w http.ResponseWriter, r *http.Request) {
	id := pathParamAt(r.URL.Path, 1)
	if id == "" {
		badRequest(w, "session id required")
		return
	}
	var req stateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		badRequest(w, "key is required")
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := h.sessions.SetState(r.Context(), sess, req.Key, req.Value); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents serves a Server-Sent-Events connection over a single
// run's subscription, closing when the bridge closes the channel
// (terminal event) or the client disconnects.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		badRequest(w, "run_id query param is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		internalError(w, "streaming unsupported")
		return
	}

	events, err := h.bridge.Subscribe(r.Context(), runID)
	if err != nil {
		if cognerr.IsKind(err, cognerr.KindSubscriptionTerminated) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		badRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		frame, err := ev.MarshalSSE()
		if err != nil {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case cognerr.IsKind(err, cognerr.KindNotFound):
		notFound(w, err.Error())
	case cognerr.IsKind(err, cognerr.KindValidation):
		badRequest(w, err.Error())
	case cognerr.IsKind(err, cognerr.KindConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		internalError(w, err.Error())
	}
}
