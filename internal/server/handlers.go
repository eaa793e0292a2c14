package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/storage"
	"bitriver-relay/internal/stream"
)

type handlers struct {
	streams *stream.Registry
	events  storage.Repository
	logger  *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	return false
}

type healthResponse struct {
	Status  string `json:"status"`
	Streams int    `json:"streams"`
	Store   string `json:"store,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	resp := healthResponse{Status: "ok", Streams: len(h.streams.Streams())}
	status := http.StatusOK
	if h.events != nil {
		resp.Store = "ok"
		if err := h.events.Ping(r.Context()); err != nil {
			loggerFromRequest(r, h.logger).Warn("event store unhealthy", "error", err)
			resp.Status, resp.Store = "degraded", "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (h *handlers) listStreams(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	streams := h.streams.Streams()
	out := make([]stream.Snapshot, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getStream(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	id, err := stream.ParseID(strings.TrimPrefix(r.URL.Path, "/api/streams/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, ok := h.streams.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, stream.ErrStreamNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, st.Snapshot())
}

func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	query := r.URL.Query()
	var filter storage.Filter
	if raw := query.Get("stream"); raw != "" {
		id, err := stream.ParseID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.StreamID = &id
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	if h.events == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	list, err := h.events.Recent(r.Context(), filter)
	if err != nil {
		loggerFromRequest(r, h.logger).Error("list events failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}
