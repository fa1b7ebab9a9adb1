package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/dmitrijs2005/diarysync/internal/common"
	"github.com/dmitrijs2005/diarysync/internal/models"
	"github.com/dmitrijs2005/diarysync/internal/syncer"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// fail maps the error taxonomy onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, common.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "entry not found")
	case errors.Is(err, common.ErrEntryBusy):
		writeError(w, http.StatusConflict, "entry_busy", "entry is being delivered")
	case errors.Is(err, common.ErrNoSession):
		writeError(w, http.StatusUnauthorized, "no_session", "sign in required")
	case errors.Is(err, common.ErrStorageUnavailable):
		s.logger.Error(r.Context(), "local storage unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "local storage unavailable")
	case errors.Is(err, common.ErrNetworkUnreachable):
		writeError(w, http.StatusServiceUnavailable, "offline", err.Error())
	default:
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.Refresh(r.Context()))
}

// StreamMessage is one frame of the /events websocket.
type StreamMessage struct {
	Kind   string            `json:"kind"`
	Event  *models.SyncEvent `json:"event,omitempty"`
	Status any               `json:"status,omitempty"`
}

// StreamEvents pushes every SyncEvent and every status snapshot to a
// websocket client until it disconnects.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// the client never sends; CloseRead turns its close frame into ctx
	// cancellation
	ctx := conn.CloseRead(r.Context())

	evs, unsubscribe := s.deps.Events.Subscribe(0)
	defer unsubscribe()
	snaps := s.deps.Status.Watch(ctx)

	for {
		var msg StreamMessage
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-evs:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			msg = StreamMessage{Kind: "event", Event: &ev}
		case snap, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			msg = StreamMessage{Kind: "status", Status: snap}
		}
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return
		}
	}
}

func (s *Server) SyncNow(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Status.Sync(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Push is the push-notification hook: it nudges the coordinator and
// returns at once.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	s.deps.Syncer.Trigger(syncer.TriggerPush)
	w.WriteHeader(http.StatusAccepted)
}

type CreateEntryRequest struct {
	UserID  string         `json:"userId,omitempty"`
	Payload models.Payload `json:"payload"`
}

func (s *Server) userID(r *http.Request, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return s.deps.Sessions.UserID(r.Context())
}

func (s *Server) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	userID, err := s.userID(r, req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	e, err := s.deps.Entries.Enqueue(r.Context(), userID, req.Payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Status.Refresh(r.Context())
	s.deps.Syncer.Trigger(syncer.TriggerEnqueue)
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userID(r, r.URL.Query().Get("user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.deps.Entries.List(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) RetryEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Status.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Status.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListPartitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.ListPartitions(r.Context()))
}

func (s *Server) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats(r.Context()))
}

func (s *Server) ClearCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"deleted": s.deps.Cache.DeleteAll(r.Context())})
}

func (s *Server) DeletePartition(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": s.deps.Cache.DeletePartition(r.Context(), chi.URLParam(r, "name"))})
}

func (s *Server) InvalidateAPI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": s.deps.Cache.InvalidateAPI(r.Context())})
}

type InvalidateURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) InvalidateURL(w http.ResponseWriter, r *http.Request) {
	var req InvalidateURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": s.deps.Cache.InvalidateURL(r.Context(), req.URL)})
}

type PreloadRequest struct {
	Partition string   `json:"partition,omitempty"`
	URLs      []string `json:"urls"`
}

func (s *Server) Preload(w http.ResponseWriter, r *http.Request) {
	var req PreloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "urls are required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Preload(r.Context(), req.Partition, req.URLs))
}

// forwardedHeaders are the request headers that influence classification
// or content negotiation of a proxied read.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Sec-Fetch-Mode", "Sec-Fetch-Dest"}

// Fetch serves a read through the cache engine.
func (s *Server) Fetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	u, err := url.Parse(target)
	if target == "" || err != nil || !u.IsAbs() {
		writeError(w, http.StatusBadRequest, "invalid_request", "absolute url is required")
		return
	}
	// the daemon is not a general proxy
	if !s.deps.Cache.FirstParty(u) {
		writeError(w, http.StatusForbidden, "forbidden_origin", "url is not first-party")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.deps.Cache.Fetch(r.Context(), req)
	if err != nil {
		s.logger.Debug(r.Context(), "proxied read failed", "url", target, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_unreachable", "resource unavailable offline")
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		if k == "Connection" || k == "Transfer-Encoding" {
			continue
		}
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
