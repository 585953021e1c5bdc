package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bozzfozz/soulspot/internal/orchestrator"
	"github.com/bozzfozz/soulspot/internal/storage"
)

type downloadResponse struct {
	ID               string               `json:"id"`
	TrackID          string               `json:"track_id"`
	Status           string               `json:"status"`
	Priority         int                  `json:"priority"`
	QueuePosition    int                  `json:"queue_position"`
	RetryCount       int                  `json:"retry_count"`
	MaxRetries       int                  `json:"max_retries"`
	NextRetryAt      *time.Time           `json:"next_retry_at,omitempty"`
	LastErrorCode    string               `json:"last_error_code,omitempty"`
	LastErrorMessage string               `json:"last_error_message,omitempty"`
	ExternalRef      string               `json:"external_ref,omitempty"`
	Candidate        *storage.Candidate   `json:"candidate,omitempty"`
	BytesDone        int64                `json:"bytes_done"`
	BytesTotal       int64                `json:"bytes_total"`
	TargetPath       string               `json:"target_path,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	QueuedAt         *time.Time           `json:"queued_at,omitempty"`
	StartedAt        *time.Time           `json:"started_at,omitempty"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	ScheduledStart   *time.Time           `json:"scheduled_start,omitempty"`
}

func toResponse(d storage.Download) downloadResponse {
	return downloadResponse{
		ID: d.ID, TrackID: d.TrackID, Status: string(d.Status), Priority: d.Priority,
		QueuePosition: d.QueuePosition, RetryCount: d.RetryCount, MaxRetries: d.MaxRetries,
		NextRetryAt: d.NextRetryAt, LastErrorCode: d.LastErrorCode, LastErrorMessage: d.LastErrorMessage,
		ExternalRef: d.ExternalRef, Candidate: d.Candidate(), BytesDone: d.BytesDone, BytesTotal: d.BytesTotal,
		TargetPath: d.TargetPath, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt, QueuedAt: d.QueuedAt,
		StartedAt: d.StartedAt, CompletedAt: d.CompletedAt, ScheduledStart: d.ScheduledStart,
	}
}

type createRequest struct {
	TrackID        string     `json:"track_id"`
	Priority       int        `json:"priority"`
	ScheduledStart *time.Time `json:"scheduled_start"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: err.Error()})
		return
	}
	if req.TrackID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: "track_id is required"})
		return
	}
	row, err := s.orch.Enqueue(r.Context(), req.TrackID, req.Priority, req.ScheduledStart)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"download": toResponse(*row)})
}

type createAlbumRequest struct {
	AlbumID string   `json:"album_id"`
	Source  string   `json:"source"`
	TrackIDs []string `json:"track_ids"`
}

func (s *Server) handleCreateAlbum(w http.ResponseWriter, r *http.Request) {
	var req createAlbumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: err.Error()})
		return
	}
	if len(req.TrackIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: "track_ids is required"})
		return
	}
	rows, err := s.orch.EnqueueAlbum(r.Context(), req.TrackIDs, 0)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	out := make([]downloadResponse, len(rows))
	for i, row := range rows {
		out[i] = toResponse(*row)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"downloads": out})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patchRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: err.Error()})
		return
	}
	if req.Priority == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: "priority is required"})
		return
	}
	row, err := s.orch.Reprioritize(id, *req.Priority)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"download": toResponse(*row)})
}

type reorderRequest struct {
	Order []string `json:"order"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: err.Error()})
		return
	}
	count, err := s.orch.Reorder(req.Order)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated_count": count})
}

type batchRequest struct {
	IDs      []string `json:"ids"`
	Action   string   `json:"action"`
	Priority *int     `json:"priority"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Reason: "InvalidBody", Message: err.Error()})
		return
	}
	result := s.orch.BatchAction(r.Context(), req.Action, req.IDs, req.Priority)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var statuses []storage.Status
	if raw := q.Get("status"); raw != "" {
		statuses = append(statuses, storage.Status(raw))
	}
	limit := parseIntDefault(q.Get("limit"), 50)
	offset := parseIntDefault(q.Get("offset"), 0)

	rows, total, err := s.orch.List(statuses, "", limit, offset)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	items := make([]downloadResponse, len(rows))
	for i, row := range rows {
		items[i] = toResponse(row)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "total": total})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, err := s.orch.Get(id)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"download": toResponse(*row)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.Health()
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Reason: "Internal", Message: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.orch.Subscribe()
	defer s.orch.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			var payload interface{} = ev.Payload
			if ev.Payload == nil {
				payload = struct{}{}
			}
			data, err := json.Marshal(payload)
			if err != nil {
				s.log.Error("stream: marshal event failed", "error", err)
				continue
			}
			if _, err := w.Write([]byte("event: " + string(ev.Kind) + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	stats, err := s.orch.Stats(days)
	if err != nil {
		writeAPIError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
