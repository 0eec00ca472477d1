package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tourneysync/internal/hub"
	"tourneysync/internal/room"
	"tourneysync/pkg/protocol"
)

type createRequest struct {
	ID     string                     `json:"id"`
	Config *protocol.TournamentConfig `json:"config"`
}

type createResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateTournament handles POST /api/tournament. Both id and config are
// required; a duplicate id conflicts without touching the existing room.
func CreateTournament(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
			return
		}
		if req.ID == "" || req.Config == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id and config are required"})
			return
		}

		if _, err := h.Create(req.ID, *req.Config); err != nil {
			if errors.Is(err, hub.ErrDuplicateRoom) {
				writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
				return
			}
			log.Error("tournament create failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "create failed"})
			return
		}

		writeJSON(w, http.StatusCreated, createResponse{Success: true, ID: req.ID})
	}
}

// GetTournament handles GET /api/tournament/{id}: the full snapshot with
// no client bookkeeping.
func GetTournament(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rm := h.Get(id)
		if rm == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: hub.ErrRoomNotFound.Error()})
			return
		}

		reply := make(chan protocol.Snapshot, 1)
		rm.Inbox() <- room.GetSnapshot{Reply: reply}
		writeJSON(w, http.StatusOK, <-reply)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
