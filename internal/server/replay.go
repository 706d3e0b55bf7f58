package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/stream"
)

// replayResponse is the polling view of a checkpointed execution.
type replayResponse struct {
	ExecutionID string                  `json:"executionId"`
	Status      string                  `json:"status"`
	Events      []*stream.BufferedEvent `json:"events"`
	LastIndex   int                     `json:"lastIndex"`
	Dropped     int64                   `json:"dropped,omitempty"`
}

// handleReplay serves GET /v1/executions/{id}/events. Clients poll it
// after receiving a checkpointed frame; since_index resumes from the
// last event index they have seen.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	executionID := r.PathValue("id")
	if executionID == "" {
		jsonError(w, "missing execution id", http.StatusBadRequest)
		return
	}

	sinceIndex := -1
	if raw := r.URL.Query().Get("since_index"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < -1 {
			jsonError(w, "since_index must be an integer >= -1", http.StatusBadRequest)
			return
		}
		sinceIndex = n
	}

	status, err := s.store.CheckpointStatus(r.Context(), executionID)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		jsonError(w, "unknown execution", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "failed to look up execution", http.StatusInternalServerError)
		return
	}

	resp := replayResponse{ExecutionID: executionID, Status: status, LastIndex: -1}
	if buf := s.conts.Lookup(executionID); buf != nil {
		events, err := buf.After(sinceIndex)
		if err != nil {
			jsonError(w, err.Error(), http.StatusGone)
			return
		}
		resp.Events = events
		resp.LastIndex = buf.LastIndex()
		resp.Dropped = buf.Dropped()
	}
	if resp.Events == nil {
		resp.Events = []*stream.BufferedEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
