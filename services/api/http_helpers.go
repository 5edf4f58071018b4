package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"steward/services/pipeline"
)

func decodeJSON(r *http.Request, dest any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// respondPipelineError maps coordinator errors to HTTP statuses.
func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrNotPending), errors.Is(err, pipeline.ErrTerminalState):
		respondError(w, http.StatusConflict, err)
	default:
		respondError(w, http.StatusBadRequest, err)
	}
}
