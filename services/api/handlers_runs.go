package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"steward/services/intent"
	"steward/services/pipeline"
)

type requestBody struct {
	Text        string `json:"text"`
	Environment string `json:"environment"`
	DryRun      bool   `json:"dry_run"`
}

type requestResponse struct {
	Intent intent.Intent `json:"intent"`
	Reply  string        `json:"reply,omitempty"`
	Run    *pipeline.Run `json:"run,omitempty"`
}

// handleRequest classifies operator input. Change intents start a pipeline
// run; queries and conversation are answered inline.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		respondError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	classified := s.classifier.Classify(r.Context(), body.Text)
	if classified != intent.IntentChange {
		reply, err := s.responder.Respond(r.Context(), classified, body.Text)
		if err != nil {
			s.logger.Printf("level=error msg=\"responder failed\" error=%q", err)
			respondError(w, http.StatusBadGateway, errors.New("responder unavailable"))
			return
		}
		respondJSON(w, http.StatusOK, requestResponse{Intent: classified, Reply: reply})
		return
	}

	env, err := pipeline.ParseEnvironment(body.Environment)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.pipeline.Submit(r.Context(), body.Text, env, body.DryRun)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, requestResponse{Intent: classified, Run: &run})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pipeline.List(r.Context())
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if string(run.State) == state {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.pipeline.Get(r.Context(), id)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type approvalBody struct {
	Gate     string `json:"gate"`
	Approved bool   `json:"approved"`
	Actor    string `json:"actor"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var body approvalBody
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := pipeline.ParseGateKind(body.Gate)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.pipeline.Resolve(r.Context(), id, pipeline.Decision{
		Kind:     kind,
		Approved: body.Approved,
		Actor:    body.Actor,
		Note:     body.Note,
	})
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type cancelBody struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	// The cancel body is optional.
	var body cancelBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	run, err := s.pipeline.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func runID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "runID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid run id")
	}
	return id, nil
}
