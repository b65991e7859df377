package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/hlsdl/internal/task"
)

const maxBodySize = 64 * 1024

type startRequest struct {
	URL                  string `json:"url"`
	DisplayName          string `json:"displayName"`
	DestinationDirectory string `json:"destinationDirectory"`
}

type startResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	DisplayName string `json:"displayName"`
}

type idRequest struct {
	ID      string `json:"id"`
	NewName string `json:"newName,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

// writeCommandError maps controller errors to status codes.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, task.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	t, err := s.ctrl.Start(task.Request{
		URL:            req.URL,
		DisplayName:    req.DisplayName,
		DestinationDir: req.DestinationDirectory,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	log.Info().Str("op", "api/handlers").Msgf("Started task %s for %s", t.ID, t.SourceURL)
	writeJSON(w, http.StatusOK, startResponse{ID: t.ID, URL: t.SourceURL, DisplayName: t.DisplayName()})
}

func (s *Server) handleControl(op func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idRequest
		if err := decodeBody(r, &req); err != nil || req.ID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
			return
		}
		if err := op(req.ID); err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	}
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decodeBody(r, &req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	if err := s.ctrl.Rename(req.ID, req.NewName); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.List())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.ctrl.History(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClearHistory(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
