package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ethpandaops/cloudarchive/pkg/archiver"
	"github.com/ethpandaops/cloudarchive/pkg/history"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 64 << 10

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// startRequest is the optional body of POST /start.
type startRequest struct {
	OutputDir string `json:"output_dir"`
}

// uploadRequest is the body of POST /upload.
type uploadRequest struct {
	FilePath string `json:"file_path"`
}

// historyResponse wraps history entries.
type historyResponse struct {
	Entries []history.Entry `json:"entries"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body is not an
// error.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the pipeline status snapshot.
func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetStatus())
}

// handleStart begins watching. A custom output_dir is only accepted when
// explicitly allowed in config.
func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, archiver.Result{
			Message: "invalid request body",
			Status:  s.ctrl.GetStatus(),
		})

		return
	}

	if req.OutputDir != "" && !s.cfg.AllowOutputDirOverride {
		writeJSON(w, http.StatusForbidden, archiver.Result{
			Message: "output_dir override is disabled",
			Status:  s.ctrl.GetStatus(),
		})

		return
	}

	res, err := s.ctrl.Start(req.OutputDir)
	if err != nil {
		s.log.WithError(err).Error("Failed to start watcher")
		writeJSON(w, http.StatusInternalServerError, res)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleStop halts watching. Stopping an idle watcher is not an error.
func (s *server) handleStop(w http.ResponseWriter, _ *http.Request) {
	res, err := s.ctrl.Stop()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, res)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleUpload queues a file for upload.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, archiver.Result{
			Message: "invalid request body",
			Status:  s.ctrl.GetStatus(),
		})

		return
	}

	res, err := s.ctrl.Upload(req.FilePath)

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, archiver.ErrNoFilePath):
		writeJSON(w, http.StatusBadRequest, res)
	case errors.Is(err, archiver.ErrFileNotFound):
		writeJSON(w, http.StatusNotFound, res)
	default:
		s.log.WithError(err).Error("Failed to queue upload")
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

// handleHistory lists recorded uploads. Query parameters: limit (default
// 100) and all=true to include previous sessions.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultListLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = n
	}

	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	entries, err := s.ctrl.History(r.Context(), limit, all)
	if err != nil {
		if errors.Is(err, archiver.ErrHistoryDisabled) {
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to list history")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing history"})

		return
	}

	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Entries: entries})
}
