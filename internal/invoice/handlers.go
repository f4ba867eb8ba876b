package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/zombor/invoice-ocr/internal/scanning"
)

const maxUploadSize = int64(50 << 20) // 50MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// errorStatus maps service errors to HTTP status codes
func errorStatus(err error) int {
	var stateErr *StateError
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr), errors.Is(err, ErrRetryExhausted), errors.Is(err, ErrAlreadyPosted):
		return http.StatusConflict
	case errors.Is(err, ErrEmptySource):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.ListJobs()
	if err != nil {
		slog.Error("Error listing jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleUploadJob creates a job from a multipart upload. With submit=true
// the job is queued right away.
func (s *Server) handleUploadJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large. Maximum size is 50MB.")
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file")
		return
	}

	job, err := s.service.CreateJob(header.Filename, data)
	if err != nil {
		slog.Error("Error creating job", "filename", header.Filename, "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if r.FormValue("submit") == "true" {
		if job, err = s.service.SubmitJob(job.ID); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetJobFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.GetJobFile(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Write(data)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteJob(r.PathValue("id")); err != nil {
		slog.Error("Error deleting job", "error", err)
		writeError(w, errorStatus(err), "Error deleting job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobAction runs a state transition. A processing run that ends in
// retry or failed still answers with the job.
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		job *ImportJob
		err error
	)
	status := http.StatusOK
	switch r.PathValue("action") {
	case "submit":
		job, err = s.service.SubmitJob(id)
	case "retry":
		job, err = s.service.RetryJob(id)
	case "cancel":
		job, err = s.service.CancelJob(id)
	case "copy":
		job, err = s.service.CopyJob(id)
		status = http.StatusCreated
	case "process":
		job, err = s.service.ProcessJob(context.WithoutCancel(r.Context()), id)
		var stateErr *StateError
		if err != nil && job != nil && !errors.As(err, &stateErr) {
			writeJSON(w, http.StatusOK, job)
			return
		}
	default:
		writeError(w, http.StatusNotFound, "Unknown action")
		return
	}

	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, status, job)
}

func (s *Server) handleListCorrections(w http.ResponseWriter, r *http.Request) {
	corrections, err := s.service.ListCorrections(r.PathValue("id"))
	if err != nil {
		slog.Error("Error listing corrections", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, corrections)
}

// handleCreateCorrection records and applies a correction sent as
// {"kind": ..., "author": ..., "data": {...}}
func (s *Server) handleCreateCorrection(w http.ResponseWriter, r *http.Request) {
	var c Correction
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	saved, applied, err := s.service.RecordCorrection(r.PathValue("id"), c.Author, c.Detail)
	if err != nil {
		slog.Error("Error recording correction", "error", err)
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"correction": saved,
		"applied":    applied,
	})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.GetEntry(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), "Entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEntryConfidence(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.GetEntry(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), "Entry not found")
		return
	}
	conf, err := entryConfidence(entry)
	if err != nil {
		slog.Error("Invalid confidence data", "entry_id", entry.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Invalid confidence data")
		return
	}

	badges := make(map[string]string, len(conf))
	for field, fc := range conf {
		badges[field] = scanning.Badge(fc.Confidence)
	}
	low, err := s.service.LowConfidenceFields(entry.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fields":     conf,
		"badges":     badges,
		"low_fields": low,
		"global":     conf.Global(),
	})
}

func (s *Server) handlePostEntry(w http.ResponseWriter, r *http.Request) {
	var req PostRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	entry, err := s.service.PostEntry(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleRevalidateEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.RevalidateTotal(r.PathValue("id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleBackendStatus(w http.ResponseWriter, r *http.Request) {
	ok, message, models := s.service.BackendStatus(r.Context())
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      ok,
		"message": message,
		"models":  models,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	if err := s.service.ExportJobs(w); err != nil {
		slog.Error("Error exporting jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Export failed")
	}
}
