package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/rpattn/traceforge/internal/domain"
	"github.com/rpattn/traceforge/internal/remote"
)

const (
	maxCommitBytes = 8 << 20
	maxImportBytes = 32 << 20
)

type Handler struct {
	service *Service
	hub     *Hub
	mux     *http.ServeMux
}

// NewHTTPHandler exposes the authority API:
//
//	POST /api/versions/{versionID}/commits
//	POST /api/versions/{versionID}/import     (multipart, field "file")
//	GET  /api/versions/{versionID}/artifacts
//	GET  /api/versions/{versionID}/traces
//	GET  /api/versions/{versionID}/traces/generated
//	GET  /api/versions/{versionID}/export
//	GET  /api/versions/{versionID}/subscribe  (websocket)
func NewHTTPHandler(service *Service, hub *Hub) http.Handler {
	h := &Handler{service: service, hub: hub, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /api/versions/{versionID}/commits", h.handleCommit)
	h.mux.HandleFunc("POST /api/versions/{versionID}/import", h.handleImport)
	h.mux.HandleFunc("GET /api/versions/{versionID}/artifacts", h.handleListArtifacts)
	h.mux.HandleFunc("GET /api/versions/{versionID}/traces", h.handleListTraces)
	h.mux.HandleFunc("GET /api/versions/{versionID}/traces/generated", h.handleListGenerated)
	h.mux.HandleFunc("GET /api/versions/{versionID}/export", h.handleExport)
	h.mux.HandleFunc("GET /api/versions/{versionID}/subscribe", h.handleSubscribe)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	var c domain.Commit
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommitBytes)).Decode(&c); err != nil {
		writeError(w, domain.NewCommitError(domain.ErrorKindValidation, fmt.Sprintf("invalid payload: %v", err)))
		return
	}
	result, err := h.service.Commit(r.Context(), versionID, c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	if err := r.ParseMultipartForm(maxImportBytes); err != nil {
		writeError(w, domain.NewCommitError(domain.ErrorKindValidation, fmt.Sprintf("invalid form data: %v", err)))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, domain.NewCommitError(domain.ErrorKindValidation, fmt.Sprintf("file required: %v", err)))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, domain.NewCommitError(domain.ErrorKindValidation, fmt.Sprintf("failed to read file: %v", err)))
		return
	}
	summary, err := h.service.Import(r.Context(), versionID, ImportRequest{FileName: header.Filename, Data: data})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	artifacts, err := h.service.Repository().ListArtifacts(r.Context(), versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(artifacts))
}

func (h *Handler) handleListTraces(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	traces, err := h.service.Repository().ListTraces(r.Context(), versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(traces))
}

func (h *Handler) handleListGenerated(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	traces, err := h.service.Repository().ListGeneratedTraces(r.Context(), versionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(traces))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="traceforge-%s.xlsx"`, versionID))
	if err := h.service.WriteWorkbook(r.Context(), versionID, w); err != nil {
		h.service.logger.Error("export failed", "version", versionID, "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
	}
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	versionID, ok := versionParam(w, r)
	if !ok {
		return
	}
	h.hub.Serve(w, r, versionID)
}

func versionParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	versionID, err := uuid.Parse(r.PathValue("versionID"))
	if err != nil || versionID == uuid.Nil {
		writeError(w, domain.NewCommitError(domain.ErrorKindValidation, "invalid version identifier"))
		return uuid.Nil, false
	}
	return versionID, true
}

// statusFor maps the commit error taxonomy onto HTTP status codes.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrorKindValidation:
		return http.StatusBadRequest
	case domain.ErrorKindConflict:
		return http.StatusConflict
	case domain.ErrorKindStaleTarget:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	var commitErr *domain.CommitError
	if !errors.As(err, &commitErr) {
		writeJSON(w, http.StatusInternalServerError, remote.ErrorBody{
			Code:    domain.ErrorKindNetwork,
			Message: "internal error",
		})
		return
	}
	writeJSON(w, statusFor(commitErr.Kind), remote.ErrorBody{
		Code:    commitErr.Kind,
		Message: commitErr.Message,
		Errors:  commitErr.EntityErrors,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
