package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
	"github.com/MapleHealthAI/maple-mvp/engine/rag"
	"github.com/MapleHealthAI/maple-mvp/pkg/extract"
	"github.com/MapleHealthAI/maple-mvp/pkg/metrics"
)

// maxUploadBytes caps multipart uploads at 32 MiB.
const maxUploadBytes = 32 << 20

type enqueueFunc func(ctx context.Context, doc domain.UploadedDocument) error

type handlers struct {
	rag     *rag.Service
	extract *extract.Client
	enqueue enqueueFunc // nil means ingest inline
	metrics *metrics.Registry
	logger  *slog.Logger
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChatRequest is the JSON body for POST /api/chat.
type ChatRequest struct {
	Question  string `json:"question"`
	PatientID string `json:"patient_id,omitempty"`
}

// ChatResponse is the JSON response for POST /api/chat.
type ChatResponse struct {
	Answer    string       `json:"answer"`
	Sources   []rag.Source `json:"sources"`
	NoContext bool         `json:"no_context,omitempty"`
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	answer, err := h.rag.Query(r.Context(), req.Question, req.PatientID)
	if err != nil {
		h.metrics.Counter("chat_requests_total", "Chat requests.", "status", "error").Inc()
		h.logger.Error("chat query failed", "err", err)
		if domain.Retryable(err) {
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.Counter("chat_requests_total", "Chat requests.", "status", "ok").Inc()
	h.metrics.Histogram("chat_seconds", "Chat latency.", nil).Since(start)
	writeJSON(w, http.StatusOK, ChatResponse{
		Answer:    answer.Text,
		Sources:   answer.Sources,
		NoContext: answer.NoContext,
	})
}

// UploadResponse is the JSON response for POST /api/upload.
type UploadResponse struct {
	DocumentID     string `json:"document_id"`
	Status         string `json:"status"` // "queued" or "indexed"
	ChunksCreated  int    `json:"chunks_created,omitempty"`
	RecordsWritten int    `json:"records_written,omitempty"`
}

// UploadFailure reports a failed inline ingest together with the progress
// actually achieved, so a partial upsert is not reported as all-or-nothing.
type UploadFailure struct {
	DocumentID     string `json:"document_id"`
	Error          string `json:"error"`
	ChunksCreated  int    `json:"chunks_created"`
	RecordsWritten int    `json:"records_written"`
}

func (h *handlers) upload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	text, err := h.extract.Text(r.Context(), file, header.Header.Get("Content-Type"))
	if err != nil {
		h.logger.Error("text extraction failed", "err", err, "filename", header.Filename)
		writeError(w, http.StatusUnprocessableEntity, "could not extract text from document")
		return
	}

	doc := domain.Document{
		ID:             uuid.NewString(),
		PatientID:      r.FormValue("patient_id"),
		RawText:        text,
		SourceFilename: header.Filename,
	}
	if err := domain.ValidateDocument(doc); err != nil {
		if errors.Is(err, domain.ErrNoExtractableContent) {
			writeError(w, http.StatusUnprocessableEntity, "document contains no extractable text")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.enqueue != nil {
		msg := domain.UploadedDocument{Document: doc, UploadedAt: time.Now().UTC()}
		if err := h.enqueue(r.Context(), msg); err != nil {
			h.metrics.Counter("uploads_total", "Document uploads.", "status", "error").Inc()
			h.logger.Error("upload enqueue failed", "err", err, "document_id", doc.ID)
			// An unreachable queue is transient; tell the client to retry.
			writeError(w, http.StatusServiceUnavailable, "could not queue document")
			return
		}
		h.metrics.Counter("uploads_total", "Document uploads.", "status", "queued").Inc()
		writeJSON(w, http.StatusAccepted, UploadResponse{DocumentID: doc.ID, Status: "queued"})
		return
	}

	res, err := h.rag.Ingest(r.Context(), doc)
	if err != nil {
		h.metrics.Counter("uploads_total", "Document uploads.", "status", "error").Inc()
		h.logger.Error("inline ingest failed", "err", err, "document_id", doc.ID)
		status := http.StatusInternalServerError
		if domain.Retryable(err) {
			status = http.StatusServiceUnavailable
		}
		var ue *domain.UpsertError
		if errors.As(err, &ue) {
			// Partial upsert: report how far ingestion got.
			writeJSON(w, status, UploadFailure{
				DocumentID:     doc.ID,
				Error:          "document indexing failed",
				ChunksCreated:  res.ChunksCreated,
				RecordsWritten: res.RecordsWritten,
			})
			return
		}
		writeError(w, status, "document indexing failed")
		return
	}

	h.metrics.Counter("uploads_total", "Document uploads.", "status", "indexed").Inc()
	h.metrics.Histogram("upload_seconds", "Upload-to-indexed latency.", nil).Since(start)
	writeJSON(w, http.StatusCreated, UploadResponse{
		DocumentID:     res.DocumentID,
		Status:         "indexed",
		ChunksCreated:  res.ChunksCreated,
		RecordsWritten: res.RecordsWritten,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
