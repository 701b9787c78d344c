package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlane/internal/session"
	"github.com/lvonguyen/threatlane/internal/telemetry"
	"github.com/lvonguyen/threatlane/internal/telemetry/ingestion"
	"github.com/lvonguyen/threatlane/internal/telemetry/normalization"
	"github.com/lvonguyen/threatlane/internal/timeline"
)

// Stats reports what happened to the submitted records.
type Stats struct {
	Records      int `json:"records"`
	Events       int `json:"events"`
	Added        int `json:"added,omitempty"`
	Dropped      int `json:"dropped"`
	Duplicates   int `json:"duplicates"`
	SkippedLines int `json:"skipped_lines"`
}

// TimelineResponse is returned by the normalize and ingest endpoints.
type TimelineResponse struct {
	*timeline.Snapshot
	Stats Stats `json:"stats"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.config.Version})
}

// handleReady fails only on the session store. An unreachable export sink
// degrades the instance without taking it out of rotation.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ready(r.Context()); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": err.Error()})
		return
	}

	resp := map[string]any{"status": "ready"}
	if s.exporter != nil {
		export := map[string]any{"status": "ok", "stats": s.exporter.Stats()}
		if err := s.exporter.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("Splunk export sink unhealthy", zap.Error(err))
			resp["status"] = "degraded"
			export["status"] = "unavailable"
			export["reason"] = err.Error()
		}
		resp["splunk_export"] = export
	}
	if s.receiver != nil {
		resp["hec_receiver"] = s.receiver.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"categories":      telemetry.Categories(),
		"detail_sections": normalization.SectionNames(),
		"unknown_host":    telemetry.UnknownHost,
	})
}

// Timeline handlers

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	snap, res, err := s.service.Normalize(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TimelineResponse{
		Snapshot: snap,
		Stats: Stats{
			Records:      res.Records,
			Events:       len(res.Events),
			Dropped:      res.Dropped,
			Duplicates:   res.Duplicates,
			SkippedLines: res.SkippedLines,
		},
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	report, err := s.service.Ingest(r.Context(), chi.URLParam(r, "sessionID"), body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TimelineResponse{
		Snapshot: report.Snapshot,
		Stats: Stats{
			Records:      report.Records,
			Events:       len(report.Snapshot.Events),
			Added:        report.Added,
			Dropped:      report.Dropped,
			Duplicates:   report.Duplicates,
			SkippedLines: report.SkippedLines,
		},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetRaw(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Raw(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "export_disabled",
			Message: "splunk sender is not configured",
		})
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	snap, err := s.service.Snapshot(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sent, err := s.exporter.SendBatch(r.Context(), snap.Events)
	if err != nil {
		s.logger.Error("Export failed",
			zap.String("session", sessionID),
			zap.Int("sent", sent),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "export_failed",
			"message": err.Error(),
			"sent":    sent,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent})
}

// Helpers

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "body_too_large",
				Message: err.Error(),
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "read_failed", Message: err.Error()})
		return nil, false
	}
	return body, true
}

// writeError maps service errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var fe *ingestion.FormatError
	switch {
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_input",
			Kind:    string(fe.Kind),
			Message: err.Error(),
		})
	case errors.Is(err, session.ErrInvalidSessionID):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_session_id",
			Message: err.Error(),
		})
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
