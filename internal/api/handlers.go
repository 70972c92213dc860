package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/capture-service/internal/artifact"
	"github.com/JakeFAU/capture-service/internal/capture"
	"github.com/JakeFAU/capture-service/internal/probe"
)

type urlRequest struct {
	URL         *string `json:"url"`
	CallbackURL *string `json:"callback_url"`
}

func decodeURLRequest(r *http.Request) (urlRequest, string, bool) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, "invalid JSON", false
	}
	if req.URL == nil || *req.URL == "" {
		return req, "No URL provided.", false
	}
	return req, "", true
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	req, msg, ok := decodeURLRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	callbackURL := ""
	if req.CallbackURL != nil && *req.CallbackURL != "" {
		if !probe.ValidURL(*req.CallbackURL, false) {
			writeError(w, http.StatusBadRequest, "Invalid callback URL.")
			return
		}
		callbackURL = *req.CallbackURL
	}

	if !s.deps.Limiter.Allow(accessKeyFrom(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many capture requests.")
		return
	}
	if limit := s.api.MaxPendingCaptures; limit > 0 {
		pending, err := s.deps.Store.CountPending(r.Context())
		if err != nil {
			s.logger.Error("count pending captures", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if pending >= limit {
			writeError(w, http.StatusTooManyRequests, "Too many pending captures.")
			return
		}
	}

	outcome := s.deps.Prober.Probe(r.Context(), *req.URL)
	if !outcome.OK() {
		writeError(w, http.StatusBadRequest, outcome.Message())
		return
	}

	id, err := s.deps.IDGen.NewID()
	if err != nil {
		s.logger.Error("generate capture id", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	c := capture.Capture{
		ID:          id,
		Status:      capture.StatusPending,
		URL:         *req.URL,
		CallbackURL: callbackURL,
		CreatedAt:   s.deps.Clock.Now(),
	}
	if err := s.deps.Store.CreateCapture(r.Context(), c); err != nil {
		s.logger.Error("create capture", zap.String("capture_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.logger.Info("capture queued", zap.String("capture_id", id), zap.String("url", c.URL))
	writeJSON(w, http.StatusOK, capture.Project(c, s.projection()))
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	id, err := capture.NormalizeID(chi.URLParam(r, "id_capture"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid format for id_capture.")
		return
	}
	c, err := s.deps.Store.GetCapture(r.Context(), id)
	if errors.Is(err, capture.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Capture not found.")
		return
	}
	if err != nil {
		s.logger.Error("load capture", zap.String("capture_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, capture.Project(c, s.projection()))
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	req, msg, ok := decodeURLRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	outcome := s.deps.Prober.Probe(r.Context(), *req.URL)
	if !outcome.OK() {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "message": outcome.Message()})
		return
	}
	body := map[string]any{"valid": true, "status_code": outcome.StatusCode}
	if outcome.ContentLength != nil {
		body["content_length"] = *outcome.ContentLength
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	file, err := s.deps.Artifacts.Get(r.Context(), chi.URLParam(r, "id_capture"), filename)
	switch {
	case errors.Is(err, capture.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid format for id_capture.")
		return
	case errors.Is(err, artifact.ErrInvalidFilename):
		writeError(w, http.StatusBadRequest, "Invalid filename provided.")
		return
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, "Requested file was not found.")
		return
	case err != nil:
		s.logger.Error("load artifact", zap.String("filename", filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h := w.Header()
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Encoding, Content-Length")
	http.ServeContent(w, r, file.Name, file.ModTime, bytes.NewReader(file.Data))
}
