package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dentai/internal/chat"
	"dentai/internal/detection"
	"dentai/internal/fanout"
	"dentai/internal/recorder"
	"dentai/internal/storage"
)

const (
	maxChatBodyBytes = 1 << 20
	summaryRunes     = 200
)

type chatRequest struct {
	Message string `json:"message"`
	Context string `json:"context"`
}

type chatRecord struct {
	Message   string          `json:"message"`
	Context   string          `json:"context,omitempty"`
	Prompt    string          `json:"prompt"`
	Envelope  fanout.Envelope `json:"envelope"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	s.metrics.ChatRequests.Inc()

	prompt := chat.WithContext(req.Message, req.Context)
	// responders are bounded by the fan-out limits, not by the client staying connected
	set := s.aggregator.Collect(context.WithoutCancel(r.Context()), prompt)
	env := set.Envelope()

	s.record(r, storage.KindChat, truncate(req.Message, summaryRunes), chatRecord{
		Message:   req.Message,
		Context:   req.Context,
		Prompt:    prompt,
		Envelope:  env,
		ElapsedMS: set.Elapsed.Milliseconds(),
	})
	writeJSON(w, http.StatusOK, env)
}

type detectResponse struct {
	Message    string                `json:"message"`
	Count      int                   `json:"count"`
	Detections []detection.Detection `json:"detections"`
	Summary    string                `json:"summary"`
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
}

type detectRecord struct {
	Filename string `json:"filename"`
	Format   string `json:"format"`
	detectResponse
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No image uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read upload: %v", err))
		return
	}
	s.metrics.DetectRequests.Inc()

	img, err := detection.DecodeImage(data, header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dets, err := s.detector.Detect(r.Context(), img)
	if err != nil {
		if errors.Is(err, detection.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("filename", img.Filename).Msg("detection failed")
		writeError(w, http.StatusBadGateway, fmt.Sprintf("detection failed: %v", err))
		return
	}
	if dets == nil {
		dets = []detection.Detection{}
	}
	s.metrics.DetectionsFound.Add(float64(len(dets)))

	resp := detectResponse{
		Message:    "Success",
		Count:      len(dets),
		Detections: dets,
		Summary:    detection.Summary(dets),
		Width:      img.Width,
		Height:     img.Height,
	}
	summary := resp.Summary
	if summary == "" {
		summary = "no detections"
	}
	s.record(r, storage.KindDetect, summary, detectRecord{
		Filename:       img.Filename,
		Format:         img.Format,
		detectResponse: resp,
	})
	writeJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	Interactions []storage.Interaction `json:"interactions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}

	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind != "" && kind != storage.KindChat && kind != storage.KindDetect {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return
	}
	limit := storage.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, storage.MaxListLimit)
	}

	items, err := s.history.History(r.Context(), kind, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list history failed")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Interactions: items})
}

func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	item, err := s.history.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("interaction %q not found", id))
		return
	case err != nil:
		s.logger.Error().Err(err).Str("id", id).Msg("load interaction failed")
		writeError(w, http.StatusInternalServerError, "failed to load interaction")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// record stores the interaction without affecting the response. It runs on a
// context detached from the request so a disconnecting client does not abort
// the write.
func (s *Server) record(r *http.Request, kind, summary string, payload any) {
	if s.recorder == nil {
		return
	}
	in, err := recorder.NewInteraction(kind, clientAddr(r), summary, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("failed to build interaction record")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()
	if err := s.recorder.Record(ctx, in); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Str("id", in.ID).Msg("failed to record interaction")
	}
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
