package primaryserver

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jacokyle01/xiangqi-analyzer/analyzer"
	"github.com/jacokyle01/xiangqi-analyzer/source"
	"github.com/jacokyle01/xiangqi-analyzer/worker"
)

const streamWriteTimeout = 5 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) (image.Image, bool) {
	img, _, err := source.Decode(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		http.Error(w, "invalid image: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return img, true
}

// HTTP handlers
func (s *Server) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	img, ok := s.readFrame(w, r)
	if !ok {
		return
	}
	snap := s.worker.Submit(img)
	writeJSON(w, http.StatusAccepted, map[string]string{"snapshot_id": snap.ID})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	img, ok := s.readFrame(w, r)
	if !ok {
		return
	}

	a, err := s.worker.AnalyzeImage(r.Context(), img)
	var nre *analyzer.NoResultError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, a)
	case errors.Is(err, analyzer.ErrBusy):
		http.Error(w, "analysis in progress", http.StatusConflict)
	case errors.As(err, &nre):
		reason := string(nre.Tag)
		if reason == "" {
			reason = "perception"
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": reason, "detail": err.Error()})
	case errors.Is(err, worker.ErrDetect):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "perception", "detail": err.Error()})
	default:
		s.log.Error("analysis failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, exists := s.GetResult()
	if !exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frames := s.worker.Frames()

	s.mu.RLock()
	status := map[string]any{
		"buffered":    frames.Len(),
		"dropped":     frames.Dropped(),
		"results":     s.results,
		"subscribers": len(s.subscribers),
	}
	s.mu.RUnlock()
	if s.status != nil {
		status["analyzer"] = s.status()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleStream pushes every new analysis to a websocket client, starting
// with the latest one.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	defer c.CloseNow()

	updates, cancel := s.subscribe()
	defer cancel()

	ctx := c.CloseRead(r.Context())
	if latest, ok := s.GetResult(); ok {
		if err := s.send(ctx, c, latest); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case a := <-updates:
			if err := s.send(ctx, c, a); err != nil {
				s.log.Debug("stream closed", "error", err)
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}
