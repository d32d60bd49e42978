// Package httpapi exposes the sync engine over a local HTTP surface:
// status, module reads, lesson updates, manual flush and a websocket event
// stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/marcela981/ventilab-sync/internal/progress"
)

type ServerConfig struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

type Server struct {
	engine *progress.Engine
	cfg    ServerConfig
}

func NewServer(engine *progress.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *progress.Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "progress" && parts[2] == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "progress" && parts[2] == "modules" && r.Method == http.MethodGet:
		s.handleModule(w, r, parts[3])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "progress" && parts[2] == "lessons" && r.Method == http.MethodPost:
		s.handleUpdate(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "flush" && r.Method == http.MethodPost:
		s.handleFlush(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "progress" && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request, moduleID string) {
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "module id required")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	record := s.engine.LoadModuleProgress(ctx, moduleID, progress.LoadOptions{Force: force})
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var input progress.UpdateInput
	if !s.decodeJSONBody(w, r, &input) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	lesson := s.engine.UpdateLessonProgress(ctx, input)
	if lesson == nil {
		state, lastError := s.engine.State()
		if state == progress.StateError && lastError != "" {
			writeError(w, http.StatusBadGateway, "update_rejected", lastError)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid lesson update")
		return
	}
	state, _ := s.engine.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"lesson": lesson,
		"state":  state,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	result := s.engine.Reconcile(ctx)
	status := http.StatusOK
	if result.RateLimited {
		status = http.StatusTooManyRequests
		retryAfter := result.RetryAfterSeconds
		if retryAfter <= 0 {
			retryAfter = 30
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.engine.Subscribe()
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
