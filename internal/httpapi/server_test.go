package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/marcela981/ventilab-sync/internal/progress"
)

type stubRemote struct {
	mu        sync.Mutex
	updates   int
	updateErr error
}

func (s *stubRemote) failUpdates(err error) {
	s.mu.Lock()
	s.updateErr = err
	s.mu.Unlock()
}

func (s *stubRemote) UpdateLessonProgress(_ context.Context, req progress.UpdateRequest) (progress.UpdateResult, error) {
	s.mu.Lock()
	s.updates++
	updateErr := s.updateErr
	s.mu.Unlock()
	if updateErr != nil {
		return progress.UpdateResult{}, updateErr
	}
	lesson := progress.LessonProgress{LessonID: req.LessonID, LastAccessed: req.LastAccessed}
	if req.Progress != nil {
		lesson.Progress = *req.Progress
	}
	if req.Completed != nil {
		lesson.Completed = *req.Completed
	}
	return progress.UpdateResult{Lesson: &lesson}, nil
}

func (s *stubRemote) GetModuleProgress(_ context.Context, moduleID string) (progress.ModuleProgressPayload, error) {
	return progress.ModuleProgressPayload{
		ModuleID: moduleID,
		Lessons:  []progress.LessonProgress{{LessonID: "lesson-1", Progress: 0.25}},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *progress.Engine) {
	t.Helper()
	engine, err := progress.New(progress.Options{
		Remote: &stubRemote{},
		Outbox: progress.NewOutbox(progress.OutboxOptions{Backend: progress.NewInMemoryBackend()}),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return NewServer(engine), engine
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot progress.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, progress.StateIdle, snapshot.State)
	assert.Equal(t, 0, snapshot.OutboxDepth)
}

func TestModuleEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/modules/module-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var record progress.ModuleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Contains(t, record.Lessons, "lesson-1")
}

func TestUpdateEndpoint(t *testing.T) {
	server, engine := newTestServer(t)
	body := `{"lessonId":"lesson-9","moduleId":"module-1","progress":0.75}`
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/progress/lessons", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Lesson progress.LessonProgress `json:"lesson"`
		State  progress.SyncState      `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0.75, resp.Lesson.Progress)
	assert.Equal(t, progress.StateSaved, resp.State)

	record, ok := engine.Module("module-1")
	require.True(t, ok)
	assert.Contains(t, record.Lessons, "lesson-9")
}

func TestUpdateEndpointRejectsInvalidBody(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/progress/lessons", bytes.NewReader([]byte("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	body := `{"moduleId":"module-1","progress":2}`
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/progress/lessons", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlushEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/flush", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var result progress.ReconcileResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.RateLimited)
}

func TestFlushEndpointSurfacesRateLimitCooldown(t *testing.T) {
	remote := &stubRemote{}
	engine, err := progress.New(progress.Options{
		Remote: remote,
		Outbox: progress.NewOutbox(progress.OutboxOptions{Backend: progress.NewInMemoryBackend()}),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	server := NewServer(engine)

	remote.failUpdates(&progress.RemoteError{
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		RetryAfter: 7 * time.Second,
	})
	engine.UpdateLessonProgress(context.Background(), progress.UpdateInput{
		LessonID: "lesson-1",
		ModuleID: "module-1",
		Progress: floatPtr(0.5),
	})
	require.Equal(t, 1, engine.Status().OutboxDepth)

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/flush", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
	var result progress.ReconcileResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.RateLimited)
	assert.Equal(t, 7, result.RetryAfterSeconds)
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamDeliversEvents(t *testing.T) {
	server, engine := newTestServer(t)
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/progress/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a moment to register its subscription.
	time.Sleep(100 * time.Millisecond)
	engine.UpdateLessonProgress(ctx, progress.UpdateInput{
		LessonID: "lesson-1",
		ModuleID: "module-1",
		Progress: floatPtr(0.5),
	})

	for {
		var event progress.SyncEvent
		readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
		err := wsjson.Read(readCtx, conn, &event)
		readCancel()
		require.NoError(t, err)
		if event.Type == progress.EventLessonUpdated {
			assert.Equal(t, "module-1", event.ModuleID)
			return
		}
	}
}

func floatPtr(v float64) *float64 { return &v }
