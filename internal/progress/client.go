package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ModuleProgressPayload is the remote read shape for one module.
type ModuleProgressPayload struct {
	ModuleID string                   `json:"moduleId"`
	Summary  *LearningProgressSummary `json:"learningProgress,omitempty"`
	Lessons  []LessonProgress         `json:"lessonProgress"`
}

// UpdateRequest is the remote write shape. ClientEventID doubles as the
// server-side idempotency key so an outbox replay of an already-applied
// write is a no-op.
type UpdateRequest struct {
	ClientEventID        string    `json:"clientEventId,omitempty"`
	LessonID             string    `json:"lessonId"`
	ModuleID             string    `json:"moduleId,omitempty"`
	Progress             *float64  `json:"progress,omitempty"`
	Completed            *bool     `json:"completed,omitempty"`
	CompletionPercentage *float64  `json:"completionPercentage,omitempty"`
	TimeSpentDelta       *int64    `json:"timeSpentDelta,omitempty"`
	LastAccessed         time.Time `json:"lastAccessed,omitempty"`
}

// UpdateResult carries the authoritative state the server settled on.
type UpdateResult struct {
	Lesson  *LessonProgress          `json:"lessonProgress,omitempty"`
	Summary *LearningProgressSummary `json:"moduleProgress,omitempty"`
}

// RemoteService is the progress API the engine syncs against.
type RemoteService interface {
	GetModuleProgress(ctx context.Context, moduleID string) (ModuleProgressPayload, error)
	UpdateLessonProgress(ctx context.Context, req UpdateRequest) (UpdateResult, error)
}

// TokenSource supplies the bearer token per request. Implementations may
// return ErrAuthPending while the token is not available yet.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, or ErrAuthPending when empty.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrAuthPending
	}
	return token, nil
}

type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetMaxRetries bounds the internal transport/5xx retry loop. Rate-limit
// responses are never retried here: pacing after a 429 belongs to the engine.
func (c *HTTPClient) SetMaxRetries(n int) {
	if n >= 0 {
		c.maxRetries = n
	}
}

func (c *HTTPClient) GetModuleProgress(ctx context.Context, moduleID string) (ModuleProgressPayload, error) {
	var out ModuleProgressPayload
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/progress/modules/%s", url.PathEscape(moduleID)), nil, &out)
	return out, err
}

func (c *HTTPClient) UpdateLessonProgress(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	var out UpdateResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/progress/lessons", req, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	token := ""
	if c.tokens != nil {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isContextErr(err) {
				return err
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			RetryAfter int    `json:"retryAfter"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryAfter == 0 && errPayload.RetryAfter > 0 {
			retryAfter = time.Duration(errPayload.RetryAfter) * time.Second
		}
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			RetryAfter: retryAfter,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
