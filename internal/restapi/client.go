// Package restapi is the pull and mutation client for the project service's
// REST routes.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldsync/internal/model"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu    sync.RWMutex
	token string
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:880"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetToken replaces the bearer token used by later requests.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	c.mu.Unlock()
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) ListProjects(ctx context.Context) ([]model.Project, error) {
	var out []model.Project
	err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

func (c *HTTPClient) GetProject(ctx context.Context, projectID int64) (model.Project, error) {
	var out model.Project
	err := c.doJSON(ctx, http.MethodGet, "/projects/"+id(projectID), nil, &out)
	return out, err
}

func (c *HTTPClient) CreateProject(ctx context.Context, in model.ProjectInput) (model.Project, error) {
	var out model.Project
	err := c.doJSON(ctx, http.MethodPost, "/projects", in, &out)
	return out, err
}

func (c *HTTPClient) UpdateProject(ctx context.Context, projectID int64, in model.ProjectInput) (model.Project, error) {
	var out model.Project
	err := c.doJSON(ctx, http.MethodPut, "/projects/"+id(projectID), in, &out)
	return out, err
}

func (c *HTTPClient) DeleteProject(ctx context.Context, projectID int64) error {
	return c.doJSON(ctx, http.MethodDelete, "/projects/"+id(projectID), nil, nil)
}

func (c *HTTPClient) ListMembers(ctx context.Context, projectID int64) ([]model.Member, error) {
	q := url.Values{}
	q.Set("project_id", id(projectID))
	var out []model.Member
	err := c.doJSON(ctx, http.MethodGet, "/projects/users?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) AddMember(ctx context.Context, projectID, userID int64, role string) error {
	body := map[string]any{
		"project_id": projectID,
		"user_id":    userID,
		"role":       role,
	}
	return c.doJSON(ctx, http.MethodPost, "/projects/users", body, nil)
}

func (c *HTTPClient) RemoveMember(ctx context.Context, projectID, userID int64) error {
	body := map[string]any{
		"project_id": projectID,
		"user_id":    userID,
	}
	return c.doJSON(ctx, http.MethodDelete, "/projects/users", body, nil)
}

func (c *HTTPClient) ListTasks(ctx context.Context, projectID int64) ([]model.Task, error) {
	var out []model.Task
	err := c.doJSON(ctx, http.MethodGet, "/projects/"+id(projectID)+"/tasks", nil, &out)
	return out, err
}

func (c *HTTPClient) CreateTask(ctx context.Context, in model.TaskInput) (model.Task, error) {
	var out model.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", in, &out)
	return out, err
}

func (c *HTTPClient) UpdateTask(ctx context.Context, taskID int64, in model.TaskInput) (model.Task, error) {
	in.ProjectID = 0
	var out model.Task
	err := c.doJSON(ctx, http.MethodPut, "/tasks/"+id(taskID), in, &out)
	return out, err
}

func (c *HTTPClient) DeleteTask(ctx context.Context, taskID int64) error {
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+id(taskID), nil, nil)
}

func (c *HTTPClient) TaskHistory(ctx context.Context, taskID int64) ([]model.TaskActivity, error) {
	var out []model.TaskActivity
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+id(taskID)+"/history", nil, &out)
	return out, err
}

func (c *HTTPClient) ProjectHistory(ctx context.Context, projectID int64) ([]model.Message, error) {
	var out []model.Message
	err := c.doJSON(ctx, http.MethodGet, "/projects/"+id(projectID)+"/messages", nil, &out)
	return out, err
}

func (c *HTTPClient) DirectHistory(ctx context.Context, peerID int64) ([]model.Message, error) {
	var out []model.Message
	err := c.doJSON(ctx, http.MethodGet, "/messages/direct/"+id(peerID), nil, &out)
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
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.currentToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
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
			if out == nil || len(bytes.TrimSpace(payloadBytes)) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Error
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func id(n int64) string {
	return strconv.FormatInt(n, 10)
}

func correlationID() string {
	return "fieldsync_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
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
