// Package httpapi serves a local read-mostly view of a running sync session:
// connection status, cached collections and chat history.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldsync/internal/chat"
	"github.com/agentworkforce/fieldsync/internal/livesync"
	"github.com/agentworkforce/fieldsync/internal/model"
	"github.com/agentworkforce/fieldsync/internal/pushconn"
	"github.com/agentworkforce/fieldsync/internal/reconcile"
	"github.com/agentworkforce/fieldsync/internal/restapi"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 1000
)

// Source is the session the server reports on. *livesync.Syncer satisfies it.
type Source interface {
	Status() livesync.Status
	Projects() []model.Project
	Members(projectID int64) []model.Member
	Tasks(projectID int64) []model.Task
	Messages(key model.ChannelKey) []model.Message
	Refresh(ctx context.Context) error
	Watch(ctx context.Context, projectID int64) error
	Unwatch(projectID int64)
	TaskHistory(ctx context.Context, taskID int64) ([]model.TaskActivity, error)
	SendMessage(ctx context.Context, key model.ChannelKey, content string) (model.Message, error)
}

type ServerConfig struct {
	// AdminToken, when set, is required as a bearer token on every /v1 route.
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
}

type Server struct {
	source      Source
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(source Source, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		source:      source,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "projects" && r.Method == http.MethodGet:
		route = "projects"
	case len(parts) == 2 && parts[1] == "refresh" && r.Method == http.MethodPost:
		route = "refresh"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "members" && r.Method == http.MethodGet:
		route = "members"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "tasks" && r.Method == http.MethodGet:
		route = "tasks"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "watch" && r.Method == http.MethodPost:
		route = "watch"
	case len(parts) == 4 && parts[1] == "projects" && parts[3] == "watch" && r.Method == http.MethodDelete:
		route = "unwatch"
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "history" && r.Method == http.MethodGet:
		route = "task_history"
	case len(parts) == 5 && parts[1] == "channels" && parts[4] == "messages" && r.Method == http.MethodGet:
		route = "messages"
	case len(parts) == 5 && parts[1] == "channels" && parts[4] == "messages" && r.Method == http.MethodPost:
		route = "send_message"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.source.Status())
	case "projects":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.source.Projects()})
	case "refresh":
		s.handleRefresh(w, r, correlationID)
	case "members", "tasks", "watch", "unwatch":
		projectID, ok := parseID(w, parts[2], "project id", correlationID)
		if !ok {
			return
		}
		s.handleProject(w, r, route, projectID, correlationID)
	case "task_history":
		taskID, ok := parseID(w, parts[2], "task id", correlationID)
		if !ok {
			return
		}
		s.handleTaskHistory(w, r, taskID, correlationID)
	case "messages", "send_message":
		key, err := model.ParseChannelKey(parts[2] + ":" + parts[3])
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid channel", correlationID)
			return
		}
		if route == "messages" {
			s.handleMessages(w, r, key)
			return
		}
		s.handleSendMessage(w, r, key, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.source.Refresh(ctx); err != nil {
		writeSourceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "refreshed",
		"projects":      len(s.source.Projects()),
		"correlationId": correlationID,
	})
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request, route string, projectID int64, correlationID string) {
	switch route {
	case "members":
		writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "items": s.source.Members(projectID)})
	case "tasks":
		writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "items": s.source.Tasks(projectID)})
	case "watch":
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		if err := s.source.Watch(ctx, projectID); err != nil {
			writeSourceError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"projectId": projectID, "status": "watching"})
	case "unwatch":
		s.source.Unwatch(projectID)
		writeJSON(w, http.StatusOK, map[string]any{"projectId": projectID, "status": "unwatched"})
	}
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request, taskID int64, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	activity, err := s.source.TaskHistory(ctx, taskID)
	if err != nil {
		writeSourceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": taskID, "items": activity})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, key model.ChannelKey) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultMessageLimit, 1, maxMessageLimit)
	messages := s.source.Messages(key)
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": key.String(), "items": messages})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, key model.ChannelKey, correlationID string) {
	var req struct {
		Content string `json:"content"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	msg, err := s.source.SendMessage(ctx, key, req.Content)
	if err != nil {
		writeSourceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// writeSourceError maps session errors onto the error envelope.
func writeSourceError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *restapi.HTTPError
	switch {
	case errors.Is(err, livesync.ErrNoSession):
		writeError(w, http.StatusConflict, "no_session", err.Error(), correlationID)
	case errors.Is(err, pushconn.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not_connected", err.Error(), correlationID)
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrInvalidChannel), errors.Is(err, reconcile.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "upstream request timed out", correlationID)
	case errors.As(err, &httpErr):
		writeError(w, http.StatusBadGateway, "upstream_error", httpErr.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func parseID(w http.ResponseWriter, raw, what, correlationID string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+what, correlationID)
		return 0, false
	}
	return id, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
