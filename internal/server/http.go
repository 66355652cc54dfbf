package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bebsworthy/toolbridge/internal/bridge"
	"github.com/bebsworthy/toolbridge/internal/buffer"
	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/metrics"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

const (
	maxBodyBytes  = 1 << 20
	sampleTimeout = time.Second
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string                `json:"status"`
	State             string                `json:"state"`
	SubprocessAlive   bool                  `json:"subprocessAlive"`
	Sessions          int                   `json:"sessions"`
	UptimeSeconds     float64               `json:"uptimeSeconds"`
	PendingRequests   int                   `json:"pendingRequests"`
	QueuedMessages    int                   `json:"queuedMessages"`
	ReconnectAttempts int                   `json:"reconnectAttempts"`
	LastError         string                `json:"lastError,omitempty"`
	RecentStderr      []string              `json:"recentStderr,omitempty"`
	Subprocess        *metrics.ProcessStats `json:"subprocess,omitempty"`
}

// LogsResponse is the body of GET /logs.
type LogsResponse struct {
	Lines []*buffer.Line `json:"lines"`
	Stats buffer.Stats   `json:"stats"`
}

// SessionResponse is the body of POST /session.
type SessionResponse struct {
	SessionID          string `json:"sessionId"`
	PushChannelAddress string `json:"pushChannelAddress"`
}

// ErrorBody is the error member of every failed response.
type ErrorBody struct {
	Code    interface{}     `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorResponse struct {
	Error ErrorBody `json:"error"`
}

// healthStatus condenses the controller state for load balancers.
func healthStatus(state bridge.State) string {
	switch state {
	case bridge.StateConnected:
		return "ok"
	case bridge.StateFailed:
		return "failed"
	default:
		return "degraded"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.bridge.Health()
	resp := HealthResponse{
		Status:            healthStatus(h.State),
		State:             h.State.String(),
		SubprocessAlive:   h.SubprocessAlive,
		Sessions:          s.sessions.Count(),
		UptimeSeconds:     time.Since(s.startTime).Seconds(),
		PendingRequests:   h.PendingRequests,
		QueuedMessages:    h.QueuedMessages,
		ReconnectAttempts: h.ReconnectAttempts,
		LastError:         h.LastError,
		RecentStderr:      h.RecentStderr,
	}
	if h.SubprocessAlive && h.Pid > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), sampleTimeout)
		stats, err := metrics.SampleProcess(ctx, h.Pid)
		cancel()
		if err != nil {
			s.logger.Debug("Could not sample tool server", slog.Int("pid", h.Pid), slog.String("error", err.Error()))
		} else {
			resp.Subprocess = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.CreateSession()
	s.logger.Info("Session created", slog.String("session_id", sess.ID))
	writeJSON(w, http.StatusCreated, SessionResponse{
		SessionID:          sess.ID,
		PushChannelAddress: s.pushChannelAddress(r, sess.ID),
	})
}

// pushChannelAddress builds the WebSocket URL a client should dial.
func (s *Server) pushChannelAddress(r *http.Request, sessionID string) string {
	u := url.URL{Scheme: "ws", Host: r.Host, Path: "/ws"}
	if r.TLS != nil {
		u.Scheme = "wss"
	}
	if s.opts.PublicURL != "" {
		if base, err := url.Parse(s.opts.PublicURL); err == nil && base.Host != "" {
			u.Host = base.Host
			u.Path = strings.TrimSuffix(base.Path, "/") + "/ws"
			switch base.Scheme {
			case "https", "wss":
				u.Scheme = "wss"
			default:
				u.Scheme = "ws"
			}
		}
	}
	u.RawQuery = url.Values{"session": []string{sessionID}}.Encode()
	return u.String()
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	result, err := s.bridge.Call(r.Context(), "", protocol.MethodToolsList, nil)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sessionID := r.Header.Get(SessionHeader)
	if err := s.sessions.Touch(sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, errors.ValidationError(errors.CodeInvalidInput, "failed to read request body", err))
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		s.writeError(w, r, errors.ValidationError(errors.CodeInvalidInput, "request body must be a JSON object", err))
		return
	}
	params, err := protocol.NewToolCallParams(name, body)
	if err != nil {
		s.writeError(w, r, errors.ValidationError(errors.CodeInvalidInput, err.Error(), err))
		return
	}

	result, err := s.bridge.Call(r.Context(), sessionID, protocol.MethodToolsCall, params)
	_ = s.sessions.Touch(sessionID)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, result)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	message, err := s.bridge.ForceReconnect(r.Context())
	if err != nil {
		s.log.LogError(r.Context(), "Manual reconnect failed", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

// handleLogs serves the tail of the tool server's stderr. Query parameters:
// lines (newest N), pattern (regex) and since (RFC 3339).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts buffer.GetOptions
	if raw := query.Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, errors.ValidationError(errors.CodeInvalidInput, "lines must be a non-negative integer", err))
			return
		}
		opts.Lines = n
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, errors.ValidationError(errors.CodeInvalidInput, "since must be an RFC 3339 timestamp", err))
			return
		}
		opts.Since = since
	}
	opts.Pattern = query.Get("pattern")

	stderr := s.bridge.Stderr()
	lines, err := stderr.Get(opts)
	if err != nil {
		s.writeError(w, r, errors.ValidationError(errors.CodeInvalidInput, err.Error(), err))
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{Lines: lines, Stats: stderr.GetStats()})
}

// writeCallError reports a failed bridge call. A JSON-RPC error from the
// tool server is relayed with its own code and data.
func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	var rpcErr *protocol.RPCError
	if stderrors.As(err, &rpcErr) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: ErrorBody{
			Code:    rpcErr.Code,
			Message: rpcErr.Message,
			Data:    rpcErr.Data,
		}})
		return
	}
	s.writeError(w, r, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.LogError(r.Context(), "Request failed", err, slog.String("path", r.URL.Path))
	}
	writeJSON(w, status, errorResponse{Error: errorBody(err)})
}

func errorBody(err error) ErrorBody {
	if be, ok := errors.As(err); ok {
		return ErrorBody{Code: be.Code, Message: be.Message}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorBody{Code: errors.CodeRequestTimeout, Message: "Request timed out"}
	}
	return ErrorBody{Code: errors.CodeInternal, Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
