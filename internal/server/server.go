// Package server is the network front end of the bridge: a small REST
// surface, a WebSocket push channel per session and an optional MCP stdio
// front end, all feeding the same bridge pipeline.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bebsworthy/toolbridge/internal/bridge"
	"github.com/bebsworthy/toolbridge/internal/buffer"
	"github.com/bebsworthy/toolbridge/internal/config"
	"github.com/bebsworthy/toolbridge/internal/logging"
	"github.com/bebsworthy/toolbridge/internal/metrics"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/session"
)

// SessionHeader carries the session id on tool calls.
const SessionHeader = "X-Session-Id"

// Bridge is the part of the core pipeline the front end drives.
type Bridge interface {
	Call(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error)
	Notify(sessionID, method string, params json.RawMessage) error
	Forward(sessionID string, env *protocol.Envelope) error
	ForceReconnect(ctx context.Context) (string, error)
	Health() bridge.Health
	Stderr() *buffer.RingBuffer
	OnNotification(handler bridge.NotificationHandler)
}

// Options configures a Server.
type Options struct {
	// PublicURL is the externally visible base URL used to build push
	// channel addresses. When empty the request's Host is used.
	PublicURL      string
	AllowedOrigins []string
	WebSocket      config.WebSocketConfig

	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Monitor     *metrics.Monitor

	Logger *logging.Logger
}

// Server routes HTTP and WebSocket traffic into the bridge.
type Server struct {
	bridge   Bridge
	sessions *session.Manager
	opts     Options

	log       *logging.Logger
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	router    chi.Router
	startTime time.Time

	mu       sync.Mutex
	channels map[*pushChannel]struct{}
	wg       sync.WaitGroup
}

// New builds the router and subscribes the push channels to unsolicited
// tool server traffic.
func New(b Bridge, sessions *session.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	defaults := config.DefaultConfig().WebSocket
	if opts.WebSocket.PingInterval <= 0 {
		opts.WebSocket.PingInterval = defaults.PingInterval
	}
	if opts.WebSocket.WriteTimeout <= 0 {
		opts.WebSocket.WriteTimeout = defaults.WriteTimeout
	}
	if opts.WebSocket.ReadTimeout <= 0 {
		opts.WebSocket.ReadTimeout = defaults.ReadTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		bridge:   b,
		sessions: sessions,
		opts:     opts,
		log:      opts.Logger,
		logger:   opts.Logger.Component("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
		channels:  make(map[*pushChannel]struct{}),
	}
	s.router = s.routes()

	b.OnNotification(func(env *protocol.Envelope) {
		n := sessions.Broadcast(env)
		s.logger.Debug("Pushed tool server message",
			slog.String("method", env.Method),
			slog.Int("channels", n))
	})
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
	}))
	r.Use(chiMiddleware.RequestID, chiMiddleware.RealIP, s.requestLogger, chiMiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/session", s.handleCreateSession)
	r.Get("/tools", s.handleListTools)
	r.Post("/tools/{name}", s.handleCallTool)
	r.Post("/reconnect", s.handleReconnect)
	r.Get("/logs", s.handleLogs)
	r.Get("/ws", s.handleWebSocket)
	if s.opts.Gatherer != nil {
		r.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request and records it in the monitor. The
// request id from chi doubles as the log correlation id.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithCorrelationID(r.Context(), chiMiddleware.GetReqID(r.Context()))
		r = r.WithContext(ctx)

		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.log.LogRequest(ctx, r.Method, r.URL.Path, status, duration,
			slog.String("remote_addr", r.RemoteAddr))
		if s.opts.Monitor != nil {
			s.opts.Monitor.ObserveHTTP(r.Method, route, status, duration)
		}
	})
}

func (s *Server) trackChannel(ch *pushChannel) {
	s.mu.Lock()
	s.channels[ch] = struct{}{}
	s.mu.Unlock()
	if s.opts.Monitor != nil {
		s.opts.Monitor.PushChannelOpened()
	}
}

func (s *Server) untrackChannel(ch *pushChannel) {
	s.mu.Lock()
	_, ok := s.channels[ch]
	delete(s.channels, ch)
	s.mu.Unlock()
	if ok && s.opts.Monitor != nil {
		s.opts.Monitor.PushChannelClosed()
	}
}

// Close shuts every push channel and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	channels := make([]*pushChannel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	s.wg.Wait()
	return nil
}
