package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sourcegraph/conc"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

// pushQueueSize bounds the frames waiting for one slow push channel.
const pushQueueSize = 256

// pushChannel is the WebSocket attached to one session. It implements
// session.Channel. Frames go through a bounded queue drained by one writer
// goroutine, so a client that stops reading never stalls the sender.
type pushChannel struct {
	conn         *websocket.Conn
	sessionID    string
	writeTimeout time.Duration
	out          chan []byte

	writeMutex sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
}

func newPushChannel(conn *websocket.Conn, sessionID string, writeTimeout time.Duration) *pushChannel {
	c := &pushChannel{
		conn:         conn,
		sessionID:    sessionID,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, pushQueueSize),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues one envelope as a text frame. A channel whose queue is full
// is lagging too far behind and gets closed.
func (c *pushChannel) Send(env *protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.ConnectionLostError("push channel closed", nil)
	default:
	}

	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errors.ConnectionLostError("push channel closed", nil)
	default:
		go c.Close()
		return errors.QueueFullError("push channel is not keeping up").
			WithDetails("session_id", c.sessionID)
	}
}

func (c *pushChannel) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.write(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *pushChannel) write(messageType int, data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// sendNow writes env ahead of the queue. It is used for the last frame
// before the channel is closed.
func (c *pushChannel) sendNow(env *protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *pushChannel) ping() error {
	return c.write(websocket.PingMessage, nil)
}

// Close sends a close frame and drops the connection. Safe to call more
// than once.
func (c *pushChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}

// handleWebSocket attaches a push channel to the session named in the query
// string. The session is validated before the upgrade so a bad id gets a
// plain 401.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if _, err := s.sessions.Get(sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	ch := newPushChannel(conn, sessionID, s.opts.WebSocket.WriteTimeout)
	if err := s.sessions.AttachChannel(sessionID, ch); err != nil {
		// Session reaped between the check and the upgrade.
		_ = ch.Close()
		return
	}
	s.trackChannel(ch)
	s.wg.Add(1)
	defer s.wg.Done()

	s.logger.Info("Push channel attached", slog.String("session_id", sessionID))
	s.handleConnection(ch)

	s.sessions.DetachChannel(sessionID, ch)
	_ = ch.Close()
	s.untrackChannel(ch)
	s.logger.Info("Push channel detached", slog.String("session_id", sessionID))
}

// handleConnection runs the ping and read loops until the socket closes.
// In-flight calls are waited for before returning.
func (s *Server) handleConnection(ch *pushChannel) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls conc.WaitGroup
	defer calls.Wait()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.handlePing(ctx, ch)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		s.handleMessages(ctx, ch, &calls)
	}()

	wg.Wait()
}

func (s *Server) handlePing(ctx context.Context, ch *pushChannel) {
	ticker := time.NewTicker(s.opts.WebSocket.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.done:
			return
		case <-ticker.C:
			if err := ch.ping(); err != nil {
				s.logger.Debug("Failed to send ping",
					slog.String("session_id", ch.sessionID),
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) handleMessages(ctx context.Context, ch *pushChannel, calls *conc.WaitGroup) {
	conn := ch.conn
	readTimeout := s.opts.WebSocket.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error",
					slog.String("session_id", ch.sessionID),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := s.sessions.Touch(ch.sessionID); err != nil {
			_ = ch.sendNow(protocol.NewErrorResponse(nil, errors.RPCCode(err), err.Error()))
			return
		}
		s.processFrame(ctx, ch, message, calls)
	}
}

// processFrame routes one inbound frame into the bridge.
func (s *Server) processFrame(ctx context.Context, ch *pushChannel, message []byte, calls *conc.WaitGroup) {
	env, err := protocol.Parse(message)
	if err != nil {
		code := mcp.INVALID_REQUEST
		if !json.Valid(message) {
			code = mcp.PARSE_ERROR
		}
		_ = ch.Send(protocol.NewErrorResponse(recoverID(message), code, err.Error()))
		return
	}

	switch env.Kind() {
	case protocol.KindRequest:
		calls.Go(func() {
			reply := s.forwardRequest(ctx, ch.sessionID, env)
			_ = s.sessions.Touch(ch.sessionID)
			if err := ch.Send(reply); err != nil {
				s.logger.Debug("Could not deliver reply",
					slog.String("session_id", ch.sessionID),
					slog.String("error", err.Error()))
			}
		})
	case protocol.KindNotification:
		if err := s.bridge.Notify(ch.sessionID, env.Method, env.Params); err != nil {
			s.logger.Warn("Failed to forward notification",
				slog.String("session_id", ch.sessionID),
				slog.String("method", env.Method),
				slog.String("error", err.Error()))
		}
	case protocol.KindResponse:
		if err := s.bridge.Forward(ch.sessionID, env); err != nil {
			s.logger.Warn("Failed to forward response",
				slog.String("session_id", ch.sessionID),
				slog.String("error", err.Error()))
		}
	}
}

// forwardRequest runs a client request through the bridge under a fresh id
// and answers with the client's own id.
func (s *Server) forwardRequest(ctx context.Context, sessionID string, env *protocol.Envelope) *protocol.Envelope {
	result, err := s.bridge.Call(ctx, sessionID, env.Method, env.Params)
	if err == nil {
		return protocol.NewResult(env.ID, result)
	}

	var rpcErr *protocol.RPCError
	if stderrors.As(err, &rpcErr) {
		return &protocol.Envelope{JSONRPC: protocol.Version, ID: env.ID, Error: rpcErr}
	}
	reply := protocol.NewErrorResponse(env.ID, errors.RPCCode(err), err.Error())
	reply.Error.Data, _ = json.Marshal(map[string]string{"code": errors.GetCode(err)})
	return reply
}

// recoverID extracts the id of a frame that failed validation so the error
// can still be correlated.
func recoverID(message []byte) *mcp.RequestId {
	var frame struct {
		ID *mcp.RequestId `json:"id"`
	}
	if err := json.Unmarshal(message, &frame); err != nil || frame.ID == nil || frame.ID.IsNil() {
		return nil
	}
	return frame.ID
}
