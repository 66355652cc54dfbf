package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

const notificationBuffer = 64

// PushChannel is a WebSocket connection bound to one session. Requests sent
// on it are answered on it; tool server notifications arrive on
// Notifications.
type PushChannel struct {
	address string
	config  Config
	logger  *slog.Logger

	connMutex  sync.RWMutex
	conn       *websocket.Conn
	writeMutex sync.Mutex

	pendingMutex sync.Mutex
	pending      map[string]chan *protocol.Envelope
	nextID       atomic.Uint64

	notifications chan *protocol.Envelope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// OpenPushChannel connects to the push channel of the client's session,
// retrying with backoff.
func (c *Client) OpenPushChannel(ctx context.Context) (*PushChannel, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	p := newPushChannel(s.PushChannelAddress, c.config, c.logger)
	if err := p.ConnectWithRetry(ctx); err != nil {
		p.cancel()
		return nil, err
	}
	return p, nil
}

func newPushChannel(address string, config Config, logger *slog.Logger) *PushChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &PushChannel{
		address:       address,
		config:        config,
		logger:        logger,
		pending:       make(map[string]chan *protocol.Envelope),
		notifications: make(chan *protocol.Envelope, notificationBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Connect dials once.
func (p *PushChannel) Connect(ctx context.Context) error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()
	if p.conn != nil {
		return fmt.Errorf("already connected")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, resp, err := dialer.DialContext(ctx, p.address, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.InvalidSessionError("").WithDetails("address", p.address)
		}
		return errors.ConnectionLostError("failed to open push channel", err)
	}
	p.conn = conn

	p.wg.Add(1)
	go p.handleMessages(conn)

	p.logger.Info("Push channel connected", slog.String("address", p.address))
	return nil
}

// ConnectWithRetry connects with exponential backoff. An invalid session
// is not retried.
func (p *PushChannel) ConnectWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.ReconnectDelay
	bo.MaxInterval = p.config.MaxReconnectDelay
	bo.MaxElapsedTime = 0
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.1

	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if p.config.MaxReconnectAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(p.config.MaxReconnectAttempts))
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := p.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.IsType(err, errors.ErrorTypeSession) {
			return backoff.Permanent(err)
		}
		p.logger.Warn("Push channel connect failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return err
	}
	return backoff.Retry(operation, policy)
}

func (p *PushChannel) handleMessages(conn *websocket.Conn) {
	defer p.wg.Done()
	defer p.failPending()

	_ = conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
		p.writeMutex.Lock()
		defer p.writeMutex.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(p.config.WriteTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-p.ctx.Done():
				default:
					p.logger.Warn("Push channel read error", slog.String("error", err.Error()))
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))

		env, err := protocol.Parse(message)
		if err != nil {
			p.logger.Warn("Ignoring malformed push frame", slog.String("error", err.Error()))
			continue
		}
		if env.Kind() == protocol.KindResponse {
			p.settle(env)
			continue
		}
		select {
		case p.notifications <- env:
		default:
			p.logger.Warn("Notification buffer full, dropping message", slog.String("method", env.Method))
		}
	}
}

func (p *PushChannel) settle(env *protocol.Envelope) {
	p.pendingMutex.Lock()
	ch, ok := p.pending[env.Key()]
	delete(p.pending, env.Key())
	p.pendingMutex.Unlock()
	if ok {
		ch <- env
	}
}

func (p *PushChannel) failPending() {
	p.pendingMutex.Lock()
	defer p.pendingMutex.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

func (p *PushChannel) send(env *protocol.Envelope) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	p.connMutex.RLock()
	conn := p.conn
	p.connMutex.RUnlock()
	if conn == nil {
		return errors.ConnectionLostError("push channel not connected", nil)
	}

	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Call sends a request and waits for its reply. A JSON-RPC error reply is
// returned as *protocol.RPCError.
func (p *PushChannel) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := "c-" + strconv.FormatUint(p.nextID.Add(1), 10)
	env := protocol.NewRequest(id, method, params)
	reply := make(chan *protocol.Envelope, 1)

	p.pendingMutex.Lock()
	p.pending[env.Key()] = reply
	p.pendingMutex.Unlock()
	forget := func() {
		p.pendingMutex.Lock()
		delete(p.pending, env.Key())
		p.pendingMutex.Unlock()
	}

	if err := p.send(env); err != nil {
		forget()
		return nil, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, errors.ConnectionLostError("push channel closed", nil)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// CallTool invokes a tool over the push channel.
func (p *PushChannel) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params, err := protocol.NewToolCallParams(name, args)
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidInput, err.Error(), err)
	}
	return p.Call(ctx, protocol.MethodToolsCall, params)
}

// Notify sends a notification to the tool server.
func (p *PushChannel) Notify(method string, params json.RawMessage) error {
	return p.send(protocol.NewNotification(method, params))
}

// Notifications delivers requests and notifications pushed by the bridge.
func (p *PushChannel) Notifications() <-chan *protocol.Envelope {
	return p.notifications
}

// Close sends a close frame and waits for the reader to stop.
func (p *PushChannel) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.connMutex.Lock()
		conn := p.conn
		p.conn = nil
		p.connMutex.Unlock()
		if conn == nil {
			return
		}

		p.writeMutex.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		p.writeMutex.Unlock()
		err = conn.Close()
		p.wg.Wait()
	})
	return err
}
