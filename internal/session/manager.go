// Package session tracks the clients of the bridge.
//
// The session management system handles:
// - Session creation with random unique ids
// - Activity tracking (every request, response delivery and push frame)
// - Attaching and detaching a push channel
// - Periodic reaping of idle sessions, cancelling only their own requests
// - Thread-safe operations with concurrent access support
//
// Example usage:
//
//	sm := session.NewManager(bridge.Pending(), session.Options{
//		MaxIdle:       30 * time.Minute,
//		SweepInterval: time.Minute,
//	})
//	defer sm.Close()
//
//	s := sm.CreateSession()
//	if err := sm.Touch(s.ID); err != nil {
//		return err // an *errors.BridgeError of type session
//	}
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

const (
	// DefaultMaxIdle is how long a session may go without activity.
	DefaultMaxIdle = 30 * time.Minute

	// DefaultSweepInterval is how often idle sessions are reaped.
	DefaultSweepInterval = time.Minute
)

// Channel is a push transport attached to a session.
type Channel interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// Requests is the view of the pending request table a manager needs.
type Requests interface {
	CancelSession(sessionID string, err error) int
	SessionIDs(sessionID string) []string
}

// Session is one client of the bridge.
type Session struct {
	ID        string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`

	mutex        sync.RWMutex
	lastActivity time.Time
	channel      Channel
}

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActivity
}

// Channel returns the attached push channel, or nil.
func (s *Session) Channel() Channel {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.channel
}

// HasChannel reports whether a push channel is attached.
func (s *Session) HasChannel() bool {
	return s.Channel() != nil
}

func (s *Session) touch(now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	MaxIdle       time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Manager owns every session.
type Manager struct {
	requests Requests
	maxIdle  time.Duration
	interval time.Duration
	logger   *slog.Logger

	mutex    sync.RWMutex
	sessions map[string]*Session
	reaped   uint64

	ctx       context.Context
	cancel    context.CancelFunc
	cleanupWg sync.WaitGroup
	startTime time.Time
}

// NewManager creates a manager and starts its background sweep.
func NewManager(requests Requests, opts Options) *Manager {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm := &Manager{
		requests:  requests,
		maxIdle:   opts.MaxIdle,
		interval:  opts.SweepInterval,
		logger:    opts.Logger,
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	sm.cleanupWg.Add(1)
	go sm.backgroundCleanup()

	return sm
}

// CreateSession allocates a session with a fresh id.
func (sm *Manager) CreateSession() *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		lastActivity: now,
	}

	sm.mutex.Lock()
	sm.sessions[s.ID] = s
	sm.mutex.Unlock()

	sm.logger.Debug("Session created", slog.String("session_id", s.ID))
	return s
}

// Get returns the session with id, or an invalid session error.
func (sm *Manager) Get(id string) (*Session, error) {
	if id == "" {
		return nil, errors.InvalidSessionError("")
	}
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	s, exists := sm.sessions[id]
	if !exists {
		return nil, errors.InvalidSessionError(id)
	}
	return s, nil
}

// Touch records activity on a session.
func (sm *Manager) Touch(id string) error {
	s, err := sm.Get(id)
	if err != nil {
		return err
	}
	s.touch(time.Now())
	return nil
}

// AttachChannel sets the push channel of a session, closing any channel it
// replaces.
func (sm *Manager) AttachChannel(id string, ch Channel) error {
	s, err := sm.Get(id)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	previous := s.channel
	s.channel = ch
	s.lastActivity = time.Now()
	s.mutex.Unlock()

	if previous != nil && previous != ch {
		_ = previous.Close()
	}
	return nil
}

// DetachChannel dissociates ch from the session. It does nothing if another
// channel has been attached since. The session itself survives.
func (sm *Manager) DetachChannel(id string, ch Channel) {
	s, err := sm.Get(id)
	if err != nil {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.channel == ch {
		s.channel = nil
	}
}

// PendingRequests returns the outstanding request ids of a session.
func (sm *Manager) PendingRequests(id string) ([]string, error) {
	if _, err := sm.Get(id); err != nil {
		return nil, err
	}
	return sm.requests.SessionIDs(id), nil
}

// RemoveSession releases a session: its outstanding requests are rejected
// with err and its channel is closed.
func (sm *Manager) RemoveSession(id string, err error) error {
	sm.mutex.Lock()
	s, exists := sm.sessions[id]
	if !exists {
		sm.mutex.Unlock()
		return errors.InvalidSessionError(id)
	}
	delete(sm.sessions, id)
	sm.mutex.Unlock()

	sm.release(s, err)
	return nil
}

func (sm *Manager) release(s *Session, err error) {
	if err == nil {
		err = errors.ConnectionLostError("session closed", nil)
	}
	cancelled := 0
	if sm.requests != nil {
		cancelled = sm.requests.CancelSession(s.ID, err)
	}

	s.mutex.Lock()
	ch := s.channel
	s.channel = nil
	s.mutex.Unlock()
	if ch != nil {
		_ = ch.Close()
	}

	sm.logger.Debug("Session released",
		slog.String("session_id", s.ID),
		slog.Int("cancelled_requests", cancelled))
}

// ReapInactive removes every session whose last activity is strictly older
// than the idle limit at now. It returns the reaped ids.
func (sm *Manager) ReapInactive(now time.Time) []string {
	threshold := now.Add(-sm.maxIdle)

	sm.mutex.Lock()
	var expired []*Session
	for id, s := range sm.sessions {
		if s.LastActivity().Before(threshold) {
			expired = append(expired, s)
			delete(sm.sessions, id)
		}
	}
	sm.reaped += uint64(len(expired))
	sm.mutex.Unlock()

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		sm.release(s, errors.ConnectionLostError("session expired", nil).WithDetails("session_id", s.ID))
		ids = append(ids, s.ID)
	}
	if len(ids) > 0 {
		sm.logger.Info("Reaped idle sessions",
			slog.Int("count", len(ids)),
			slog.Duration("max_idle", sm.maxIdle))
	}
	return ids
}

// backgroundCleanup runs periodic reaping of idle sessions
func (sm *Manager) backgroundCleanup() {
	defer sm.cleanupWg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case now := <-ticker.C:
			sm.ReapInactive(now)
		}
	}
}

// Broadcast pushes env to every attached channel. Failed sends are logged
// and skipped.
func (sm *Manager) Broadcast(env *protocol.Envelope) int {
	sm.mutex.RLock()
	targets := make(map[string]Channel, len(sm.sessions))
	for id, s := range sm.sessions {
		if ch := s.Channel(); ch != nil {
			targets[id] = ch
		}
	}
	sm.mutex.RUnlock()

	delivered := 0
	for id, ch := range targets {
		if err := ch.Send(env); err != nil {
			sm.logger.Warn("Failed to push notification",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live sessions.
func (sm *Manager) Count() int {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return len(sm.sessions)
}

// Stats represents statistics about the session manager
type Stats struct {
	TotalSessions     int     `json:"total_sessions"`
	ConnectedSessions int     `json:"connected_sessions"`
	ReapedSessions    uint64  `json:"reaped_sessions"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// String returns a human-readable string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Sessions: %d total (%d with push channel), %d reaped",
		s.TotalSessions, s.ConnectedSessions, s.ReapedSessions)
}

// Stats returns statistics about all sessions.
func (sm *Manager) Stats() Stats {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	stats := Stats{
		TotalSessions:  len(sm.sessions),
		ReapedSessions: sm.reaped,
		UptimeSeconds:  time.Since(sm.startTime).Seconds(),
	}
	for _, s := range sm.sessions {
		if s.HasChannel() {
			stats.ConnectedSessions++
		}
	}
	return stats
}

// Close stops the sweep and releases every session with err.
func (sm *Manager) Close(err error) {
	sm.cancel()
	sm.cleanupWg.Wait()

	sm.mutex.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mutex.Unlock()

	for _, s := range sessions {
		sm.release(s, err)
	}
}
