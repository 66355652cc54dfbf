// Package pending correlates responses from the tool server with the callers
// waiting for them.
//
// Every outstanding request has exactly one entry keyed by its correlation
// id. An entry is settled exactly once: by a response, by its deadline, or by
// a cancellation (connection loss or session expiry). Settling an unknown id
// is a no-op, so duplicate and late responses are harmless.
package pending

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

// DefaultTimeout is the deadline applied to every request.
const DefaultTimeout = 30 * time.Second

// Result is delivered exactly once per registered request. Exactly one of
// Response and Err is set.
type Result struct {
	Response *protocol.Envelope
	Err      error
}

type entry struct {
	id           string
	sessionID    string
	done         chan Result
	timer        *time.Timer
	registeredAt time.Time
}

// Observer is notified when entries are settled. Used for metrics.
type Observer interface {
	RequestSettled(outcome string, waited time.Duration)
}

// Outcomes reported to the Observer.
const (
	OutcomeResponse  = "response"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Table is the set of outstanding requests.
type Table struct {
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer

	mutex     sync.Mutex
	entries   map[string]*entry
	bySession map[string]map[string]struct{}
}

// NewTable creates a table whose entries expire after timeout. A zero
// timeout means DefaultTimeout.
func NewTable(timeout time.Duration, logger *slog.Logger) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		timeout:   timeout,
		logger:    logger,
		entries:   make(map[string]*entry),
		bySession: make(map[string]map[string]struct{}),
	}
}

// SetObserver installs an observer. Call before use.
func (t *Table) SetObserver(o Observer) {
	t.observer = o
}

// Timeout returns the deadline applied to every entry.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}

// Register creates an entry for id, owned by sessionID (which may be empty),
// and starts its deadline. The returned channel receives the single Result.
func (t *Table) Register(id, sessionID string) (<-chan Result, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.entries[id]; exists {
		return nil, errors.ProtocolError(errors.CodeDuplicateID, "request id already outstanding", nil).
			WithDetails("request_id", id)
	}

	e := &entry{
		id:           id,
		sessionID:    sessionID,
		done:         make(chan Result, 1),
		registeredAt: time.Now(),
	}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(e) })

	t.entries[id] = e
	if sessionID != "" {
		ids, ok := t.bySession[sessionID]
		if !ok {
			ids = make(map[string]struct{})
			t.bySession[sessionID] = ids
		}
		ids[id] = struct{}{}
	}
	return e.done, nil
}

// removeLocked detaches e from the table. Caller holds the mutex.
func (t *Table) removeLocked(e *entry) {
	delete(t.entries, e.id)
	if e.sessionID != "" {
		if ids, ok := t.bySession[e.sessionID]; ok {
			delete(ids, e.id)
			if len(ids) == 0 {
				delete(t.bySession, e.sessionID)
			}
		}
	}
}

func (t *Table) deliver(e *entry, result Result, outcome string) {
	e.done <- result
	if t.observer != nil {
		t.observer.RequestSettled(outcome, time.Since(e.registeredAt))
	}
}

// Settle resolves id with the response. It reports false, and does nothing,
// when no entry is registered for id.
func (t *Table) Settle(id string, response *protocol.Envelope) bool {
	t.mutex.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mutex.Unlock()
		t.logger.Debug("Ignoring response for unknown request", slog.String("request_id", id))
		return false
	}
	e.timer.Stop()
	t.removeLocked(e)
	t.mutex.Unlock()

	t.deliver(e, Result{Response: response}, OutcomeResponse)
	return true
}

// Reject settles id with err. It reports false when id is unknown.
func (t *Table) Reject(id string, err error) bool {
	t.mutex.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mutex.Unlock()
		return false
	}
	e.timer.Stop()
	t.removeLocked(e)
	t.mutex.Unlock()

	t.deliver(e, Result{Err: err}, OutcomeCancelled)
	return true
}

// Expire rejects id with a timeout error. It reports false when id is
// unknown. The deadline timer calls it automatically.
func (t *Table) Expire(id string) bool {
	t.mutex.Lock()
	e, ok := t.entries[id]
	t.mutex.Unlock()
	if !ok {
		return false
	}
	return t.expire(e)
}

func (t *Table) expire(e *entry) bool {
	t.mutex.Lock()
	// The id may have been settled, or even reused, since the timer fired.
	if current, ok := t.entries[e.id]; !ok || current != e {
		t.mutex.Unlock()
		return false
	}
	e.timer.Stop()
	t.removeLocked(e)
	t.mutex.Unlock()

	t.logger.Warn("Request timed out",
		slog.String("request_id", e.id),
		slog.String("session_id", e.sessionID),
		slog.Duration("timeout", t.timeout))
	t.deliver(e, Result{Err: errors.TimeoutError(e.id, t.timeout)}, OutcomeTimeout)
	return true
}

// CancelAll rejects every outstanding entry with a connection lost error
// carrying reason, and empties the table. It returns the number rejected.
func (t *Table) CancelAll(reason string) int {
	t.mutex.Lock()
	victims := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		e.timer.Stop()
		victims = append(victims, e)
	}
	t.entries = make(map[string]*entry)
	t.bySession = make(map[string]map[string]struct{})
	t.mutex.Unlock()

	for _, e := range victims {
		t.deliver(e, Result{Err: errors.ConnectionLostError(reason, nil)}, OutcomeCancelled)
	}
	if len(victims) > 0 {
		t.logger.Info("Cancelled outstanding requests",
			slog.Int("count", len(victims)),
			slog.String("reason", reason))
	}
	return len(victims)
}

// CancelSession rejects only the entries owned by sessionID.
func (t *Table) CancelSession(sessionID string, err error) int {
	t.mutex.Lock()
	ids := t.bySession[sessionID]
	victims := make([]*entry, 0, len(ids))
	for id := range ids {
		e := t.entries[id]
		e.timer.Stop()
		delete(t.entries, id)
		victims = append(victims, e)
	}
	delete(t.bySession, sessionID)
	t.mutex.Unlock()

	for _, e := range victims {
		t.deliver(e, Result{Err: err}, OutcomeCancelled)
	}
	return len(victims)
}

// Has reports whether id is outstanding.
func (t *Table) Has(id string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.entries)
}

// SessionIDs returns the outstanding ids owned by sessionID.
func (t *Table) SessionIDs(sessionID string) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	ids := make([]string, 0, len(t.bySession[sessionID]))
	for id := range t.bySession[sessionID] {
		ids = append(ids, id)
	}
	return ids
}
