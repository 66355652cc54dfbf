// Package queue holds envelopes issued while the tool server is unreachable.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

// Entry is one queued envelope.
type Entry struct {
	Envelope   *protocol.Envelope
	SessionID  string
	EnqueuedAt time.Time
}

// Sender is the destination of a drain.
type Sender interface {
	Send(env *protocol.Envelope) error
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Length   int       `json:"length"`
	MaxSize  int       `json:"maxSize"`
	Enqueued uint64    `json:"enqueued"`
	Drained  uint64    `json:"drained"`
	Rejected uint64    `json:"rejected"`
	Oldest   time.Time `json:"oldest,omitempty"`
}

// Queue is a FIFO of envelopes. It never deduplicates: an envelope enqueued
// twice is sent twice.
type Queue struct {
	maxSize int
	logger  *slog.Logger

	mutex    sync.Mutex
	entries  []Entry
	enqueued uint64
	drained  uint64
	rejected uint64
}

// New creates a queue holding at most maxSize entries. Zero means unbounded.
func New(maxSize int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{maxSize: maxSize, logger: logger}
}

// Enqueue appends env at the tail. A full queue rejects the envelope with
// ErrQueueFull rather than dropping anything already queued.
func (q *Queue) Enqueue(env *protocol.Envelope, sessionID string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		q.rejected++
		return errors.ErrQueueFull
	}
	q.entries = append(q.entries, Entry{Envelope: env, SessionID: sessionID, EnqueuedAt: time.Now()})
	q.enqueued++
	return nil
}

// Pop removes and returns the head entry.
func (q *Queue) Pop() (Entry, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, false
	}
	head := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return head, true
}

func (q *Queue) pushFront(e Entry) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.entries = append([]Entry{e}, q.entries...)
}

// Drain sends queued entries to sender in FIFO order until the queue is
// empty or a send fails. A failed entry is put back at the head. It returns
// the number of entries sent.
func (q *Queue) Drain(sender Sender) (int, error) {
	sent := 0
	for {
		entry, ok := q.Pop()
		if !ok {
			break
		}
		if err := sender.Send(entry.Envelope); err != nil {
			q.pushFront(entry)
			q.logger.Warn("Queue drain interrupted",
				slog.Int("sent", sent),
				slog.Int("remaining", q.Len()),
				slog.String("error", err.Error()))
			return sent, err
		}
		sent++
		q.mutex.Lock()
		q.drained++
		q.mutex.Unlock()
	}
	if sent > 0 {
		q.logger.Info("Drained queued messages", slog.Int("count", sent))
	}
	return sent, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.entries)
}

// Clear discards every queued entry and returns them.
func (q *Queue) Clear() []Entry {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	cleared := q.entries
	q.entries = nil
	return cleared
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	s := Stats{
		Length:   len(q.entries),
		MaxSize:  q.maxSize,
		Enqueued: q.enqueued,
		Drained:  q.drained,
		Rejected: q.rejected,
	}
	if len(q.entries) > 0 {
		s.Oldest = q.entries[0].EnqueuedAt
	}
	return s
}
