// Package buffer keeps a bounded, in-memory tail of the tool server's
// diagnostic output (its stderr), so operators can see why it crashed or
// refused to start without shell access to the host.
package buffer

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

const (
	// MaxBufferSize is the maximum size of the ring buffer in bytes (1MB)
	MaxBufferSize = 1024 * 1024

	// MaxBufferAge is the maximum age of lines in the buffer
	MaxBufferAge = 30 * time.Minute

	// MaxLineSize is the maximum size of a single line (16KB)
	MaxLineSize = 16 * 1024

	// CleanupInterval is how often the background cleanup runs
	CleanupInterval = 30 * time.Second

	// DefaultCapacity is the line capacity of NewDefaultRingBuffer.
	DefaultCapacity = 1000
)

// Line is one line of tool server output.
type Line struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Pid       int       `json:"pid,omitempty"`
}

// NewLine creates a Line, truncating oversized text.
func NewLine(text string, pid int) *Line {
	if len(text) > MaxLineSize {
		text = text[:MaxLineSize]
	}
	return &Line{Text: text, Timestamp: time.Now(), Pid: pid}
}

// Size returns the approximate size of the line in bytes
func (l *Line) Size() int {
	return len(l.Text) + 8 + 4 // +8 for timestamp, +4 for pid
}

// RingBuffer is a thread-safe ring buffer for lines with size and time limits
type RingBuffer struct {
	mutex     sync.RWMutex
	entries   []*Line
	head      int // Points to the next position to write
	tail      int // Points to the oldest entry
	size      int // Number of entries in the buffer
	capacity  int // Maximum number of entries
	totalSize int // Total size in bytes
	ctx       context.Context
	cancel    context.CancelFunc
	cleanupWg sync.WaitGroup
}

// NewRingBuffer creates a new ring buffer with the specified capacity
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())

	rb := &RingBuffer{
		entries:  make([]*Line, capacity),
		capacity: capacity,
		ctx:      ctx,
		cancel:   cancel,
	}

	rb.cleanupWg.Add(1)
	go rb.backgroundCleanup()

	return rb
}

// NewDefaultRingBuffer creates a new ring buffer with default capacity
func NewDefaultRingBuffer() *RingBuffer {
	return NewRingBuffer(DefaultCapacity)
}

// Add appends a line, evicting the oldest ones when full.
func (rb *RingBuffer) Add(line *Line) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.addUnsafe(line)
	rb.evictBySizeUnsafe()
}

// AddText appends raw output from process pid.
func (rb *RingBuffer) AddText(text string, pid int) {
	rb.Add(NewLine(text, pid))
}

func (rb *RingBuffer) addUnsafe(line *Line) {
	if rb.size == rb.capacity {
		rb.dropOldestUnsafe()
	}
	rb.entries[rb.head] = line
	rb.head = (rb.head + 1) % rb.capacity
	rb.totalSize += line.Size()
	rb.size++
}

// evictBySizeUnsafe evicts entries if the buffer exceeds the size limit
func (rb *RingBuffer) evictBySizeUnsafe() {
	for rb.totalSize > MaxBufferSize && rb.size > 0 {
		rb.dropOldestUnsafe()
	}
}

// evictOlderThanUnsafe evicts entries stamped before cutoff
func (rb *RingBuffer) evictOlderThanUnsafe(cutoff time.Time) {
	for rb.size > 0 {
		entry := rb.entries[rb.tail]
		if entry == nil || !entry.Timestamp.Before(cutoff) {
			return
		}
		rb.dropOldestUnsafe()
	}
}

func (rb *RingBuffer) dropOldestUnsafe() {
	if old := rb.entries[rb.tail]; old != nil {
		rb.totalSize -= old.Size()
	}
	rb.entries[rb.tail] = nil
	rb.tail = (rb.tail + 1) % rb.capacity
	rb.size--
}

// backgroundCleanup runs time-based eviction in the background
func (rb *RingBuffer) backgroundCleanup() {
	defer rb.cleanupWg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case now := <-ticker.C:
			rb.mutex.Lock()
			rb.evictOlderThanUnsafe(now.Add(-MaxBufferAge))
			rb.mutex.Unlock()
		}
	}
}

// GetOptions filters Get.
type GetOptions struct {
	Lines   int       // Maximum number of lines to return, newest kept (0 = no limit)
	Since   time.Time // Only return lines at or after this time
	Pattern string    // Regex matched against the line text
}

// Get returns matching lines, oldest first. An invalid pattern is an error.
func (rb *RingBuffer) Get(opts GetOptions) ([]*Line, error) {
	var pattern *regexp.Regexp
	if opts.Pattern != "" {
		var err error
		pattern, err = regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern: %w", err)
		}
	}

	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	result := make([]*Line, 0, rb.size)
	for _, line := range rb.getAllEntriesUnsafe() {
		if !opts.Since.IsZero() && line.Timestamp.Before(opts.Since) {
			continue
		}
		if pattern != nil && !pattern.MatchString(line.Text) {
			continue
		}
		result = append(result, line)
	}

	if opts.Lines > 0 && len(result) > opts.Lines {
		result = result[len(result)-opts.Lines:]
	}
	return result, nil
}

// Tail returns the text of the newest n lines, oldest first.
func (rb *RingBuffer) Tail(n int) []string {
	lines, _ := rb.Get(GetOptions{Lines: n})
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

// getAllEntriesUnsafe returns all entries in chronological order without locking
func (rb *RingBuffer) getAllEntriesUnsafe() []*Line {
	result := make([]*Line, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		idx := (rb.tail + i) % rb.capacity
		if rb.entries[idx] != nil {
			result = append(result, rb.entries[idx])
		}
	}
	return result
}

// GetStats returns statistics about the ring buffer
func (rb *RingBuffer) GetStats() Stats {
	rb.mutex.RLock()
	defer rb.mutex.RUnlock()

	stats := Stats{
		LineCount:      rb.size,
		TotalSizeBytes: rb.totalSize,
		Capacity:       rb.capacity,
	}
	if entries := rb.getAllEntriesUnsafe(); len(entries) > 0 {
		stats.OldestTimestamp = &entries[0].Timestamp
		stats.NewestTimestamp = &entries[len(entries)-1].Timestamp
	}
	return stats
}

// Clear removes all entries from the ring buffer
func (rb *RingBuffer) Clear() {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	for i := range rb.entries {
		rb.entries[i] = nil
	}
	rb.head = 0
	rb.tail = 0
	rb.size = 0
	rb.totalSize = 0
}

// Close stops the background cleanup goroutine
func (rb *RingBuffer) Close() {
	rb.cancel()
	rb.cleanupWg.Wait()
}

// Stats represents statistics about the ring buffer
type Stats struct {
	LineCount       int        `json:"lineCount"`
	TotalSizeBytes  int        `json:"totalSizeBytes"`
	Capacity        int        `json:"capacity"`
	OldestTimestamp *time.Time `json:"oldestTimestamp,omitempty"`
	NewestTimestamp *time.Time `json:"newestTimestamp,omitempty"`
}

// String returns a human-readable string representation of the stats
func (s Stats) String() string {
	if s.LineCount == 0 {
		return "Ring buffer is empty"
	}
	return fmt.Sprintf("Ring buffer: %d/%d lines, %d bytes, oldest: %v, newest: %v",
		s.LineCount, s.Capacity, s.TotalSizeBytes,
		s.OldestTimestamp, s.NewestTimestamp)
}
