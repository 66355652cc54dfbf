package buffer

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer(100)
	defer rb.Close()

	if rb.capacity != 100 {
		t.Errorf("Expected capacity 100, got %d", rb.capacity)
	}

	stats := rb.GetStats()
	if stats.LineCount != 0 {
		t.Errorf("Expected empty buffer, got %d lines", stats.LineCount)
	}
}

func TestNewRingBuffer_DefaultCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	defer rb.Close()

	if rb.capacity != DefaultCapacity {
		t.Errorf("Expected default capacity %d, got %d", DefaultCapacity, rb.capacity)
	}
}

func TestNewLine_Truncation(t *testing.T) {
	line := NewLine(strings.Repeat("x", MaxLineSize+100), 42)

	if len(line.Text) != MaxLineSize {
		t.Errorf("Expected text truncated to %d, got %d", MaxLineSize, len(line.Text))
	}
	if line.Pid != 42 {
		t.Errorf("Expected pid 42, got %d", line.Pid)
	}
	if line.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestRingBuffer_Add(t *testing.T) {
	rb := NewRingBuffer(3)
	defer rb.Close()

	for i := 0; i < 5; i++ {
		rb.AddText(fmt.Sprintf("line %d", i), 1)
	}

	got := rb.Tail(0)
	want := []string{"line 2", "line 3", "line 4"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}

	stats := rb.GetStats()
	if stats.LineCount != 3 {
		t.Errorf("Expected 3 lines, got %d", stats.LineCount)
	}
	expectedSize := 0
	for _, text := range want {
		expectedSize += NewLine(text, 1).Size()
	}
	if stats.TotalSizeBytes != expectedSize {
		t.Errorf("Expected %d bytes, got %d", expectedSize, stats.TotalSizeBytes)
	}
}

func TestRingBuffer_SizeBasedEviction(t *testing.T) {
	rb := NewRingBuffer(1000)
	defer rb.Close()

	text := strings.Repeat("y", MaxLineSize)
	for i := 0; i < 100; i++ {
		rb.AddText(text, 1)
	}

	stats := rb.GetStats()
	if stats.TotalSizeBytes > MaxBufferSize {
		t.Errorf("Expected at most %d bytes, got %d", MaxBufferSize, stats.TotalSizeBytes)
	}
	if stats.LineCount >= 100 {
		t.Errorf("Expected lines to be evicted, got %d", stats.LineCount)
	}
}

func TestRingBuffer_TimeBasedEviction(t *testing.T) {
	rb := NewRingBuffer(10)
	defer rb.Close()

	old := NewLine("old", 1)
	old.Timestamp = time.Now().Add(-2 * MaxBufferAge)
	rb.Add(old)
	rb.AddText("new", 1)

	rb.mutex.Lock()
	rb.evictOlderThanUnsafe(time.Now().Add(-MaxBufferAge))
	rb.mutex.Unlock()

	got := rb.Tail(0)
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("Expected only the new line, got %v", got)
	}
}

func TestRingBuffer_Get(t *testing.T) {
	rb := NewRingBuffer(10)
	defer rb.Close()

	rb.AddText("starting", 1)
	rb.AddText("error: bad config", 1)
	rb.AddText("retrying", 1)
	rb.AddText("error: gave up", 1)

	lines, err := rb.Get(GetOptions{Pattern: "^error"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Expected 2 matching lines, got %d", len(lines))
	}
	if lines[1].Text != "error: gave up" {
		t.Errorf("Expected newest match last, got %q", lines[1].Text)
	}

	lines, err = rb.Get(GetOptions{Lines: 1, Pattern: "^error"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(lines) != 1 || lines[0].Text != "error: gave up" {
		t.Errorf("Expected only the newest match, got %v", lines)
	}

	lines, err = rb.Get(GetOptions{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Expected no lines from the future, got %d", len(lines))
	}
}

func TestGetOptions_InvalidPattern(t *testing.T) {
	rb := NewRingBuffer(10)
	defer rb.Close()

	if _, err := rb.Get(GetOptions{Pattern: "[invalid"}); err == nil {
		t.Error("Expected error for invalid regex pattern")
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	defer rb.Close()

	rb.AddText("a", 1)
	rb.AddText("b", 1)
	rb.Clear()

	stats := rb.GetStats()
	if stats.LineCount != 0 || stats.TotalSizeBytes != 0 {
		t.Errorf("Expected empty buffer after clear, got %+v", stats)
	}

	rb.AddText("c", 1)
	if got := rb.Tail(0); len(got) != 1 || got[0] != "c" {
		t.Errorf("Expected buffer usable after clear, got %v", got)
	}
}

func TestStats_String(t *testing.T) {
	rb := NewRingBuffer(10)
	defer rb.Close()

	if s := rb.GetStats().String(); s != "Ring buffer is empty" {
		t.Errorf("Unexpected empty stats string: %q", s)
	}

	rb.AddText("hello", 1)
	s := rb.GetStats().String()
	if !strings.Contains(s, "1/10 lines") {
		t.Errorf("Expected line counts in %q", s)
	}
}

func TestRingBuffer_ConcurrentAccess(t *testing.T) {
	rb := NewRingBuffer(100)
	defer rb.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				rb.AddText(fmt.Sprintf("writer %d line %d", w, i), w)
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = rb.Get(GetOptions{Lines: 10, Pattern: "line"})
				_ = rb.GetStats()
			}
		}()
	}
	wg.Wait()

	if stats := rb.GetStats(); stats.LineCount != 100 {
		t.Errorf("Expected buffer full at 100 lines, got %d", stats.LineCount)
	}
}

func BenchmarkRingBuffer_Add(b *testing.B) {
	rb := NewRingBuffer(DefaultCapacity)
	defer rb.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rb.AddText("tool server diagnostic line", 1)
	}
}
