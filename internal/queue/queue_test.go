package queue

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
)

type recordingSender struct {
	sent   []string
	failAt int
}

func (s *recordingSender) Send(env *protocol.Envelope) error {
	if s.failAt > 0 && len(s.sent)+1 == s.failAt {
		s.failAt = 0
		return errors.ConnectionLostError("stdin closed", nil)
	}
	s.sent = append(s.sent, env.Key())
	return nil
}

func request(id string) *protocol.Envelope {
	return protocol.NewRequest(id, protocol.MethodToolsCall, nil)
}

func keys(ids ...string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = request(id).Key()
	}
	return out
}

func TestDrainPreservesOrder(t *testing.T) {
	q := New(0, nil)
	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("r%d", i)
		ids = append(ids, id)
		require.NoError(t, q.Enqueue(request(id), "s1"))
	}
	assert.Equal(t, 10, q.Len())

	sender := &recordingSender{}
	n, err := q.Drain(sender)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, keys(ids...), sender.sent)
	assert.Equal(t, 0, q.Len())

	stats := q.Stats()
	assert.Equal(t, uint64(10), stats.Enqueued)
	assert.Equal(t, uint64(10), stats.Drained)
}

func TestNoDeduplication(t *testing.T) {
	q := New(0, nil)
	env := request("same")
	require.NoError(t, q.Enqueue(env, ""))
	require.NoError(t, q.Enqueue(env, ""))

	sender := &recordingSender{}
	n, err := q.Drain(sender)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, keys("same", "same"), sender.sent)
}

func TestDrainStopsOnFailureAndKeepsHead(t *testing.T) {
	q := New(0, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(request(id), ""))
	}

	sender := &recordingSender{failAt: 2}
	n, err := q.Drain(sender)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrConnectionLost))
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.Len())

	n, err = q.Drain(sender)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, keys("a", "b", "c"), sender.sent)
}

func TestBoundedQueue(t *testing.T) {
	q := New(2, nil)
	require.NoError(t, q.Enqueue(request("a"), ""))
	require.NoError(t, q.Enqueue(request("b"), ""))

	err := q.Enqueue(request("c"), "")
	assert.True(t, stderrors.Is(err, errors.ErrQueueFull))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(1), q.Stats().Rejected)
}

func TestPopAndClear(t *testing.T) {
	q := New(0, nil)
	_, ok := q.Pop()
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(request("a"), "s1"))
	require.NoError(t, q.Enqueue(request("b"), "s2"))
	assert.False(t, q.Stats().Oldest.IsZero())

	head, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "s1", head.SessionID)

	cleared := q.Clear()
	require.Len(t, cleared, 1)
	assert.Equal(t, "s2", cleared[0].SessionID)
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Stats().Oldest.IsZero())
}
