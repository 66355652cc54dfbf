package bridge

import (
	"time"

	"github.com/bebsworthy/toolbridge/internal/config"
)

// State is the connection state of the bridge to its tool server.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ReconnectPolicy bounds the reconnect loop.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectPolicy doubles from one second up to thirty, five times.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// PolicyFrom converts the reconnect section of the configuration.
func PolicyFrom(cfg config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		MaxAttempts:  cfg.MaxAttempts,
	}
}

// Observer receives controller events. The metrics package implements it.
type Observer interface {
	StateChanged(from, to State)
	ReconnectAttempt(success bool)
	MalformedLine()
	NotificationReceived()
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) ReconnectAttempt(bool)     {}
func (nopObserver) MalformedLine()            {}
func (nopObserver) NotificationReceived()     {}
