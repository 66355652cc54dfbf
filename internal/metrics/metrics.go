// Package metrics exposes bridge activity as prometheus collectors.
//
// This package implements:
// - Request outcome and latency tracking for the pending request table
// - Connection state and reconnect tracking for the controller
// - HTTP and push channel traffic counters for the front end
// - Gauges sampled on scrape (pending, queued, sessions, subprocess stats)
//
// Example usage:
//
//	reg := prometheus.NewRegistry()
//	monitor := metrics.NewMonitor(reg)
//	b := bridge.New(spawner, bridge.Options{Observer: monitor})
//	b.Pending().SetObserver(monitor)
//	monitor.Watch(b, sessions)
package metrics

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bebsworthy/toolbridge/internal/bridge"
)

const namespace = "toolbridge"

// Source is sampled on every scrape.
type Source interface {
	Health() bridge.Health
}

// Counter is anything that can report a count, such as the session manager.
type Counter interface {
	Count() int
}

// Monitor owns every bridge collector.
type Monitor struct {
	logger   *slog.Logger
	registry prometheus.Registerer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	state           *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	malformed       prometheus.Counter
	notifications   prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	pushChannels    prometheus.Gauge

	watchOnce sync.Once
}

// NewMonitor creates the collectors and registers them on reg.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		logger:   slog.Default().With(slog.String("component", "metrics")),
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests to the tool server by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from sending a request to settling it",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "1 for the current connection state of the tool server",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Tool server reconnect attempts by result",
			},
			[]string{"result"},
		),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_lines_total",
			Help:      "Lines from the tool server that were not valid envelopes",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Unsolicited messages from the tool server",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		pushChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_channels",
			Help:      "Open WebSocket push channels",
		}),
	}

	reg.MustRegister(
		m.requests, m.requestDuration, m.state, m.reconnects,
		m.malformed, m.notifications, m.httpRequests, m.httpDuration, m.pushChannels,
	)
	for _, s := range []bridge.State{
		bridge.StateDisconnected, bridge.StateConnecting, bridge.StateConnected,
		bridge.StateReconnecting, bridge.StateFailed,
	} {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	m.state.WithLabelValues(bridge.StateDisconnected.String()).Set(1)
	return m
}

// SetLogger sets the logger for metrics output
func (m *Monitor) SetLogger(logger *slog.Logger) {
	m.logger = logger.With(slog.String("component", "metrics"))
}

// Watch registers gauges sampled from the bridge and the session manager on
// every scrape. Only the first call has an effect.
func (m *Monitor) Watch(source Source, sessions Counter) {
	m.watchOnce.Do(func() {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Requests waiting for a response",
			}, func() float64 { return float64(source.Health().PendingRequests) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_messages",
				Help:      "Messages held until the tool server is back",
			}, func() float64 { return float64(source.Health().QueuedMessages) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Live client sessions",
			}, func() float64 { return float64(sessions.Count()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subprocess_up",
				Help:      "1 when the tool server process is alive",
			}, func() float64 {
				if source.Health().SubprocessAlive {
					return 1
				}
				return 0
			}),
			newProcessCollector(func() int { return source.Health().Pid }, m.logger),
		)
	})
}

// RequestSettled implements pending.Observer.
func (m *Monitor) RequestSettled(outcome string, waited time.Duration) {
	m.requests.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(waited.Seconds())
}

// StateChanged implements bridge.Observer.
func (m *Monitor) StateChanged(from, to bridge.State) {
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
}

// ReconnectAttempt implements bridge.Observer.
func (m *Monitor) ReconnectAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// MalformedLine implements bridge.Observer.
func (m *Monitor) MalformedLine() {
	m.malformed.Inc()
}

// NotificationReceived implements bridge.Observer.
func (m *Monitor) NotificationReceived() {
	m.notifications.Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Monitor) ObserveHTTP(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// PushChannelOpened tracks a new WebSocket push channel.
func (m *Monitor) PushChannelOpened() {
	m.pushChannels.Inc()
}

// PushChannelClosed tracks a closed WebSocket push channel.
func (m *Monitor) PushChannelClosed() {
	m.pushChannels.Dec()
}
