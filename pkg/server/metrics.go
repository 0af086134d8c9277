package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime websocket connections accepted
	ActiveConnections atomic.Int64 // current websocket connections
	FailedAuths       atomic.Int64 // rejected credentials
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	RateLimited       atomic.Int64 // connections closed for exceeding the frame rate

	// Subscription counters
	Joins       atomic.Int64 // successful queue joins
	JoinsDenied atomic.Int64 // joins refused by the gate or the store

	// Event counters
	EventsPublished atomic.Int64 // events sequenced onto a queue
	EventsDelivered atomic.Int64 // events queued into a session outbox
	Resyncs         atomic.Int64 // snapshots re-sent after outbox overflow

	// Mutation counters
	QuestionsCreated atomic.Int64
	QuestionsDeleted atomic.Int64
	QuestionsUpdated atomic.Int64
	QueuesCreated    atomic.Int64
	QueuesDeleted    atomic.Int64

	// HTTP counters
	HTTPRequests atomic.Int64 // REST requests served
	HTTPErrors   atomic.Int64 // REST requests answered with a 4xx/5xx
	StoreErrors  atomic.Int64 // requests that failed on the store
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	RateLimited       int64 `json:"rate_limited"`

	Joins       int64 `json:"joins"`
	JoinsDenied int64 `json:"joins_denied"`

	EventsPublished int64 `json:"events_published"`
	EventsDelivered int64 `json:"events_delivered"`
	Resyncs         int64 `json:"resyncs"`

	QuestionsCreated int64 `json:"questions_created"`
	QuestionsDeleted int64 `json:"questions_deleted"`
	QuestionsUpdated int64 `json:"questions_updated"`
	QueuesCreated    int64 `json:"queues_created"`
	QueuesDeleted    int64 `json:"queues_deleted"`

	HTTPRequests int64 `json:"http_requests"`
	HTTPErrors   int64 `json:"http_errors"`
	StoreErrors  int64 `json:"store_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		RateLimited:       m.RateLimited.Load(),
		Joins:             m.Joins.Load(),
		JoinsDenied:       m.JoinsDenied.Load(),
		EventsPublished:   m.EventsPublished.Load(),
		EventsDelivered:   m.EventsDelivered.Load(),
		Resyncs:           m.Resyncs.Load(),
		QuestionsCreated:  m.QuestionsCreated.Load(),
		QuestionsDeleted:  m.QuestionsDeleted.Load(),
		QuestionsUpdated:  m.QuestionsUpdated.Load(),
		QueuesCreated:     m.QueuesCreated.Load(),
		QueuesDeleted:     m.QueuesDeleted.Load(),
		HTTPRequests:      m.HTTPRequests.Load(),
		HTTPErrors:        m.HTTPErrors.Load(),
		StoreErrors:       m.StoreErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"joins", s.Joins,
		"events_published", s.EventsPublished,
		"events_delivered", s.EventsDelivered,
		"resyncs", s.Resyncs,
		"http_requests", s.HTTPRequests,
		"store_errors", s.StoreErrors,
	)
}

// LogEvery logs a metrics summary every interval until ctx ends.
func (m *Metrics) LogEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.LogSummary()
		}
	}
}
