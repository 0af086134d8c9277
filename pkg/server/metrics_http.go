package server

import (
	"fmt"
	"net/http"
	"time"
)

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("officehours_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("officehours_connections_active", "Current websocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("officehours_connections_total", "Lifetime websocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("officehours_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("officehours_auth_failed_total", "Rejected credentials.", "counter",
		m.FailedAuths.Load())
	write("officehours_rate_limited_total", "Connections closed for exceeding the frame rate.", "counter",
		m.RateLimited.Load())
	write("officehours_sessions_active", "Sessions currently tracked.", "gauge",
		int64(s.sessions.Count()))

	write("officehours_joins_total", "Successful queue joins.", "counter",
		m.Joins.Load())
	write("officehours_joins_denied_total", "Refused queue joins.", "counter",
		m.JoinsDenied.Load())

	write("officehours_events_published_total", "Events sequenced onto a queue.", "counter",
		m.EventsPublished.Load())
	write("officehours_events_delivered_total", "Events queued into session outboxes.", "counter",
		m.EventsDelivered.Load())
	write("officehours_resyncs_total", "Snapshots re-sent after outbox overflow.", "counter",
		m.Resyncs.Load())

	write("officehours_questions_created_total", "Questions created.", "counter",
		m.QuestionsCreated.Load())
	write("officehours_questions_deleted_total", "Questions deleted.", "counter",
		m.QuestionsDeleted.Load())
	write("officehours_questions_updated_total", "Question status changes applied.", "counter",
		m.QuestionsUpdated.Load())
	write("officehours_queues_created_total", "Queues created.", "counter",
		m.QueuesCreated.Load())
	write("officehours_queues_deleted_total", "Queues deleted.", "counter",
		m.QueuesDeleted.Load())

	write("officehours_http_requests_total", "REST requests served.", "counter",
		m.HTTPRequests.Load())
	write("officehours_http_errors_total", "REST requests answered with an error.", "counter",
		m.HTTPErrors.Load())
	write("officehours_store_errors_total", "Requests that failed on the store.", "counter",
		m.StoreErrors.Load())
}
