package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_http_requests_total", Help: "HTTP requests"},
		[]string{"endpoint", "status"},
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_dispatch_runs_total", Help: "Dispatch runs by result"},
		[]string{"result"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "outreach_dispatch_run_seconds", Help: "Dispatch run duration", Buckets: prometheus.ExponentialBuckets(0.5, 2, 10)},
	)
	BatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outreach_dispatch_last_batch_size", Help: "Candidates selected by the last run"},
	)
	Items = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_dispatch_items_total", Help: "Per-conversation outcomes"},
		[]string{"state", "outcome"},
	)
	AgentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_agent_calls_total", Help: "Agent trigger outcomes"},
		[]string{"result", "http_status"},
	)
	AgentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "outreach_agent_latency_seconds", Help: "Agent trigger latency"},
	)
	Events = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_transition_events_total", Help: "Transition event publish results"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequests, Runs, RunDuration, BatchSize, Items, AgentCalls, AgentLatency, Events)
}
