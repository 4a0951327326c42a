package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the signaling service
type Metrics struct {
	// Signaling metrics
	EventsReceived    *prometheus.CounterVec
	EventErrors       *prometheus.CounterVec
	BroadcastsSent    prometheus.Counter
	ActiveConnections prometheus.Gauge

	// Session metrics
	ActiveRooms      prometheus.Gauge
	RoomsCreated     prometheus.Counter
	RoomsClosed      prometheus.Counter
	ActiveTransports prometheus.Gauge
	ActiveProducers  prometheus.Gauge
	ActiveConsumers  prometheus.Gauge

	// Engine metrics
	EngineOpDuration *prometheus.HistogramVec
	WorkerDeaths     prometheus.Counter

	// Fanout metrics
	FanoutPublished prometheus.Counter
	FanoutReceived  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Signaling metrics
		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linkup_events_received_total",
			Help: "Total number of signaling events received",
		}, []string{"event"}),
		EventErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linkup_event_errors_total",
			Help: "Total number of signaling events that failed",
		}, []string{"event"}),
		BroadcastsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkup_broadcasts_sent_total",
			Help: "Total number of room broadcast messages sent",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkup_active_connections",
			Help: "Current number of signaling connections",
		}),

		// Session metrics
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkup_active_rooms",
			Help: "Current number of rooms",
		}),
		RoomsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkup_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		RoomsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkup_rooms_closed_total",
			Help: "Total number of rooms closed",
		}),
		ActiveTransports: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkup_active_transports",
			Help: "Current number of media transports",
		}),
		ActiveProducers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkup_active_producers",
			Help: "Current number of media producers",
		}),
		ActiveConsumers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "linkup_active_consumers",
			Help: "Current number of media consumers",
		}),

		// Engine metrics
		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkup_engine_op_duration_seconds",
			Help:    "Duration of media engine operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"op"}),
		WorkerDeaths: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkup_worker_deaths_total",
			Help: "Total number of media worker deaths",
		}),

		// Fanout metrics
		FanoutPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkup_fanout_published_total",
			Help: "Total number of cross-instance events published",
		}),
		FanoutReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "linkup_fanout_received_total",
			Help: "Total number of cross-instance events received",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "linkup_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkup_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Recording helpers are nil-safe so callers can run without metrics,
// which tests rely on to avoid registering collectors twice.

// RecordEvent increments the events received counter for one event kind
func (m *Metrics) RecordEvent(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

// RecordEventError increments the event errors counter for one event kind
func (m *Metrics) RecordEventError(event string) {
	if m == nil {
		return
	}
	m.EventErrors.WithLabelValues(event).Inc()
}

// RecordBroadcast increments the broadcasts sent counter
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.BroadcastsSent.Inc()
}

// AddConnections adjusts the active connections gauge
func (m *Metrics) AddConnections(delta int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(float64(delta))
}

// SetActiveRooms sets the current number of rooms
func (m *Metrics) SetActiveRooms(count int) {
	if m == nil {
		return
	}
	m.ActiveRooms.Set(float64(count))
}

// RecordRoomCreated increments the rooms created counter
func (m *Metrics) RecordRoomCreated() {
	if m == nil {
		return
	}
	m.RoomsCreated.Inc()
}

// RecordRoomClosed increments the rooms closed counter
func (m *Metrics) RecordRoomClosed() {
	if m == nil {
		return
	}
	m.RoomsClosed.Inc()
}

// AddTransports adjusts the active transports gauge
func (m *Metrics) AddTransports(delta int) {
	if m == nil {
		return
	}
	m.ActiveTransports.Add(float64(delta))
}

// AddProducers adjusts the active producers gauge
func (m *Metrics) AddProducers(delta int) {
	if m == nil {
		return
	}
	m.ActiveProducers.Add(float64(delta))
}

// AddConsumers adjusts the active consumers gauge
func (m *Metrics) AddConsumers(delta int) {
	if m == nil {
		return
	}
	m.ActiveConsumers.Add(float64(delta))
}

// RecordEngineOp records the duration of one media engine operation
func (m *Metrics) RecordEngineOp(op string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EngineOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

// RecordWorkerDeath increments the worker deaths counter
func (m *Metrics) RecordWorkerDeath() {
	if m == nil {
		return
	}
	m.WorkerDeaths.Inc()
}

// RecordFanoutPublished increments the fanout published counter
func (m *Metrics) RecordFanoutPublished() {
	if m == nil {
		return
	}
	m.FanoutPublished.Inc()
}

// RecordFanoutReceived increments the fanout received counter
func (m *Metrics) RecordFanoutReceived() {
	if m == nil {
		return
	}
	m.FanoutReceived.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
