package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/standevel/linkup-api/internal/config"
	"github.com/standevel/linkup-api/internal/metrics"
	"github.com/standevel/linkup-api/internal/room"
)

// Monitor provides HTTP API endpoints for monitoring
type Monitor struct {
	server   *http.Server
	logger   *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewMonitor creates a new monitoring HTTP server
func NewMonitor(cfg config.HTTPConfig, logger *slog.Logger, registry *room.Registry, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		logger:    logger,
		registry:  registry,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mon.setupRoutes(mux)

	mon.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return mon
}

// setupRoutes configures HTTP API routes
func (mon *Monitor) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", mon.withMetrics("/health", mon.handleHealth))

	mux.HandleFunc("/rooms", mon.withMetrics("/rooms", mon.handleRooms))
	mux.HandleFunc("/rooms/", mon.withMetrics("/rooms/{id}", mon.handleRoomDetail))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", mon.withMetrics("/", mon.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (mon *Monitor) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		mon.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the monitoring server
func (mon *Monitor) Start() error {
	mon.logger.Info("Starting monitoring server",
		slog.String("address", mon.server.Addr),
	)

	go func() {
		if err := mon.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mon.logger.Error("Monitoring server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the monitoring server
func (mon *Monitor) Stop(ctx context.Context) error {
	mon.logger.Info("Stopping monitoring server...")

	return mon.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (mon *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms := mon.registry.Rooms()
	transports := 0
	for _, info := range rooms {
		transports += info.Transports
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(mon.startTime).String(),
		"service": map[string]interface{}{
			"name":    "linkup-signaling",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"rooms": map[string]interface{}{
				"status":       "running",
				"active_rooms": len(rooms),
				"transports":   transports,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleRooms implements the /rooms endpoint
func (mon *Monitor) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms := mon.registry.Rooms()

	response := map[string]interface{}{
		"total_rooms": len(rooms),
		"timestamp":   time.Now().UTC(),
		"rooms":       rooms,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRoomDetail implements the /rooms/{id} endpoint
func (mon *Monitor) handleRoomDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	roomID := r.URL.Path[len("/rooms/"):]
	if roomID == "" {
		http.Error(w, "Room ID required", http.StatusBadRequest)
		return
	}

	rm, err := mon.registry.Get(roomID)
	if err != nil {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rm.Info())
}

// handleRoot implements the / endpoint with API documentation
func (mon *Monitor) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Linkup Signaling Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":           "API documentation",
			"GET /health":     "Service health check",
			"GET /rooms":      "List all rooms",
			"GET /rooms/{id}": "Get detailed room information",
			"GET /metrics":    "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
