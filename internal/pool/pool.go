package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/standevel/linkup-api/internal/engine"
)

// Config contains worker pool parameters
type Config struct {
	NumWorkers  int
	Strategy    string
	MinPort     int
	MaxPort     int
	ListenIP    string
	AnnouncedIP string
}

// Selector picks the worker the next router lands on. Implementations
// see the current router count per worker, indexed like the pool's
// worker slice.
type Selector interface {
	Name() string
	Next(loads []int) int
}

// RoundRobin cycles through workers in creation order.
type RoundRobin struct {
	next int
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Next(loads []int) int {
	idx := r.next % len(loads)
	r.next++
	return idx
}

// LeastLoaded picks the worker carrying the fewest routers, lowest
// index winning ties.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least_loaded" }

func (LeastLoaded) Next(loads []int) int {
	best := 0
	for i := 1; i < len(loads); i++ {
		if loads[i] < loads[best] {
			best = i
		}
	}
	return best
}

// SelectorFor returns the selector for one configured strategy name,
// defaulting to round-robin.
func SelectorFor(strategy string) Selector {
	if strategy == "least_loaded" {
		return LeastLoaded{}
	}
	return &RoundRobin{}
}

// Pool holds the media workers and tracks how many routers each one
// carries.
type Pool struct {
	mu       sync.Mutex
	workers  []engine.Worker
	loads    []int
	index    map[string]int
	selector Selector
	logger   *slog.Logger
	closed   bool
}

// New creates the configured number of workers, splitting the RTC port
// range between them. Worker death is fatal for the whole service, so
// every worker's death observer reports into onFatal.
func New(ctx context.Context, eng engine.Engine, cfg Config, logger *slog.Logger, onFatal func(error)) (*Pool, error) {
	if cfg.NumWorkers < 1 {
		return nil, fmt.Errorf("pool needs at least 1 worker, got %d", cfg.NumWorkers)
	}

	span := (cfg.MaxPort - cfg.MinPort + 1) / cfg.NumWorkers
	if span < 2 {
		return nil, fmt.Errorf("port range %d-%d too narrow for %d workers",
			cfg.MinPort, cfg.MaxPort, cfg.NumWorkers)
	}

	p := &Pool{
		selector: SelectorFor(cfg.Strategy),
		index:    make(map[string]int),
		logger:   logger,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		minPort := cfg.MinPort + i*span
		maxPort := minPort + span - 1
		if i == cfg.NumWorkers-1 {
			maxPort = cfg.MaxPort
		}

		w, err := eng.NewWorker(ctx, engine.WorkerOptions{
			MinPort:     uint16(minPort),
			MaxPort:     uint16(maxPort),
			ListenIP:    cfg.ListenIP,
			AnnouncedIP: cfg.AnnouncedIP,
		})
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create worker %d: %w", i, err)
		}

		workerID := w.ID()
		w.OnDied(func(cause error) {
			logger.Error("Media worker died",
				slog.String("worker_id", workerID),
				slog.String("error", cause.Error()),
			)
			onFatal(fmt.Errorf("worker %s died: %w", workerID, cause))
		})

		p.index[workerID] = i
		p.workers = append(p.workers, w)
		p.loads = append(p.loads, 0)

		logger.Info("Media worker started",
			slog.String("worker_id", workerID),
			slog.Int("rtc_min_port", minPort),
			slog.Int("rtc_max_port", maxPort),
		)
	}

	logger.Info("Worker pool ready",
		slog.Int("workers", len(p.workers)),
		slog.String("strategy", p.selector.Name()),
	)

	return p, nil
}

// Next picks a worker for a new router and counts the router against it.
func (p *Pool) Next() (engine.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.workers) == 0 {
		return nil, fmt.Errorf("worker pool is closed")
	}

	idx := p.selector.Next(p.loads)
	if idx < 0 || idx >= len(p.workers) {
		return nil, fmt.Errorf("selector %s returned invalid index %d", p.selector.Name(), idx)
	}
	p.loads[idx]++
	return p.workers[idx], nil
}

// Release drops one router from a worker's load count.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index[workerID]
	if !ok {
		return
	}
	if p.loads[idx] > 0 {
		p.loads[idx]--
	}
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close shuts down every worker.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			p.logger.Warn("Failed to close worker",
				slog.String("worker_id", w.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}
