package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/standevel/linkup-api/internal/engine"
	"github.com/standevel/linkup-api/internal/metrics"
	"github.com/standevel/linkup-api/internal/pool"
)

// Registry owns every room on this instance. Room creation is
// serialized so two racing requests for the same id get the same room.
type Registry struct {
	pool    *pool.Pool
	codecs  []engine.RouterCodec
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	hook   ConsumerClosedHook
	closed bool
}

// NewRegistry creates an empty registry backed by the worker pool.
func NewRegistry(p *pool.Pool, codecs []engine.RouterCodec, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		pool:    p,
		codecs:  codecs,
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]*Room),
	}
}

// SetConsumerClosedHook installs the observer rooms report closed
// consumers through. Call it before serving traffic.
func (reg *Registry) SetConsumerClosedHook(hook ConsumerClosedHook) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.hook = hook
}

// GetOrCreate returns the room for an id, creating it on first use.
// The boolean reports whether this call created it.
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, bool, error) {
	if roomID == "" {
		return nil, false, fmt.Errorf("room id cannot be empty")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.closed {
		return nil, false, fmt.Errorf("registry is closed")
	}
	if r, ok := reg.rooms[roomID]; ok {
		return r, false, nil
	}

	w, err := reg.pool.Next()
	if err != nil {
		return nil, false, fmt.Errorf("failed to pick worker for room %s: %w", roomID, err)
	}

	router, err := w.CreateRouter(ctx, reg.codecs)
	if err != nil {
		reg.pool.Release(w.ID())
		return nil, false, fmt.Errorf("failed to create router for room %s: %w", roomID, err)
	}

	hook := reg.hook
	r := newRoom(roomID, w.ID(), router, reg.logger, reg.metrics, func(roomID, ownerID, consumerID, producerID string) {
		if hook != nil {
			hook(roomID, ownerID, consumerID, producerID)
		}
	})
	reg.rooms[roomID] = r

	reg.metrics.RecordRoomCreated()
	reg.metrics.SetActiveRooms(len(reg.rooms))
	reg.logger.Info("Room created",
		slog.String("room_id", roomID),
		slog.String("worker_id", w.ID()),
	)

	return r, true, nil
}

// Get returns an existing room.
func (reg *Registry) Get(roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// Rooms returns snapshots of every room, sorted by id.
func (reg *Registry) Rooms() []Info {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	infos := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseIfEmpty tears the room down when nothing is left inside it,
// reporting whether it did.
func (reg *Registry) CloseIfEmpty(roomID string) bool {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok || !r.Empty() {
		reg.mu.Unlock()
		return false
	}
	delete(reg.rooms, roomID)
	count := len(reg.rooms)
	reg.mu.Unlock()

	r.Close()
	reg.pool.Release(r.workerID)
	reg.metrics.RecordRoomClosed()
	reg.metrics.SetActiveRooms(count)
	return true
}

// Close tears down every room.
func (reg *Registry) Close() {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Close()
		reg.pool.Release(r.workerID)
		reg.metrics.RecordRoomClosed()
	}
	reg.metrics.SetActiveRooms(0)
}
