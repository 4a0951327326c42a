package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/standevel/linkup-api/internal/config"
	"github.com/standevel/linkup-api/internal/engine"
	"github.com/standevel/linkup-api/internal/fanout"
	"github.com/standevel/linkup-api/internal/metrics"
	"github.com/standevel/linkup-api/internal/room"
)

// Server accepts signaling connections and routes their events to room
// operations. One instance of the service runs exactly one Server.
type Server struct {
	cfg        config.ServerConfig
	registry   *room.Registry
	bus        fanout.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	instanceID string
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.Mutex
	conns   map[string]*conn
	members map[string]map[string]*conn
}

// NewServer wires the signaling server to the registry and the fanout
// bus. It subscribes to the bus immediately.
func NewServer(cfg config.ServerConfig, registry *room.Registry, bus fanout.Bus, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		bus:        bus,
		metrics:    m,
		logger:     logger,
		instanceID: uuid.NewString(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:   make(map[string]*conn),
		members: make(map[string]map[string]*conn),
	}

	registry.SetConsumerClosedHook(s.onConsumerClosed)
	bus.Subscribe(s.onFanoutEvent)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler: mux,
	}

	return s
}

// InstanceID returns this server's fanout origin id.
func (s *Server) InstanceID() string { return s.instanceID }

// Start begins accepting signaling connections.
func (s *Server) Start() error {
	s.logger.Info("Starting signaling server",
		slog.String("address", s.httpServer.Addr),
		slog.String("instance_id", s.instanceID),
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Signaling server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping signaling server...")

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	return err
}

// Handler returns the signaling HTTP handler, used by tests to serve
// over httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleWS upgrades one HTTP request into a signaling connection and
// runs its read loop until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	c := newConn(uuid.NewString(), ws, s.logger, s.cfg.GetWriteTimeout())

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.metrics.AddConnections(1)

	s.logger.Info("Client connected",
		slog.String("connection_id", c.id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ws.SetReadLimit(s.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.GetPongTimeout()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.GetPongTimeout()))
	})

	done := make(chan struct{})
	go s.pingLoop(c, done)

	defer func() {
		close(done)
		s.disconnect(c)
	}()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Read failed",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			c.sendError("", "Malformed message")
			continue
		}

		s.dispatch(c, env)
	}
}

func (s *Server) pingLoop(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.GetPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// dispatch routes one envelope to its handler. Handler failures turn
// into error envelopes; the connection always survives.
func (s *Server) dispatch(c *conn, env Envelope) {
	s.metrics.RecordEvent(env.Event)

	var (
		resp any
		err  error
	)
	ctx := context.Background()

	switch env.Event {
	case EventCreateRoom:
		resp, err = s.handleCreateRoom(ctx, c, env.Data)
	case EventJoinRoom:
		resp, err = s.handleJoinRoom(ctx, c, env.Data)
	case EventCreateTransport:
		resp, err = s.handleCreateTransport(ctx, c, env.Data)
	case EventConnectTransport:
		resp, err = s.handleConnectTransport(ctx, c, env.Data)
	case EventProduce:
		resp, err = s.handleProduce(ctx, c, env.Data)
	case EventConsume:
		resp, err = s.handleConsume(ctx, c, env.Data)
	case EventResumeConsumer:
		resp, err = s.handleResumeConsumer(ctx, c, env.Data)
	case EventGetExistingProducers:
		resp, err = s.handleGetExistingProducers(ctx, c, env.Data)
	case EventCreateDataProducer:
		resp, err = s.handleCreateDataProducer(ctx, c, env.Data)
	case EventCreateDataConsumer:
		resp, err = s.handleCreateDataConsumer(ctx, c, env.Data)
	case EventSendData:
		resp, err = s.handleSendData(ctx, c, env.Data)
	default:
		s.metrics.RecordEventError(env.Event)
		c.sendError(env.Event, "Unknown event")
		return
	}

	if err != nil {
		s.metrics.RecordEventError(env.Event)
		s.logger.Warn("Event failed",
			slog.String("connection_id", c.id),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
		c.sendError(env.Event, publicError(err))
		return
	}

	if err := c.sendEvent(env.Event, resp); err != nil {
		s.logger.Debug("Failed to send response",
			slog.String("connection_id", c.id),
			slog.String("event", env.Event),
			slog.String("error", err.Error()),
		)
	}
}

// decode unmarshals a request payload and runs its field validation.
func decode(data json.RawMessage, v interface{ validate() error }) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return protocolError{"invalid payload"}
		}
	}
	return v.validate()
}

func (s *Server) handleCreateRoom(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req createRoomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, _, err := s.registry.GetOrCreate(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	s.join(c, req.RoomID)

	return roomResponse{RoomID: req.RoomID, RouterCapabilities: r.RouterCapabilities()}, nil
}

func (s *Server) handleJoinRoom(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req createRoomRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}
	s.join(c, req.RoomID)

	return roomResponse{RoomID: req.RoomID, RouterCapabilities: r.RouterCapabilities()}, nil
}

func (s *Server) handleCreateTransport(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req createTransportRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	info, err := r.CreateTransport(ctx, c.id)
	if err != nil {
		return nil, err
	}

	return transportResponse{
		ID:             info.ID,
		ICEParameters:  info.ICEParameters,
		ICECandidates:  info.ICECandidates,
		DTLSParameters: info.DTLSParameters,
		RoomID:         req.RoomID,
		Type:           req.Type,
	}, nil
}

func (s *Server) handleConnectTransport(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req connectTransportRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	params := engine.ConnectParameters{
		DTLSParameters: req.DTLSParameters,
		ICEParameters:  req.ICEParameters,
	}
	if err := r.ConnectTransport(ctx, req.TransportID, params); err != nil {
		return nil, err
	}

	return connectTransportResponse{TransportID: req.TransportID}, nil
}

func (s *Server) handleProduce(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req produceRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	producerID, err := r.Produce(ctx, req.TransportID, c.id, engine.MediaKind(req.Kind), req.RTPParameters, req.AppData)
	if err != nil {
		return nil, err
	}

	broadcast := newProducerBroadcast{
		ProducerID: producerID,
		Kind:       req.Kind,
		RoomID:     req.RoomID,
	}
	s.broadcastRoom(req.RoomID, c.id, EventNewProducer, broadcast)
	s.publishFanout(ctx, req.RoomID, EventNewProducer, broadcast)

	return produceResponse{ProducerID: producerID}, nil
}

func (s *Server) handleConsume(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req consumeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	info, err := r.Consume(ctx, req.TransportID, c.id, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		return nil, err
	}

	return consumeResponse{
		ID:            info.ID,
		ProducerID:    info.ProducerID,
		Kind:          string(info.Kind),
		RTPParameters: info.RTPParameters,
		AppData:       info.AppData,
	}, nil
}

func (s *Server) handleResumeConsumer(_ context.Context, _ *conn, data json.RawMessage) (any, error) {
	var req resumeConsumerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	if err := r.ResumeConsumer(req.ConsumerID); err != nil {
		return nil, err
	}

	return resumeConsumerResponse{Message: "resumed"}, nil
}

func (s *Server) handleGetExistingProducers(_ context.Context, _ *conn, data json.RawMessage) (any, error) {
	var req getExistingProducersRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	producers := r.OtherProducers(req.ExcludingProducerID)
	resp := make([]existingProducer, 0, len(producers))
	for _, p := range producers {
		resp = append(resp, existingProducer{ID: p.ID, AppData: p.AppData})
	}
	return resp, nil
}

func (s *Server) handleCreateDataProducer(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req createDataProducerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	dataProducerID, err := r.ProduceData(ctx, req.TransportID, c.id, req.Label, req.Protocol)
	if err != nil {
		return nil, err
	}

	return createDataProducerResponse{DataProducerID: dataProducerID}, nil
}

func (s *Server) handleCreateDataConsumer(ctx context.Context, c *conn, data json.RawMessage) (any, error) {
	var req createDataConsumerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	r, err := s.registry.Get(req.RoomID)
	if err != nil {
		return nil, err
	}

	info, err := r.ConsumeData(ctx, req.TransportID, c.id, req.DataProducerID)
	if err != nil {
		return nil, err
	}

	return createDataConsumerResponse{DataConsumerID: info.ID}, nil
}

// handleSendData acknowledges a data message. Payload delivery itself
// rides the SCTP data channels, not the signaling socket.
func (s *Server) handleSendData(_ context.Context, _ *conn, _ json.RawMessage) (any, error) {
	return struct{}{}, nil
}

// join adds a connection to a room's local membership.
func (s *Server) join(c *conn, roomID string) {
	if !c.joinRoom(roomID) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[roomID] == nil {
		s.members[roomID] = make(map[string]*conn)
	}
	s.members[roomID][c.id] = c
}

// broadcastRoom sends an event to every local member of a room except
// one connection.
func (s *Server) broadcastRoom(roomID, exceptConnID, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.members[roomID]))
	for id, member := range s.members[roomID] {
		if id == exceptConnID {
			continue
		}
		targets = append(targets, member)
	}
	s.mu.Unlock()

	env := Envelope{Event: event, Data: raw}
	for _, member := range targets {
		if err := member.send(env); err != nil {
			s.logger.Debug("Failed to deliver broadcast",
				slog.String("connection_id", member.id),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.metrics.RecordBroadcast()
	}
}

// publishFanout hands a broadcast to the bus so other instances can
// deliver it to their local members.
func (s *Server) publishFanout(ctx context.Context, roomID, kind string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("Failed to marshal fanout event",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}

	event := fanout.Event{
		RoomID: roomID,
		Origin: s.instanceID,
		Kind:   kind,
		Data:   raw,
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish fanout event",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordFanoutPublished()
}

// onFanoutEvent delivers bus events from other instances to local
// members. Events this instance published are skipped because local
// delivery already happened directly.
func (s *Server) onFanoutEvent(event fanout.Event) {
	if event.Origin == s.instanceID {
		return
	}
	s.metrics.RecordFanoutReceived()

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.members[event.RoomID]))
	for _, member := range s.members[event.RoomID] {
		targets = append(targets, member)
	}
	s.mu.Unlock()

	env := Envelope{Event: event.Kind, Data: event.Data}
	for _, member := range targets {
		if err := member.send(env); err != nil {
			s.logger.Debug("Failed to deliver fanout event",
				slog.String("connection_id", member.id),
				slog.String("event", event.Kind),
				slog.String("error", err.Error()),
			)
		}
	}
}

// onConsumerClosed tells a consumer's owner its producer went away.
func (s *Server) onConsumerClosed(roomID, ownerID, consumerID, producerID string) {
	s.mu.Lock()
	c := s.conns[ownerID]
	s.mu.Unlock()
	if c == nil {
		return
	}

	broadcast := producerClosedBroadcast{
		ProducerID: producerID,
		ConsumerID: consumerID,
		RoomID:     roomID,
	}
	if err := c.sendEvent(EventProducerClosed, broadcast); err != nil {
		s.logger.Debug("Failed to notify consumer owner",
			slog.String("connection_id", ownerID),
			slog.String("error", err.Error()),
		)
	}
}

// disconnect tears down everything one connection owned across its
// rooms, tells the remaining members, and drops rooms that emptied.
func (s *Server) disconnect(c *conn) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.metrics.AddConnections(-1)

	ctx := context.Background()
	for _, roomID := range c.joinedRooms() {
		s.mu.Lock()
		if members, ok := s.members[roomID]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(s.members, roomID)
			}
		}
		s.mu.Unlock()

		r, err := s.registry.Get(roomID)
		if err != nil {
			continue
		}

		for _, producerID := range r.CloseOwned(c.id) {
			broadcast := producerClosedBroadcast{ProducerID: producerID, RoomID: roomID}
			s.broadcastRoom(roomID, c.id, EventProducerClosed, broadcast)
			s.publishFanout(ctx, roomID, EventProducerClosed, broadcast)
		}

		s.mu.Lock()
		remaining := len(s.members[roomID])
		s.mu.Unlock()
		if remaining == 0 {
			s.registry.CloseIfEmpty(roomID)
		}
	}

	s.logger.Info("Client disconnected",
		slog.String("connection_id", c.id),
	)
}
