package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standevel/linkup-api/internal/config"
	"github.com/standevel/linkup-api/internal/engine"
	"github.com/standevel/linkup-api/internal/fanout"
	"github.com/standevel/linkup-api/internal/pool"
	"github.com/standevel/linkup-api/internal/room"
)

// fakeEngine backs the signaling tests without touching the network.
type fakeEngine struct {
	mu         sync.Mutex
	nextID     int
	canConsume bool
}

func (e *fakeEngine) id(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}

func (e *fakeEngine) NewWorker(context.Context, engine.WorkerOptions) (engine.Worker, error) {
	return &fakeWorker{eng: e, workerID: e.id("worker")}, nil
}

type fakeWorker struct {
	eng      *fakeEngine
	workerID string
}

func (w *fakeWorker) ID() string         { return w.workerID }
func (w *fakeWorker) OnDied(func(error)) {}
func (w *fakeWorker) Close() error       { return nil }

func (w *fakeWorker) CreateRouter(context.Context, []engine.RouterCodec) (engine.Router, error) {
	return &fakeRouter{eng: w.eng}, nil
}

type fakeRouter struct {
	eng *fakeEngine
}

func (r *fakeRouter) Capabilities() engine.RTPCapabilities { return engine.RTPCapabilities{} }
func (r *fakeRouter) Close() error                         { return nil }

func (r *fakeRouter) CanConsume(string, engine.RTPCapabilities) bool {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()
	return r.eng.canConsume
}

func (r *fakeRouter) CreateTransport(context.Context) (engine.Transport, error) {
	return &fakeTransport{eng: r.eng, transportID: r.eng.id("transport")}, nil
}

type fakeTransport struct {
	eng         *fakeEngine
	transportID string

	mu      sync.Mutex
	closed  bool
	onClose []func(string)
}

func (t *fakeTransport) ID() string                          { return t.transportID }
func (t *fakeTransport) ICEParameters() engine.ICEParameters { return engine.ICEParameters{} }

func (t *fakeTransport) ICECandidates() []engine.ICECandidate {
	return []engine.ICECandidate{{Foundation: "0", Port: 40000}}
}

func (t *fakeTransport) DTLSParameters() engine.DTLSParameters { return engine.DTLSParameters{} }

func (t *fakeTransport) OnClose(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

func (t *fakeTransport) Connect(context.Context, engine.ConnectParameters) error { return nil }

func (t *fakeTransport) Produce(_ context.Context, kind engine.MediaKind, _ engine.RTPSendParameters, appData map[string]any) (engine.Producer, error) {
	return &fakeProducer{producerID: t.eng.id("producer"), kind: kind, appData: appData}, nil
}

func (t *fakeTransport) Consume(_ context.Context, producerID string, _ engine.RTPCapabilities) (engine.Consumer, error) {
	return &fakeConsumer{consumerID: t.eng.id("consumer"), producerID: producerID, paused: true}, nil
}

func (t *fakeTransport) ProduceData(_ context.Context, label, protocol string) (engine.DataProducer, error) {
	return &fakeDataProducer{dataProducerID: t.eng.id("dataproducer"), label: label, protocol: protocol}, nil
}

func (t *fakeTransport) ConsumeData(_ context.Context, dataProducerID string) (engine.DataConsumer, error) {
	return &fakeDataConsumer{dataConsumerID: t.eng.id("dataconsumer"), dataProducerID: dataProducerID}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	observers := make([]func(string), len(t.onClose))
	copy(observers, t.onClose)
	t.mu.Unlock()

	for _, fn := range observers {
		fn("closed")
	}
	return nil
}

type fakeProducer struct {
	producerID string
	kind       engine.MediaKind
	appData    map[string]any

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *fakeProducer) ID() string              { return p.producerID }
func (p *fakeProducer) Kind() engine.MediaKind  { return p.kind }
func (p *fakeProducer) AppData() map[string]any { return p.appData }

func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	observers := make([]func(), len(p.onClose))
	copy(observers, p.onClose)
	p.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
	return nil
}

type fakeConsumer struct {
	consumerID string
	producerID string
	paused     bool

	mu              sync.Mutex
	onProducerClose []func()
}

func (c *fakeConsumer) ID() string             { return c.consumerID }
func (c *fakeConsumer) ProducerID() string     { return c.producerID }
func (c *fakeConsumer) Kind() engine.MediaKind { return engine.KindAudio }
func (c *fakeConsumer) Paused() bool           { return c.paused }
func (c *fakeConsumer) Resume() error          { c.paused = false; return nil }
func (c *fakeConsumer) Close() error           { return nil }

func (c *fakeConsumer) RTPParameters() engine.RTPSendParameters { return engine.RTPSendParameters{} }

func (c *fakeConsumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

type fakeDataProducer struct {
	dataProducerID string
	label          string
	protocol       string
}

func (dp *fakeDataProducer) ID() string       { return dp.dataProducerID }
func (dp *fakeDataProducer) Label() string    { return dp.label }
func (dp *fakeDataProducer) Protocol() string { return dp.protocol }
func (dp *fakeDataProducer) Close() error     { return nil }

type fakeDataConsumer struct {
	dataConsumerID string
	dataProducerID string
}

func (dc *fakeDataConsumer) ID() string             { return dc.dataConsumerID }
func (dc *fakeDataConsumer) DataProducerID() string { return dc.dataProducerID }
func (dc *fakeDataConsumer) Label() string          { return "data" }
func (dc *fakeDataConsumer) Close() error           { return nil }

func newTestServer(t *testing.T) (*Server, *httptest.Server, *fakeEngine) {
	t.Helper()

	eng := &fakeEngine{canConsume: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := pool.New(context.Background(), eng, pool.Config{
		NumWorkers: 1,
		MinPort:    40000,
		MaxPort:    49999,
		ListenIP:   "0.0.0.0",
	}, logger, func(error) {})
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(p.Close)

	registry := room.NewRegistry(p, nil, logger, nil)
	t.Cleanup(registry.Close)

	bus := fanout.NewMemory()

	cfg := config.ServerConfig{
		Port:         3131,
		BindAddress:  "127.0.0.1",
		ReadLimit:    65536,
		WriteTimeout: 5,
		PingInterval: 10,
		PongTimeout:  30,
	}
	s := NewServer(cfg, registry, bus, nil, logger)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return s, ts, eng
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })

	return &testClient{t: t, ws: ws}
}

func (tc *testClient) send(event string, data any) {
	tc.t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		tc.t.Fatalf("Failed to marshal request: %v", err)
	}
	if err := tc.ws.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		tc.t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// recv reads the next envelope, failing the test after two seconds.
func (tc *testClient) recv() Envelope {
	tc.t.Helper()

	_ = tc.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := tc.ws.ReadJSON(&env); err != nil {
		tc.t.Fatalf("Failed to read envelope: %v", err)
	}
	return env
}

func (tc *testClient) expectOK(event string) map[string]any {
	tc.t.Helper()

	env := tc.recv()
	if env.Event != event {
		tc.t.Fatalf("Expected event %s, got %s (error: %s)", event, env.Event, env.Error)
	}
	if env.Error != "" {
		tc.t.Fatalf("Expected success for %s, got error: %s", event, env.Error)
	}

	var data map[string]any
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			tc.t.Fatalf("Failed to decode %s response: %v", event, err)
		}
	}
	return data
}

func (tc *testClient) expectError(event, reason string) {
	tc.t.Helper()

	env := tc.recv()
	if env.Event != event {
		tc.t.Fatalf("Expected event %s, got %s", event, env.Event)
	}
	if env.Error != reason {
		tc.t.Fatalf("Expected error %q for %s, got %q", reason, event, env.Error)
	}
}

func TestEndToEndScenario(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := dial(t, ts)
	bob := dial(t, ts)

	// Alice creates the room and a send transport.
	alice.send(EventCreateRoom, map[string]any{"roomId": "r1"})
	resp := alice.expectOK(EventCreateRoom)
	if resp["roomId"] != "r1" {
		t.Fatalf("Expected roomId r1, got %v", resp["roomId"])
	}
	if _, ok := resp["routerCapabilities"]; !ok {
		t.Fatal("Expected routerCapabilities in CREATE_ROOM response")
	}

	alice.send(EventCreateTransport, map[string]any{"roomId": "r1", "type": "send"})
	transport := alice.expectOK(EventCreateTransport)
	transportID, _ := transport["id"].(string)
	if transportID == "" {
		t.Fatal("Expected transport id")
	}
	candidates, _ := transport["iceCandidates"].([]any)
	if len(candidates) == 0 {
		t.Fatal("Expected non-empty iceCandidates")
	}

	// Bob joins before Alice produces so he sees the broadcast.
	bob.send(EventJoinRoom, map[string]any{"roomId": "r1"})
	bob.expectOK(EventJoinRoom)

	alice.send(EventProduce, map[string]any{
		"roomId":        "r1",
		"transportId":   transportID,
		"kind":          "audio",
		"rtpParameters": map[string]any{},
	})
	produced := alice.expectOK(EventProduce)
	producerID, _ := produced["producerId"].(string)
	if producerID == "" {
		t.Fatal("Expected producerId")
	}

	broadcast := bob.expectOK(EventNewProducer)
	if broadcast["producerId"] != producerID {
		t.Fatalf("Expected NEW_PRODUCER for %s, got %v", producerID, broadcast["producerId"])
	}
	if broadcast["kind"] != "audio" {
		t.Fatalf("Expected audio broadcast, got %v", broadcast["kind"])
	}

	// Bob consumes the producer on his own transport and resumes it.
	bob.send(EventCreateTransport, map[string]any{"roomId": "r1", "type": "recv"})
	bobTransport := bob.expectOK(EventCreateTransport)
	bobTransportID, _ := bobTransport["id"].(string)

	bob.send(EventConsume, map[string]any{
		"roomId":          "r1",
		"transportId":     bobTransportID,
		"producerId":      producerID,
		"rtpCapabilities": map[string]any{},
	})
	consumed := bob.expectOK(EventConsume)
	consumerID, _ := consumed["id"].(string)
	if consumerID == "" {
		t.Fatal("Expected consumer id")
	}
	if consumed["producerId"] != producerID {
		t.Fatalf("Expected consumer bound to %s, got %v", producerID, consumed["producerId"])
	}

	bob.send(EventResumeConsumer, map[string]any{"roomId": "r1", "consumerId": consumerID})
	resumed := bob.expectOK(EventResumeConsumer)
	if resumed["message"] != "resumed" {
		t.Fatalf("Expected resumed acknowledgement, got %v", resumed["message"])
	}
}

func TestUnknownEventKeepsConnectionUsable(t *testing.T) {
	_, ts, _ := newTestServer(t)

	client := dial(t, ts)
	client.send("FOO", map[string]any{})
	client.expectError("FOO", "Unknown event")

	client.send(EventCreateRoom, map[string]any{"roomId": "r2"})
	client.expectOK(EventCreateRoom)
}

func TestProtocolErrors(t *testing.T) {
	_, ts, _ := newTestServer(t)

	client := dial(t, ts)

	client.send(EventCreateRoom, map[string]any{})
	client.expectError(EventCreateRoom, "roomId is required")

	client.send(EventCreateTransport, map[string]any{"roomId": "r1"})
	client.expectError(EventCreateTransport, "type must be 'send' or 'recv'")

	client.send(EventJoinRoom, map[string]any{"roomId": "missing"})
	client.expectError(EventJoinRoom, "Room not found")
}

func TestConsumeRejection(t *testing.T) {
	_, ts, eng := newTestServer(t)

	client := dial(t, ts)
	client.send(EventCreateRoom, map[string]any{"roomId": "r1"})
	client.expectOK(EventCreateRoom)

	client.send(EventCreateTransport, map[string]any{"roomId": "r1", "type": "send"})
	transport := client.expectOK(EventCreateTransport)
	transportID, _ := transport["id"].(string)

	client.send(EventProduce, map[string]any{
		"roomId":        "r1",
		"transportId":   transportID,
		"kind":          "video",
		"rtpParameters": map[string]any{},
	})
	produced := client.expectOK(EventProduce)
	producerID, _ := produced["producerId"].(string)

	eng.mu.Lock()
	eng.canConsume = false
	eng.mu.Unlock()

	client.send(EventConsume, map[string]any{
		"roomId":          "r1",
		"transportId":     transportID,
		"producerId":      producerID,
		"rtpCapabilities": map[string]any{},
	})
	client.expectError(EventConsume, "Cannot consume")
}

func TestGetExistingProducers(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := dial(t, ts)
	alice.send(EventCreateRoom, map[string]any{"roomId": "r1"})
	alice.expectOK(EventCreateRoom)

	alice.send(EventCreateTransport, map[string]any{"roomId": "r1", "type": "send"})
	transport := alice.expectOK(EventCreateTransport)
	transportID, _ := transport["id"].(string)

	alice.send(EventProduce, map[string]any{
		"roomId":        "r1",
		"transportId":   transportID,
		"kind":          "audio",
		"rtpParameters": map[string]any{},
	})
	produced := alice.expectOK(EventProduce)
	producerID, _ := produced["producerId"].(string)

	bob := dial(t, ts)
	bob.send(EventJoinRoom, map[string]any{"roomId": "r1"})
	bob.expectOK(EventJoinRoom)

	bob.send(EventGetExistingProducers, map[string]any{"roomId": "r1"})
	env := bob.recv()
	if env.Event != EventGetExistingProducers || env.Error != "" {
		t.Fatalf("Expected producer list, got %s / %s", env.Event, env.Error)
	}
	var producers []map[string]any
	if err := json.Unmarshal(env.Data, &producers); err != nil {
		t.Fatalf("Failed to decode producer list: %v", err)
	}
	if len(producers) != 1 || producers[0]["id"] != producerID {
		t.Fatalf("Expected producer %s listed, got %v", producerID, producers)
	}

	// Excluding that producer leaves nothing.
	bob.send(EventGetExistingProducers, map[string]any{"roomId": "r1", "excludingProducerId": producerID})
	env = bob.recv()
	if err := json.Unmarshal(env.Data, &producers); err != nil {
		t.Fatalf("Failed to decode producer list: %v", err)
	}
	if len(producers) != 0 {
		t.Fatalf("Expected empty list, got %v", producers)
	}
}

func TestDataChannelEvents(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := dial(t, ts)
	alice.send(EventCreateRoom, map[string]any{"roomId": "r1"})
	alice.expectOK(EventCreateRoom)

	alice.send(EventCreateTransport, map[string]any{"roomId": "r1", "type": "send"})
	transport := alice.expectOK(EventCreateTransport)
	transportID, _ := transport["id"].(string)

	alice.send(EventCreateDataProducer, map[string]any{
		"roomId":      "r1",
		"transportId": transportID,
		"label":       "chat",
	})
	dataProduced := alice.expectOK(EventCreateDataProducer)
	dataProducerID, _ := dataProduced["dataProducerId"].(string)
	if dataProducerID == "" {
		t.Fatal("Expected dataProducerId")
	}

	alice.send(EventCreateDataConsumer, map[string]any{
		"roomId":         "r1",
		"transportId":    transportID,
		"dataProducerId": dataProducerID,
	})
	dataConsumed := alice.expectOK(EventCreateDataConsumer)
	if id, _ := dataConsumed["dataConsumerId"].(string); id == "" {
		t.Fatal("Expected dataConsumerId")
	}

	alice.send(EventSendData, map[string]any{"roomId": "r1"})
	alice.expectOK(EventSendData)
}

func TestDisconnectBroadcastsProducerClosed(t *testing.T) {
	_, ts, _ := newTestServer(t)

	alice := dial(t, ts)
	alice.send(EventCreateRoom, map[string]any{"roomId": "r1"})
	alice.expectOK(EventCreateRoom)

	alice.send(EventCreateTransport, map[string]any{"roomId": "r1", "type": "send"})
	transport := alice.expectOK(EventCreateTransport)
	transportID, _ := transport["id"].(string)

	alice.send(EventProduce, map[string]any{
		"roomId":        "r1",
		"transportId":   transportID,
		"kind":          "audio",
		"rtpParameters": map[string]any{},
	})
	produced := alice.expectOK(EventProduce)
	producerID, _ := produced["producerId"].(string)

	bob := dial(t, ts)
	bob.send(EventJoinRoom, map[string]any{"roomId": "r1"})
	bob.expectOK(EventJoinRoom)

	alice.ws.Close()

	closed := bob.expectOK(EventProducerClosed)
	if closed["producerId"] != producerID {
		t.Fatalf("Expected PRODUCER_CLOSED for %s, got %v", producerID, closed["producerId"])
	}
	if closed["roomId"] != "r1" {
		t.Fatalf("Expected roomId r1, got %v", closed["roomId"])
	}
}
