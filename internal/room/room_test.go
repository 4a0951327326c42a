package room

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/standevel/linkup-api/internal/engine"
	"github.com/standevel/linkup-api/internal/pool"
)

// fakeEngine produces in-memory workers so session bookkeeping can be
// tested without opening sockets.
type fakeEngine struct {
	mu         sync.Mutex
	nextID     int
	canConsume bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{canConsume: true}
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

func (w *fakeWorker) ID() string          { return w.workerID }
func (w *fakeWorker) OnDied(func(error))  {}
func (w *fakeWorker) Close() error        { return nil }

func (w *fakeWorker) CreateRouter(context.Context, []engine.RouterCodec) (engine.Router, error) {
	return &fakeRouter{eng: w.eng, routerID: w.eng.id("router")}, nil
}

type fakeRouter struct {
	eng      *fakeEngine
	routerID string
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

func (t *fakeTransport) ID() string                            { return t.transportID }
func (t *fakeTransport) ICEParameters() engine.ICEParameters   { return engine.ICEParameters{} }
func (t *fakeTransport) ICECandidates() []engine.ICECandidate  { return nil }
func (t *fakeTransport) DTLSParameters() engine.DTLSParameters { return engine.DTLSParameters{} }

func (t *fakeTransport) OnClose(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

func (t *fakeTransport) Connect(context.Context, engine.ConnectParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport closed")
	}
	return nil
}

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
	return &fakeDataConsumer{dataConsumerID: t.eng.id("dataconsumer"), dataProducerID: dataProducerID, label: "data"}, nil
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
func (c *fakeConsumer) Close() error           { return nil }

func (c *fakeConsumer) RTPParameters() engine.RTPSendParameters {
	return engine.RTPSendParameters{}
}

func (c *fakeConsumer) Resume() error {
	c.paused = false
	return nil
}

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
	label          string
}

func (dc *fakeDataConsumer) ID() string             { return dc.dataConsumerID }
func (dc *fakeDataConsumer) DataProducerID() string { return dc.dataProducerID }
func (dc *fakeDataConsumer) Label() string          { return dc.label }
func (dc *fakeDataConsumer) Close() error           { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeEngine) {
	t.Helper()

	eng := newFakeEngine()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := pool.New(context.Background(), eng, pool.Config{
		NumWorkers: 2,
		MinPort:    40000,
		MaxPort:    49999,
		ListenIP:   "0.0.0.0",
	}, logger, func(error) {})
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(p.Close)

	return NewRegistry(p, nil, logger, nil), eng
}

func TestGetOrCreateIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, created, err := reg.GetOrCreate(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if !created {
		t.Error("Expected first call to create the room")
	}

	second, created, err := reg.GetOrCreate(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if created {
		t.Error("Expected second call to find the existing room")
	}
	if first != second {
		t.Error("Expected the same room instance for the same id")
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	const n = 16
	rooms := make([]*Room, n)
	var createdCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, created, err := reg.GetOrCreate(ctx, "shared")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			rooms[i] = r
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("Expected exactly one creation, got %d", createdCount)
	}
	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("Expected all goroutines to get the same room")
		}
	}
}

func TestGetUnknownRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.Get("nope"); err != ErrRoomNotFound {
		t.Errorf("Expected ErrRoomNotFound, got %v", err)
	}
}

func TestConsumeRejectedLeavesNoState(t *testing.T) {
	reg, eng := newTestRegistry(t)
	ctx := context.Background()

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	producerTransport, _ := r.CreateTransport(ctx, "alice")
	producerID, err := r.Produce(ctx, producerTransport.ID, "alice", engine.KindAudio, engine.RTPSendParameters{}, nil)
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}

	consumerTransport, _ := r.CreateTransport(ctx, "bob")

	eng.mu.Lock()
	eng.canConsume = false
	eng.mu.Unlock()

	_, err = r.Consume(ctx, consumerTransport.ID, "bob", producerID, engine.RTPCapabilities{})
	if err != ErrIncompatibleCapabilities {
		t.Fatalf("Expected ErrIncompatibleCapabilities, got %v", err)
	}

	if got := r.Info().Consumers; got != 0 {
		t.Errorf("Expected no consumers after rejected consume, got %d", got)
	}
}

func TestConsumerStartsPausedAndResumeIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	pt, _ := r.CreateTransport(ctx, "alice")
	producerID, _ := r.Produce(ctx, pt.ID, "alice", engine.KindAudio, engine.RTPSendParameters{}, nil)

	ct, _ := r.CreateTransport(ctx, "bob")
	info, err := r.Consume(ctx, ct.ID, "bob", producerID, engine.RTPCapabilities{})
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	r.mu.Lock()
	c := r.consumers[info.ID]
	r.mu.Unlock()
	if c.state != ConsumerPaused {
		t.Errorf("Expected new consumer to be paused, got %s", c.state)
	}
	if !c.raw.Paused() {
		t.Error("Expected engine consumer to start paused")
	}

	if err := r.ResumeConsumer(info.ID); err != nil {
		t.Fatalf("ResumeConsumer failed: %v", err)
	}
	if err := r.ResumeConsumer(info.ID); err != nil {
		t.Fatalf("Second ResumeConsumer should be a no-op, got: %v", err)
	}

	r.mu.Lock()
	state := c.state
	r.mu.Unlock()
	if state != ConsumerActive {
		t.Errorf("Expected active consumer after resume, got %s", state)
	}
	if c.raw.Paused() {
		t.Error("Expected engine consumer to be resumed")
	}

	if err := r.ResumeConsumer("unknown"); err != ErrConsumerNotFound {
		t.Errorf("Expected ErrConsumerNotFound, got %v", err)
	}
}

func TestProducerCloseCascades(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var hookCalls []string
	reg.SetConsumerClosedHook(func(roomID, ownerID, consumerID, producerID string) {
		hookCalls = append(hookCalls, fmt.Sprintf("%s/%s/%s", roomID, ownerID, producerID))
	})

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	pt, _ := r.CreateTransport(ctx, "alice")
	producerID, _ := r.Produce(ctx, pt.ID, "alice", engine.KindVideo, engine.RTPSendParameters{}, nil)

	ct, _ := r.CreateTransport(ctx, "bob")
	if _, err := r.Consume(ctx, ct.ID, "bob", producerID, engine.RTPCapabilities{}); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	r.mu.Lock()
	rawProducer := r.producers[producerID].raw
	r.mu.Unlock()
	_ = rawProducer.Close()

	if got := r.Info().Producers; got != 0 {
		t.Errorf("Expected producer to be removed, got %d", got)
	}
	if got := r.Info().Consumers; got != 0 {
		t.Errorf("Expected consumers to cascade away, got %d", got)
	}

	if len(hookCalls) != 1 {
		t.Fatalf("Expected one consumer-closed notification, got %d", len(hookCalls))
	}
	want := "room-1/bob/" + producerID
	if hookCalls[0] != want {
		t.Errorf("Expected hook call %s, got %s", want, hookCalls[0])
	}

	if len(r.OtherProducers("")) != 0 {
		t.Error("Expected no producers listed after cascade")
	}
}

func TestOtherProducersExcludesGivenProducer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	at, _ := r.CreateTransport(ctx, "alice")
	bt, _ := r.CreateTransport(ctx, "bob")

	aliceProducer, _ := r.Produce(ctx, at.ID, "alice", engine.KindAudio, engine.RTPSendParameters{}, nil)
	bobProducer, _ := r.Produce(ctx, bt.ID, "bob", engine.KindAudio, engine.RTPSendParameters{}, nil)

	forBob := r.OtherProducers(bobProducer)
	if len(forBob) != 1 || forBob[0].ID != aliceProducer {
		t.Errorf("Expected only alice's producer, got %+v", forBob)
	}

	all := r.OtherProducers("")
	if len(all) != 2 {
		t.Errorf("Expected both producers without an exclusion, got %+v", all)
	}
}

func TestClosedTransportOperations(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	ti, _ := r.CreateTransport(ctx, "alice")

	r.CloseOwned("alice")

	if err := r.ConnectTransport(ctx, ti.ID, engine.ConnectParameters{}); err != ErrTransportClosed {
		t.Errorf("Expected ErrTransportClosed from connect, got %v", err)
	}
	if _, err := r.Produce(ctx, ti.ID, "alice", engine.KindAudio, engine.RTPSendParameters{}, nil); err != ErrTransportClosed {
		t.Errorf("Expected ErrTransportClosed from produce, got %v", err)
	}
	if _, err := r.Produce(ctx, "unknown", "alice", engine.KindAudio, engine.RTPSendParameters{}, nil); err != ErrTransportNotFound {
		t.Errorf("Expected ErrTransportNotFound for unknown id, got %v", err)
	}
}

func TestCloseOwnedReturnsProducersAndEmptiesRoom(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	at, _ := r.CreateTransport(ctx, "alice")
	bt, _ := r.CreateTransport(ctx, "bob")

	aliceAudio, _ := r.Produce(ctx, at.ID, "alice", engine.KindAudio, engine.RTPSendParameters{}, nil)
	aliceVideo, _ := r.Produce(ctx, at.ID, "alice", engine.KindVideo, engine.RTPSendParameters{}, nil)
	bobAudio, _ := r.Produce(ctx, bt.ID, "bob", engine.KindAudio, engine.RTPSendParameters{}, nil)

	closed := r.CloseOwned("alice")
	if len(closed) != 2 {
		t.Fatalf("Expected 2 closed producers, got %d", len(closed))
	}
	found := map[string]bool{closed[0]: true, closed[1]: true}
	if !found[aliceAudio] || !found[aliceVideo] {
		t.Errorf("Expected alice's producers %s and %s, got %v", aliceAudio, aliceVideo, closed)
	}

	remaining := r.OtherProducers("")
	if len(remaining) != 1 || remaining[0].ID != bobAudio {
		t.Errorf("Expected only bob's producer to remain, got %+v", remaining)
	}

	if r.Empty() {
		t.Error("Room with bob's open transport should not be empty")
	}
	if reg.CloseIfEmpty("room-1") {
		t.Error("CloseIfEmpty should refuse while a transport is open")
	}

	r.CloseOwned("bob")
	if !r.Empty() {
		t.Error("Expected empty room after both members left")
	}
	if !reg.CloseIfEmpty("room-1") {
		t.Error("Expected CloseIfEmpty to close the empty room")
	}
	if _, err := reg.Get("room-1"); err != ErrRoomNotFound {
		t.Errorf("Expected room to be gone, got %v", err)
	}
}

func TestProduceDataAndConsumeData(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	r, _, _ := reg.GetOrCreate(ctx, "room-1")
	at, _ := r.CreateTransport(ctx, "alice")
	bt, _ := r.CreateTransport(ctx, "bob")

	dataProducerID, err := r.ProduceData(ctx, at.ID, "alice", "chat", "")
	if err != nil {
		t.Fatalf("ProduceData failed: %v", err)
	}

	info, err := r.ConsumeData(ctx, bt.ID, "bob", dataProducerID)
	if err != nil {
		t.Fatalf("ConsumeData failed: %v", err)
	}
	if info.DataProducerID != dataProducerID {
		t.Errorf("Expected data consumer bound to %s, got %s", dataProducerID, info.DataProducerID)
	}

	if _, err := r.ConsumeData(ctx, bt.ID, "bob", "unknown"); err != ErrDataProducerNotFound {
		t.Errorf("Expected ErrDataProducerNotFound, got %v", err)
	}
}
