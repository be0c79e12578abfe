package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"notification-service/domain"
)

type fakeTransport struct {
	mu       sync.Mutex
	frames   []string
	comments []string
	closed   bool
	failNext bool
}

func (f *fakeTransport) WriteFrame(eventType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failNext {
		return ErrTransportClosed
	}
	f.frames = append(f.frames, eventType+"|"+string(data))
	return nil
}

func (f *fakeTransport) WriteComment(comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failNext {
		return ErrTransportClosed
	}
	f.comments = append(f.comments, comment)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) fail() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return ""
	}
	return f.frames[len(f.frames)-1]
}

type fakeScheduler struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (s *fakeScheduler) RegisterPeriodicTask(id string, interval time.Duration, fn func(context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, id)
	return true
}

func (s *fakeScheduler) UnregisterTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregistered = append(s.unregistered, id)
	return true
}

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(nullWriter{})
	return logger
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func testEvent(id string, typ domain.EventType) *domain.Event {
	return &domain.Event{
		ID:        id,
		Type:      typ,
		Data:      []byte(`{"k":"v"}`),
		Audience:  domain.PublicAudience(),
		CreatedAt: time.Now().UnixNano(),
	}
}

func TestRegisterSendsAckAndOpens(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	tr := &fakeTransport{}

	c, err := r.Register("c1", tr, RegisterOptions{UserID: "u1", Role: "customer"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open state, got %s", c.State())
	}
	if tr.frameCount() != 1 {
		t.Fatalf("expected exactly one ack frame, got %d", tr.frameCount())
	}
	ack := tr.lastFrame()
	if !strings.HasPrefix(ack, "connected|") {
		t.Fatalf("unexpected ack frame %q", ack)
	}
	var body map[string]string
	if err := sonic.Unmarshal([]byte(strings.TrimPrefix(ack, "connected|")), &body); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if body["connectionId"] != "c1" {
		t.Fatalf("expected connectionId c1, got %q", body["connectionId"])
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	if _, err := r.Register("dup", &fakeTransport{}, RegisterOptions{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register("dup", &fakeTransport{}, RegisterOptions{}); err != ErrDuplicateConnection {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	// The original connection must be untouched.
	if c, ok := r.Connection("dup"); !ok || c.State() != StateOpen {
		t.Fatal("original connection was disturbed by the duplicate attempt")
	}
}

func TestRegisterClosedTransport(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	tr := &fakeTransport{}
	tr.Close()
	if _, err := r.Register("c1", tr, RegisterOptions{}); err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if _, ok := r.Connection("c1"); ok {
		t.Fatal("failed registration left a connection behind")
	}
}

func TestRegisterSchedulesHeartbeat(t *testing.T) {
	sched := &fakeScheduler{}
	r := New(sched, testLogger(), Options{HeartbeatInterval: time.Second})
	if _, err := r.Register("c1", &fakeTransport{}, RegisterOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.registered) != 1 || sched.registered[0] != "heartbeat:c1" {
		t.Fatalf("expected heartbeat task, got %v", sched.registered)
	}
}

func TestHeartbeatWriteFailureDeregisters(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	tr := &fakeTransport{}
	if _, err := r.Register("c1", tr, RegisterOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Heartbeat("c1") {
		t.Fatal("expected heartbeat to succeed")
	}
	tr.fail()
	if r.Heartbeat("c1") {
		t.Fatal("expected heartbeat to fail")
	}
	if _, ok := r.Connection("c1"); ok {
		t.Fatal("connection should be removed after heartbeat failure")
	}
}

func TestBroadcastDeliversToAllOpen(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	transports := make([]*fakeTransport, 3)
	for i, id := range []string{"a", "b", "c"} {
		transports[i] = &fakeTransport{}
		if _, err := r.Register(id, transports[i], RegisterOptions{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	delivered, failed := r.Broadcast(testEvent("e1", domain.EventSystemNotification), nil)
	if delivered != 3 || failed != 0 {
		t.Fatalf("expected 3/0, got %d/%d", delivered, failed)
	}
	for i, tr := range transports {
		// One ack frame plus one event frame.
		if tr.frameCount() != 2 {
			t.Fatalf("transport %d: expected 2 frames, got %d", i, tr.frameCount())
		}
		if !strings.HasPrefix(tr.lastFrame(), string(domain.EventSystemNotification)+"|") {
			t.Fatalf("transport %d: unexpected frame %q", i, tr.lastFrame())
		}
	}
}

func TestBroadcastFailureIsolation(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	good1, bad, good2 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	for id, tr := range map[string]*fakeTransport{"g1": good1, "bad": bad, "g2": good2} {
		if _, err := r.Register(id, tr, RegisterOptions{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	bad.fail()

	delivered, failed := r.Broadcast(testEvent("e1", domain.EventSystemNotification), nil)
	if delivered != 2 || failed != 1 {
		t.Fatalf("expected 2 delivered 1 failed, got %d/%d", delivered, failed)
	}
	if _, ok := r.Connection("bad"); ok {
		t.Fatal("failed connection should be deregistered")
	}
	if _, ok := r.Connection("g1"); !ok {
		t.Fatal("healthy connection g1 was removed")
	}
	if _, ok := r.Connection("g2"); !ok {
		t.Fatal("healthy connection g2 was removed")
	}
}

func TestSendToUsersPartialAudience(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	tr := &fakeTransport{}
	if _, err := r.Register("c1", tr, RegisterOptions{UserID: "alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// bob has no live connection; silence for him is not a failure.
	delivered, failed := r.SendToUsers([]string{"alice", "bob"}, testEvent("e1", domain.EventUserNotification))
	if delivered != 1 || failed != 0 {
		t.Fatalf("expected 1/0, got %d/%d", delivered, failed)
	}
	if tr.frameCount() != 2 {
		t.Fatalf("expected ack plus event, got %d frames", tr.frameCount())
	}
}

func TestSendToUsersDedupsAcrossIDs(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	tr := &fakeTransport{}
	if _, err := r.Register("c1", tr, RegisterOptions{UserID: "alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	delivered, _ := r.SendToUsers([]string{"alice", "alice"}, testEvent("e1", domain.EventUserNotification))
	if delivered != 1 {
		t.Fatalf("expected single delivery, got %d", delivered)
	}
}

func TestSendToRoles(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	admin, customer := &fakeTransport{}, &fakeTransport{}
	if _, err := r.Register("a", admin, RegisterOptions{UserID: "u1", Role: "admin"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("c", customer, RegisterOptions{UserID: "u2", Role: "customer"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	delivered, failed := r.SendToRoles([]string{"admin"}, testEvent("e1", domain.EventInventoryLowStock))
	if delivered != 1 || failed != 0 {
		t.Fatalf("expected 1/0, got %d/%d", delivered, failed)
	}
	if admin.frameCount() != 2 {
		t.Fatalf("admin expected 2 frames, got %d", admin.frameCount())
	}
	if customer.frameCount() != 1 {
		t.Fatalf("customer should only have the ack, got %d frames", customer.frameCount())
	}
}

func TestSubscriptionFilter(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	orders := &fakeTransport{}
	all := &fakeTransport{}
	if _, err := r.Register("orders", orders, RegisterOptions{
		Filter: []domain.EventType{domain.EventOrderStatusChanged},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("all", all, RegisterOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	delivered, _ := r.Broadcast(testEvent("e1", domain.EventCartUpdated), nil)
	if delivered != 1 {
		t.Fatalf("expected only the unfiltered connection, got %d", delivered)
	}
	if orders.frameCount() != 1 {
		t.Fatalf("filtered connection received a non-matching event")
	}

	delivered, _ = r.Broadcast(testEvent("e2", domain.EventOrderStatusChanged), nil)
	if delivered != 2 {
		t.Fatalf("expected both connections for a matching type, got %d", delivered)
	}
}

func TestDeregisterRemovesIndices(t *testing.T) {
	sched := &fakeScheduler{}
	r := New(sched, testLogger(), Options{})
	tr := &fakeTransport{}
	c, err := r.Register("c1", tr, RegisterOptions{UserID: "alice", Role: "admin"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Deregister("c1")

	if c.State() != StateClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if !tr.Closed() {
		t.Fatal("transport should be closed")
	}
	if d, _ := r.SendToUsers([]string{"alice"}, testEvent("e1", domain.EventUserNotification)); d != 0 {
		t.Fatal("user index still routes to removed connection")
	}
	if d, _ := r.SendToRoles([]string{"admin"}, testEvent("e2", domain.EventInventoryLowStock)); d != 0 {
		t.Fatal("role index still routes to removed connection")
	}
	if got := r.Stats().Total; got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}

	// Idempotent.
	r.Deregister("c1")

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.unregistered) == 0 || sched.unregistered[0] != "heartbeat:c1" {
		t.Fatalf("heartbeat task not cancelled: %v", sched.unregistered)
	}
}

func TestStateTerminalAfterClose(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	c, err := r.Register("c1", &fakeTransport{}, RegisterOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Deregister("c1")
	c.setState(StateOpen)
	if c.State() != StateClosed {
		t.Fatalf("closed must be terminal, got %s", c.State())
	}
}

func TestCleanupStaleConnections(t *testing.T) {
	r := New(nil, testLogger(), Options{StaleThreshold: time.Minute})
	fresh := &fakeTransport{}
	stale := &fakeTransport{}
	if _, err := r.Register("fresh", fresh, RegisterOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	staleConn, err := r.Register("stale", stale, RegisterOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	staleConn.touch(time.Now().Add(-2 * time.Minute))

	removed := r.Cleanup(nil)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := r.Connection("stale"); ok {
		t.Fatal("stale connection survived the sweep")
	}
	if _, ok := r.Connection("fresh"); !ok {
		t.Fatal("fresh connection was swept")
	}
}

func TestCleanupPredicateFalseKeepsAll(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	for _, id := range []string{"a", "b"} {
		if _, err := r.Register(id, &fakeTransport{}, RegisterOptions{}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	if removed := r.Cleanup(func(*Connection) bool { return false }); removed != 0 {
		t.Fatalf("expected 0 removed, got %d", removed)
	}
	if got := r.Stats().Total; got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
}

func TestCleanupReentrancyGuard(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	if _, err := r.Register("c1", &fakeTransport{}, RegisterOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	nested := -1
	removed := r.Cleanup(func(c *Connection) bool {
		nested = r.Cleanup(nil)
		return true
	})
	if nested != 0 {
		t.Fatalf("nested cleanup should be a no-op, got %d", nested)
	}
	if removed != 1 {
		t.Fatalf("outer cleanup should still sweep, got %d", removed)
	}
}

func TestSendToClosedConnectionLazyCleanup(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	c, err := r.Register("c1", &fakeTransport{}, RegisterOptions{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// Force the closed state without going through Deregister.
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if r.SendToConnection("c1", testEvent("e1", domain.EventSystemNotification)) {
		t.Fatal("dispatch to a closed connection should report false")
	}
	if _, ok := r.Connection("c1"); ok {
		t.Fatal("closed connection should be lazily removed")
	}
}

func TestStats(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	if _, err := r.Register("b", &fakeTransport{}, RegisterOptions{UserID: "alice", Role: "admin"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("a", &fakeTransport{}, RegisterOptions{UserID: "alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s := r.Stats()
	if s.Total != 2 {
		t.Fatalf("expected 2 total, got %d", s.Total)
	}
	if s.ByUser["alice"] != 2 {
		t.Fatalf("expected 2 connections for alice, got %d", s.ByUser["alice"])
	}
	if s.ByRole["admin"] != 1 {
		t.Fatalf("expected 1 admin connection, got %d", s.ByRole["admin"])
	}
	if len(s.Connections) != 2 || s.Connections[0].ID != "a" || s.Connections[1].ID != "b" {
		t.Fatalf("expected connections sorted by id, got %+v", s.Connections)
	}
	if s.Connections[0].State != "open" {
		t.Fatalf("expected open state string, got %q", s.Connections[0].State)
	}
}

// blockingTransport parks every event write until released. The handshake
// frame passes through so registration completes.
type blockingTransport struct {
	fakeTransport
	release chan struct{}
}

func (b *blockingTransport) WriteFrame(eventType string, data []byte) error {
	if eventType != "connected" {
		<-b.release
	}
	return b.fakeTransport.WriteFrame(eventType, data)
}

func TestBroadcastSlowConsumerDoesNotStallOthers(t *testing.T) {
	r := New(nil, testLogger(), Options{})

	slow := &blockingTransport{release: make(chan struct{})}
	if _, err := r.Register("slow", slow, RegisterOptions{}); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	healthy := make([]*fakeTransport, 10)
	for i := range healthy {
		healthy[i] = &fakeTransport{}
		if _, err := r.Register(fmt.Sprintf("h%d", i), healthy[i], RegisterOptions{}); err != nil {
			t.Fatalf("register h%d: %v", i, err)
		}
	}

	type result struct{ delivered, failed int }
	done := make(chan result, 1)
	go func() {
		d, f := r.Broadcast(testEvent("e1", domain.EventSystemNotification), nil)
		done <- result{d, f}
	}()

	// Every healthy connection must get its event frame while the slow
	// write is still parked.
	deadline := time.Now().Add(2 * time.Second)
	for {
		served := 0
		for _, tr := range healthy {
			if tr.frameCount() == 2 {
				served++
			}
		}
		if served == len(healthy) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slow consumer starved %d of %d healthy connections", len(healthy)-served, len(healthy))
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("broadcast returned while a send was still parked")
	default:
	}

	close(slow.release)
	select {
	case res := <-done:
		if res.delivered != 11 || res.failed != 0 {
			t.Fatalf("expected 11/0, got %d/%d", res.delivered, res.failed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not return after the slow write was released")
	}
	if slow.frameCount() != 2 {
		t.Fatalf("slow connection expected 2 frames, got %d", slow.frameCount())
	}
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	r := New(nil, testLogger(), Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if _, err := r.Register(id, &fakeTransport{}, RegisterOptions{UserID: "u"}); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			r.Broadcast(testEvent("e-"+id, domain.EventSystemNotification), nil)
			if n%2 == 0 {
				r.Deregister(id)
			}
		}(i)
	}
	wg.Wait()
	if got := r.Stats().Total; got != 4 {
		t.Fatalf("expected 4 survivors, got %d", got)
	}
}
