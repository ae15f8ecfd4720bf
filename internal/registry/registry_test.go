package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
)

type fakeChannel struct {
	frames   [][]byte
	closed   string
	failSend bool
}

func (c *fakeChannel) Send(frame []byte) error {
	if c.failSend {
		return errors.New("send failed")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeChannel) Close(reason string) error {
	c.closed = reason
	return nil
}

func testDescriptor(agentID string) *protocol.AgentDescriptor {
	return &protocol.AgentDescriptor{
		AgentID:   agentID,
		Framework: "langchain",
		Capabilities: protocol.Capabilities{
			OptimalTasks: []string{"review"},
			Performance:  protocol.PerformanceProfile{SuccessRate: 0.9},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(4, event.NewEmitter())
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Register(testDescriptor("a1")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(testDescriptor("a1"))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("expected 1 registered agent, got %d", reg.Count())
	}
}

func TestRegisterInvalidDescriptor(t *testing.T) {
	reg := newTestRegistry(t)

	bad := testDescriptor("")
	err := reg.Register(bad)
	if !errors.Is(err, protocol.ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor, got %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("invalid descriptor must not be stored, count = %d", reg.Count())
	}
}

func TestUnregister(t *testing.T) {
	reg := newTestRegistry(t)

	_ = reg.Register(testDescriptor("a1"))
	ch := &fakeChannel{}
	if err := reg.Connect("a1", ch); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !reg.Unregister("a1") {
		t.Fatal("expected existing agent")
	}
	if ch.closed == "" {
		t.Error("expected live channel to be force-closed")
	}
	if reg.Unregister("a1") {
		t.Error("second unregister should report no entry")
	}
}

func TestConnectUnknownAgent(t *testing.T) {
	reg := newTestRegistry(t)

	ch := &fakeChannel{}
	err := reg.Connect("ghost", ch)
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
	if ch.closed != "agent not registered" {
		t.Errorf("expected distinguishing close reason, got %q", ch.closed)
	}
}

func TestQueueFlushedInOrder(t *testing.T) {
	reg := newTestRegistry(t)
	_ = reg.Register(testDescriptor("a1"))

	for i := 0; i < 4; i++ {
		frame := []byte(fmt.Sprintf("msg-%d", i))
		if err := reg.Deliver("a1", frame); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if reg.QueueLen("a1") != 4 {
		t.Fatalf("expected 4 queued, got %d", reg.QueueLen("a1"))
	}

	ch := &fakeChannel{}
	if err := reg.Connect("a1", ch); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if len(ch.frames) != 4 {
		t.Fatalf("expected 4 flushed frames, got %d", len(ch.frames))
	}
	for i, frame := range ch.frames {
		want := fmt.Sprintf("msg-%d", i)
		if string(frame) != want {
			t.Errorf("frame %d = %q, want %q (FIFO order violated)", i, frame, want)
		}
	}
	if reg.QueueLen("a1") != 0 {
		t.Errorf("queue should be empty after flush, got %d", reg.QueueLen("a1"))
	}
}

func TestQueueCapacity(t *testing.T) {
	reg := New(2, event.NewEmitter())
	_ = reg.Register(testDescriptor("a1"))

	_ = reg.Deliver("a1", []byte("one"))
	_ = reg.Deliver("a1", []byte("two"))
	err := reg.Deliver("a1", []byte("three"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if reg.QueueLen("a1") != 2 {
		t.Errorf("queue length = %d, want 2", reg.QueueLen("a1"))
	}
}

func TestDeliverLiveChannel(t *testing.T) {
	reg := newTestRegistry(t)
	_ = reg.Register(testDescriptor("a1"))

	ch := &fakeChannel{}
	_ = reg.Connect("a1", ch)

	if err := reg.Deliver("a1", []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(ch.frames) != 1 || string(ch.frames[0]) != "hello" {
		t.Errorf("expected direct delivery, frames = %v", ch.frames)
	}
	if reg.QueueLen("a1") != 0 {
		t.Errorf("nothing should be queued while connected")
	}
}

func TestDeliverFallsBackToQueueOnSendError(t *testing.T) {
	reg := newTestRegistry(t)
	_ = reg.Register(testDescriptor("a1"))

	ch := &fakeChannel{failSend: true}
	_ = reg.Connect("a1", ch)

	if err := reg.Deliver("a1", []byte("hello")); err != nil {
		t.Fatalf("deliver should queue on channel error, got %v", err)
	}
	if reg.Connected("a1") {
		t.Error("failed channel should be unbound")
	}
	if reg.QueueLen("a1") != 1 {
		t.Errorf("frame should be queued, queue = %d", reg.QueueLen("a1"))
	}
}

func TestDisconnectThenQueue(t *testing.T) {
	reg := newTestRegistry(t)
	_ = reg.Register(testDescriptor("a1"))

	ch := &fakeChannel{}
	_ = reg.Connect("a1", ch)
	if !reg.Disconnect("a1") {
		t.Fatal("expected bound channel")
	}

	if err := reg.Deliver("a1", []byte("later")); err != nil {
		t.Fatalf("deliver after disconnect: %v", err)
	}
	if reg.QueueLen("a1") != 1 {
		t.Errorf("message should be queued, not dropped")
	}
}

func TestDisconnectChannelKeepsReplacement(t *testing.T) {
	reg := newTestRegistry(t)
	_ = reg.Register(testDescriptor("a1"))

	old := &fakeChannel{}
	_ = reg.Connect("a1", old)
	fresh := &fakeChannel{}
	_ = reg.Connect("a1", fresh)
	if old.closed != "replaced by new connection" {
		t.Fatalf("replaced channel close reason = %q", old.closed)
	}

	// Teardown of the replaced channel must not unbind the new one.
	if reg.DisconnectChannel("a1", old) {
		t.Error("stale channel should not unbind anything")
	}
	if !reg.Connected("a1") {
		t.Fatal("agent must stay connected after reconnect")
	}
	if err := reg.Deliver("a1", []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(fresh.frames) != 1 {
		t.Errorf("delivery should reach the live channel, frames = %d", len(fresh.frames))
	}

	if !reg.DisconnectChannel("a1", fresh) {
		t.Error("current channel should unbind")
	}
	if reg.Connected("a1") {
		t.Error("agent should be offline after unbinding the live channel")
	}
}

func TestListRegistrationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	for _, id := range []string{"c", "a", "b"} {
		_ = reg.Register(testDescriptor(id))
	}

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(list))
	}
	for i, want := range []string{"c", "a", "b"} {
		if list[i].AgentID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].AgentID, want)
		}
	}
}

func TestRegisteredEvents(t *testing.T) {
	em := event.NewEmitter()
	var seen []event.Type
	em.SubscribeAll(func(ev event.Event) {
		seen = append(seen, ev.Type)
	})

	reg := New(4, em)
	_ = reg.Register(testDescriptor("a1"))
	_ = reg.Connect("a1", &fakeChannel{})
	_ = reg.Disconnect("a1")
	_ = reg.Unregister("a1")

	want := []event.Type{event.AgentRegistered, event.AgentConnected, event.AgentDisconnected, event.AgentUnregistered}
	if len(seen) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(seen), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}
