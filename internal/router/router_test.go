package router

import (
	"errors"
	"testing"
	"time"

	"github.com/agentwire/agentwire/internal/event"
	"github.com/agentwire/agentwire/internal/protocol"
	"github.com/agentwire/agentwire/internal/registry"
)

func newTestRouter(t *testing.T, descs ...*protocol.AgentDescriptor) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(16, event.NewEmitter())
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.AgentID, err)
		}
	}
	return New(reg), reg
}

func desc(agentID, framework string) *protocol.AgentDescriptor {
	return &protocol.AgentDescriptor{AgentID: agentID, Framework: framework}
}

func msgTo(recipientID string) *protocol.AgentMessage {
	return protocol.NewMessage(
		protocol.AgentIdentifier{AgentID: "sender"},
		protocol.AgentIdentifier{AgentID: recipientID},
		protocol.TaskRequest,
		nil,
	)
}

func TestResolveDirect(t *testing.T) {
	rt, _ := newTestRouter(t, desc("worker-1", "langchain"), desc("worker-2", "autogen"))

	order, err := rt.Resolve(msgTo("worker-2"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 1 || order[0] != "worker-2" {
		t.Errorf("direct match should yield exactly the named agent, got %v", order)
	}
}

func TestResolveTaskTypePrecedesCapability(t *testing.T) {
	optimal := desc("optimal", "langchain")
	optimal.Capabilities.OptimalTasks = []string{"code_review"}
	capable := desc("capable", "langchain")
	capable.Capabilities.Tools = []string{"code_review"}

	rt, _ := newTestRouter(t, capable, optimal)

	order, err := rt.Resolve(msgTo("code_review"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if order[0] != "optimal" {
		t.Errorf("task-type match must win over capability match, got %v", order)
	}
	if len(order) != 1 {
		t.Errorf("strategies must not be combined, got %v", order)
	}
}

func TestResolveCapability(t *testing.T) {
	a := desc("a", "langchain")
	a.Capabilities.InputTypes = []string{"markdown"}
	b := desc("b", "autogen")

	rt, _ := newTestRouter(t, a, b)

	order, err := rt.Resolve(msgTo("markdown"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 1 || order[0] != "a" {
		t.Errorf("expected capability match on input type, got %v", order)
	}
}

func TestResolveFramework(t *testing.T) {
	rt, _ := newTestRouter(t, desc("a", "langchain"), desc("b", "autogen"), desc("c", "autogen"))

	msg := msgTo("")
	msg.Recipient.Framework = "autogen"

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("expected both autogen agents, got %v", order)
	}
	for _, id := range order {
		if id == "a" {
			t.Errorf("langchain agent must not match, got %v", order)
		}
	}
}

func TestResolveTaskTypeFromMetadata(t *testing.T) {
	a := desc("a", "langchain")
	a.Capabilities.OptimalTasks = []string{"summarize"}

	rt, _ := newTestRouter(t, a)

	msg := msgTo("")
	msg.Metadata = map[string]string{MetaTaskType: "summarize"}

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 1 || order[0] != "a" {
		t.Errorf("task_type metadata should drive selection, got %v", order)
	}
}

func TestResolveNoCandidates(t *testing.T) {
	rt, _ := newTestRouter(t, desc("a", "langchain"))

	_, err := rt.Resolve(msgTo("nonexistent"))
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestResolveFallbackOnly(t *testing.T) {
	rt, _ := newTestRouter(t)

	msg := msgTo("nonexistent")
	msg.Routing.FallbackAgents = []string{"fb-1", "fb-2", "fb-1"}

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 2 || order[0] != "fb-1" || order[1] != "fb-2" {
		t.Errorf("expected deduped fallback list, got %v", order)
	}
}

func TestRoundRobinRotation(t *testing.T) {
	var descs []*protocol.AgentDescriptor
	for _, id := range []string{"w1", "w2", "w3"} {
		d := desc(id, "langchain")
		d.Capabilities.OptimalTasks = []string{"translate"}
		descs = append(descs, d)
	}
	rt, _ := newTestRouter(t, descs...)

	var firsts []string
	for i := 0; i < 6; i++ {
		order, err := rt.Resolve(msgTo("translate"))
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		firsts = append(firsts, order[0])
	}

	want := []string{"w1", "w2", "w3", "w1", "w2", "w3"}
	for i := range want {
		if firsts[i] != want[i] {
			t.Fatalf("rotation broken at %d: got %v, want %v", i, firsts, want)
		}
	}
}

func TestRoundRobinCursorPerKey(t *testing.T) {
	a := desc("a", "langchain")
	a.Capabilities.OptimalTasks = []string{"alpha", "beta"}
	b := desc("b", "langchain")
	b.Capabilities.OptimalTasks = []string{"alpha", "beta"}

	rt, _ := newTestRouter(t, a, b)

	first, _ := rt.Resolve(msgTo("alpha"))
	other, _ := rt.Resolve(msgTo("beta"))
	if first[0] != "a" || other[0] != "a" {
		t.Errorf("cursors are per selection key, got alpha=%v beta=%v", first, other)
	}
}

func TestLeastLoaded(t *testing.T) {
	a := desc("a", "langchain")
	a.Capabilities.OptimalTasks = []string{"work"}
	b := desc("b", "langchain")
	b.Capabilities.OptimalTasks = []string{"work"}

	rt, reg := newTestRouter(t, a, b)
	reg.TrackDelivery("a")
	reg.TrackDelivery("a")

	msg := msgTo("work")
	msg.Metadata = map[string]string{MetaBalancing: string(LeastLoaded)}

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if order[0] != "b" {
		t.Errorf("least-loaded should pick b (0 inflight vs 2), got %v", order)
	}
}

func TestLeastLoadedTieBreakRegistrationOrder(t *testing.T) {
	b := desc("b", "langchain")
	b.Capabilities.OptimalTasks = []string{"work"}
	a := desc("a", "langchain")
	a.Capabilities.OptimalTasks = []string{"work"}

	rt, _ := newTestRouter(t, b, a)

	msg := msgTo("work")
	msg.Metadata = map[string]string{MetaBalancing: string(LeastLoaded)}

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if order[0] != "b" {
		t.Errorf("ties break toward earlier registration, got %v", order)
	}
}

func TestByPriority(t *testing.T) {
	slow := desc("slow", "langchain")
	slow.Capabilities.OptimalTasks = []string{"work"}
	slow.Capabilities.Performance = protocol.PerformanceProfile{SuccessRate: 0.99, AvgLatency: 900 * time.Millisecond}
	fast := desc("fast", "langchain")
	fast.Capabilities.OptimalTasks = []string{"work"}
	fast.Capabilities.Performance = protocol.PerformanceProfile{SuccessRate: 0.99, AvgLatency: 100 * time.Millisecond}
	flaky := desc("flaky", "langchain")
	flaky.Capabilities.OptimalTasks = []string{"work"}
	flaky.Capabilities.Performance = protocol.PerformanceProfile{SuccessRate: 0.5, AvgLatency: 10 * time.Millisecond}

	rt, _ := newTestRouter(t, slow, fast, flaky)

	msg := msgTo("work")
	msg.Metadata = map[string]string{MetaBalancing: string(ByPriority)}

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if order[0] != "fast" {
		t.Errorf("priority policy ranks success rate then latency, got %v", order)
	}
}

func TestRandomStaysWithinCandidates(t *testing.T) {
	a := desc("a", "langchain")
	a.Capabilities.OptimalTasks = []string{"work"}
	b := desc("b", "langchain")
	b.Capabilities.OptimalTasks = []string{"work"}

	rt, _ := newTestRouter(t, a, b)

	msg := msgTo("work")
	msg.Metadata = map[string]string{MetaBalancing: string(Random)}

	for i := 0; i < 20; i++ {
		order, err := rt.Resolve(msg)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if order[0] != "a" && order[0] != "b" {
			t.Fatalf("random choice outside candidate set: %v", order)
		}
		if len(order) != 2 {
			t.Fatalf("all candidates must remain in the order, got %v", order)
		}
	}
}

func TestResolveAppendsFallbacks(t *testing.T) {
	a := desc("a", "langchain")
	a.Capabilities.OptimalTasks = []string{"work"}

	rt, _ := newTestRouter(t, a)

	msg := msgTo("work")
	msg.Routing.FallbackAgents = []string{"backup", "a"}

	order, err := rt.Resolve(msg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "backup" {
		t.Errorf("fallbacks follow candidates, deduped, got %v", order)
	}
}
