package hooks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loomwork/conclave/internal/bus"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
)

func newTestEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	l := ledger.New()
	b := bus.New(l)
	t.Cleanup(b.Stop)
	return New(b), b
}

// collector gathers delivered messages; delivery is asynchronous, so
// tests wait on the expected count before asserting.
type collector struct {
	mu  sync.Mutex
	got []message.Message
}

func collect(b *bus.Bus, topic string) *collector {
	c := &collector{}
	b.Subscribe(topic, func(m message.Message) {
		c.mu.Lock()
		c.got = append(c.got, m)
		c.mu.Unlock()
	}, bus.SubscribeOptions{})
	return c
}

func (c *collector) wait(t *testing.T, n int) []message.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.got) >= n {
			out := append([]message.Message(nil), c.got...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("expected %d messages, have %d", n, len(c.got))
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestFireConfigSubstitutesKnownVariables(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "VALIDATION_REQUEST")

	hook := &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Config: &clusterconfig.HookConfig{
			Topic: "VALIDATION_REQUEST",
			Content: map[string]any{
				"text":      "cluster {{cluster.id}} iteration {{iteration}}",
				"summary":   "{{result.summary}}",
				"untouched": "keep {{this.one}} literal",
			},
		},
	}
	in := Input{
		Agent:     clusterconfig.Agent{ID: "implementer"},
		ClusterID: "c-1",
		Iteration: 3,
		Result:    map[string]any{"summary": "done"},
	}
	e.Fire(context.Background(), hook, in)

	msgs := got.wait(t, 1)
	m := msgs[0]
	if m.Sender != "implementer" {
		t.Errorf("Sender = %q", m.Sender)
	}
	if m.Content.GetText() != "cluster c-1 iteration 3" {
		t.Errorf("text = %q", m.Content.GetText())
	}
	if m.Content.Data["summary"] != "done" {
		t.Errorf("summary = %v", m.Content.Data["summary"])
	}
	if m.Content.Data["untouched"] != "keep {{this.one}} literal" {
		t.Errorf("untouched = %v", m.Content.Data["untouched"])
	}
}

func TestFireConfigMissingResultFails(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "X")

	hook := &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Config: &clusterconfig.HookConfig{
			Topic:   "X",
			Content: map[string]any{"text": "{{result.summary}}"},
		},
	}
	in := Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c", Result: nil}
	e.Fire(context.Background(), hook, in)

	time.Sleep(50 * time.Millisecond)
	if got.count() != 0 {
		t.Fatalf("got %d messages, want 0 (hook should fail silently)", got.count())
	}
}

func TestFireConfigMissingFieldSubstitutesNull(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "X")

	hook := &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Config: &clusterconfig.HookConfig{
			Topic:   "X",
			Content: map[string]any{"text": "{{result.missingField}}"},
		},
	}
	in := Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c", Result: map[string]any{"other": 1}}
	e.Fire(context.Background(), hook, in)

	msgs := got.wait(t, 1)
	if msgs[0].Content.GetText() != "null" {
		t.Errorf("text = %q, want null", msgs[0].Content.GetText())
	}
}

func TestFireTransformScriptSuppressesOnNull(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "X")

	hook := &clusterconfig.Hook{
		Action:    clusterconfig.HookActionPublishMessage,
		Transform: &clusterconfig.Script{Script: "null"},
	}
	e.Fire(context.Background(), hook, Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c"})

	time.Sleep(50 * time.Millisecond)
	if got.count() != 0 {
		t.Fatalf("got %d messages, want 0", got.count())
	}
}

func TestFireTransformScriptProducesMessage(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "VALIDATION_RESULT")

	hook := &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Transform: &clusterconfig.Script{
			Script: `{topic: "VALIDATION_RESULT", content: {text: result.summary}}`,
		},
	}
	in := Input{
		Agent:     clusterconfig.Agent{ID: "validator"},
		ClusterID: "c",
		Result:    map[string]any{"summary": "approved"},
	}
	e.Fire(context.Background(), hook, in)

	msgs := got.wait(t, 1)
	if msgs[0].Content.GetText() != "approved" {
		t.Errorf("text = %q", msgs[0].Content.GetText())
	}
}

func TestFireLogicScriptTakesPriorityOverTransform(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "FROM_LOGIC")

	hook := &clusterconfig.Hook{
		Action:    clusterconfig.HookActionPublishMessage,
		Logic:     &clusterconfig.Script{Script: `{topic: "FROM_LOGIC", content: {}}`},
		Transform: &clusterconfig.Script{Script: `{topic: "FROM_TRANSFORM", content: {}}`},
	}
	e.Fire(context.Background(), hook, Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c"})

	got.wait(t, 1)
}

func TestFireSandboxRuntimeErrorDoesNotPublish(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "X")

	hook := &clusterconfig.Hook{
		Action:    clusterconfig.HookActionPublishMessage,
		Transform: &clusterconfig.Script{Script: `result.nonexistent.deeper`},
	}
	e.Fire(context.Background(), hook, Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c", Result: map[string]any{}})

	time.Sleep(50 * time.Millisecond)
	if got.count() != 0 {
		t.Fatalf("got %d messages, want 0", got.count())
	}
}

func TestFireLogicNonObjectFallsBackToConfig(t *testing.T) {
	e, b := newTestEngine(t)
	early := collect(b, "EARLY")
	late := collect(b, "LATE")

	hook := &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Logic:  &clusterconfig.Script{Script: `iteration == 2 && {topic: "LATE", content: {}}`},
		Config: &clusterconfig.HookConfig{Topic: "EARLY", Content: map[string]any{"text": "default"}},
	}

	e.Fire(context.Background(), hook, Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c", Iteration: 1})
	early.wait(t, 1)
	if late.count() != 0 {
		t.Fatal("logic should not produce LATE on iteration 1")
	}

	e.Fire(context.Background(), hook, Input{Agent: clusterconfig.Agent{ID: "a"}, ClusterID: "c", Iteration: 2})
	late.wait(t, 1)
	if early.count() != 1 {
		t.Fatal("config path should not fire when logic returned an object")
	}
}

func TestFireTransformScriptSeesTriggeringMessage(t *testing.T) {
	e, b := newTestEngine(t)
	got := collect(b, "ECHOED")

	hook := &clusterconfig.Hook{
		Action: clusterconfig.HookActionPublishMessage,
		Transform: &clusterconfig.Script{
			Script: `{topic: "ECHOED", content: {text: message.text, from: message.sender, approved: message.data.approved}}`,
		},
	}
	in := Input{
		Agent:     clusterconfig.Agent{ID: "relay"},
		ClusterID: "c",
		Message: message.Message{
			ID:     7,
			Topic:  "VALIDATION_RESULT",
			Sender: "validator",
			Content: message.Content{
				Text: message.Text("looks wrong"),
				Data: map[string]any{"approved": false},
			},
		},
	}
	e.Fire(context.Background(), hook, in)

	msgs := got.wait(t, 1)
	if msgs[0].Content.GetText() != "looks wrong" {
		t.Errorf("text = %q", msgs[0].Content.GetText())
	}
	if msgs[0].Content.Data["from"] != "validator" {
		t.Errorf("from = %v", msgs[0].Content.Data["from"])
	}
	if msgs[0].Content.Data["approved"] != false {
		t.Errorf("approved = %v", msgs[0].Content.Data["approved"])
	}
}
