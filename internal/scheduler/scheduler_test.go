package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomwork/conclave/internal/bus"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/hooks"
	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
	"github.com/loomwork/conclave/internal/taskrunner"
)

type fixture struct {
	ledger *ledger.Ledger
	bus    *bus.Bus
	sched  *Scheduler
}

// countingRunner records every prompt it was called with and replays
// canned results in order, repeating the last one.
type countingRunner struct {
	mu      sync.Mutex
	prompts []string
	results []taskrunner.Result
}

func (r *countingRunner) Run(ctx context.Context, prompt string, opts taskrunner.Options) (taskrunner.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	idx := len(r.prompts) - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	return r.results[idx], nil
}

func (r *countingRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func newFixture(t *testing.T, agent clusterconfig.Agent, runner taskrunner.TaskRunner) *fixture {
	t.Helper()
	l := ledger.New()
	b := bus.New(l)
	s := New(agent, Deps{
		ClusterID: "c1",
		Bus:       b,
		Ledger:    l,
		Runner:    runner,
		Hooks:     hooks.New(b),
	})
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		b.Stop()
	})
	return &fixture{ledger: l, bus: b, sched: s}
}

func publish(t *testing.T, b *bus.Bus, topic string) {
	t.Helper()
	if _, err := b.Publish(message.Message{Topic: topic, Sender: "system"}); err != nil {
		t.Fatalf("publish %s: %v", topic, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTriggerRunsTaskAndFiresOnComplete(t *testing.T) {
	runner := &countingRunner{results: []taskrunner.Result{{Success: true, Output: `{"done": true}`}}}
	agent := clusterconfig.Agent{
		ID:   "worker",
		Role: "implementation",
		Triggers: []clusterconfig.Trigger{{
			Topic:  "GO",
			Action: clusterconfig.ActionExecuteTask,
			OnComplete: &clusterconfig.Hook{
				Action: clusterconfig.HookActionPublishMessage,
				Config: &clusterconfig.HookConfig{Topic: "DONE", Content: map[string]any{"text": "finished"}},
			},
		}},
		Prompt:        "do the thing",
		MaxIterations: 3,
	}
	f := newFixture(t, agent, runner)

	publish(t, f.bus, "GO")

	waitFor(t, func() bool { return f.ledger.Count("DONE") == 1 })
	if runner.calls() != 1 {
		t.Fatalf("expected 1 runner call, got %d", runner.calls())
	}
	if f.ledger.Count(message.TopicAgentStarted) != 1 {
		t.Fatal("expected one AGENT_STARTED message")
	}

	done, _ := f.ledger.FindLast("DONE")
	if done.Sender != "worker" {
		t.Fatalf("hook message should carry the agent as sender, got %q", done.Sender)
	}
}

func TestTriggerPredicateFalseDropsMessage(t *testing.T) {
	runner := &countingRunner{results: []taskrunner.Result{{Success: true, Output: "{}"}}}
	agent := clusterconfig.Agent{
		ID:   "worker",
		Role: "implementation",
		Triggers: []clusterconfig.Trigger{{
			Topic:  "GO",
			Action: clusterconfig.ActionExecuteTask,
			Logic:  &clusterconfig.Script{Script: `message.data.approved == false`},
		}},
		MaxIterations: 3,
	}
	f := newFixture(t, agent, runner)

	if _, err := f.bus.Publish(message.Message{
		Topic: "GO", Sender: "system",
		Content: message.Content{Data: map[string]any{"approved": true}},
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if runner.calls() != 0 {
		t.Fatalf("predicate should have dropped the message, runner ran %d times", runner.calls())
	}

	if _, err := f.bus.Publish(message.Message{
		Topic: "GO", Sender: "system",
		Content: message.Content{Data: map[string]any{"approved": false}},
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return runner.calls() == 1 })
}

func TestIterationCapPublishesMaxIterationsOnce(t *testing.T) {
	runner := &countingRunner{results: []taskrunner.Result{{Success: true, Output: "{}"}}}
	agent := clusterconfig.Agent{
		ID:            "worker",
		Role:          "implementation",
		Triggers:      []clusterconfig.Trigger{{Topic: "GO", Action: clusterconfig.ActionExecuteTask}},
		MaxIterations: 2,
	}
	f := newFixture(t, agent, runner)

	for i := 0; i < 4; i++ {
		publish(t, f.bus, "GO")
	}

	waitFor(t, func() bool { return f.ledger.Count(message.TopicAgentMaxIterations) == 1 })
	waitFor(t, func() bool { return runner.calls() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := f.ledger.Count(message.TopicAgentMaxIterations); got != 1 {
		t.Fatalf("expected a single AGENT_MAX_ITERATIONS message, got %d", got)
	}
}

func TestFailureWithoutOnErrorPublishesAgentError(t *testing.T) {
	runner := &countingRunner{results: []taskrunner.Result{{Success: false, Error: "boom"}}}
	agent := clusterconfig.Agent{
		ID:            "worker",
		Role:          "implementation",
		Triggers:      []clusterconfig.Trigger{{Topic: "GO", Action: clusterconfig.ActionExecuteTask}},
		MaxIterations: 2,
	}
	f := newFixture(t, agent, runner)

	publish(t, f.bus, "GO")

	waitFor(t, func() bool { return f.ledger.Count(message.TopicAgentError) == 1 })
	m, _ := f.ledger.FindLast(message.TopicAgentError)
	if m.Content.Data["error"] != "boom" {
		t.Fatalf("expected error text in AGENT_ERROR, got %+v", m.Content.Data)
	}
}

func TestFailureWithOnErrorFiresHookInstead(t *testing.T) {
	runner := &countingRunner{results: []taskrunner.Result{{Success: false, Error: "boom"}}}
	agent := clusterconfig.Agent{
		ID:       "worker",
		Role:     "implementation",
		Triggers: []clusterconfig.Trigger{{Topic: "GO", Action: clusterconfig.ActionExecuteTask}},
		Hooks: &clusterconfig.AgentHooks{
			OnError: &clusterconfig.Hook{
				Action: clusterconfig.HookActionPublishMessage,
				Config: &clusterconfig.HookConfig{Topic: "WORK_FAILED", Content: map[string]any{"reason": "{{result.error}}"}},
			},
		},
		MaxIterations: 2,
	}
	f := newFixture(t, agent, runner)

	publish(t, f.bus, "GO")

	waitFor(t, func() bool { return f.ledger.Count("WORK_FAILED") == 1 })
	if f.ledger.Count(message.TopicAgentError) != 0 {
		t.Fatal("onError hook should replace the default AGENT_ERROR publish")
	}
	m, _ := f.ledger.FindLast("WORK_FAILED")
	if m.Content.Data["reason"] != "boom" {
		t.Fatalf("expected substituted error text, got %+v", m.Content.Data)
	}
}

func TestModelAndPromptResolutionOrder(t *testing.T) {
	agent := clusterconfig.Agent{
		ID:   "worker",
		Role: "implementation",
		ModelRules: []clusterconfig.ModelRule{
			{Iterations: "1", Model: clusterconfig.Level3},
			{Iterations: "2+", Model: clusterconfig.Level1},
		},
		PromptConfig: &clusterconfig.PromptConfig{Rules: []clusterconfig.PromptRule{
			{Iterations: "1-2", Prompt: "first"},
			{Iterations: "3+", Prompt: "later"},
		}},
		Prompt: "base",
	}
	s := New(agent, Deps{})

	if got := s.resolveModel(1); got != clusterconfig.Level3 {
		t.Fatalf("iteration 1 should pick level3, got %s", got)
	}
	if got := s.resolveModel(5); got != clusterconfig.Level1 {
		t.Fatalf("iteration 5 should pick level1, got %s", got)
	}
	if got := s.resolvePrompt(2); got != "first" {
		t.Fatalf("iteration 2 should pick 'first', got %q", got)
	}
	if got := s.resolvePrompt(4); got != "later" {
		t.Fatalf("iteration 4 should pick 'later', got %q", got)
	}

	s2 := New(clusterconfig.Agent{ID: "a", ModelLevel: clusterconfig.Level2, Prompt: "base"}, Deps{})
	if got := s2.resolveModel(1); got != clusterconfig.Level2 {
		t.Fatalf("modelLevel fallback should apply, got %s", got)
	}
	if got := s2.resolvePrompt(1); got != "base" {
		t.Fatalf("prompt fallback should apply, got %q", got)
	}
}

func TestContextAssemblyOrderAndSources(t *testing.T) {
	l := ledger.New()
	b := bus.New(l)
	defer b.Stop()

	for _, text := range []string{"one", "two", "three"} {
		b.Publish(message.Message{Topic: "NOTES", Sender: "peer", Content: message.Content{Text: message.Text(text)}})
	}

	agent := clusterconfig.Agent{
		ID:   "worker",
		Role: "implementation",
		ContextStrategy: &clusterconfig.ContextStrategy{Sources: []clusterconfig.ContextSource{
			{Topic: "NOTES", Amount: 2},
		}},
	}
	s := New(agent, Deps{ClusterID: "c1", Ledger: l})

	trigger := message.Message{Topic: "GO", Sender: "system", Content: message.Content{Text: message.Text("start now")}}
	out := s.assembleContext("base prompt", trigger)

	if !strings.HasPrefix(out, "base prompt") {
		t.Fatalf("context must start with the base prompt:\n%s", out)
	}
	if strings.Contains(out, "one") {
		t.Fatal("amount=2 should exclude the oldest message")
	}
	if !strings.Contains(out, "[NOTES] two") || !strings.Contains(out, "[NOTES] three") {
		t.Fatalf("expected the two most recent NOTES entries:\n%s", out)
	}
	if !strings.Contains(out, "start now") {
		t.Fatal("triggering message must appear in the context")
	}
	if strings.Index(out, "[NOTES]") > strings.Index(out, "start now") {
		t.Fatal("sources must precede the triggering message")
	}
}

func TestValidatorContextIncludesUnverifiableCriteria(t *testing.T) {
	l := ledger.New()
	b := bus.New(l)
	defer b.Stop()

	b.Publish(message.Message{
		Topic:  message.TopicValidationResult,
		Sender: "validator",
		Content: message.Content{Data: map[string]any{
			"criteriaResults": []any{
				map[string]any{"criterion": "latency", "status": "CANNOT_VALIDATE", "reason": "no prod access"},
				map[string]any{"criterion": "style", "status": "PASS"},
			},
		}},
	})
	b.Publish(message.Message{
		Topic:  message.TopicValidationResult,
		Sender: "validator",
		Content: message.Content{Data: map[string]any{
			"criteriaResults": []any{
				map[string]any{"criterion": "latency", "status": "CANNOT_VALIDATE", "reason": "no prod access"},
			},
		}},
	})

	validator := New(clusterconfig.Agent{ID: "v", Role: clusterconfig.RoleValidator}, Deps{ClusterID: "c1", Ledger: l})
	out := validator.assembleContext("check it", message.Message{Topic: "GO"})
	if !strings.Contains(out, "Permanently Unverifiable Criteria") {
		t.Fatalf("validator context must list unverifiable criteria:\n%s", out)
	}
	if strings.Count(out, "latency") != 1 {
		t.Fatal("duplicate criteria must be deduplicated")
	}
	if strings.Contains(out, "style") {
		t.Fatal("passing criteria must not be listed")
	}

	worker := New(clusterconfig.Agent{ID: "w", Role: "implementation"}, Deps{ClusterID: "c1", Ledger: l})
	out = worker.assembleContext("build it", message.Message{Topic: "GO"})
	if strings.Contains(out, "Permanently Unverifiable Criteria") {
		t.Fatal("non-validator agents must not receive the criteria section")
	}
}

func TestPerAgentFIFOUnderBurst(t *testing.T) {
	var mu sync.Mutex
	var order []string
	runner := taskrunner.RunFunc(func(ctx context.Context, prompt string, opts taskrunner.Options) (taskrunner.Result, error) {
		mu.Lock()
		// The triggering message text is the last line of the prompt.
		lines := strings.Split(strings.TrimSpace(prompt), "\n")
		order = append(order, lines[len(lines)-1])
		mu.Unlock()
		return taskrunner.Result{Success: true, Output: "{}"}, nil
	})

	agent := clusterconfig.Agent{
		ID:            "worker",
		Role:          "implementation",
		Triggers:      []clusterconfig.Trigger{{Topic: "GO", Action: clusterconfig.ActionExecuteTask}},
		MaxIterations: 10,
	}
	f := newFixture(t, agent, runner)

	for _, text := range []string{"m1", "m2", "m3"} {
		f.bus.Publish(message.Message{Topic: "GO", Sender: "system", Content: message.Content{Text: message.Text(text)}})
	}

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(order) == 3 })
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"m1", "m2", "m3"} {
		if order[i] != want {
			t.Fatalf("expected arrival order, got %v", order)
		}
	}
}
