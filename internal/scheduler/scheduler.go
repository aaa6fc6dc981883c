// Package scheduler implements the per-agent scheduler: trigger
// evaluation, iteration/retry policy, context assembly, and hook
// firing around one Task Runner invocation. Each agent is a
// single-owner state machine (idle/running/stopped) that assembles
// its prompt context from Ledger queries.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/loomwork/conclave/internal/bus"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/errctx"
	"github.com/loomwork/conclave/internal/extractor"
	"github.com/loomwork/conclave/internal/hooks"
	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
	"github.com/loomwork/conclave/internal/script"
	"github.com/loomwork/conclave/internal/taskrunner"
	"github.com/loomwork/conclave/internal/telemetry"
)

// State mirrors the Agent's mutable `state` field: idle, running,
// or stopped.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// maxPendingQueue bounds the per-agent FIFO absorbing bursts while an
// agent is busy.
const maxPendingQueue = 64

// defaultTimeout is used when an Agent omits `timeout`.
const defaultTimeout = 10 * time.Minute

// Deps bundles everything a Scheduler needs beyond its own Agent
// configuration — the shared cluster collaborators.
type Deps struct {
	ClusterID        string
	ClusterCreatedAt int64
	Bus              *bus.Bus
	Ledger           *ledger.Ledger
	Runner           taskrunner.TaskRunner // already wrapped with retry policy for this agent
	Hooks            *hooks.Engine
	TextEvents       extractor.TextEventParser
	Semaphore        chan struct{} // global maxParallel semaphore
	AgentsByRole     func() map[string][]string // role -> agent ids, for script cluster.agentsByRole.X access
	DefaultModel     clusterconfig.ModelLevel
	ValidateModel    func(clusterconfig.ModelLevel) error
	Cwd              string
	Env              []string
	Isolated         bool
	Telemetry        *telemetry.Meters
}

type pendingItem struct {
	trigger clusterconfig.Trigger
	msg     message.Message
}

// Scheduler drives one Agent's trigger subscriptions. Bus delivery
// only ever enqueues onto the per-agent pending queue; a single worker
// goroutine drains it, so one agent's long run never blocks another
// agent's delivery, while the agent itself still processes one trigger
// at a time in arrival order.
type Scheduler struct {
	agent clusterconfig.Agent
	deps  Deps

	mu            sync.Mutex
	state         State
	iteration     int
	currentTaskID string
	pending       []pendingItem
	tokens        []int64
	currentCancel context.CancelFunc
	maxIterWarned bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a Scheduler for agent. Call Start to begin subscribing.
func New(agent clusterconfig.Agent, deps Deps) *Scheduler {
	return &Scheduler{
		agent: agent,
		deps:  deps,
		state: StateIdle,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Agent returns the static configuration this Scheduler drives.
func (s *Scheduler) Agent() clusterconfig.Agent { return s.agent }

// State returns the agent's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Iteration returns the number of executions completed so far.
func (s *Scheduler) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// CurrentTaskID returns the provider task id of the in-flight run, or
// "" when the agent is not running.
func (s *Scheduler) CurrentTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTaskID
}

// Start subscribes to every configured execute_task Trigger's topic
// and launches the worker goroutine. stop_cluster triggers never reach
// a Scheduler — the cluster controller subscribes to those directly.
func (s *Scheduler) Start() {
	for _, t := range s.agent.Triggers {
		if t.Action != clusterconfig.ActionExecuteTask {
			continue
		}
		trig := t
		token := s.deps.Bus.Subscribe(trig.Topic, func(m message.Message) {
			s.handle(trig, m)
		}, bus.SubscribeOptions{})
		s.tokens = append(s.tokens, token)
	}
	go s.loop()
}

// Stop unsubscribes from the Bus, cancels any in-flight run, and
// shuts the worker goroutine down, transitioning to StateStopped.
// Idempotent. Stop does not wait for an in-flight run to unwind — the
// cancellation propagates and the worker exits on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	alreadyStopped := s.state == StateStopped
	s.state = StateStopped
	cancel := s.currentCancel
	s.pending = nil
	s.mu.Unlock()

	for _, tok := range s.tokens {
		s.deps.Bus.Unsubscribe(tok)
	}
	if cancel != nil {
		cancel()
	}
	if !alreadyStopped {
		close(s.quit)
	}
}

// handle enqueues a delivered message onto the bounded per-agent FIFO.
// It runs on the Bus's dispatch goroutine and never blocks there.
func (s *Scheduler) handle(trig clusterconfig.Trigger, m message.Message) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= maxPendingQueue {
		s.mu.Unlock()
		log.Printf("[scheduler] agent=%s: pending queue full, dropping message id=%d topic=%s", s.agent.ID, m.ID, m.Topic)
		return
	}
	s.pending = append(s.pending, pendingItem{trigger: trig, msg: m})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the per-agent worker: it drains the pending queue one item
// at a time, so a single agent never observes two of its triggers out
// of arrival order and never runs two executions concurrently.
func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.state == StateStopped || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			s.process(next.trigger, next.msg)
		}
	}
}

func (s *Scheduler) process(trig clusterconfig.Trigger, m message.Message) {
	// Step 2: predicate.
	if trig.Logic != nil {
		ok, err := s.evalPredicate(trig.Logic.Script, m)
		if err != nil {
			log.Printf("[scheduler] agent=%s: trigger logic error: %v", s.agent.ID, err)
			return
		}
		if !ok {
			return
		}
	}

	// Step 3: iteration cap.
	s.mu.Lock()
	tentative := s.iteration + 1
	maxIter := s.agent.MaxIterations
	if maxIter <= 0 {
		maxIter = clusterconfig.DefaultMaxIterations
	}
	if tentative > maxIter {
		warned := s.maxIterWarned
		s.maxIterWarned = true
		s.mu.Unlock()
		if !warned {
			s.publish(message.TopicAgentMaxIterations, message.Content{
				Data: map[string]any{"agent": s.agent.ID, "maxIterations": maxIter},
			})
		}
		return
	}
	s.mu.Unlock()

	// Step 4: resolve configuration.
	model := s.resolveModel(tentative)
	if s.deps.ValidateModel != nil {
		if err := s.deps.ValidateModel(model); err != nil {
			log.Printf("[scheduler] agent=%s: model %q rejected: %v", s.agent.ID, model, err)
			s.publishAgentError(fmt.Sprintf("model level %q rejected: %v", model, err))
			return
		}
	}
	prompt := s.resolvePrompt(tentative)

	// Step 5: context assembly.
	assembled := s.assembleContext(prompt, m)

	// Step 6: execute.
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.iteration = tentative
	s.mu.Unlock()

	if s.deps.Semaphore != nil {
		s.deps.Semaphore <- struct{}{}
		defer func() { <-s.deps.Semaphore }()
	}

	taskID := fmt.Sprintf("%s-%d", s.agent.ID, tentative)
	s.publish(message.TopicAgentStarted, message.Content{
		Data: map[string]any{"agent": s.agent.ID, "taskId": taskID, "iteration": tentative, "model": string(model)},
	})

	runCtx, cancel := runContext(s.agent.TimeoutMS)
	s.mu.Lock()
	s.currentCancel = cancel
	s.mu.Unlock()

	spanCtx, span := telemetry.StartAgentRunSpan(runCtx, s.deps.ClusterID, s.agent.ID, tentative)
	runStart := time.Now()

	result, err := s.deps.Runner.Run(spanCtx, assembled, taskrunner.Options{
		AgentID:             s.agent.ID,
		Model:               string(model),
		OutputFormat:        string(s.agent.OutputFormat),
		JSONSchema:          s.agent.JSONSchema,
		OnOutput:            s.onOutput,
		OnTaskID:            s.onTaskID,
		OnSpawned:           s.onSpawned,
		Cwd:                 s.deps.Cwd,
		Env:                 s.deps.Env,
		Timeout:             timeoutOrDefault(s.agent.TimeoutMS),
		EnableLivenessCheck: s.agent.EnableLivenessCheck,
		LivenessWindow:      timeoutOrDefault(s.agent.TimeoutMS),
		ContainerIsolated:   s.deps.Isolated,
	})
	cancel()
	span.End()

	if s.deps.Telemetry != nil {
		s.deps.Telemetry.RunDuration(spanCtx, time.Since(runStart).Seconds())
		s.deps.Telemetry.Iterations(spanCtx)
	}

	s.mu.Lock()
	s.currentCancel = nil
	s.currentTaskID = ""
	if s.state == StateRunning {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[scheduler] agent=%s: runner returned error: %v", s.agent.ID, err)
		s.publishAgentError(err.Error())
		return
	}

	if !result.Success {
		s.onFailure(m, result)
		return
	}

	s.onSuccess(trig, m, tentative, result)
}

func runContext(timeoutMS int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeoutOrDefault(timeoutMS))
}

func timeoutOrDefault(ms int) time.Duration {
	if ms <= 0 {
		return defaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Scheduler) onOutput(line, agentID string) {
	s.publish(message.TopicAgentOutput, message.Content{
		Text: message.Text(line),
		Data: map[string]any{"agent": agentID},
	})
}

// onTaskID records the provider-assigned task id and announces it.
func (s *Scheduler) onTaskID(taskID string) {
	s.mu.Lock()
	s.currentTaskID = taskID
	s.mu.Unlock()
	s.publish(message.TopicTaskIDAssigned, message.Content{
		Data: map[string]any{"agent": s.agent.ID, "taskId": taskID},
	})
}

// onSpawned announces the provider child process once its PID is known.
func (s *Scheduler) onSpawned(taskID string, pid int) {
	s.publish(message.TopicProcessSpawned, message.Content{
		Data: map[string]any{"agent": s.agent.ID, "taskId": taskID, "pid": pid},
	})
}

// onSuccess finishes a successful run: extract, validate
// against schema, fire the triggering trigger's onComplete hook, then
// the agent-level one.
func (s *Scheduler) onSuccess(trig clusterconfig.Trigger, m message.Message, iteration int, result taskrunner.Result) {
	obj := extractor.Extract(result.Output, s.deps.TextEvents)
	outcome := extractor.Validate(obj, s.agent.JSONSchema, s.agent.Role)
	if outcome.Fatal != nil {
		s.publishAgentError(outcome.Fatal.Error())
		return
	}
	for _, w := range outcome.Warnings {
		s.publish(message.TopicAgentSchemaWarning, message.Content{
			Data: map[string]any{"agent": s.agent.ID, "warning": w},
		})
	}

	in := hooks.Input{
		Agent:     s.agent,
		ClusterID: s.deps.ClusterID,
		Iteration: iteration,
		Message:   m,
		Result:    outcome.Normalized,
		Ledger:    s.deps.Ledger,
	}

	if trig.OnComplete != nil {
		s.deps.Hooks.Fire(context.Background(), trig.OnComplete, in)
	}
	if s.agent.Hooks != nil && s.agent.Hooks.OnComplete != nil {
		s.deps.Hooks.Fire(context.Background(), s.agent.Hooks.OnComplete, in)
	}
}

// onFailure finishes a failed run.
func (s *Scheduler) onFailure(m message.Message, result taskrunner.Result) {
	in := hooks.Input{
		Agent:     s.agent,
		ClusterID: s.deps.ClusterID,
		Iteration: s.Iteration(),
		Message:   m,
		Result:    map[string]any{"error": result.Error, "errorType": string(result.ErrorType)},
		Ledger:    s.deps.Ledger,
	}
	if s.agent.Hooks != nil && s.agent.Hooks.OnError != nil {
		s.deps.Hooks.Fire(context.Background(), s.agent.Hooks.OnError, in)
		return
	}
	s.publishAgentError(result.Error)
}

func (s *Scheduler) publishAgentError(reason string) {
	s.publish(message.TopicAgentError, message.Content{
		Data: map[string]any{"agent": s.agent.ID, "error": errctx.Sanitize(reason)},
	})
}

func (s *Scheduler) publish(topic string, content message.Content) {
	_, err := s.deps.Bus.Publish(message.Message{
		ClusterID: s.deps.ClusterID,
		Topic:     topic,
		Sender:    s.agent.ID,
		Content:   content,
	})
	if err != nil {
		log.Printf("[scheduler] agent=%s: publish %s failed: %v", s.agent.ID, topic, err)
	}
}

// resolveModel resolves the model level for an iteration: first
// matching modelRules entry, else modelLevel, else the cluster default.
func (s *Scheduler) resolveModel(iteration int) clusterconfig.ModelLevel {
	for _, rule := range s.agent.ModelRules {
		if rule.Iterations.Valid() && rule.Iterations.Matches(iteration) {
			return rule.Model
		}
	}
	if s.agent.ModelLevel != "" {
		return s.agent.ModelLevel
	}
	if s.deps.DefaultModel != "" {
		return s.deps.DefaultModel
	}
	return clusterconfig.Level1
}

// resolvePrompt resolves the prompt for an iteration: first matching
// promptConfig rule, else the agent's base prompt.
func (s *Scheduler) resolvePrompt(iteration int) string {
	if s.agent.PromptConfig != nil {
		for _, rule := range s.agent.PromptConfig.Rules {
			if rule.Iterations.Valid() && rule.Iterations.Matches(iteration) {
				return rule.Prompt
			}
		}
	}
	return s.agent.Prompt
}

// evalPredicate evaluates a Trigger.logic script in the Hook Engine's
// sandbox.
func (s *Scheduler) evalPredicate(src string, m message.Message) (bool, error) {
	return EvalLogic(src, s.clusterBinding(), m, float64(s.Iteration()+1))
}

// EvalLogic evaluates a trigger's logic script outside of any
// Scheduler — used by the Cluster Controller for stop_cluster triggers,
// which never go through a per-agent Scheduler.
func EvalLogic(src string, clusterBinding map[string]any, m message.Message, iteration float64) (bool, error) {
	sc, err := script.Parse(src)
	if err != nil {
		return false, err
	}
	v, err := sc.Run(context.Background(), script.Bindings{
		"cluster":   clusterBinding,
		"message":   messageBinding(m),
		"iteration": iteration,
	})
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	default:
		return true
	}
}

func (s *Scheduler) clusterBinding() map[string]any {
	b := map[string]any{"id": s.deps.ClusterID}
	if s.deps.AgentsByRole != nil {
		roles := s.deps.AgentsByRole()
		anyRoles := make(map[string]any, len(roles))
		for role, ids := range roles {
			idsAny := make([]any, len(ids))
			for i, id := range ids {
				idsAny[i] = id
			}
			anyRoles[role] = idsAny
		}
		b["agentsByRole"] = anyRoles
	}
	return b
}

func messageBinding(m message.Message) map[string]any {
	b := map[string]any{
		"id":     float64(m.ID),
		"topic":  m.Topic,
		"sender": m.Sender,
		"text":   m.Content.GetText(),
	}
	if m.Content.Data != nil {
		b["data"] = m.Content.Data
	}
	return b
}
