// Package cluster implements the cluster controller: the lifecycle
// state machine that owns one cluster's Ledger, Bus, and per-agent
// schedulers end to end.
package cluster

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/conclave/internal/broadcast"
	"github.com/loomwork/conclave/internal/bus"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/errctx"
	"github.com/loomwork/conclave/internal/external"
	"github.com/loomwork/conclave/internal/extractor"
	"github.com/loomwork/conclave/internal/hooks"
	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
	"github.com/loomwork/conclave/internal/scheduler"
	"github.com/loomwork/conclave/internal/taskrunner"
	"github.com/loomwork/conclave/internal/telemetry"
)

// State is the Cluster Controller's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"
)

// RunnerFactory builds the Task Runner a Scheduler uses for one agent,
// already wrapped with that agent's retry policy. The default built by
// NewRunnerFactory shares one CLIRunner across every agent (CLIRunner
// is stateless between calls) and layers taskrunner.WithRetry per agent.
type RunnerFactory func(agent clusterconfig.Agent) taskrunner.TaskRunner

// NewRunnerFactory builds the default production RunnerFactory: one
// CLIRunner per provider, retry-wrapped per agent's maxRetries.
func NewRunnerFactory(providerName string) (RunnerFactory, extractor.TextEventParser, error) {
	provider, err := taskrunner.NewProvider(providerName)
	if err != nil {
		return nil, nil, err
	}
	base := taskrunner.NewCLIRunner(provider)
	factory := func(agent clusterconfig.Agent) taskrunner.TaskRunner {
		cfg := taskrunner.RetryConfig{MaxRetries: agent.MaxRetries}
		return taskrunner.WithRetry(base, cfg)
	}
	return factory, provider.ParseTextEvents, nil
}

// Deps bundles the collaborators a Controller needs beyond the
// configuration it is started with.
type Deps struct {
	StorageDir string
	Settings   external.Settings
	NewRunner  RunnerFactory
	TextEvents extractor.TextEventParser
	Cwd        string
	Env        []string

	// Isolated marks clusters whose runs execute inside the external
	// container isolation manager; the Task Runner switches to its
	// tail -F log-follow path and slower status cadence.
	Isolated bool

	// Broadcast, when non-nil, attaches a Lifecycle Broadcast mirror
	// for every cluster this Controller starts.
	// Left nil, clusters run with no Nostr dependency at all.
	Broadcast *broadcast.Config

	// Telemetry, when non-nil, records the metric instruments set up by
	// internal/telemetry.Setup.
	// Left nil, spans are still created (against the otel no-op tracer
	// if Setup was never called) but no metrics are recorded.
	Telemetry *telemetry.Meters
}

// Record is the persisted shape of one cluster, the value side of
// clusters.json's map.
type Record struct {
	ID        string                `json:"id"`
	Config    clusterconfig.Config  `json:"config"`
	State     State                 `json:"state"`
	CreatedAt int64                 `json:"createdAt"`
}

// Controller drives one cluster end to end.
type Controller struct {
	id        string
	cfg       clusterconfig.Config
	createdAt int64
	deps      Deps

	mu           sync.Mutex
	state        State
	failure      string
	completeSent bool

	ledger     *ledger.Ledger
	bus        *bus.Bus
	hooks      *hooks.Engine
	store      ledger.Store
	semaphore  chan struct{}
	schedulers map[string]*scheduler.Scheduler

	internalTokens []int64
	initDone       chan struct{}

	broadcaster     *broadcast.Broadcaster
	broadcastTokens []int64
}

func ledgerPath(storageDir, id string) string {
	return filepath.Join(storageDir, fmt.Sprintf("ledger-%s.jsonl", id))
}

// New validates cfg, allocates a cluster id, and begins initialisation
// in the background, returning immediately with a Controller whose
// state is "initializing". Callers that need init to
// have finished (e.g. before reading ledger contents) should call
// WaitInit; Stop and Kill already do this internally.
func New(cfg clusterconfig.Config, input external.InputSource, deps Deps) (*Controller, error) {
	result := clusterconfig.Validate(&cfg)
	if !result.Valid() {
		return nil, &ConfigInvalidError{Result: result}
	}

	id := uuid.NewString()
	l := ledger.New()
	b := bus.New(l)
	store, err := ledger.OpenStore(ledgerPath(deps.StorageDir, id))
	if err != nil {
		b.Stop()
		return nil, fmt.Errorf("opening ledger store for cluster %s: %w", id, err)
	}
	b.AttachStore(store)

	maxParallel := deps.Settings.MaxParallel
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}

	c := &Controller{
		id:         id,
		cfg:        cfg,
		createdAt:  time.Now().UnixMilli(),
		deps:       deps,
		state:      StateInitializing,
		ledger:     l,
		bus:        b,
		store:      store,
		semaphore:  make(chan struct{}, maxParallel),
		schedulers: make(map[string]*scheduler.Scheduler),
		initDone:   make(chan struct{}),
	}
	c.hooks = hooks.New(b).WithMeters(c.deps.Telemetry)

	go c.init(input)

	return c, nil
}

// init subscribes internal handlers, then
// instantiate agents, then publish the seed message, then mark running.
// Running in its own goroutine is what makes the "stop during init"
// race possible to hit, and Stop/Kill guard
// against it by waiting on initDone first.
func (c *Controller) init(input external.InputSource) {
	defer close(c.initDone)

	ctx, span := telemetry.StartClusterSpan(context.Background(), c.id)
	defer span.End()
	if c.deps.Telemetry != nil {
		c.deps.Telemetry.ClusterStarted(ctx)
	}

	c.subscribeInternal()
	c.instantiateAgents()

	content := message.Content{Data: input.Data}
	if input.Text != "" {
		content.Text = message.Text(input.Text)
	}
	if _, err := c.bus.Publish(message.Message{
		ClusterID: c.id,
		Topic:     message.TopicIssueOpened,
		Sender:    message.System,
		Content:   content,
	}); err != nil {
		log.Printf("[cluster] %s: publishing seed message: %v", c.id, err)
		c.mu.Lock()
		c.state = StateFailed
		c.failure = errctx.Sanitize(err.Error())
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.state == StateInitializing {
		c.state = StateRunning
	}
	c.mu.Unlock()
}

func (c *Controller) subscribeInternal() {
	tok := c.bus.Subscribe(message.TopicClusterOperations, c.handleOperations, bus.SubscribeOptions{})
	c.internalTokens = append(c.internalTokens, tok)

	c.attachBroadcast()

	for _, agent := range clusterconfig.FlattenAgents(&c.cfg) {
		for _, t := range agent.Triggers {
			if t.Action != clusterconfig.ActionStopCluster {
				continue
			}
			trig := t
			tok := c.bus.Subscribe(trig.Topic, func(m message.Message) {
				c.handleCompletionTrigger(trig, m)
			}, bus.SubscribeOptions{})
			c.internalTokens = append(c.internalTokens, tok)
		}
	}
}

// attachBroadcast wires the optional Lifecycle Broadcast mirror
// when Deps.Broadcast is configured. Failure to reach
// the relays is logged, never fatal to the cluster itself — the
// mirror is a convenience for an external dashboard, not a core
// dependency.
func (c *Controller) attachBroadcast() {
	if c.deps.Broadcast == nil {
		return
	}
	br, err := broadcast.New(context.Background(), *c.deps.Broadcast, c.deps.StorageDir)
	if err != nil {
		log.Printf("[cluster] %s: lifecycle broadcast disabled: %v", c.id, err)
		return
	}
	c.broadcaster = br
	c.broadcastTokens = br.Attach(c.bus, c.id)
}

func (c *Controller) instantiateAgents() {
	for _, agent := range clusterconfig.FlattenAgents(&c.cfg) {
		c.startScheduler(agent)
	}
}

func (c *Controller) startScheduler(agent clusterconfig.Agent) {
	runner := c.deps.NewRunner(agent)
	s := scheduler.New(agent, scheduler.Deps{
		ClusterID:        c.id,
		ClusterCreatedAt: c.createdAt,
		Bus:              c.bus,
		Ledger:           c.ledger,
		Runner:           runner,
		Hooks:            c.hooks,
		TextEvents:       c.deps.TextEvents,
		Semaphore:        c.semaphore,
		AgentsByRole:     c.agentsByRole,
		DefaultModel:     clusterconfig.Level1,
		ValidateModel:    c.validateModel,
		Cwd:              c.deps.Cwd,
		Env:              c.deps.Env,
		Isolated:         c.deps.Isolated,
		Telemetry:        c.deps.Telemetry,
	})
	s.Start()

	c.mu.Lock()
	c.schedulers[agent.ID] = s
	c.mu.Unlock()
}

func (c *Controller) agentsByRole() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string)
	for id, s := range c.schedulers {
		role := s.Agent().Role
		out[role] = append(out[role], id)
	}
	return out
}

func levelOrdinal(l clusterconfig.ModelLevel) int {
	switch l {
	case clusterconfig.Level1:
		return 1
	case clusterconfig.Level2:
		return 2
	case clusterconfig.Level3:
		return 3
	default:
		return 0
	}
}

// validateModel enforces the cost ceiling/floor from the external
// Settings adapter.
func (c *Controller) validateModel(level clusterconfig.ModelLevel) error {
	ord := levelOrdinal(level)
	if ord == 0 {
		return fmt.Errorf("unrecognised model level %q", level)
	}
	if c.deps.Settings.MaxLevel != "" && ord > levelOrdinal(c.deps.Settings.MaxLevel) {
		return fmt.Errorf("model level %q exceeds configured ceiling %q", level, c.deps.Settings.MaxLevel)
	}
	if c.deps.Settings.MinLevel != "" && ord < levelOrdinal(c.deps.Settings.MinLevel) {
		return fmt.Errorf("model level %q is below configured floor %q", level, c.deps.Settings.MinLevel)
	}
	return nil
}

func (c *Controller) handleCompletionTrigger(trig clusterconfig.Trigger, m message.Message) {
	if trig.Logic != nil {
		ok, err := scheduler.EvalLogic(trig.Logic.Script, map[string]any{"id": c.id}, m, 0)
		if err != nil {
			log.Printf("[cluster] %s: stop_cluster trigger logic error: %v", c.id, err)
			return
		}
		if !ok {
			return
		}
	}

	c.mu.Lock()
	already := c.completeSent
	c.completeSent = true
	c.mu.Unlock()

	if !already {
		_, err := c.bus.Publish(message.Message{
			ClusterID: c.id,
			Topic:     message.TopicClusterComplete,
			Sender:    message.System,
		})
		if err != nil {
			log.Printf("[cluster] %s: publishing CLUSTER_COMPLETE: %v", c.id, err)
		}
	}

	go c.Stop()
}

// ID returns the cluster's identifier.
func (c *Controller) ID() string { return c.id }

// Ledger exposes the cluster's message ledger (used by export/status).
func (c *Controller) Ledger() *ledger.Ledger { return c.ledger }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failure returns the sanitised failure reason, if State is Failed.
func (c *Controller) Failure() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Record returns the current persistable snapshot.
func (c *Controller) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{ID: c.id, Config: c.cfg, State: c.state, CreatedAt: c.createdAt}
}

// WaitInit blocks until initialisation has completed: internal
// handlers subscribed, agents instantiated, seed message published.
func (c *Controller) WaitInit() { <-c.initDone }

// Stop runs the stopping transition: cancel in-flight agent
// runs, stop accepting publishes, flush persisted state. Awaits
// initDone first (the SIGINT/stop-during-init invariant). Idempotent.
func (c *Controller) Stop() {
	<-c.initDone

	c.mu.Lock()
	if c.state == StateStopping || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	schedulers := make([]*scheduler.Scheduler, 0, len(c.schedulers))
	for _, s := range c.schedulers {
		schedulers = append(schedulers, s)
	}
	tokens := append([]int64(nil), c.internalTokens...)
	c.mu.Unlock()

	for _, s := range schedulers {
		s.Stop()
	}
	for _, tok := range tokens {
		c.bus.Unsubscribe(tok)
	}
	c.bus.Stop()
	if err := c.store.Close(); err != nil {
		log.Printf("[cluster] %s: closing ledger store: %v", c.id, err)
	}
	if c.broadcaster != nil {
		c.broadcaster.Close()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// Kill is stop without draining: it cancels everything, then removes the
// persisted per-cluster ledger from disk.
func (c *Controller) Kill() {
	<-c.initDone

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		if err := os.Remove(ledgerPath(c.deps.StorageDir, c.id)); err != nil && !os.IsNotExist(err) {
			log.Printf("[cluster] %s: removing persisted ledger: %v", c.id, err)
		}
		return
	}
	c.state = StateStopping
	schedulers := make([]*scheduler.Scheduler, 0, len(c.schedulers))
	for _, s := range c.schedulers {
		schedulers = append(schedulers, s)
	}
	tokens := append([]int64(nil), c.internalTokens...)
	c.mu.Unlock()

	for _, s := range schedulers {
		s.Stop()
	}
	for _, tok := range tokens {
		c.bus.Unsubscribe(tok)
	}
	c.bus.Kill()
	if err := c.store.Close(); err != nil {
		log.Printf("[cluster] %s: closing ledger store: %v", c.id, err)
	}
	if err := os.Remove(ledgerPath(c.deps.StorageDir, c.id)); err != nil && !os.IsNotExist(err) {
		log.Printf("[cluster] %s: removing persisted ledger: %v", c.id, err)
	}
	if c.broadcaster != nil {
		c.broadcaster.Close()
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// Resume is only legal from "stopped"; it
// reconstructs the Ledger from disk, re-subscribes every handler,
// publishes no seed message, and enters "running".
func Resume(rec Record, deps Deps) (*Controller, error) {
	if rec.State != StateStopped {
		return nil, fmt.Errorf("cluster %s: resume only allowed from stopped, was %s", rec.ID, rec.State)
	}

	store, err := ledger.OpenStore(ledgerPath(deps.StorageDir, rec.ID))
	if err != nil {
		return nil, fmt.Errorf("opening ledger store for cluster %s: %w", rec.ID, err)
	}
	persisted, err := store.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading persisted ledger for cluster %s: %w", rec.ID, err)
	}

	l := ledger.New()
	if err := l.Restore(persisted); err != nil {
		store.Close()
		return nil, fmt.Errorf("restoring ledger for cluster %s: %w", rec.ID, err)
	}
	b := bus.New(l)
	b.AttachStore(store)

	maxParallel := deps.Settings.MaxParallel
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}

	c := &Controller{
		id:         rec.ID,
		cfg:        rec.Config,
		createdAt:  rec.CreatedAt,
		deps:       deps,
		state:      StateRunning,
		ledger:     l,
		bus:        b,
		store:      store,
		semaphore:  make(chan struct{}, maxParallel),
		schedulers: make(map[string]*scheduler.Scheduler),
		initDone:   make(chan struct{}),
	}
	c.hooks = hooks.New(b).WithMeters(c.deps.Telemetry)
	close(c.initDone)

	c.subscribeInternal()
	c.instantiateAgents()

	return c, nil
}

// ConfigInvalidError wraps a failed config validation run: surfaced
// synchronously from New, cluster never created.
type ConfigInvalidError struct {
	Result clusterconfig.Result
}

func (e *ConfigInvalidError) Error() string {
	if len(e.Result.Errors) == 0 {
		return "cluster config invalid"
	}
	return fmt.Sprintf("cluster config invalid: %s (and %d more)", e.Result.Errors[0].Message, len(e.Result.Errors)-1)
}
