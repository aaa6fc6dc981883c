// Package hooks implements the Hook Engine: turning a completed agent
// execution into zero or one outbound messages.
package hooks

import (
	"context"
	"fmt"
	"log"

	"github.com/loomwork/conclave/internal/bus"
	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
	"github.com/loomwork/conclave/internal/script"
	"github.com/loomwork/conclave/internal/telemetry"
)

// TemplateMissingResult is returned when a {{result}} or {{result.X}}
// reference is substituted while the run produced no result at all. A
// result that is present but lacks the field X degrades to
// null-with-warning instead.
type TemplateMissingResult struct {
	Var string
}

func (e *TemplateMissingResult) Error() string {
	return fmt.Sprintf("hooks: template variable %q has no value", e.Var)
}

// Input bundles the bindings a hook fires against.
type Input struct {
	Agent     clusterconfig.Agent
	ClusterID string
	Iteration int
	Message   message.Message // the triggering message
	Result    map[string]any  // the extracted/parsed agent output, may be nil
	Ledger    *ledger.Ledger
}

// Engine fires Hooks against a Bus, publishing with sender = agent id.
type Engine struct {
	bus    *bus.Bus
	meters *telemetry.Meters
}

// New returns a Hook Engine publishing through b.
func New(b *bus.Bus) *Engine {
	return &Engine{bus: b}
}

// WithMeters attaches the metric recorders hook firings are counted
// against.
func (e *Engine) WithMeters(m *telemetry.Meters) *Engine {
	e.meters = m
	return e
}

// Fire evaluates hook against in and, unless suppressed or failed,
// publishes the resulting message on the Bus. A failed hook (sandbox
// runtime error, template error) is logged and does not publish —
// firing never returns an error to the caller: a hook failure never
// fails the agent run that produced it.
func (e *Engine) Fire(ctx context.Context, hook *clusterconfig.Hook, in Input) {
	if hook == nil || hook.Action != clusterconfig.HookActionPublishMessage {
		return
	}

	ctx, span := telemetry.StartHookSpan(ctx, in.ClusterID, in.Agent.ID)
	defer span.End()

	out, err := e.produce(ctx, hook, in)
	if err != nil {
		log.Printf("[hooks] agent=%s cluster=%s: %v", in.Agent.ID, in.ClusterID, err)
		return
	}
	if out == nil {
		return // transform script suppressed the message
	}

	m := message.Message{
		ClusterID: in.ClusterID,
		Topic:     out.topic,
		Sender:    in.Agent.ID,
		Content:   out.content,
	}
	if _, err := e.bus.Publish(m); err != nil {
		log.Printf("[hooks] agent=%s cluster=%s: publish failed: %v", in.Agent.ID, in.ClusterID, err)
		return
	}
	if e.meters != nil {
		e.meters.HooksFired(ctx)
	}
}

type produced struct {
	topic   string
	content message.Content
}

func (e *Engine) produce(ctx context.Context, hook *clusterconfig.Hook, in Input) (*produced, error) {
	bindings := e.bindings(in)

	if hook.Logic != nil {
		v, err := runScript(ctx, hook.Logic.Script, bindings)
		if err != nil {
			return nil, fmt.Errorf("logic script: %w", err)
		}
		// A returned message object replaces the config for this firing;
		// any other value falls through to the transform/config path.
		if obj, ok := v.(map[string]any); ok {
			return objectToMessage(obj)
		}
	}

	if hook.Transform != nil {
		v, err := runScript(ctx, hook.Transform.Script, bindings)
		if err != nil {
			return nil, fmt.Errorf("transform script: %w", err)
		}
		if v == nil {
			return nil, nil
		}
		return objectToMessage(v)
	}

	if hook.Config != nil {
		return substituteConfig(hook.Config, in)
	}

	return nil, nil
}

func (e *Engine) bindings(in Input) script.Bindings {
	var result any
	if in.Result != nil {
		result = toAny(in.Result)
	}
	b := script.Bindings{
		"cluster":   map[string]any{"id": in.ClusterID},
		"iteration": float64(in.Iteration),
		"message":   messageBinding(in.Message),
		"result":    result,
	}
	if in.Ledger != nil {
		b["ledger"] = ledgerBinding{l: in.Ledger, clusterID: in.ClusterID}
	}
	return b
}

// messageBinding is the script-facing view of the triggering message.
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

func toAny(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func runScript(ctx context.Context, source string, bindings script.Bindings) (any, error) {
	s, err := script.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return s.Run(ctx, bindings)
}

// objectToMessage interprets a logic/transform script's return value:
// null suppresses the hook, otherwise it must be a {topic, content}
// map.
func objectToMessage(v any) (*produced, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script returned %T, expected an object", v)
	}
	topic, _ := obj["topic"].(string)
	if topic == "" {
		return nil, fmt.Errorf("script result missing string %q field", "topic")
	}
	content := message.Content{}
	if c, ok := obj["content"].(map[string]any); ok {
		if text, ok := c["text"].(string); ok {
			content.Text = message.Text(text)
		}
		data := make(map[string]any, len(c))
		for k, v := range c {
			if k == "text" {
				continue
			}
			data[k] = v
		}
		if len(data) > 0 {
			content.Data = data
		}
	}
	return &produced{topic: topic, content: content}, nil
}

// ledgerBinding is the value bound to `ledger` for logic/transform
// scripts. It has no fields or methods the expression grammar can
// reach: any path into `ledger` evaluates to null.
type ledgerBinding struct {
	l         *ledger.Ledger
	clusterID string
}
