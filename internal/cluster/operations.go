package cluster

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/errctx"
	"github.com/loomwork/conclave/internal/message"
)

// opType is one CLUSTER_OPERATIONS entry's kind.
type opType string

const (
	opAddAgents    opType = "add_agents"
	opRemoveAgents opType = "remove_agents"
	opUpdateAgent  opType = "update_agent"
)

// operation is one entry of a CLUSTER_OPERATIONS message's
// data.operations[]. Fields are interpreted per Type.
type operation struct {
	Type     opType                 `json:"type"`
	Agents   []clusterconfig.Agent  `json:"agents,omitempty"`
	AgentIDs []string               `json:"agentIds,omitempty"`
	AgentID  string                 `json:"agentId,omitempty"`
	Patch    map[string]any         `json:"patch,omitempty"`
}

// handleOperations processes one CLUSTER_OPERATIONS message: decode, then
// validate every operation before applying any of them (so the whole
// message is atomic), then apply in order. Any validation failure
// publishes CLUSTER_OPERATIONS_VALIDATION_FAILED; any apply failure
// publishes CLUSTER_OPERATIONS_FAILED. Either transitions the cluster
// to stopping.
func (c *Controller) handleOperations(m message.Message) {
	ops, err := decodeOperations(m.Content.Data)
	if err != nil {
		c.publishOperationsFailed(message.TopicClusterOperationsValidation, err.Error())
		return
	}

	for _, op := range ops {
		if err := c.validateOperation(op); err != nil {
			c.publishOperationsFailed(message.TopicClusterOperationsValidation, err.Error())
			return
		}
	}

	for _, op := range ops {
		if err := c.applyOperation(op); err != nil {
			c.publishOperationsFailed(message.TopicClusterOperationsFailed, err.Error())
			return
		}
	}
}

func decodeOperations(data map[string]any) ([]operation, error) {
	raw, ok := data["operations"]
	if !ok {
		return nil, fmt.Errorf("CLUSTER_OPERATIONS message missing data.operations")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding operations: %w", err)
	}
	var ops []operation
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, fmt.Errorf("decoding operations: %w", err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("CLUSTER_OPERATIONS message has no operations")
	}
	return ops, nil
}

// validateOperation performs the up-front structural checks that must
// hold for every operation in the message before any of them is
// applied: agent ids exist/don't collide and patches decode. Model
// ceiling/floor violations are apply failures, not validation
// failures — they depend on runtime settings, not on the message's
// shape.
func (c *Controller) validateOperation(op operation) error {
	switch op.Type {
	case opAddAgents:
		if len(op.Agents) == 0 {
			return fmt.Errorf("add_agents operation lists no agents")
		}
		for _, a := range op.Agents {
			if a.ID == "" {
				return fmt.Errorf("add_agents: agent missing id")
			}
			c.mu.Lock()
			_, exists := c.schedulers[a.ID]
			c.mu.Unlock()
			if exists {
				return fmt.Errorf("add_agents: agent id %q already exists", a.ID)
			}
		}
	case opRemoveAgents:
		if len(op.AgentIDs) == 0 {
			return fmt.Errorf("remove_agents operation lists no agent ids")
		}
		for _, id := range op.AgentIDs {
			c.mu.Lock()
			_, exists := c.schedulers[id]
			c.mu.Unlock()
			if !exists {
				return fmt.Errorf("remove_agents: unknown agent id %q", id)
			}
		}
	case opUpdateAgent:
		if op.AgentID == "" {
			return fmt.Errorf("update_agent operation missing agentId")
		}
		c.mu.Lock()
		s, exists := c.schedulers[op.AgentID]
		c.mu.Unlock()
		if !exists {
			return fmt.Errorf("update_agent: unknown agent id %q", op.AgentID)
		}
		if _, err := mergeAgentPatch(s.Agent(), op.Patch); err != nil {
			return fmt.Errorf("update_agent %q: %w", op.AgentID, err)
		}
	default:
		return fmt.Errorf("unrecognised operation type %q", op.Type)
	}
	return nil
}

func (c *Controller) validateAgentModel(a clusterconfig.Agent) error {
	if a.ModelLevel != "" {
		if err := c.validateModel(a.ModelLevel); err != nil {
			return err
		}
	}
	for _, rule := range a.ModelRules {
		if err := c.validateModel(rule.Model); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) applyOperation(op operation) error {
	switch op.Type {
	case opAddAgents:
		for _, a := range op.Agents {
			if err := c.validateAgentModel(a); err != nil {
				return fmt.Errorf("add_agents: agent %q: %w", a.ID, err)
			}
			c.cfg.Agents = append(c.cfg.Agents, a)
			c.startScheduler(a)
		}
	case opRemoveAgents:
		for _, id := range op.AgentIDs {
			c.mu.Lock()
			s := c.schedulers[id]
			delete(c.schedulers, id)
			c.mu.Unlock()
			if s != nil {
				s.Stop()
			}
			c.removeAgentFromConfig(id)
		}
	case opUpdateAgent:
		c.mu.Lock()
		s := c.schedulers[op.AgentID]
		c.mu.Unlock()
		if s == nil {
			return fmt.Errorf("update_agent: agent %q vanished before apply", op.AgentID)
		}
		merged, err := mergeAgentPatch(s.Agent(), op.Patch)
		if err != nil {
			return fmt.Errorf("update_agent %q: %w", op.AgentID, err)
		}
		if err := c.validateAgentModel(merged); err != nil {
			return fmt.Errorf("update_agent %q: %w", op.AgentID, err)
		}
		s.Stop()
		c.replaceAgentInConfig(merged)
		c.startScheduler(merged)
	default:
		return fmt.Errorf("unrecognised operation type %q", op.Type)
	}
	return nil
}

func (c *Controller) removeAgentFromConfig(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.cfg.Agents[:0]
	for _, a := range c.cfg.Agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	c.cfg.Agents = out
}

func (c *Controller) replaceAgentInConfig(a clusterconfig.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cfg.Agents {
		if c.cfg.Agents[i].ID == a.ID {
			c.cfg.Agents[i] = a
			return
		}
	}
	c.cfg.Agents = append(c.cfg.Agents, a)
}

// mergeAgentPatch applies patch as a shallow JSON merge over base and
// returns the resulting Agent: marshal base, merge top-level keys,
// unmarshal back. Good enough for the scalar/slice fields an update
// realistically touches (prompt, modelLevel, maxIterations,...).
func mergeAgentPatch(base clusterconfig.Agent, patch map[string]any) (clusterconfig.Agent, error) {
	if len(patch) == 0 {
		return base, nil
	}
	b, err := json.Marshal(base)
	if err != nil {
		return base, fmt.Errorf("encoding base agent: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		return base, fmt.Errorf("decoding base agent: %w", err)
	}
	for k, v := range patch {
		generic[k] = v
	}
	merged, err := json.Marshal(generic)
	if err != nil {
		return base, fmt.Errorf("encoding merged agent: %w", err)
	}
	var out clusterconfig.Agent
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, fmt.Errorf("decoding merged agent: %w", err)
	}
	if out.ID != base.ID {
		out.ID = base.ID
	}
	return out, nil
}

func (c *Controller) publishOperationsFailed(topic, reason string) {
	_, err := c.bus.Publish(message.Message{
		ClusterID: c.id,
		Topic:     topic,
		Sender:    message.System,
		Content:   message.Content{Data: map[string]any{"error": errctx.Sanitize(reason)}},
	})
	if err != nil {
		log.Printf("[cluster] %s: publishing %s: %v", c.id, topic, err)
	}
	go c.Stop()
}
