// Package message defines the unit of exchange that flows through a
// cluster's Ledger and Bus: the Message.
package message

import "encoding/json"

// Content is a Message's body. Text is the free-form natural-language
// payload; Data is an untyped bag for structured fields. Either or both
// may be set. This is the "tagged sum type plus untyped data bag"
// resolution for dynamic message shapes.
type Content struct {
	Text *string        `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Message is the unit of exchange in a cluster. Immutable after publish.
type Message struct {
	ID        int64   `json:"id"`
	ClusterID string  `json:"cluster_id"`
	Topic     string  `json:"topic"`
	Sender    string  `json:"sender"`
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
	Content   Content `json:"content"`
}

// System is the sender id used for messages the core itself publishes
// (ISSUE_OPENED, AGENT_ERROR, CLUSTER_COMPLETE,...).
const System = "system"

// Well-known topics produced by the core.
const (
	TopicIssueOpened                   = "ISSUE_OPENED"
	TopicAgentStarted                  = "AGENT_STARTED"
	TopicAgentOutput                   = "AGENT_OUTPUT"
	TopicAgentError                    = "AGENT_ERROR"
	TopicAgentMaxIterations            = "AGENT_MAX_ITERATIONS"
	TopicAgentSchemaWarning            = "AGENT_SCHEMA_WARNING"
	TopicProcessSpawned                = "PROCESS_SPAWNED"
	TopicTaskIDAssigned                = "TASK_ID_ASSIGNED"
	TopicClusterOperations             = "CLUSTER_OPERATIONS"
	TopicClusterOperationsFailed       = "CLUSTER_OPERATIONS_FAILED"
	TopicClusterOperationsValidation   = "CLUSTER_OPERATIONS_VALIDATION_FAILED"
	TopicClusterComplete               = "CLUSTER_COMPLETE"
	TopicClusterFailed                 = "CLUSTER_FAILED"
	TopicValidationResult              = "VALIDATION_RESULT"
)

// GetText returns the text field, or "" if unset.
func (c Content) GetText() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// Clone returns a deep copy suitable for returning from a query snapshot
// without exposing the Ledger's internal storage to mutation.
func (m Message) Clone() Message {
	out := m
	if m.Content.Text != nil {
		t := *m.Content.Text
		out.Content.Text = &t
	}
	if m.Content.Data != nil {
		out.Content.Data = deepCopyMap(m.Content.Data)
	}
	return out
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}

// Text returns a new *string pointing at s, a small convenience for
// constructing Content literals.
func Text(s string) *string { return &s }

// MarshalData is a convenience for building a Data bag from any JSON-able
// value (used when hook scripts or templates produce structured results).
func MarshalData(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
