// Package clusterconfig defines the cluster-configuration data model
// and loads it from disk: read the file, unmarshal, and validate the
// required fields with explicit errors.
package clusterconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Action is a Trigger's action.
type Action string

const (
	ActionExecuteTask Action = "execute_task"
	ActionStopCluster Action = "stop_cluster"
)

// OutputFormat is an Agent's declared provider output format.
type OutputFormat string

const (
	OutputText       OutputFormat = "text"
	OutputJSON       OutputFormat = "json"
	OutputStreamJSON OutputFormat = "stream-json"
)

// ModelLevel is a coarse, provider-agnostic cost tier.
type ModelLevel string

const (
	Level1 ModelLevel = "level1"
	Level2 ModelLevel = "level2"
	Level3 ModelLevel = "level3"
)

// Script is a sandboxed predicate/producer expression. The
// concrete evaluator lives in internal/script; this package only
// carries the source text and performs the syntactic validity check
// required of every trigger and hook script.
type Script struct {
	Script string `json:"script"`
}

// HookConfig is a message template: topic plus content with {{...}}
// mustache-style variables.
type HookConfig struct {
	Topic   string         `json:"topic"`
	Content map[string]any `json:"content"`
}

// Hook is {action, config?, transform?, logic?}.
type Hook struct {
	Action    string      `json:"action"`
	Config    *HookConfig `json:"config,omitempty"`
	Transform *Script     `json:"transform,omitempty"`
	Logic     *Script     `json:"logic,omitempty"`
}

// HookActionPublishMessage is the only currently-defined Hook action.
const HookActionPublishMessage = "publish_message"

// Trigger is a subscription declaration on an Agent.
type Trigger struct {
	Topic      string  `json:"topic"`
	Action     Action  `json:"action"`
	Logic      *Script `json:"logic,omitempty"`
	OnComplete *Hook   `json:"onComplete,omitempty"`
}

// RuleRange is the "iterations" selector shared by ModelRule and
// PromptRule: "all" | "N" | "N-M" | "N+".
type RuleRange string

// Matches reports whether iteration i (1-based) falls in the range.
func (r RuleRange) Matches(i int) bool {
	s := strings.TrimSpace(string(r))
	if s == "all" {
		return true
	}
	if strings.HasSuffix(s, "+") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "+"))
		return err == nil && i >= n
	}
	if strings.Contains(s, "-") {
		parts := strings.SplitN(s, "-", 2)
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		return err1 == nil && err2 == nil && i >= lo && i <= hi
	}
	n, err := strconv.Atoi(s)
	return err == nil && i == n
}

// IsCatchAll reports whether the range is "all" or "N+".
func (r RuleRange) IsCatchAll() bool {
	s := strings.TrimSpace(string(r))
	return s == "all" || strings.HasSuffix(s, "+")
}

var validRangePattern = regexp.MustCompile(`^(all|\d+|\d+-\d+|\d+\+)$`)

// Valid reports whether the range has a recognised syntax.
func (r RuleRange) Valid() bool {
	return validRangePattern.MatchString(strings.TrimSpace(string(r)))
}

// ModelRule is {iterations, model}.
type ModelRule struct {
	Iterations RuleRange  `json:"iterations"`
	Model      ModelLevel `json:"model"`
}

// PromptRule is {iterations, prompt}.
type PromptRule struct {
	Iterations RuleRange `json:"iterations"`
	Prompt     string    `json:"prompt"`
}

// PromptConfig holds iteration-keyed prompt rules.
type PromptConfig struct {
	Rules []PromptRule `json:"rules"`
}

// ContextSource is one entry of an Agent's contextStrategy.sources.
type ContextSource struct {
	Topic    string `json:"topic"`
	Amount   int    `json:"amount"`
	Strategy string `json:"strategy,omitempty"`
}

// ContextStrategy configures how an Agent assembles its prompt context.
type ContextStrategy struct {
	Sources []ContextSource `json:"sources"`
}

// AgentHooks holds an agent-level (not trigger-level) onComplete/onError.
type AgentHooks struct {
	OnComplete *Hook `json:"onComplete,omitempty"`
	OnError    *Hook `json:"onError,omitempty"`
}

// Agent is a configured cluster participant.
type Agent struct {
	ID                  string           `json:"id"`
	Role                string           `json:"role"`
	Triggers            []Trigger        `json:"triggers"`
	Prompt              string           `json:"prompt,omitempty"`
	PromptConfig        *PromptConfig    `json:"promptConfig,omitempty"`
	ModelLevel          ModelLevel       `json:"modelLevel,omitempty"`
	ModelRules          []ModelRule      `json:"modelRules,omitempty"`
	JSONSchema          map[string]any   `json:"jsonSchema,omitempty"`
	OutputFormat        OutputFormat     `json:"outputFormat,omitempty"`
	ContextStrategy     *ContextStrategy `json:"contextStrategy,omitempty"`
	Hooks               *AgentHooks      `json:"hooks,omitempty"`
	MaxIterations        int             `json:"maxIterations,omitempty"`
	MaxRetries           int             `json:"maxRetries,omitempty"`
	TimeoutMS            int             `json:"timeout,omitempty"`
	EnableLivenessCheck  bool            `json:"enableLivenessCheck,omitempty"`

	// Provider-raw "model" is intentionally NOT a field: the validator
	// rejects configs that declare one. Loader below checks the wire
	// JSON for the forbidden key before populating the typed struct.
}

// Recognised (validator-aware) roles. Any other role string is
// accepted as free-form.
const (
	RoleOrchestrator  = "orchestrator"
	RoleValidator     = "validator"
	RoleImplementation = "implementation"
)

// SubCluster is a nested cluster configuration.
type SubCluster struct {
	Type   string `json:"type"` // "subcluster"
	Config Config `json:"config"`
}

// Config is the root cluster-configuration document.
type Config struct {
	Agents      []Agent      `json:"agents"`
	SubClusters []SubCluster `json:"subclusters,omitempty"`
}

// DefaultMaxIterations is used when an Agent omits maxIterations.
const DefaultMaxIterations = 20

// DefaultMaxRetries is used when an Agent omits maxRetries.
const DefaultMaxRetries = 2

// Load reads and parses a cluster configuration from path. JSON is the
// canonical wire format; a ".toml" extension is accepted as a
// human-friendly authoring convenience (same schema).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config %s: %w", path, err)
	}

	var cfg Config
	if strings.HasSuffix(path, ".toml") {
		if err := rejectRawModelFieldTOML(data); err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing cluster config (toml) %s: %w", path, err)
		}
	} else {
		if err := rejectRawModelFieldJSON(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing cluster config (json) %s: %w", path, err)
		}
	}

	if len(cfg.Agents) == 0 && len(cfg.SubClusters) == 0 {
		return nil, fmt.Errorf("cluster config %s has no agents", path)
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.MaxIterations <= 0 {
			a.MaxIterations = DefaultMaxIterations
		}
		if a.MaxRetries <= 0 {
			a.MaxRetries = DefaultMaxRetries
		}
	}

	return &cfg, nil
}

// rejectRawModelFieldJSON performs the model-discipline syntactic scan
// on a JSON document: no agent object may declare a raw "model" key
// (only modelLevel or modelRules are accepted). Implemented as a
// generic walk so it also covers nested sub-clusters. The scan must
// run against the raw document, before typed decoding — the typed
// Agent struct has no Model field, so an offending key would otherwise
// be silently dropped by the decoder instead of rejected.
func rejectRawModelFieldJSON(data []byte) error {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil // the typed decode will report the parse error
	}
	return walkRejectModel(generic, "$")
}

// rejectRawModelFieldTOML is the same scan for TOML configs, decoding
// into a permissive generic map first for the same reason.
func rejectRawModelFieldTOML(data []byte) error {
	var generic map[string]any
	if err := toml.Unmarshal(data, &generic); err != nil {
		return nil // the typed decode will report the parse error
	}
	return walkRejectModel(generic, "$")
}

func walkRejectModel(v any, path string) error {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t["triggers"]; ok {
			if _, hasModel := t["model"]; hasModel {
				return fmt.Errorf("agent at %s declares a raw 'model' field; use modelLevel or modelRules", path)
			}
		}
		for k, vv := range t {
			if err := walkRejectModel(vv, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, vv := range t {
			if err := walkRejectModel(vv, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case []map[string]any:
		// BurntSushi decodes TOML arrays-of-tables into this shape
		// when the target is generic.
		for i, vv := range t {
			if err := walkRejectModel(vv, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
