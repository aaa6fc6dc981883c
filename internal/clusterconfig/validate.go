// Validator runs static checks over a cluster configuration before
// the cluster starts. Each check is an independent function composed
// by Validate, covering structure, topic reachability, completion
// presence, cycles, iteration coverage, template variables, role
// references, hook shape, and model discipline.
package clusterconfig

import (
	"fmt"
	"sort"

	"github.com/loomwork/conclave/internal/script"
)

// Severity distinguishes a hard validation error from an advisory
// warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Category names the check that produced a Finding.
type Category string

const (
	CategoryStructure       Category = "structure"
	CategoryTopicReach      Category = "topic_reachability"
	CategoryCompletion      Category = "completion_presence"
	CategoryCycles          Category = "cycles"
	CategoryIterationCover  Category = "iteration_coverage"
	CategoryTemplateVars    Category = "template_variables"
	CategoryRoleReferences  Category = "role_references"
	CategoryHookShape       Category = "hook_shape"
	CategoryModelDiscipline Category = "model_discipline"
)

// Finding is one validator result.
type Finding struct {
	Category Category
	Message  string
	Severity Severity
	Path     string // dotted path prefix for sub-cluster descent (check 10)
}

// Result is the aggregate outcome of Validate.
type Result struct {
	Errors   []Finding
	Warnings []Finding
}

// Valid reports whether the configuration has no errors.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// All returns Errors followed by Warnings.
func (r Result) All() []Finding {
	out := make([]Finding, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	return out
}

func (r *Result) add(f Finding) {
	if f.Severity == SeverityError {
		r.Errors = append(r.Errors, f)
	} else {
		r.Warnings = append(r.Warnings, f)
	}
}

// FlattenAgents returns every Agent in cfg, descending into
// sub-clusters, in document order. Used by the cluster controller to wire
// subscriptions across the whole nested tree.
func FlattenAgents(cfg *Config) []Agent {
	out := append([]Agent(nil), cfg.Agents...)
	for i := range cfg.SubClusters {
		out = append(out, FlattenAgents(&cfg.SubClusters[i].Config)...)
	}
	return out
}

// SeedTopic is the implicit topic every cluster publishes at start and
// that a trigger may reference without being "unreachable".
const SeedTopic = "ISSUE_OPENED"

// Validate runs every check against cfg and returns the combined
// findings, descending into sub-clusters (check 10) with a path prefix.
func Validate(cfg *Config) Result {
	var r Result
	validate(cfg, "$", &r)
	return r
}

func validate(cfg *Config, path string, r *Result) {
	checkStructure(cfg, path, r)
	checkTopicReachability(cfg, path, r)
	checkCompletionPresence(cfg, path, r)
	checkCycles(cfg, path, r)
	checkIterationCoverage(cfg, path, r)
	checkTemplateVariables(cfg, path, r)
	checkRoleReferences(cfg, path, r)
	checkHookShape(cfg, path, r)
	checkModelDiscipline(cfg, path, r)

	for i, sc := range cfg.SubClusters {
		validate(&sc.Config, fmt.Sprintf("%s.subclusters[%d]", path, i), r)
	}
}

// --- Check 1: structure ---

func checkStructure(cfg *Config, path string, r *Result) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		apath := fmt.Sprintf("%s.agents[%d]", path, i)
		if a.ID == "" {
			r.add(Finding{CategoryStructure, "agent is missing required field 'id'", SeverityError, apath})
		} else if seen[a.ID] {
			r.add(Finding{CategoryStructure, fmt.Sprintf("duplicate agent id %q", a.ID), SeverityError, apath})
		}
		seen[a.ID] = true

		if a.Role == "" {
			r.add(Finding{CategoryStructure, fmt.Sprintf("agent %q is missing required field 'role'", a.ID), SeverityError, apath})
		}
		if len(a.Triggers) == 0 {
			r.add(Finding{CategoryStructure, fmt.Sprintf("agent %q has no triggers", a.ID), SeverityError, apath})
		}
		for j, t := range a.Triggers {
			tpath := fmt.Sprintf("%s.triggers[%d]", apath, j)
			if t.Action != ActionExecuteTask && t.Action != ActionStopCluster {
				r.add(Finding{CategoryStructure, fmt.Sprintf("agent %q trigger has unrecognised action %q", a.ID, t.Action), SeverityError, tpath})
			}
			if t.Logic != nil {
				if err := script.MustValid(t.Logic.Script); err != nil {
					r.add(Finding{CategoryStructure, fmt.Sprintf("agent %q trigger logic does not parse: %v", a.ID, err), SeverityError, tpath})
				}
			}
		}
	}
}

// --- Check 2: topic reachability ---

func checkTopicReachability(cfg *Config, path string, r *Result) {
	produced := producedTopics(cfg)
	produced[SeedTopic] = true

	consumed := make(map[string]bool)
	for i, a := range cfg.Agents {
		apath := fmt.Sprintf("%s.agents[%d]", path, i)
		for j, t := range a.Triggers {
			tpath := fmt.Sprintf("%s.triggers[%d]", apath, j)
			consumed[t.Topic] = true
			if !produced[t.Topic] {
				r.add(Finding{CategoryTopicReach, fmt.Sprintf("agent %q triggers on topic %q, which is never produced", a.ID, t.Topic), SeverityError, tpath})
			}
			if producesTopic(a, t.Topic) && t.Logic == nil {
				r.add(Finding{CategoryTopicReach, fmt.Sprintf("agent %q triggers on its own produced topic %q without escape logic", a.ID, t.Topic), SeverityError, tpath})
			}
		}
	}

	topicNames := make([]string, 0, len(produced))
	for t := range produced {
		topicNames = append(topicNames, t)
	}
	sort.Strings(topicNames)
	for _, t := range topicNames {
		if t == SeedTopic {
			continue
		}
		if !consumed[t] {
			r.add(Finding{CategoryTopicReach, fmt.Sprintf("topic %q is produced but never consumed by any trigger", t), SeverityWarning, path})
		}
	}
}

func producedTopics(cfg *Config) map[string]bool {
	out := make(map[string]bool)
	for _, a := range cfg.Agents {
		for _, h := range agentHooks(a) {
			if h == nil {
				continue
			}
			if h.Config != nil && h.Config.Topic != "" {
				out[h.Config.Topic] = true
			}
			for _, sc := range []*Script{h.Logic, h.Transform} {
				if sc == nil {
					continue
				}
				for _, m := range scriptTopicPattern.FindAllStringSubmatch(sc.Script, -1) {
					out[m[1]] = true
				}
			}
		}
	}
	return out
}

func agentHooks(a Agent) []*Hook {
	var hooks []*Hook
	for _, t := range a.Triggers {
		if t.OnComplete != nil {
			hooks = append(hooks, t.OnComplete)
		}
	}
	if a.Hooks != nil {
		if a.Hooks.OnComplete != nil {
			hooks = append(hooks, a.Hooks.OnComplete)
		}
		if a.Hooks.OnError != nil {
			hooks = append(hooks, a.Hooks.OnError)
		}
	}
	return hooks
}

func producesTopic(a Agent, topic string) bool {
	for _, h := range agentHooks(a) {
		if h != nil && h.Config != nil && h.Config.Topic == topic {
			return true
		}
	}
	return false
}

// --- Check 3: completion presence ---

func checkCompletionPresence(cfg *Config, path string, r *Result) {
	count := 0
	for _, a := range cfg.Agents {
		for _, t := range a.Triggers {
			if t.Action == ActionStopCluster {
				count++
			}
		}
	}
	if count == 0 {
		r.add(Finding{CategoryCompletion, "no trigger declares action=stop_cluster", SeverityError, path})
	} else if count > 1 {
		r.add(Finding{CategoryCompletion, fmt.Sprintf("%d triggers declare action=stop_cluster, expected exactly one", count), SeverityError, path})
	}
}

// --- Check 4: cycles ---

// checkCycles builds the "produces-topic -> triggers-on-topic" graph
// over agent ids and reports cycles: an error when no trigger on the
// cycle carries escape logic, a warning when at least one does.
func checkCycles(cfg *Config, path string, r *Result) {
	type edge struct {
		to        string
		hasEscape bool
	}
	graph := make(map[string][]edge)
	for _, producer := range cfg.Agents {
		for _, h := range agentHooks(producer) {
			if h == nil || h.Config == nil || h.Config.Topic == "" {
				continue
			}
			for _, consumer := range cfg.Agents {
				for _, t := range consumer.Triggers {
					if t.Topic == h.Config.Topic {
						graph[producer.ID] = append(graph[producer.ID], edge{to: consumer.ID, hasEscape: t.Logic != nil})
					}
				}
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var inEscape []bool // inEscape[i]: escape flag of the edge that reached stack[i]

	var visit func(id string, escape bool)
	visit = func(id string, escape bool) {
		color[id] = gray
		stack = append(stack, id)
		inEscape = append(inEscape, escape)
		for _, e := range graph[id] {
			switch color[e.to] {
			case white:
				visit(e.to, e.hasEscape)
			case gray:
				anyEscaped := e.hasEscape
				for i := len(stack) - 1; i >= 0 && stack[i] != e.to; i-- {
					anyEscaped = anyEscaped || inEscape[i]
				}
				sev := SeverityWarning
				if !anyEscaped {
					sev = SeverityError
				}
				r.add(Finding{CategoryCycles, fmt.Sprintf("cycle detected involving agent %q (via topic trigger back to %q)", id, e.to), sev, path})
			}
		}
		stack = stack[:len(stack)-1]
		inEscape = inEscape[:len(inEscape)-1]
		color[id] = black
	}
	ids := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id, false)
		}
	}
}

// --- Check 5: iteration coverage ---

func checkIterationCoverage(cfg *Config, path string, r *Result) {
	for _, a := range cfg.Agents {
		max := a.MaxIterations
		if max <= 0 {
			max = DefaultMaxIterations
		}
		if len(a.ModelRules) > 0 {
			checkRuleCoverage(a.ID, "modelRules", rangesOf(a.ModelRules), max, r, path)
		}
		if a.PromptConfig != nil && len(a.PromptConfig.Rules) > 0 {
			checkRuleCoverage(a.ID, "promptConfig.rules", rangesOfPrompt(a.PromptConfig.Rules), max, r, path)
		}
	}
}

func rangesOf(rules []ModelRule) []RuleRange {
	out := make([]RuleRange, len(rules))
	for i, ru := range rules {
		out[i] = ru.Iterations
	}
	return out
}

func rangesOfPrompt(rules []PromptRule) []RuleRange {
	out := make([]RuleRange, len(rules))
	for i, ru := range rules {
		out[i] = ru.Iterations
	}
	return out
}

func checkRuleCoverage(agentID, field string, ranges []RuleRange, max int, r *Result, path string) {
	hasCatchAll := false
	for _, rg := range ranges {
		if !rg.Valid() {
			r.add(Finding{CategoryIterationCover, fmt.Sprintf("agent %q %s has invalid iterations range %q", agentID, field, rg), SeverityError, path})
			continue
		}
		if rg.IsCatchAll() {
			hasCatchAll = true
		}
	}
	if !hasCatchAll {
		r.add(Finding{CategoryIterationCover, fmt.Sprintf("agent %q %s has no catch-all rule (\"all\" or \"N+\") covering iterations beyond maxIterations", agentID, field), SeverityError, path})
	}
	for i := 1; i <= max; i++ {
		matches := 0
		for _, rg := range ranges {
			if rg.Valid() && rg.Matches(i) {
				matches++
			}
		}
		if matches == 0 {
			r.add(Finding{CategoryIterationCover, fmt.Sprintf("agent %q %s has no rule matching iteration %d", agentID, field, i), SeverityError, path})
		}
	}
}

// --- Check 6: template variables ---

func checkTemplateVariables(cfg *Config, path string, r *Result) {
	for _, a := range cfg.Agents {
		if a.OutputFormat != OutputJSON && a.OutputFormat != OutputStreamJSON {
			continue
		}
		props := schemaProperties(a.JSONSchema)
		used := make(map[string]bool)
		for _, h := range agentHooks(a) {
			collectResultVars(h, used)
		}
		for v := range used {
			if len(props) > 0 && !props[v] {
				r.add(Finding{CategoryTemplateVars, fmt.Sprintf("agent %q hook references {{result.%s}}, not a top-level schema property", a.ID, v), SeverityError, path})
			}
		}
		for p := range props {
			if !used[p] {
				r.add(Finding{CategoryTemplateVars, fmt.Sprintf("agent %q schema property %q is never referenced by a hook", a.ID, p), SeverityWarning, path})
			}
		}
	}
}

func schemaProperties(schema map[string]any) map[string]bool {
	out := make(map[string]bool)
	if schema == nil {
		return out
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return out
	}
	for k := range props {
		out[k] = true
	}
	return out
}

func collectResultVars(h *Hook, used map[string]bool) {
	if h == nil {
		return
	}
	if h.Config != nil {
		if h.Config.Topic != "" {
			collectResultVarsFromString(h.Config.Topic, used)
		}
		collectResultVarsFromValue(h.Config.Content, used)
	}
	if h.Transform != nil {
		collectResultVarsFromString(h.Transform.Script, used)
	}
}

func collectResultVarsFromValue(v any, used map[string]bool) {
	switch t := v.(type) {
	case string:
		collectResultVarsFromString(t, used)
	case map[string]any:
		for _, vv := range t {
			collectResultVarsFromValue(vv, used)
		}
	case []any:
		for _, vv := range t {
			collectResultVarsFromValue(vv, used)
		}
	}
}

func collectResultVarsFromString(s string, used map[string]bool) {
	for _, m := range resultVarPattern.FindAllStringSubmatch(s, -1) {
		top := m[1]
		if idx := indexOfDot(top); idx >= 0 {
			top = top[:idx]
		}
		used[top] = true
	}
}

func indexOfDot(s string) int {
	for i, c := range s {
		if c == '.' {
			return i
		}
	}
	return -1
}

// --- Check 7: role references ---

// checkRoleReferences scans logic/transform scripts' source text for
// getAgentsByRole("X") calls and requires X to name a role present in
// the configuration, unless guarded by an explicit length===0 check
// (a syntactic allowance: the script grammar has no call syntax of
// its own for this legacy idiom, so it is recognised textually).
func checkRoleReferences(cfg *Config, path string, r *Result) {
	roles := make(map[string]bool)
	for _, a := range cfg.Agents {
		roles[a.Role] = true
	}
	for _, a := range cfg.Agents {
		for _, h := range agentHooks(a) {
			checkRoleRefsInHook(h, roles, a.ID, r, path)
		}
		for _, t := range a.Triggers {
			if t.Logic != nil {
				checkRoleRefsInScript(t.Logic.Script, roles, a.ID, r, path)
			}
		}
	}
}

func checkRoleRefsInHook(h *Hook, roles map[string]bool, agentID string, r *Result, path string) {
	if h == nil {
		return
	}
	if h.Logic != nil {
		checkRoleRefsInScript(h.Logic.Script, roles, agentID, r, path)
	}
	if h.Transform != nil {
		checkRoleRefsInScript(h.Transform.Script, roles, agentID, r, path)
	}
}

func checkRoleRefsInScript(src string, roles map[string]bool, agentID string, r *Result, path string) {
	for _, m := range roleRefPattern.FindAllStringSubmatch(src, -1) {
		role := m[1]
		if !roles[role] {
			guarded := guardedZeroPattern.MatchString(src)
			if !guarded {
				r.add(Finding{CategoryRoleReferences, fmt.Sprintf("agent %q references getAgentsByRole(%q), which matches no configured role", agentID, role), SeverityError, path})
			}
		}
	}
}

// --- Check 8: hook shape ---

func checkHookShape(cfg *Config, path string, r *Result) {
	for _, a := range cfg.Agents {
		for _, h := range agentHooks(a) {
			checkOneHookShape(h, a.ID, r, path)
		}
	}
}

func checkOneHookShape(h *Hook, agentID string, r *Result, path string) {
	if h == nil {
		return
	}
	if h.Action == "" {
		r.add(Finding{CategoryHookShape, fmt.Sprintf("agent %q hook is missing required field 'action'", agentID), SeverityError, path})
	}
	if h.Transform != nil {
		if !mentionsTopicAndContent(h.Transform.Script) {
			r.add(Finding{CategoryHookShape, fmt.Sprintf("agent %q hook transform script cannot be statically shown to return {topic, content}", agentID), SeverityWarning, path})
		}
	}
}

func mentionsTopicAndContent(src string) bool {
	return containsWord(src, "topic") && containsWord(src, "content")
}

func containsWord(s, word string) bool {
	for i := 0; i+len(word) <= len(s); i++ {
		if s[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

// --- Check 9: model discipline ---

// checkModelDiscipline covers the structural half of model discipline
// (the raw-"model"-field rejection happens against the raw document at
// Load time): an Agent declaring both ModelLevel and ModelRules gets a
// warning, and a ModelRules entry naming an unknown level is an error.
func checkModelDiscipline(cfg *Config, path string, r *Result) {
	for _, a := range cfg.Agents {
		if a.ModelLevel != "" && len(a.ModelRules) > 0 {
			r.add(Finding{CategoryModelDiscipline, fmt.Sprintf("agent %q declares both modelLevel and modelRules", a.ID), SeverityWarning, path})
		}
		for _, mr := range a.ModelRules {
			if mr.Model != Level1 && mr.Model != Level2 && mr.Model != Level3 {
				r.add(Finding{CategoryModelDiscipline, fmt.Sprintf("agent %q modelRules entry has unrecognised model level %q", a.ID, mr.Model), SeverityError, path})
			}
		}
	}
}
