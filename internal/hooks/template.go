package hooks

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/message"
)

var templateVar = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// substituteConfig walks hook.Config's entire tree, substituting
// {{var}} references, and builds the outbound message.
func substituteConfig(cfg *clusterconfig.HookConfig, in Input) (*produced, error) {
	topic, err := substituteString(cfg.Topic, in)
	if err != nil {
		return nil, err
	}

	content := message.Content{}
	if cfg.Content != nil {
		substituted, err := substituteTree(cfg.Content, in)
		if err != nil {
			return nil, err
		}
		m, ok := substituted.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("hook config content must remain an object after substitution")
		}
		if text, ok := m["text"]; ok {
			content.Text = message.Text(stringify(text))
		}
		data := make(map[string]any, len(m))
		for k, v := range m {
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

// substituteTree recurses through maps/slices/strings, substituting
// every string leaf; non-string leaves pass through unchanged.
func substituteTree(v any, in Input) (any, error) {
	switch t := v.(type) {
	case string:
		return substituteLeaf(t, in)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			cv, err := substituteTree(child, in)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			cv, err := substituteTree(child, in)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}

// substituteString substitutes {{var}} references inside a string that
// must itself remain a string afterwards (used for Topic).
func substituteString(s string, in Input) (string, error) {
	v, err := substituteLeaf(s, in)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), nil
	}
	return str, nil
}

// substituteLeaf handles a single string leaf. If the entire leaf is
// exactly one {{var}} reference whose resolved value is non-string
// (number, bool, object), that value is returned verbatim instead of
// being stringified, so {{result.score}} can populate a numeric field.
// Otherwise every {{var}} occurrence is substituted as text.
func substituteLeaf(s string, in Input) (any, error) {
	matches := templateVar.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		name := s[matches[0][2]:matches[0][3]]
		val, resolved, err := resolveVar(name, in)
		if err != nil {
			return nil, err
		}
		if !resolved {
			return s, nil // unknown {{...}}: passthrough verbatim
		}
		return val, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		name := s[m[2]:m[3]]
		val, resolved, err := resolveVar(name, in)
		if err != nil {
			return nil, err
		}
		if !resolved {
			sb.WriteString(s[m[0]:m[1]]) // unknown: keep the literal {{...}}
		} else {
			sb.WriteString(stringify(val))
		}
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// resolveVar resolves a known variable name (cluster.id, iteration,
// result.path...), returning resolved=false for anything else so the
// caller passes it through untouched.
func resolveVar(name string, in Input) (value any, resolved bool, err error) {
	switch {
	case name == "cluster.id":
		return in.ClusterID, true, nil
	case name == "iteration":
		return strconv.Itoa(in.Iteration), true, nil
	case name == "result" || strings.HasPrefix(name, "result."):
		if in.Result == nil {
			return nil, true, &TemplateMissingResult{Var: name}
		}
		path := strings.TrimPrefix(name, "result")
		path = strings.TrimPrefix(path, ".")
		val, ok := walkResultPath(in.Result, path)
		if !ok {
			// a specific absent result.X field degrades to null
			// with a warning rather than failing the hook.
			log.Printf("[hooks] %q not present in result, substituting null", name)
			return nil, true, nil
		}
		return val, true, nil
	default:
		return nil, false, nil
	}
}

func walkResultPath(result map[string]any, path string) (any, bool) {
	if path == "" {
		return result, true
	}
	var cur any = result
	for _, field := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[field]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
