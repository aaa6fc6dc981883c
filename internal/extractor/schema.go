package extractor

import (
	"fmt"
	"strings"
)

// RoleValidator mirrors clusterconfig.RoleValidator without importing
// clusterconfig, keeping this package dependency-free of config shapes
// — callers pass the role string they already have.
const RoleValidator = "validator"

// ValidationOutcome is the result of validating an extracted object
// against a JSON Schema: normalized is the (possibly
// enum-normalized) object; warnings holds non-fatal schema mismatches.
type ValidationOutcome struct {
	Normalized map[string]any
	Warnings   []string
	Fatal      error
}

// Validate normalizes enum-valued fields against schema's per-property
// enum lists, then validates required fields are present. For a
// validator-role agent a validation failure is Fatal; for any other
// role it is reported as a Warning and the best-effort object passes
// through unchanged otherwise.
func Validate(obj map[string]any, schema map[string]any, role string) ValidationOutcome {
	if schema == nil {
		return ValidationOutcome{Normalized: obj}
	}
	normalized := normalizeEnums(obj, schema)

	var warnings []string
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := normalized[name]; !present {
				warnings = append(warnings, fmt.Sprintf("missing required field %q", name))
			}
		}
	}

	if len(warnings) == 0 {
		return ValidationOutcome{Normalized: normalized}
	}
	if role == RoleValidator {
		return ValidationOutcome{
			Normalized: normalized,
			Warnings:   warnings,
			Fatal:      fmt.Errorf("schema validation failed: %s", strings.Join(warnings, "; ")),
		}
	}
	return ValidationOutcome{Normalized: normalized, Warnings: warnings}
}

// normalizeEnums case-normalizes any string field whose schema property
// declares an "enum" list, matching the closest enum value
// case-insensitively.
func normalizeEnums(obj map[string]any, schema map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return obj
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for field, rawProp := range props {
		prop, ok := rawProp.(map[string]any)
		if !ok {
			continue
		}
		enumVals, ok := prop["enum"].([]any)
		if !ok {
			continue
		}
		sval, ok := out[field].(string)
		if !ok {
			continue
		}
		for _, e := range enumVals {
			estr, ok := e.(string)
			if ok && strings.EqualFold(estr, sval) {
				out[field] = estr
				break
			}
		}
	}
	return out
}
