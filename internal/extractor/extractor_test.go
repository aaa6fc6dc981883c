package extractor

import "testing"

func TestExtractDirectJSON(t *testing.T) {
	out := Extract(`{"approved": true, "summary": "ok"}`, nil)
	if out == nil {
		t.Fatal("Extract returned nil")
	}
	if out["approved"] != true {
		t.Errorf("approved = %v", out["approved"])
	}
}

func TestExtractRejectsArraysAndPrimitives(t *testing.T) {
	if out := Extract(`[1, 2, 3]`, nil); out != nil {
		t.Errorf("Extract(array) = %v, want nil", out)
	}
	if out := Extract(`"just a string"`, nil); out != nil {
		t.Errorf("Extract(primitive) = %v, want nil", out)
	}
}

func TestExtractMarkdownFencedBlock(t *testing.T) {
	output := "Here is my analysis.\n\n```json\n{\"score\": 9}\n```\n\nDone."
	out := Extract(output, nil)
	if out == nil {
		t.Fatal("Extract returned nil")
	}
	if out["score"] != float64(9) {
		t.Errorf("score = %v", out["score"])
	}
}

func TestExtractResultWrapperStructuredOutput(t *testing.T) {
	line := `{"type":"result","structured_output":{"done":true}}`
	out := Extract(line, nil)
	if out == nil || out["done"] != true {
		t.Fatalf("Extract = %v", out)
	}
}

func TestExtractResultWrapperStringResultRecursesToJSON(t *testing.T) {
	line := `{"type":"result","result":"{\"ok\":true}"}`
	out := Extract(line, nil)
	if out == nil || out["ok"] != true {
		t.Fatalf("Extract = %v", out)
	}
}

func TestExtractFatalSentinelShortCircuits(t *testing.T) {
	output := "starting up\nTask not found\n{\"ignored\": true}"
	if out := Extract(output, nil); out != nil {
		t.Errorf("Extract = %v, want nil after fatal sentinel", out)
	}
}

func TestExtractStripsEpochAndAgentPrefixes(t *testing.T) {
	output := "[1700000000123] validator | {\"approved\": false}"
	out := Extract(output, nil)
	if out == nil || out["approved"] != false {
		t.Fatalf("Extract = %v", out)
	}
}

func TestExtractTextEventStrategy(t *testing.T) {
	parser := func(s string) string { return `{"via": "events"}` }
	out := Extract("raw provider event stream", parser)
	if out == nil || out["via"] != "events" {
		t.Fatalf("Extract = %v", out)
	}
}

func TestValidateNormalizesEnumCase(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{
			"status": map[string]any{"enum": []any{"APPROVED", "REJECTED"}},
		},
	}
	outcome := Validate(map[string]any{"status": "approved"}, schema, "implementation")
	if outcome.Normalized["status"] != "APPROVED" {
		t.Errorf("status = %v", outcome.Normalized["status"])
	}
}

func TestValidateFailureFatalForValidatorRole(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{"approved": map[string]any{}},
		"required":   []any{"approved"},
	}
	outcome := Validate(map[string]any{}, schema, RoleValidator)
	if outcome.Fatal == nil {
		t.Fatal("expected Fatal for validator role with missing required field")
	}
}

func TestValidateFailureWarningForOtherRoles(t *testing.T) {
	schema := map[string]any{
		"properties": map[string]any{"approved": map[string]any{}},
		"required":   []any{"approved"},
	}
	outcome := Validate(map[string]any{}, schema, "implementation")
	if outcome.Fatal != nil {
		t.Fatalf("expected non-fatal, got %v", outcome.Fatal)
	}
	if len(outcome.Warnings) != 1 {
		t.Fatalf("Warnings = %v", outcome.Warnings)
	}
}
