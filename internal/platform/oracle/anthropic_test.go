package oracle

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewAnthropicReconciler_RequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicReconciler("", "", 0); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestNewAnthropicReconciler_Defaults(t *testing.T) {
	r, err := NewAnthropicReconciler("test-key", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(r.Model()) != DefaultModel {
		t.Errorf("expected default model, got %s", r.Model())
	}
	if r.timeout != DefaultTimeout {
		t.Errorf("expected default timeout, got %s", r.timeout)
	}
}

func TestNewAnthropicReconciler_Overrides(t *testing.T) {
	r, err := NewAnthropicReconciler("test-key", "claude-opus-4-1", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(r.Model()) != "claude-opus-4-1" {
		t.Errorf("expected override model, got %s", r.Model())
	}
	if r.timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %s", r.timeout)
	}
}

const validResponse = `{
  "final_orders": [
    {"provenance": "existing", "order": {"order_type": "medication", "medication_name": "Lisinopril", "dosage": "10mg"}, "rationale": "kept"},
    {"provenance": "new", "order": {"order_type": "lab", "test_code": "58410-2"}, "rationale": "not a duplicate"}
  ],
  "overall_rationale": "one duplicate collapsed"
}`

func TestParseResult_PlainJSON(t *testing.T) {
	result, err := ParseResult(validResponse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.FinalOrders) != 2 {
		t.Fatalf("expected 2 final orders, got %d", len(result.FinalOrders))
	}
	if result.FinalOrders[0].Provenance != ProvenanceExisting {
		t.Errorf("unexpected provenance %s", result.FinalOrders[0].Provenance)
	}
	if result.OverallRationale != "one duplicate collapsed" {
		t.Errorf("unexpected rationale %q", result.OverallRationale)
	}
}

func TestParseResult_FencedJSON(t *testing.T) {
	text := "Here is the reconciled set:\n```json\n" + validResponse + "\n```\nLet me know if you need changes."
	result, err := ParseResult(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.FinalOrders) != 2 {
		t.Errorf("expected 2 final orders, got %d", len(result.FinalOrders))
	}
}

func TestParseResult_ProseWrappedJSON(t *testing.T) {
	text := "After reviewing both sets, my conclusion follows. " + validResponse + " That is all."
	if _, err := ParseResult(text); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseResult_NoJSON(t *testing.T) {
	if _, err := ParseResult("I could not reconcile these orders."); err == nil {
		t.Error("expected error for response without JSON")
	}
}

func TestParseResult_EmptyFinalOrders(t *testing.T) {
	_, err := ParseResult(`{"final_orders": [], "overall_rationale": "nothing"}`)
	if !errors.Is(err, ErrEmptyResult) {
		t.Errorf("expected ErrEmptyResult, got %v", err)
	}
}

func TestParseResult_InvalidProvenance(t *testing.T) {
	text := `{"final_orders": [{"provenance": "merged", "order": {"order_type": "lab"}, "rationale": "x"}]}`
	if _, err := ParseResult(text); err == nil {
		t.Error("expected error for invalid provenance")
	}
}

func TestParseResult_MissingOrderType(t *testing.T) {
	text := `{"final_orders": [{"provenance": "new", "order": {"medication_name": "Aspirin"}, "rationale": "x"}]}`
	if _, err := ParseResult(text); err == nil {
		t.Error("expected error for missing order_type")
	}
}

func TestParseResult_MalformedJSON(t *testing.T) {
	if _, err := ParseResult(`{"final_orders": [`); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestExtractJSON_BraceInString(t *testing.T) {
	text := `{"final_orders": [{"provenance": "new", "order": {"order_type": "other"}, "rationale": "note contains } and { braces"}]}`
	got := extractJSON(text)
	if got != text {
		t.Errorf("brace-aware scan failed: %q", got)
	}
}

func TestExtractJSON_EscapedQuoteInString(t *testing.T) {
	text := `{"overall_rationale": "patient said \"keep both\"", "final_orders": []}`
	if got := extractJSON(text); got != text {
		t.Errorf("escape handling failed: %q", got)
	}
}

func TestExtractJSON_TakesFirstBalancedObject(t *testing.T) {
	text := `prefix {"a": 1} suffix {"b": 2}`
	if got := extractJSON(text); got != `{"a": 1}` {
		t.Errorf("expected first object, got %q", got)
	}
}

func TestBuildPrompt_IncludesOrdersAndContext(t *testing.T) {
	req := Request{
		ExistingOrders: []OrderSummary{{OrderType: "medication", MedicationName: "Lisinopril"}},
		NewOrders:      []OrderSummary{{OrderType: "lab", TestCode: "58410-2"}},
		Context:        "patient seen for hypertension follow-up",
	}
	prompt, err := buildPrompt(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Lisinopril", "58410-2", "hypertension follow-up", "final_orders"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
