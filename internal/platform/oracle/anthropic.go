package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultModel   = "claude-sonnet-4-20250514"
	DefaultTimeout = 20 * time.Second

	maxResponseTokens = 4096
)

// AnthropicReconciler implements Reconciler against the Anthropic Messages
// API. Every call is bounded by the configured timeout; a slow or
// unreachable service surfaces as an ordinary error the caller downgrades to
// the deterministic fallback.
type AnthropicReconciler struct {
	client  anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

// NewAnthropicReconciler builds a production oracle client. Model and
// timeout fall back to defaults when zero-valued.
func NewAnthropicReconciler(apiKey, model string, timeout time.Duration) (*AnthropicReconciler, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AnthropicReconciler{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		timeout: timeout,
	}, nil
}

// Model returns the configured model identifier.
func (r *AnthropicReconciler) Model() anthropic.Model {
	return r.model
}

// Reconcile sends both order sets plus narrative context to the model and
// parses the reconciled set out of its response.
func (r *AnthropicReconciler) Reconcile(ctx context.Context, req Request) (*Result, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build oracle prompt: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: maxResponseTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result, err := ParseResult(text.String())
	if err != nil {
		return nil, err
	}
	return result, nil
}

func buildPrompt(req Request) (string, error) {
	existing, err := json.MarshalIndent(req.ExistingOrders, "", "  ")
	if err != nil {
		return "", err
	}
	newOrders, err := json.MarshalIndent(req.NewOrders, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a clinical order reconciliation assistant. Two independent pipelines ")
	b.WriteString("generated order candidates for the same patient. Merge them into a single, ")
	b.WriteString("non-duplicated, clinically coherent order set.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Treat brand/generic medication names, synonym lab names and equivalent imaging descriptions as the same order.\n")
	b.WriteString("- A dose taper is a sequence of distinct orders, not a duplicate.\n")
	b.WriteString("- Never drop clinically distinct orders; when in doubt, keep both.\n")
	b.WriteString("- Prefer the more completely specified version of a duplicated order.\n\n")
	b.WriteString("EXISTING ORDERS:\n")
	b.Write(existing)
	b.WriteString("\n\nNEW ORDERS:\n")
	b.Write(newOrders)
	if req.Context != "" {
		b.WriteString("\n\nCLINICAL CONTEXT:\n")
		b.WriteString(req.Context)
	}
	b.WriteString("\n\nRespond with ONLY a JSON object, no prose, in this exact shape:\n")
	b.WriteString(`{"final_orders":[{"provenance":"existing|new|modified","order":{...same fields as input orders...},"rationale":"..."}],"overall_rationale":"..."}`)
	return b.String(), nil
}

// ParseResult extracts the reconciled order set from raw model output.
// Models wrap JSON in markdown fences or prose often enough that a strict
// json.Unmarshal of the whole body is not viable.
func ParseResult(text string) (*Result, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in oracle response")
	}

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("malformed oracle response: %w", err)
	}
	if len(result.FinalOrders) == 0 {
		return nil, ErrEmptyResult
	}
	for i, po := range result.FinalOrders {
		if !po.Provenance.Valid() {
			return nil, fmt.Errorf("final order %d has invalid provenance %q", i, po.Provenance)
		}
		if po.Order.OrderType == "" {
			return nil, fmt.Errorf("final order %d is missing order_type", i)
		}
	}
	return &result, nil
}

// extractJSON returns the first balanced top-level JSON object in the text,
// stripping any ```json fences around it.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
