// Package oracle wraps the external semantic-judgment capability that
// resolves ambiguous clinical duplicate and merge decisions (brand vs.
// generic, dose taper vs. duplicate, synonym lab names) beyond what
// deterministic fingerprint matching can express.
//
// The capability is modeled behind the one-method Reconciler interface so
// tests inject a deterministic stub and production wiring substitutes the
// real semantic service. Callers must treat it as idempotent-in-intent but
// not deterministic: two calls with the same input produce clinically
// equivalent, not byte-identical, results.
package oracle

import (
	"context"
	"errors"
)

// ErrEmptyResult is returned when the oracle responds without any final
// orders. Callers downgrade it, like every other oracle failure, to the
// deterministic fallback path.
var ErrEmptyResult = errors.New("oracle returned no final orders")

// Provenance identifies which input set a final reconciled order derives
// from.
type Provenance string

const (
	ProvenanceExisting Provenance = "existing"
	ProvenanceNew      Provenance = "new"
	ProvenanceModified Provenance = "modified"
)

func (p Provenance) Valid() bool {
	return p == ProvenanceExisting || p == ProvenanceNew || p == ProvenanceModified
}

// OrderSummary carries only the clinically identifying fields of an order.
// Internal database identifiers never cross this boundary; the engine
// re-resolves returned orders by fingerprint on its own side.
type OrderSummary struct {
	OrderType          string `json:"order_type"`
	MedicationName     string `json:"medication_name,omitempty"`
	Dosage             string `json:"dosage,omitempty"`
	Sig                string `json:"sig,omitempty"`
	TestName           string `json:"test_name,omitempty"`
	TestCode           string `json:"test_code,omitempty"`
	LabName            string `json:"lab_name,omitempty"`
	StudyType          string `json:"study_type,omitempty"`
	Region             string `json:"region,omitempty"`
	Laterality         string `json:"laterality,omitempty"`
	Specialty          string `json:"specialty,omitempty"`
	ClinicalIndication string `json:"clinical_indication,omitempty"`
}

// Request is the oracle's input: the existing draft set, the newly generated
// set, and optional narrative context such as the source note.
type Request struct {
	ExistingOrders []OrderSummary `json:"existing_orders"`
	NewOrders      []OrderSummary `json:"new_orders"`
	Context        string         `json:"context,omitempty"`
}

// ProvenancedOrder is one order in the oracle's reconciled output.
type ProvenancedOrder struct {
	Provenance Provenance   `json:"provenance"`
	Order      OrderSummary `json:"order"`
	Rationale  string       `json:"rationale"`
}

// Result is the oracle's full reconciled order set.
type Result struct {
	FinalOrders      []ProvenancedOrder `json:"final_orders"`
	OverallRationale string             `json:"overall_rationale"`
}

// Reconciler is the semantic reconciliation capability.
type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (*Result, error)
}
