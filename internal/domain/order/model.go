package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderType classifies a clinical order candidate.
type OrderType string

const (
	TypeMedication OrderType = "medication"
	TypeLab        OrderType = "lab"
	TypeImaging    OrderType = "imaging"
	TypeReferral   OrderType = "referral"
	TypeOther      OrderType = "other"
)

var validOrderTypes = map[OrderType]bool{
	TypeMedication: true, TypeLab: true, TypeImaging: true,
	TypeReferral: true, TypeOther: true,
}

// Order statuses. Only draft orders are eligible for deduplication mutation;
// signed orders are never touched by the engine.
const (
	StatusDraft       = "draft"
	StatusPending     = "pending"
	StatusApproved    = "approved"
	StatusTransmitted = "transmitted"
	StatusCancelled   = "cancelled"
)

var validOrderStatuses = map[string]bool{
	StatusDraft: true, StatusPending: true, StatusApproved: true,
	StatusTransmitted: true, StatusCancelled: true,
}

// OrderCandidate is an in-flight, not-yet-persisted clinical order produced by
// one of the generation pipelines. It is immutable once constructed; the
// engine either inserts it as a new Order, folds it into an existing Order via
// merge-field synthesis, or discards it.
type OrderCandidate struct {
	OrderType   OrderType  `db:"order_type" json:"order_type"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`

	// Medication orders
	MedicationName string `db:"medication_name" json:"medication_name,omitempty"`
	Dosage         string `db:"dosage" json:"dosage,omitempty"`
	Sig            string `db:"sig" json:"sig,omitempty"`

	// Lab orders
	TestName string `db:"test_name" json:"test_name,omitempty"`
	TestCode string `db:"test_code" json:"test_code,omitempty"`
	LabName  string `db:"lab_name" json:"lab_name,omitempty"`

	// Imaging orders
	StudyType  string `db:"study_type" json:"study_type,omitempty"`
	Region     string `db:"region" json:"region,omitempty"`
	Laterality string `db:"laterality" json:"laterality,omitempty"`

	// Referral orders
	Specialty string `db:"specialty" json:"specialty,omitempty"`

	ClinicalIndication string `db:"clinical_indication" json:"clinical_indication,omitempty"`
	ProviderNotes      string `db:"provider_notes" json:"provider_notes,omitempty"`
}

// clinicalFields returns the candidate's clinical fields keyed by column name.
// The map drives both the populated-field comparison and merge synthesis, so
// the key set must stay in sync with the clinical_order table.
func (c *OrderCandidate) clinicalFields() map[string]string {
	return map[string]string{
		"medication_name":     c.MedicationName,
		"dosage":              c.Dosage,
		"sig":                 c.Sig,
		"test_name":           c.TestName,
		"test_code":           c.TestCode,
		"lab_name":            c.LabName,
		"study_type":          c.StudyType,
		"region":              c.Region,
		"laterality":          c.Laterality,
		"specialty":           c.Specialty,
		"clinical_indication": c.ClinicalIndication,
		"provider_notes":      c.ProviderNotes,
	}
}

// populatedFieldCount counts the candidate's non-empty clinical fields.
func (c *OrderCandidate) populatedFieldCount() int {
	n := 0
	for _, v := range c.clinicalFields() {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// Order maps to the clinical_order table: a persisted OrderCandidate plus
// status, identity and audit timestamps.
type Order struct {
	OrderCandidate

	ID          uuid.UUID `db:"id" json:"id"`
	Status      string    `db:"status" json:"status"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// NewDraftOrder builds a draft Order from a candidate, stamping its
// fingerprint so the storage-level uniqueness backstop can apply.
func NewDraftOrder(c *OrderCandidate) *Order {
	o := &Order{
		OrderCandidate: *c,
		Status:         StatusDraft,
	}
	o.Fingerprint = GenerateKey(c).KeyValue
	return o
}

// Key returns the order's fingerprint key, recomputed from its clinical
// fields.
func (o *Order) Key() FingerprintKey {
	return GenerateKey(&o.OrderCandidate)
}

// Reconciliation outcomes for a single candidate.
const (
	OutcomeCreated = "created"
	OutcomeMerged  = "merged"
	OutcomeSkipped = "skipped"
)

// ReconciliationDecision is the engine's verdict for one candidate. It is
// returned to the caller as the audit trail and also drives the database
// mutation that was applied.
type ReconciliationDecision struct {
	Outcome         string                 `json:"outcome"`
	OrderID         uuid.UUID              `json:"order_id,omitempty"`
	ExistingOrderID *uuid.UUID             `json:"existing_order_id,omitempty"`
	Rationale       string                 `json:"rationale"`
	MergedFields    map[string]interface{} `json:"merged_fields,omitempty"`
}
