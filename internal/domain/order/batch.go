package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medscribe/orders/internal/platform/oracle"
)

// Reconciliation sources recorded per order.
const (
	SourceOracle   = "oracle"
	SourceFallback = "fallback"
)

// ReconciledOrder is one order in a reconciled batch, mapped back to its
// concrete source candidate so fields the oracle's serialization dropped are
// not lost.
type ReconciledOrder struct {
	Candidate  *OrderCandidate   `json:"candidate"`
	Provenance oracle.Provenance `json:"provenance"`
	Rationale  string            `json:"rationale"`
	Source     string            `json:"source"`
}

// ReconciledOrderSet is the output of batch reconciliation.
type ReconciledOrderSet struct {
	Orders           []ReconciledOrder `json:"orders"`
	OverallRationale string            `json:"overall_rationale"`
	Source           string            `json:"source"`
}

// BatchReconciler converges two incoming order sets into one. It prefers the
// semantic oracle and degrades to a deterministic union-minus-duplicates pass
// on any oracle failure: network error, timeout, malformed response, or an
// empty result. Batch reconciliation never fails outright.
type BatchReconciler struct {
	oracle oracle.Reconciler
	logger zerolog.Logger
}

// NewBatchReconciler wires a reconciler. A nil oracle is allowed and pins the
// reconciler to the deterministic fallback.
func NewBatchReconciler(rec oracle.Reconciler, logger zerolog.Logger) *BatchReconciler {
	return &BatchReconciler{oracle: rec, logger: logger}
}

// ReconcileBatch converges existing draft candidates with newly generated
// ones. Candidates are processed in input order throughout; the merge
// engine's populated-field comparison downstream is order-sensitive, so the
// ordering here is a contract, not an accident.
//
// A caller-supplied deadline on ctx covers the whole operation: if it expires
// before the oracle responds, that is an oracle failure and the fallback runs,
// never a partial result.
func (b *BatchReconciler) ReconcileBatch(ctx context.Context, existing, incoming []*OrderCandidate, narrative string) *ReconciledOrderSet {
	// Single-source batches need no reconciliation at all.
	if len(existing) == 0 {
		return passthrough(incoming, oracle.ProvenanceNew)
	}
	if len(incoming) == 0 {
		return passthrough(existing, oracle.ProvenanceExisting)
	}

	if b.oracle != nil {
		start := time.Now()
		res, err := b.oracle.Reconcile(ctx, oracle.Request{
			ExistingOrders: summarize(existing),
			NewOrders:      summarize(incoming),
			Context:        narrative,
		})
		if err == nil {
			b.logger.Info().
				Int("existing", len(existing)).
				Int("incoming", len(incoming)).
				Int("final", len(res.FinalOrders)).
				Dur("elapsed", time.Since(start)).
				Msg("oracle reconciliation succeeded")
			return b.mapOracleResult(res, existing, incoming)
		}
		b.logger.Warn().Err(err).
			Dur("elapsed", time.Since(start)).
			Msg("oracle reconciliation failed, using deterministic fallback")
	}

	return b.fallback(existing, incoming)
}

// mapOracleResult resolves each provenanced order back to its concrete source
// candidate by fingerprint and type, never by array index. Modified orders
// whose fingerprint no longer matches either input are rebuilt from the
// summary, inheriting patient and encounter from the batch.
func (b *BatchReconciler) mapOracleResult(res *oracle.Result, existing, incoming []*OrderCandidate) *ReconciledOrderSet {
	patientID, encounterID := batchIdentity(existing, incoming)

	set := &ReconciledOrderSet{
		OverallRationale: res.OverallRationale,
		Source:           SourceOracle,
	}
	for _, po := range res.FinalOrders {
		cand := b.resolveSource(po, existing, incoming)
		switch {
		case cand == nil:
			cand = candidateFromSummary(po.Order, patientID, encounterID)
		case po.Provenance == oracle.ProvenanceModified:
			// The modification may touch only non-identity fields (a sig
			// tweak leaves the fingerprint unchanged), so the source match
			// alone would discard the oracle's synthesis.
			cand = overlaySummary(cand, po.Order)
		}
		set.Orders = append(set.Orders, ReconciledOrder{
			Candidate:  cand,
			Provenance: po.Provenance,
			Rationale:  po.Rationale,
			Source:     SourceOracle,
		})
	}
	return set
}

func (b *BatchReconciler) resolveSource(po oracle.ProvenancedOrder, existing, incoming []*OrderCandidate) *OrderCandidate {
	patientID, encounterID := batchIdentity(existing, incoming)
	key := GenerateKey(candidateFromSummary(po.Order, patientID, encounterID))

	pools := [][]*OrderCandidate{existing, incoming}
	if po.Provenance == oracle.ProvenanceNew {
		pools = [][]*OrderCandidate{incoming, existing}
	}
	for _, pool := range pools {
		for _, c := range pool {
			if GenerateKey(c).Matches(key) {
				return c
			}
		}
	}
	return nil
}

// fallback is the deterministic union-minus-duplicates pass. It is
// intentionally coarser than the primary dedup path: medication orders match
// purely on normalized medication name, and no match logic is defined for
// other types, which pass through unfiltered. This is the documented
// degraded-mode contract, not a bug.
func (b *BatchReconciler) fallback(existing, incoming []*OrderCandidate) *ReconciledOrderSet {
	set := &ReconciledOrderSet{
		OverallRationale: "semantic reconciliation unavailable; deduplicated by medication name only",
		Source:           SourceFallback,
	}

	seenMeds := make(map[string]bool)
	for _, c := range existing {
		if c.OrderType == TypeMedication {
			seenMeds[normalize(c.MedicationName)] = true
		}
		set.Orders = append(set.Orders, ReconciledOrder{
			Candidate:  c,
			Provenance: oracle.ProvenanceExisting,
			Rationale:  "retained from existing set",
			Source:     SourceFallback,
		})
	}

	dropped := 0
	for _, c := range incoming {
		if c.OrderType == TypeMedication {
			name := normalize(c.MedicationName)
			if seenMeds[name] {
				dropped++
				continue
			}
			seenMeds[name] = true
		}
		set.Orders = append(set.Orders, ReconciledOrder{
			Candidate:  c,
			Provenance: oracle.ProvenanceNew,
			Rationale:  "retained from new set",
			Source:     SourceFallback,
		})
	}

	if dropped > 0 {
		b.logger.Info().Int("dropped", dropped).Msg("fallback dropped duplicate medication orders")
	}
	return set
}

func passthrough(candidates []*OrderCandidate, prov oracle.Provenance) *ReconciledOrderSet {
	set := &ReconciledOrderSet{
		OverallRationale: "single-source batch, no reconciliation required",
		Source:           SourceFallback,
	}
	for _, c := range candidates {
		set.Orders = append(set.Orders, ReconciledOrder{
			Candidate:  c,
			Provenance: prov,
			Rationale:  "only input set",
			Source:     SourceFallback,
		})
	}
	return set
}

// batchIdentity picks the patient and encounter shared by the batch, taken
// from the first candidate available.
func batchIdentity(existing, incoming []*OrderCandidate) (uuid.UUID, *uuid.UUID) {
	for _, pool := range [][]*OrderCandidate{existing, incoming} {
		for _, c := range pool {
			return c.PatientID, c.EncounterID
		}
	}
	return uuid.Nil, nil
}

func summarize(candidates []*OrderCandidate) []oracle.OrderSummary {
	out := make([]oracle.OrderSummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, oracle.OrderSummary{
			OrderType:          string(c.OrderType),
			MedicationName:     c.MedicationName,
			Dosage:             c.Dosage,
			Sig:                c.Sig,
			TestName:           c.TestName,
			TestCode:           c.TestCode,
			LabName:            c.LabName,
			StudyType:          c.StudyType,
			Region:             c.Region,
			Laterality:         c.Laterality,
			Specialty:          c.Specialty,
			ClinicalIndication: c.ClinicalIndication,
		})
	}
	return out
}

// overlaySummary applies the oracle's synthesized values on top of a resolved
// source candidate. Non-empty summary fields win; fields the summary never
// carries, such as provider notes, survive from the source.
func overlaySummary(src *OrderCandidate, s oracle.OrderSummary) *OrderCandidate {
	out := *src
	fields := []struct {
		dst *string
		val string
	}{
		{&out.MedicationName, s.MedicationName},
		{&out.Dosage, s.Dosage},
		{&out.Sig, s.Sig},
		{&out.TestName, s.TestName},
		{&out.TestCode, s.TestCode},
		{&out.LabName, s.LabName},
		{&out.StudyType, s.StudyType},
		{&out.Region, s.Region},
		{&out.Laterality, s.Laterality},
		{&out.Specialty, s.Specialty},
		{&out.ClinicalIndication, s.ClinicalIndication},
	}
	for _, f := range fields {
		if f.val != "" {
			*f.dst = f.val
		}
	}
	return &out
}

func candidateFromSummary(s oracle.OrderSummary, patientID uuid.UUID, encounterID *uuid.UUID) *OrderCandidate {
	return &OrderCandidate{
		OrderType:          OrderType(s.OrderType),
		PatientID:          patientID,
		EncounterID:        encounterID,
		MedicationName:     s.MedicationName,
		Dosage:             s.Dosage,
		Sig:                s.Sig,
		TestName:           s.TestName,
		TestCode:           s.TestCode,
		LabName:            s.LabName,
		StudyType:          s.StudyType,
		Region:             s.Region,
		Laterality:         s.Laterality,
		Specialty:          s.Specialty,
		ClinicalIndication: s.ClinicalIndication,
	}
}
