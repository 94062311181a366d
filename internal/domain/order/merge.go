package order

import (
	"strings"
)

// MergeDecision is the verdict for one candidate against one fingerprint-equal
// existing order. When ShouldMerge is false the candidate is skipped entirely:
// no mutation, no new order.
type MergeDecision struct {
	ShouldMerge  bool
	MergedFields map[string]interface{}
	Rationale    string
}

// MergeEngine decides whether a candidate enriches a fingerprint-equal
// existing order or carries no new information.
type MergeEngine struct{}

func NewMergeEngine() *MergeEngine {
	return &MergeEngine{}
}

// Decide compares a candidate with an existing order that produced the same
// fingerprint key. Merge when the candidate carries strictly more populated
// clinical fields than the existing record, or when its clinical indication
// or provider notes are non-empty and differ from the existing text.
//
// Tie-break: when populated counts are equal and no free-text differs, the
// existing record wins and the candidate is skipped. It carries nothing
// adoptable, since merge synthesis never overwrites populated fields.
func (e *MergeEngine) Decide(candidate *OrderCandidate, existing *Order) MergeDecision {
	candCount := candidate.populatedFieldCount()
	existCount := existing.populatedFieldCount()

	indicationDiffers := textDiffers(candidate.ClinicalIndication, existing.ClinicalIndication)
	notesDiffer := textDiffers(candidate.ProviderNotes, existing.ProviderNotes)

	if candCount <= existCount && !indicationDiffers && !notesDiffer {
		return MergeDecision{
			ShouldMerge: false,
			Rationale:   "candidate carries no new information beyond the existing draft",
		}
	}

	merged := synthesizeFields(candidate, existing)
	if len(merged) == 0 {
		return MergeDecision{
			ShouldMerge: false,
			Rationale:   "candidate carries no new information beyond the existing draft",
		}
	}

	return MergeDecision{
		ShouldMerge:  true,
		MergedFields: merged,
		Rationale:    "candidate enriches existing draft with additional clinical detail",
	}
}

// synthesizeFields builds the partial update to fold the candidate into the
// existing record. Every field populated on the candidate but empty on the
// existing record adopts the candidate's value. Clinical indication and
// provider notes are append-only: when both sides are non-empty and differ,
// the texts are concatenated with "; " so prior clinical text is never
// silently discarded.
func synthesizeFields(candidate *OrderCandidate, existing *Order) map[string]interface{} {
	candFields := candidate.clinicalFields()
	existFields := existing.clinicalFields()

	merged := make(map[string]interface{})
	for col, candVal := range candFields {
		candVal = strings.TrimSpace(candVal)
		if candVal == "" {
			continue
		}
		existVal := strings.TrimSpace(existFields[col])

		if col == "clinical_indication" || col == "provider_notes" {
			switch {
			case existVal == "":
				merged[col] = candVal
			case candVal != existVal:
				merged[col] = existVal + "; " + candVal
			}
			continue
		}

		if existVal == "" {
			merged[col] = candVal
		}
	}
	return merged
}

func textDiffers(candidate, existing string) bool {
	candidate = strings.TrimSpace(candidate)
	return candidate != "" && candidate != strings.TrimSpace(existing)
}
