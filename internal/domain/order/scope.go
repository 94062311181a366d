package order

import (
	"context"

	"github.com/google/uuid"
)

// Scope bounds the duplicate search: a single encounter or the whole patient.
type Scope string

const (
	ScopeEncounter Scope = "encounter"
	// ScopePatient is the default and the more conservative choice.
	ScopePatient Scope = "patient"
)

func (s Scope) Valid() bool {
	return s == ScopeEncounter || s == ScopePatient
}

// ScopeResolver queries existing orders eligible for duplicate comparison.
// Only draft orders are returned: approved and transmitted orders are signed,
// and mutating a signed order is out of scope for deduplication.
type ScopeResolver struct {
	repo OrderRepository
}

func NewScopeResolver(repo OrderRepository) *ScopeResolver {
	return &ScopeResolver{repo: repo}
}

// FindCandidates returns the patient's draft orders of the given type within
// the requested scope. Encounter scope additionally restricts the search to
// orders sharing the encounter; a candidate without an encounter identifier
// degrades to patient scope. Read-only.
func (r *ScopeResolver) FindCandidates(ctx context.Context, patientID uuid.UUID, orderType OrderType, scope Scope, encounterID *uuid.UUID) ([]*Order, error) {
	if !scope.Valid() {
		scope = ScopePatient
	}

	var encFilter *uuid.UUID
	if scope == ScopeEncounter && encounterID != nil {
		encFilter = encounterID
	}

	return r.repo.Query(ctx, patientID, orderType, []string{StatusDraft}, encFilter)
}
