package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the engine's entry surface: single-candidate ingestion, batch
// reconciliation, and the maintenance sweep. It is request-scoped: every
// call runs to completion within the caller's context and holds no state
// between requests.
type Service struct {
	repo         OrderRepository
	scope        *ScopeResolver
	merge        *MergeEngine
	batch        *BatchReconciler
	sweeper      *Sweeper
	defaultScope Scope
	logger       zerolog.Logger
}

// NewService wires the engine together. defaultScope governs duplicate
// resolution whenever a request does not name a scope of its own.
func NewService(repo OrderRepository, batch *BatchReconciler, defaultScope Scope, logger zerolog.Logger) *Service {
	if !defaultScope.Valid() {
		defaultScope = ScopePatient
	}
	return &Service{
		repo:         repo,
		scope:        NewScopeResolver(repo),
		merge:        NewMergeEngine(),
		batch:        batch,
		sweeper:      NewSweeper(repo, logger),
		defaultScope: defaultScope,
		logger:       logger,
	}
}

// IngestOne runs a single candidate through fingerprinting, duplicate-scope
// resolution, and the merge decision, yielding a created, merged, or skipped
// outcome. Safe to re-run: the same candidate ingested twice merges or skips
// on the second pass instead of duplicating.
func (s *Service) IngestOne(ctx context.Context, c *OrderCandidate, scope Scope) (*ReconciliationDecision, error) {
	if err := validateCandidate(c); err != nil {
		return nil, err
	}
	if !scope.Valid() {
		scope = s.defaultScope
	}

	key := GenerateKey(c)
	existing, err := s.scope.FindCandidates(ctx, c.PatientID, c.OrderType, scope, c.EncounterID)
	if err != nil {
		return nil, fmt.Errorf("resolve duplicate scope: %w", err)
	}

	if match := firstMatch(key, existing); match != nil {
		if key.Weak() {
			// A match on the untyped fallback key is a known-weak identity
			// condition, not a confirmed duplicate. Flag it for audit and
			// create the order anyway.
			s.logger.Warn().
				Str("patient_id", c.PatientID.String()).
				Str("existing_order_id", match.ID.String()).
				Str("fingerprint", key.KeyValue).
				Msg("ambiguous fingerprint match on untyped order, creating without merge")
			return s.create(ctx, c, key,
				fmt.Sprintf("weak fingerprint matched existing order %s; created anyway, flagged for audit", match.ID))
		}
		return s.mergeOrSkip(ctx, c, match)
	}

	decision, err := s.create(ctx, c, key, "no duplicate found in scope")
	if err == nil || !errors.Is(err, ErrDuplicateOrder) {
		return decision, err
	}

	// A concurrent ingest won the check-then-insert race and the unique
	// constraint rejected us. Re-resolve and merge into the winner.
	existing, qerr := s.scope.FindCandidates(ctx, c.PatientID, c.OrderType, scope, c.EncounterID)
	if qerr != nil {
		return nil, fmt.Errorf("re-resolve after duplicate insert: %w", qerr)
	}
	if match := firstMatch(key, existing); match != nil {
		return s.mergeOrSkip(ctx, c, match)
	}
	return nil, fmt.Errorf("insert rejected as duplicate but no matching draft found: %w", err)
}

func (s *Service) create(ctx context.Context, c *OrderCandidate, key FingerprintKey, rationale string) (*ReconciliationDecision, error) {
	o := NewDraftOrder(c)
	if err := s.repo.Insert(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("patient_id", c.PatientID.String()).
		Str("order_type", string(c.OrderType)).
		Str("fingerprint", key.KeyValue).
		Msg("created draft order")
	return &ReconciliationDecision{
		Outcome:   OutcomeCreated,
		OrderID:   o.ID,
		Rationale: rationale,
	}, nil
}

func (s *Service) mergeOrSkip(ctx context.Context, c *OrderCandidate, match *Order) (*ReconciliationDecision, error) {
	d := s.merge.Decide(c, match)
	if !d.ShouldMerge {
		return &ReconciliationDecision{
			Outcome:         OutcomeSkipped,
			ExistingOrderID: &match.ID,
			Rationale:       d.Rationale,
		}, nil
	}

	if _, err := s.repo.Update(ctx, match.ID, d.MergedFields); err != nil {
		return nil, fmt.Errorf("merge into order %s: %w", match.ID, err)
	}
	s.logger.Info().
		Str("order_id", match.ID.String()).
		Int("fields", len(d.MergedFields)).
		Msg("merged candidate into existing draft")
	return &ReconciliationDecision{
		Outcome:         OutcomeMerged,
		OrderID:         match.ID,
		ExistingOrderID: &match.ID,
		Rationale:       d.Rationale,
		MergedFields:    d.MergedFields,
	}, nil
}

// BatchSummary is the structured result of batch ingestion. It is always
// returned, even under partial failure: a candidate whose write fails is
// recorded in Skipped with its error, and processing continues.
type BatchSummary struct {
	Created          []*ReconciliationDecision `json:"created"`
	Merged           []*ReconciliationDecision `json:"merged"`
	Skipped          []*ReconciliationDecision `json:"skipped"`
	Source           string                    `json:"source"`
	OverallRationale string                    `json:"overall_rationale"`
}

// IngestBatch converges two incoming order sets (e.g. transcription-derived
// and note-derived) through the batch reconciler, then persists the
// reconciled set through the same create/merge/skip path as single-candidate
// ingestion. Orders the oracle attributes to the existing set are assumed
// already persisted and re-ingested idempotently, which merges or skips them.
func (s *Service) IngestBatch(ctx context.Context, existing, incoming []*OrderCandidate, narrative string) (*BatchSummary, error) {
	set := s.batch.ReconcileBatch(ctx, existing, incoming, narrative)

	summary := &BatchSummary{
		Source:           set.Source,
		OverallRationale: set.OverallRationale,
	}
	for _, ro := range set.Orders {
		if err := validateCandidate(ro.Candidate); err != nil {
			summary.Skipped = append(summary.Skipped, &ReconciliationDecision{
				Outcome:   OutcomeSkipped,
				Rationale: fmt.Sprintf("invalid candidate: %v", err),
			})
			continue
		}

		decision, err := s.IngestOne(ctx, ro.Candidate, s.defaultScope)
		if err != nil {
			// Per-item isolation: one failed write never aborts the batch.
			s.logger.Error().Err(err).
				Str("order_type", string(ro.Candidate.OrderType)).
				Msg("batch item failed, skipping")
			summary.Skipped = append(summary.Skipped, &ReconciliationDecision{
				Outcome:   OutcomeSkipped,
				Rationale: fmt.Sprintf("persistence failed: %v", err),
			})
			continue
		}

		switch decision.Outcome {
		case OutcomeCreated:
			summary.Created = append(summary.Created, decision)
		case OutcomeMerged:
			summary.Merged = append(summary.Merged, decision)
		default:
			summary.Skipped = append(summary.Skipped, decision)
		}
	}
	return summary, nil
}

// Cleanup runs the duplicate sweep over a patient's persisted draft orders.
func (s *Service) Cleanup(ctx context.Context, patientID uuid.UUID) (*SweepResult, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	return s.sweeper.Sweep(ctx, patientID)
}

// GetOrder fetches one persisted order.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetByID(ctx, id)
}

// ListOrdersByPatient pages through a patient's persisted orders.
func (s *Service) ListOrdersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// CancelOrder hard-deletes a draft order. Orders past draft are signed and
// cannot be cancelled through this surface.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) error {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if o.Status != StatusDraft {
		return fmt.Errorf("cannot cancel order in status %q", o.Status)
	}
	return s.repo.Delete(ctx, id)
}

func validateCandidate(c *OrderCandidate) error {
	if c == nil {
		return fmt.Errorf("candidate is required")
	}
	if c.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if c.OrderType == "" {
		return fmt.Errorf("order_type is required")
	}
	if !validOrderTypes[c.OrderType] {
		return fmt.Errorf("invalid order_type: %s", c.OrderType)
	}
	return nil
}

// firstMatch returns the first existing order, in creation order, whose
// fingerprint matches the candidate's key.
func firstMatch(key FingerprintKey, existing []*Order) *Order {
	for _, o := range existing {
		if o.Key().Matches(key) {
			return o
		}
	}
	return nil
}
