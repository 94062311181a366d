package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SweepResult summarizes one cleanup pass.
type SweepResult struct {
	DuplicatesRemoved int `json:"duplicates_removed"`
	OrdersProcessed   int `json:"orders_processed"`
}

// Sweeper removes exact-fingerprint duplicates from a patient's persisted
// draft orders. It is a maintenance operation independent of the ingestion
// path, the safety net for duplicates created before the storage-level
// uniqueness backstop existed or by concurrent ingestion races.
type Sweeper struct {
	repo   OrderRepository
	logger zerolog.Logger
}

func NewSweeper(repo OrderRepository, logger zerolog.Logger) *Sweeper {
	return &Sweeper{repo: repo, logger: logger}
}

// Sweep walks the patient's draft orders in creation order and hard-deletes
// every subsequent order whose fingerprint key was already seen
// (first-seen-wins). It performs no merging. Idempotent: a second run over
// the same data removes nothing.
//
// Weak keys are exempt: a match on the untyped fallback fingerprint is an
// ambiguity, not a confirmed duplicate, so those orders are flagged for
// audit and left in place, consistent with the ingestion path.
func (s *Sweeper) Sweep(ctx context.Context, patientID uuid.UUID) (*SweepResult, error) {
	drafts, err := s.repo.Query(ctx, patientID, "", []string{StatusDraft}, nil)
	if err != nil {
		return nil, fmt.Errorf("query draft orders: %w", err)
	}

	result := &SweepResult{OrdersProcessed: len(drafts)}
	seen := make(map[string]uuid.UUID, len(drafts))
	for _, o := range drafts {
		key := o.Key()
		firstID, dup := seen[key.String()]
		if !dup {
			seen[key.String()] = o.ID
			continue
		}
		if key.Weak() {
			s.logger.Warn().
				Str("patient_id", patientID.String()).
				Str("order_id", o.ID.String()).
				Str("matched_order_id", firstID.String()).
				Str("fingerprint", key.KeyValue).
				Msg("ambiguous fingerprint match on untyped order, left in place")
			continue
		}
		if err := s.repo.Delete(ctx, o.ID); err != nil {
			return result, fmt.Errorf("delete duplicate order %s: %w", o.ID, err)
		}
		result.DuplicatesRemoved++
		s.logger.Info().
			Str("patient_id", patientID.String()).
			Str("order_id", o.ID.String()).
			Str("kept_order_id", firstID.String()).
			Str("order_type", string(o.OrderType)).
			Msg("removed duplicate draft order")
	}
	return result, nil
}
