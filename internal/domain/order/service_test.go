package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mock Repository --

// mockOrderRepo is an in-memory OrderRepository. Insert enforces the same
// draft-fingerprint uniqueness rule as the database backstop, untyped orders
// excluded, so the race-retry path is exercisable without a database.
type mockOrderRepo struct {
	orders []*Order
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{}
}

func sameEncounter(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (m *mockOrderRepo) Insert(_ context.Context, o *Order) error {
	if o.OrderType != TypeOther {
		for _, ex := range m.orders {
			if ex.Status == StatusDraft &&
				ex.PatientID == o.PatientID &&
				ex.OrderType == o.OrderType &&
				ex.Fingerprint == o.Fingerprint &&
				sameEncounter(ex.EncounterID, o.EncounterID) {
				return ErrDuplicateOrder
			}
		}
	}
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	m.orders = append(m.orders, o)
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	for _, o := range m.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockOrderRepo) Update(_ context.Context, id uuid.UUID, fields map[string]interface{}) (*Order, error) {
	o, err := m.GetByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	for col, val := range fields {
		s, _ := val.(string)
		switch col {
		case "medication_name":
			o.MedicationName = s
		case "dosage":
			o.Dosage = s
		case "sig":
			o.Sig = s
		case "test_name":
			o.TestName = s
		case "test_code":
			o.TestCode = s
		case "lab_name":
			o.LabName = s
		case "study_type":
			o.StudyType = s
		case "region":
			o.Region = s
		case "laterality":
			o.Laterality = s
		case "specialty":
			o.Specialty = s
		case "clinical_indication":
			o.ClinicalIndication = s
		case "provider_notes":
			o.ProviderNotes = s
		}
	}
	o.UpdatedAt = time.Now()
	return o, nil
}

func (m *mockOrderRepo) Delete(_ context.Context, id uuid.UUID) error {
	for i, o := range m.orders {
		if o.ID == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockOrderRepo) Query(_ context.Context, patientID uuid.UUID, orderType OrderType, statuses []string, encounterID *uuid.UUID) ([]*Order, error) {
	wantStatus := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wantStatus[s] = true
	}

	var result []*Order
	for _, o := range m.orders {
		if o.PatientID != patientID {
			continue
		}
		if orderType != "" && o.OrderType != orderType {
			continue
		}
		if len(statuses) > 0 && !wantStatus[o.Status] {
			continue
		}
		if encounterID != nil && !sameEncounter(o.EncounterID, encounterID) {
			continue
		}
		result = append(result, o)
	}
	return result, nil
}

func (m *mockOrderRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	var result []*Order
	for _, o := range m.orders {
		if o.PatientID == patientID {
			result = append(result, o)
		}
	}
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], total, nil
}

func newTestService(repo OrderRepository) *Service {
	logger := zerolog.Nop()
	return NewService(repo, NewBatchReconciler(nil, logger), ScopePatient, logger)
}

// -- IngestOne --

func TestIngestOne_CreatesNewOrder(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)

	c := &OrderCandidate{
		OrderType:      TypeMedication,
		PatientID:      uuid.New(),
		MedicationName: "Lisinopril",
		Dosage:         "10mg",
	}
	d, err := svc.IngestOne(context.Background(), c, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeCreated {
		t.Errorf("expected created, got %s", d.Outcome)
	}
	if d.OrderID == uuid.Nil {
		t.Error("expected order id to be set")
	}
	if len(repo.orders) != 1 || repo.orders[0].Status != StatusDraft {
		t.Error("expected one draft order persisted")
	}
}

func TestIngestOne_MergesEnrichedDuplicate(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()
	ctx := context.Background()

	first := &OrderCandidate{
		OrderType:      TypeMedication,
		PatientID:      pid,
		MedicationName: "Lisinopril",
		Dosage:         "10mg",
	}
	if _, err := svc.IngestOne(ctx, first, ScopePatient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := &OrderCandidate{
		OrderType:          TypeMedication,
		PatientID:          pid,
		MedicationName:     "lisinopril",
		Dosage:             "10MG",
		Sig:                "once daily",
		ClinicalIndication: "hypertension",
	}
	d, err := svc.IngestOne(ctx, second, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeMerged {
		t.Fatalf("expected merged, got %s", d.Outcome)
	}
	if len(repo.orders) != 1 {
		t.Fatalf("expected single order after merge, got %d", len(repo.orders))
	}
	o := repo.orders[0]
	if o.Sig != "once daily" || o.ClinicalIndication != "hypertension" {
		t.Errorf("merge did not enrich the existing draft: %+v", o.OrderCandidate)
	}
	if o.MedicationName != "Lisinopril" {
		t.Error("merge must not overwrite the existing populated name")
	}
}

func TestIngestOne_SkipsIdenticalDuplicate(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()
	ctx := context.Background()

	c := &OrderCandidate{
		OrderType: TypeLab,
		PatientID: pid,
		TestCode:  "58410-2",
		TestName:  "CBC",
	}
	if _, err := svc.IngestOne(ctx, c, ScopePatient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, err := svc.IngestOne(ctx, c, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeSkipped {
		t.Errorf("expected skipped, got %s", d.Outcome)
	}
	if d.ExistingOrderID == nil {
		t.Error("skip decision should reference the existing order")
	}
	if len(repo.orders) != 1 {
		t.Errorf("expected single order, got %d", len(repo.orders))
	}
}

func TestIngestOne_EncounterScopeAllowsCrossEncounterDuplicate(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()
	encA := uuid.New()
	encB := uuid.New()
	ctx := context.Background()

	a := &OrderCandidate{OrderType: TypeReferral, PatientID: pid, EncounterID: &encA, Specialty: "Cardiology"}
	if _, err := svc.IngestOne(ctx, a, ScopeEncounter); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := &OrderCandidate{OrderType: TypeReferral, PatientID: pid, EncounterID: &encB, Specialty: "Cardiology"}
	d, err := svc.IngestOne(ctx, b, ScopeEncounter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeCreated {
		t.Errorf("same referral on a different encounter should be created, got %s", d.Outcome)
	}
}

func TestIngestOne_PatientScopeCatchesCrossEncounterDuplicate(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()
	encA := uuid.New()
	encB := uuid.New()
	ctx := context.Background()

	a := &OrderCandidate{OrderType: TypeReferral, PatientID: pid, EncounterID: &encA, Specialty: "Cardiology"}
	if _, err := svc.IngestOne(ctx, a, ScopePatient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := &OrderCandidate{OrderType: TypeReferral, PatientID: pid, EncounterID: &encB, Specialty: "Cardiology"}
	d, err := svc.IngestOne(ctx, b, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeSkipped {
		t.Errorf("patient scope should catch the cross-encounter duplicate, got %s", d.Outcome)
	}
}

func TestIngestOne_WeakFingerprintMatchStillCreates(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()
	ctx := context.Background()

	c := &OrderCandidate{OrderType: TypeOther, PatientID: pid, ProviderNotes: "DME request"}
	if _, err := svc.IngestOne(ctx, c, ScopePatient); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, err := svc.IngestOne(ctx, c, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeCreated {
		t.Errorf("weak match must create, not merge or skip, got %s", d.Outcome)
	}
	if len(repo.orders) != 2 {
		t.Errorf("expected both untyped orders persisted, got %d", len(repo.orders))
	}
}

// raceRepo slips a competing draft in between the duplicate check and the
// insert, simulating a concurrent ingestion winner.
type raceRepo struct {
	*mockOrderRepo
	raced bool
}

func (r *raceRepo) Insert(ctx context.Context, o *Order) error {
	if !r.raced {
		r.raced = true
		winner := NewDraftOrder(&OrderCandidate{
			OrderType:      o.OrderType,
			PatientID:      o.PatientID,
			EncounterID:    o.EncounterID,
			MedicationName: o.MedicationName,
			Dosage:         o.Dosage,
		})
		if err := r.mockOrderRepo.Insert(ctx, winner); err != nil {
			return err
		}
	}
	return r.mockOrderRepo.Insert(ctx, o)
}

func TestIngestOne_DuplicateInsertRaceMergesIntoWinner(t *testing.T) {
	repo := &raceRepo{mockOrderRepo: newMockOrderRepo()}
	svc := newTestService(repo)

	c := &OrderCandidate{
		OrderType:      TypeMedication,
		PatientID:      uuid.New(),
		MedicationName: "Lisinopril",
		Dosage:         "10mg",
		Sig:            "once daily",
	}
	d, err := svc.IngestOne(context.Background(), c, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Outcome != OutcomeMerged {
		t.Fatalf("expected merge into the race winner, got %s", d.Outcome)
	}
	if len(repo.orders) != 1 {
		t.Fatalf("expected single surviving order, got %d", len(repo.orders))
	}
	if repo.orders[0].Sig != "once daily" {
		t.Error("loser's extra detail should be folded into the winner")
	}
}

func TestIngestOne_RejectsInvalidCandidates(t *testing.T) {
	svc := newTestService(newMockOrderRepo())
	ctx := context.Background()

	cases := []*OrderCandidate{
		nil,
		{OrderType: TypeMedication},
		{PatientID: uuid.New()},
		{OrderType: "prescription", PatientID: uuid.New()},
	}
	for i, c := range cases {
		if _, err := svc.IngestOne(ctx, c, ScopePatient); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

// -- IngestBatch --

func TestIngestBatch_FallbackDedupsAndPersists(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()

	existing := []*OrderCandidate{
		{OrderType: TypeMedication, PatientID: pid, MedicationName: "Lisinopril", Dosage: "10mg"},
	}
	incoming := []*OrderCandidate{
		{OrderType: TypeMedication, PatientID: pid, MedicationName: "Lisinopril", Dosage: "20mg"},
		{OrderType: TypeLab, PatientID: pid, TestCode: "58410-2"},
	}

	summary, err := svc.IngestBatch(context.Background(), existing, incoming, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Source != SourceFallback {
		t.Errorf("expected fallback source, got %s", summary.Source)
	}
	// Fallback matches medications by name only, so the 20mg entry is dropped
	// and two orders reach persistence.
	if got := len(summary.Created); got != 2 {
		t.Errorf("expected 2 created, got %d", got)
	}
	if len(repo.orders) != 2 {
		t.Errorf("expected 2 persisted orders, got %d", len(repo.orders))
	}
}

func TestIngestBatch_InvalidItemIsolatedAsSkipped(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()

	incoming := []*OrderCandidate{
		{OrderType: TypeLab, PatientID: pid, TestCode: "58410-2"},
		{OrderType: "bogus", PatientID: pid},
	}
	summary, err := svc.IngestBatch(context.Background(), nil, incoming, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Created) != 1 {
		t.Errorf("expected 1 created, got %d", len(summary.Created))
	}
	if len(summary.Skipped) != 1 {
		t.Errorf("expected the invalid item skipped, got %d", len(summary.Skipped))
	}
}

// -- Read and lifecycle surface --

func TestCancelOrder_DraftOnly(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	c := &OrderCandidate{OrderType: TypeLab, PatientID: uuid.New(), TestCode: "58410-2"}
	d, err := svc.IngestOne(ctx, c, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.CancelOrder(ctx, d.OrderID); err != nil {
		t.Fatalf("draft order should cancel: %v", err)
	}
	if _, err := svc.GetOrder(ctx, d.OrderID); !errors.Is(err, ErrNotFound) {
		t.Error("cancelled order should be gone")
	}

	d2, err := svc.IngestOne(ctx, c, ScopePatient)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.orders[0].Status = StatusApproved
	if err := svc.CancelOrder(ctx, d2.OrderID); err == nil {
		t.Error("signed order must not be cancellable")
	}
}

func TestListOrdersByPatient(t *testing.T) {
	repo := newMockOrderRepo()
	svc := newTestService(repo)
	pid := uuid.New()
	ctx := context.Background()

	for _, specialty := range []string{"Cardiology", "Nephrology", "Dermatology"} {
		c := &OrderCandidate{OrderType: TypeReferral, PatientID: pid, Specialty: specialty}
		if _, err := svc.IngestOne(ctx, c, ScopePatient); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	items, total, err := svc.ListOrdersByPatient(ctx, pid, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected total 3 with page of 2, got total %d page %d", total, len(items))
	}
}

func TestCleanup_RequiresPatientID(t *testing.T) {
	svc := newTestService(newMockOrderRepo())
	if _, err := svc.Cleanup(context.Background(), uuid.Nil); err == nil {
		t.Error("expected error for nil patient id")
	}
}
