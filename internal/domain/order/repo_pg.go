package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

const orderCols = `id, patient_id, encounter_id, order_type, status, fingerprint,
	medication_name, dosage, sig, test_name, test_code, lab_name,
	study_type, region, laterality, specialty,
	clinical_indication, provider_notes, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.EncounterID, &o.OrderType, &o.Status, &o.Fingerprint,
		&o.MedicationName, &o.Dosage, &o.Sig, &o.TestName, &o.TestCode, &o.LabName,
		&o.StudyType, &o.Region, &o.Laterality, &o.Specialty,
		&o.ClinicalIndication, &o.ProviderNotes, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (r *orderRepoPG) Insert(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO clinical_order (id, patient_id, encounter_id, order_type, status, fingerprint,
			medication_name, dosage, sig, test_name, test_code, lab_name,
			study_type, region, laterality, specialty,
			clinical_indication, provider_notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.PatientID, o.EncounterID, o.OrderType, o.Status, o.Fingerprint,
		o.MedicationName, o.Dosage, o.Sig, o.TestName, o.TestCode, o.LabName,
		o.StudyType, o.Region, o.Laterality, o.Specialty,
		o.ClinicalIndication, o.ProviderNotes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return err
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM clinical_order WHERE id = $1`, id))
}

// updatableCols whitelists the columns a partial merge may touch. Identity
// columns (patient, encounter, type, fingerprint) and lifecycle columns are
// deliberately excluded: merge synthesis enriches clinical content only.
var updatableCols = map[string]bool{
	"medication_name": true, "dosage": true, "sig": true,
	"test_name": true, "test_code": true, "lab_name": true,
	"study_type": true, "region": true, "laterality": true,
	"specialty": true, "clinical_indication": true, "provider_notes": true,
}

func (r *orderRepoPG) Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (*Order, error) {
	if len(fields) == 0 {
		return r.GetByID(ctx, id)
	}

	sets := make([]string, 0, len(fields)+1)
	args := make([]interface{}, 0, len(fields)+1)
	args = append(args, id)
	for col, val := range fields {
		if !updatableCols[col] {
			return nil, fmt.Errorf("column %q is not updatable", col)
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	sets = append(sets, "updated_at = NOW()")

	row := r.pool.QueryRow(ctx, `
		UPDATE clinical_order SET `+strings.Join(sets, ", ")+`
		WHERE id = $1
		RETURNING `+orderCols, args...)
	return scanOrder(row)
}

func (r *orderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM clinical_order WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *orderRepoPG) Query(ctx context.Context, patientID uuid.UUID, orderType OrderType, statuses []string, encounterID *uuid.UUID) ([]*Order, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{patientID}

	if orderType != "" {
		args = append(args, orderType)
		where = append(where, fmt.Sprintf("order_type = $%d", len(args)))
	}
	if len(statuses) > 0 {
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if encounterID != nil {
		args = append(args, *encounterID)
		where = append(where, fmt.Sprintf("encounter_id = $%d", len(args)))
	}

	// Creation order is part of the contract: the sweeper's first-seen-wins
	// pass and the merge engine's order sensitivity both depend on it.
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderCols+` FROM clinical_order
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *orderRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_order WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+orderCols+` FROM clinical_order
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}
