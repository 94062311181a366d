package order

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// FingerprintKey is the sole basis for deterministic duplicate identity
// comparison. Two candidates of the same type with equal normalized clinical
// identity produce equal keys; status, timestamps and non-identity fields
// never participate.
type FingerprintKey struct {
	KeyType     OrderType  `json:"key_type"`
	KeyValue    string     `json:"key_value"`
	PatientID   uuid.UUID  `json:"patient_id"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
}

// Matches reports whether two keys denote the same clinical identity.
// Patient and encounter are not compared here; the scope resolver has
// already bounded the comparison set.
func (k FingerprintKey) Matches(other FingerprintKey) bool {
	return k.KeyType == other.KeyType && k.KeyValue == other.KeyValue
}

// Weak reports whether the key was produced by the untyped fallback rule.
// Weak matches must be flagged for audit, never silently merged or skipped.
func (k FingerprintKey) Weak() bool {
	return k.KeyType == TypeOther || !validOrderTypes[k.KeyType]
}

// String renders the full key tuple for use as a map key (sweeper) and in
// audit logs.
func (k FingerprintKey) String() string {
	enc := ""
	if k.EncounterID != nil {
		enc = k.EncounterID.String()
	}
	return string(k.KeyType) + "|" + k.KeyValue + "|" + k.PatientID.String() + "|" + enc
}

const otherKeyMaxLen = 50

// GenerateKey derives the stable, order-type-specific identity key for a
// candidate. Pure function: absent or empty fields normalize to the empty
// string rather than erroring, so malformed candidates still get a key.
//
// The composition rules are fixed for interoperability with persisted data
// and must not change:
//
//	medication: name_dosage
//	lab:        test code alone if coded, else testName_labName
//	imaging:    studyType_region_laterality
//	referral:   specialty
//	other:      orderType_truncatedSerialization (weak identity)
func GenerateKey(c *OrderCandidate) FingerprintKey {
	key := FingerprintKey{
		KeyType:     c.OrderType,
		PatientID:   c.PatientID,
		EncounterID: c.EncounterID,
	}

	switch c.OrderType {
	case TypeMedication:
		key.KeyValue = normalize(c.MedicationName) + "_" + normalize(c.Dosage)
	case TypeLab:
		if code := normalize(c.TestCode); code != "" {
			key.KeyValue = code
		} else {
			key.KeyValue = normalize(c.TestName) + "_" + normalize(c.LabName)
		}
	case TypeImaging:
		key.KeyValue = normalize(c.StudyType) + "_" + normalize(c.Region) + "_" + normalize(c.Laterality)
	case TypeReferral:
		key.KeyValue = normalize(c.Specialty)
	default:
		// Weak fallback for untyped orders: serialization is sensitive to
		// incidental differences, so two identical orders can fail to match.
		// Matches on this key are audited rather than acted on.
		serialized, _ := json.Marshal(c.clinicalFields())
		s := normalize(string(serialized))
		if len(s) > otherKeyMaxLen {
			s = s[:otherKeyMaxLen]
		}
		key.KeyValue = string(c.OrderType) + "_" + s
	}
	return key
}

// normalize is the single normalization rule shared by every composition
// path. Divergence here silently breaks fingerprint equality against
// persisted rows.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
