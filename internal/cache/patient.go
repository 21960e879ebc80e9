package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/pms"
)

const tierPatient = "patient"

// CachedPatient pairs the PMS patient id with the profile snapshot so a
// returning caller's first booking needs no PMS lookup.
type CachedPatient struct {
	PatientID clinic.PatientID
	Profile   pms.Patient
}

// GetPatient looks up a cached patient by normalized phone within a clinic.
func (s *Store) GetPatient(ctx context.Context, phoneNormalized string, clinicID uuid.UUID) (*CachedPatient, bool) {
	var cached CachedPatient
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT patient_id, patient_data
		FROM patient_cache
		WHERE phone_normalized = $1 AND clinic_id = $2 AND expires_at > NOW()`,
		phoneNormalized, clinicID).
		Scan(&cached.PatientID, &raw)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("patient cache read failed", "error", err)
		}
		s.observe(tierPatient, false)
		return nil, false
	}
	if err := json.Unmarshal(raw, &cached.Profile); err != nil {
		s.logger.Warn("patient cache entry corrupt", "error", err)
		s.observe(tierPatient, false)
		return nil, false
	}
	s.observe(tierPatient, true)
	return &cached, true
}

// SetPatient caches a PMS patient record for the clinic.
func (s *Store) SetPatient(ctx context.Context, phoneNormalized string, clinicID uuid.UUID, patient pms.Patient) {
	raw, err := json.Marshal(patient)
	if err != nil {
		s.logger.Error("patient cache encode failed", "error", err)
		return
	}
	expiresAt := s.now().Add(s.ttls.Patient)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO patient_cache (phone_normalized, clinic_id, patient_id, patient_data, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (phone_normalized, clinic_id)
		DO UPDATE SET patient_id = $3, patient_data = $4, expires_at = $5`,
		phoneNormalized, clinicID, patient.ID, raw, expiresAt)
	if err != nil {
		s.logger.Warn("patient cache write failed", "error", err)
	}
}
