package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
)

// Appointment is the locally persisted appointment row, mirroring the PMS
// record plus our status tracking.
type Appointment struct {
	ID             clinic.AppointmentID
	ClinicID       uuid.UUID
	PatientID      clinic.PatientID
	PractitionerID clinic.PractitionerID
	ServiceID      clinic.ServiceID
	BusinessID     clinic.BusinessID
	StartsAt       time.Time // UTC
	EndsAt         time.Time // UTC
	Status         string    // booked | confirmed | cancelled | completed
	PatientName    string
	Practitioner   string
	ServiceName    string
}

// Repository persists appointments, local patient rows and the voice booking
// log.
type Repository struct {
	pool clinic.PgxPool
}

// NewRepository creates a repository backed by pgx.
func NewRepository(pool clinic.PgxPool) *Repository {
	if pool == nil {
		panic("booking: pgx pool required")
	}
	return &Repository{pool: pool}
}

// InTx runs fn inside one transaction; commit on nil, rollback otherwise.
func (r *Repository) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("booking: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("booking: commit tx: %w", err)
	}
	return nil
}

// EnsurePatient upserts the local patient row keyed by (clinic, normalized
// phone), storing the PMS patient id on it. It returns only an error.
func (r *Repository) EnsurePatient(ctx context.Context, q cache.Querier, clinicID uuid.UUID, patientID clinic.PatientID, phoneNormalized, firstName, lastName, email string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO patients (patient_id, clinic_id, phone_normalized, first_name, last_name, email)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (clinic_id, phone_normalized)
		DO UPDATE SET patient_id = $1, first_name = $4, last_name = $5, email = $6`,
		patientID, clinicID, phoneNormalized, firstName, lastName, email)
	if err != nil {
		return fmt.Errorf("booking: ensure patient: %w", err)
	}
	return nil
}

// InsertAppointment writes the appointment row on the supplied querier so it
// lands in the same transaction as the cache staleness mark.
func (r *Repository) InsertAppointment(ctx context.Context, q cache.Querier, a Appointment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO appointments
			(appointment_id, clinic_id, patient_id, practitioner_id, appointment_type_id, business_id, starts_at, ends_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ClinicID, a.PatientID, a.PractitionerID, a.ServiceID, a.BusinessID,
		a.StartsAt.UTC(), a.EndsAt.UTC(), a.Status)
	if err != nil {
		return fmt.Errorf("booking: insert appointment: %w", err)
	}
	return nil
}

// UpdateStatus transitions an appointment's status.
func (r *Repository) UpdateStatus(ctx context.Context, q cache.Querier, clinicID uuid.UUID, id clinic.AppointmentID, status string) error {
	if q == nil {
		q = r.pool
	}
	tag, err := q.Exec(ctx, `
		UPDATE appointments SET status = $3
		WHERE clinic_id = $1 AND appointment_id = $2`,
		clinicID, id, status)
	if err != nil {
		return fmt.Errorf("booking: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.CodeAppointmentNotFound, "appointment %s not found", id)
	}
	return nil
}

// ByID loads one appointment, clinic-scoped.
func (r *Repository) ByID(ctx context.Context, clinicID uuid.UUID, id clinic.AppointmentID) (*Appointment, error) {
	a := Appointment{ClinicID: clinicID}
	err := r.pool.QueryRow(ctx, `
		SELECT a.appointment_id, a.patient_id, a.practitioner_id, a.appointment_type_id,
		       a.business_id, a.starts_at, a.ends_at, a.status
		FROM appointments a
		WHERE a.clinic_id = $1 AND a.appointment_id = $2`,
		clinicID, id).
		Scan(&a.ID, &a.PatientID, &a.PractitionerID, &a.ServiceID, &a.BusinessID, &a.StartsAt, &a.EndsAt, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeAppointmentNotFound, "appointment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load appointment: %w", err)
	}
	return &a, nil
}

// UpcomingByPhone lists the caller's near-term bookings, soonest first, for
// cancel disambiguation.
func (r *Repository) UpcomingByPhone(ctx context.Context, clinicID uuid.UUID, phoneNormalized string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.appointment_id, a.patient_id, a.practitioner_id, a.appointment_type_id,
		       a.business_id, a.starts_at, a.ends_at, a.status,
		       pr.first_name || ' ' || pr.last_name, t.appointment_type_name
		FROM appointments a
		JOIN patients p ON p.patient_id = a.patient_id AND p.clinic_id = a.clinic_id
		JOIN practitioners pr ON pr.practitioner_id = a.practitioner_id
		JOIN appointment_types t ON t.appointment_type_id = a.appointment_type_id
		WHERE a.clinic_id = $1 AND p.phone_normalized = $2
		  AND a.status IN ('booked', 'confirmed')
		  AND a.starts_at > NOW() - INTERVAL '1 hour'
		  AND a.starts_at < NOW() + INTERVAL '60 days'
		ORDER BY a.starts_at`,
		clinicID, phoneNormalized)
	if err != nil {
		return nil, fmt.Errorf("booking: upcoming by phone: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a := Appointment{ClinicID: clinicID}
		if err := rows.Scan(&a.ID, &a.PatientID, &a.PractitionerID, &a.ServiceID, &a.BusinessID,
			&a.StartsAt, &a.EndsAt, &a.Status, &a.Practitioner, &a.ServiceName); err != nil {
			return nil, fmt.Errorf("booking: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LogVoiceBooking records the outcome of a voice booking operation for the
// post-call audit trail. Failures are swallowed; the log must never fail a
// booking.
func (r *Repository) LogVoiceBooking(ctx context.Context, q cache.Querier, clinicID uuid.UUID, sessionID, operation, status string, appointmentID clinic.AppointmentID, detail string) {
	if q == nil {
		q = r.pool
	}
	_, _ = q.Exec(ctx, `
		INSERT INTO voice_bookings (clinic_id, session_id, operation, status, appointment_id, detail, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NOW())`,
		clinicID, sessionID, operation, status, string(appointmentID), detail)
}
