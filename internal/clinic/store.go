package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

// PgxPool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads the locally synced clinic catalog: clinics, locations,
// practitioners, services, pairings and schedules.
type Store struct {
	pool PgxPool
}

// NewStore creates a catalog store backed by pgx.
func NewStore(pool PgxPool) *Store {
	if pool == nil {
		panic("clinic: pgx pool required")
	}
	return &Store{pool: pool}
}

// ByDialedNumber resolves the clinic that owns the phone number the caller
// dialed. This is how every webhook request is tenant-scoped.
func (s *Store) ByDialedNumber(ctx context.Context, dialed string) (*Clinic, error) {
	normalized := timeutil.NormalizePhone(dialed)
	var c Clinic
	err := s.pool.QueryRow(ctx, `
		SELECT clinic_id, clinic_name, dialed_number, pms_api_key, pms_shard, timezone, active
		FROM clinics
		WHERE dialed_number = $1 AND active`, normalized).
		Scan(&c.ID, &c.Name, &c.DialedNumber, &c.PMSAPIKey, &c.PMSShard, &c.Timezone, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeClinicNotFound, "no clinic for dialed number %s", timeutil.MaskPhone(normalized))
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: lookup by dialed number: %w", err)
	}
	return &c, nil
}

// ActiveClinics lists clinics eligible for background cache refresh.
func (s *Store) ActiveClinics(ctx context.Context) ([]Clinic, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT clinic_id, clinic_name, dialed_number, pms_api_key, pms_shard, timezone, active
		FROM clinics WHERE active ORDER BY clinic_name`)
	if err != nil {
		return nil, fmt.Errorf("clinic: list active: %w", err)
	}
	defer rows.Close()

	var out []Clinic
	for rows.Next() {
		var c Clinic
		if err := rows.Scan(&c.ID, &c.Name, &c.DialedNumber, &c.PMSAPIKey, &c.PMSShard, &c.Timezone, &c.Active); err != nil {
			return nil, fmt.Errorf("clinic: scan clinic: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Locations returns all businesses for the clinic, primary first, aliases
// aggregated.
func (s *Store) Locations(ctx context.Context, clinicID uuid.UUID) ([]Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.business_id, b.business_name, b.is_primary,
		       COALESCE(ARRAY_AGG(DISTINCT la.alias) FILTER (WHERE la.alias IS NOT NULL), '{}'::text[])
		FROM businesses b
		LEFT JOIN location_aliases la ON la.business_id = b.business_id
		WHERE b.clinic_id = $1
		GROUP BY b.business_id, b.business_name, b.is_primary
		ORDER BY b.is_primary DESC, b.business_name`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("clinic: list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc := Location{ClinicID: clinicID}
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.IsPrimary, &loc.Aliases); err != nil {
			return nil, fmt.Errorf("clinic: scan location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// LocationByID fetches one business, verifying clinic ownership.
func (s *Store) LocationByID(ctx context.Context, clinicID uuid.UUID, businessID BusinessID) (*Location, error) {
	loc := Location{ClinicID: clinicID}
	err := s.pool.QueryRow(ctx, `
		SELECT business_id, business_name, is_primary
		FROM businesses WHERE clinic_id = $1 AND business_id = $2`, clinicID, businessID).
		Scan(&loc.ID, &loc.Name, &loc.IsPrimary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeInvalidBusinessID, "business %s does not belong to clinic", businessID)
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: location by id: %w", err)
	}
	return &loc, nil
}

// PrimaryLocation returns the clinic's primary business.
func (s *Store) PrimaryLocation(ctx context.Context, clinicID uuid.UUID) (*Location, error) {
	loc := Location{ClinicID: clinicID, IsPrimary: true}
	err := s.pool.QueryRow(ctx, `
		SELECT business_id, business_name FROM businesses
		WHERE clinic_id = $1 AND is_primary`, clinicID).
		Scan(&loc.ID, &loc.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeLocationRequired, "clinic has no primary location")
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: primary location: %w", err)
	}
	return &loc, nil
}

// Practitioners lists active practitioners for the clinic.
func (s *Store) Practitioners(ctx context.Context, clinicID uuid.UUID) ([]Practitioner, error) {
	return s.queryPractitioners(ctx, `
		SELECT practitioner_id, first_name, last_name, title, active
		FROM practitioners WHERE clinic_id = $1 AND active
		ORDER BY last_name, first_name`, clinicID)
}

// PractitionersAtBusiness lists active practitioners assigned to a business.
func (s *Store) PractitionersAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID BusinessID) ([]Practitioner, error) {
	return s.queryPractitioners(ctx, `
		SELECT p.practitioner_id, p.first_name, p.last_name, p.title, p.active
		FROM practitioners p
		JOIN practitioner_businesses pb ON pb.practitioner_id = p.practitioner_id
		WHERE p.clinic_id = $1 AND pb.business_id = $2 AND p.active
		ORDER BY p.last_name, p.first_name`, clinicID, businessID)
}

// PractitionersForService lists active practitioners offering a service.
func (s *Store) PractitionersForService(ctx context.Context, clinicID uuid.UUID, serviceID ServiceID) ([]Practitioner, error) {
	return s.queryPractitioners(ctx, `
		SELECT p.practitioner_id, p.first_name, p.last_name, p.title, p.active
		FROM practitioners p
		JOIN practitioner_services ps ON ps.practitioner_id = p.practitioner_id
		WHERE p.clinic_id = $1 AND ps.appointment_type_id = $2 AND p.active
		ORDER BY p.last_name, p.first_name`, clinicID, serviceID)
}

func (s *Store) queryPractitioners(ctx context.Context, sql string, args ...any) ([]Practitioner, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("clinic: list practitioners: %w", err)
	}
	defer rows.Close()

	var out []Practitioner
	for rows.Next() {
		var p Practitioner
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Title, &p.Active); err != nil {
			return nil, fmt.Errorf("clinic: scan practitioner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PractitionerBusinesses lists the businesses a practitioner works at.
func (s *Store) PractitionerBusinesses(ctx context.Context, clinicID uuid.UUID, practitionerID PractitionerID) ([]Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.business_id, b.business_name, b.is_primary
		FROM businesses b
		JOIN practitioner_businesses pb ON pb.business_id = b.business_id
		WHERE b.clinic_id = $1 AND pb.practitioner_id = $2
		ORDER BY b.is_primary DESC, b.business_name`, clinicID, practitionerID)
	if err != nil {
		return nil, fmt.Errorf("clinic: practitioner businesses: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc := Location{ClinicID: clinicID}
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.IsPrimary); err != nil {
			return nil, fmt.Errorf("clinic: scan business: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// Services lists appointment types for the clinic.
func (s *Store) Services(ctx context.Context, clinicID uuid.UUID) ([]Service, error) {
	return s.queryServices(ctx, `
		SELECT appointment_type_id, appointment_type_name, duration_minutes
		FROM appointment_types WHERE clinic_id = $1
		ORDER BY appointment_type_name`, clinicID)
}

// ServicesForPractitioner lists the appointment types a practitioner offers.
func (s *Store) ServicesForPractitioner(ctx context.Context, clinicID uuid.UUID, practitionerID PractitionerID) ([]Service, error) {
	return s.queryServices(ctx, `
		SELECT t.appointment_type_id, t.appointment_type_name, t.duration_minutes
		FROM appointment_types t
		JOIN practitioner_services ps ON ps.appointment_type_id = t.appointment_type_id
		WHERE t.clinic_id = $1 AND ps.practitioner_id = $2
		ORDER BY t.appointment_type_name`, clinicID, practitionerID)
}

func (s *Store) queryServices(ctx context.Context, sql string, args ...any) ([]Service, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("clinic: list services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.DurationMinutes); err != nil {
			return nil, fmt.Errorf("clinic: scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Schedule loads the working-hours rules for a (practitioner, business) pair.
func (s *Store) Schedule(ctx context.Context, practitionerID PractitionerID, businessID BusinessID) ([]ScheduleRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day_of_week, start_time::text, end_time::text, effective_from::text, effective_to::text
		FROM practitioner_schedules
		WHERE practitioner_id = $1 AND business_id = $2`, practitionerID, businessID)
	if err != nil {
		return nil, fmt.Errorf("clinic: load schedule: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRule
	for rows.Next() {
		r := ScheduleRule{PractitionerID: practitionerID, BusinessID: businessID}
		var dow int
		var from, to *string
		if err := rows.Scan(&dow, &r.StartTime, &r.EndTime, &from, &to); err != nil {
			return nil, fmt.Errorf("clinic: scan schedule: %w", err)
		}
		r.DayOfWeek = time.Weekday(dow % 7)
		if from != nil {
			if d, err := timeutil.ParseDate(*from); err == nil {
				r.EffectiveFrom = &d
			}
		}
		if to != nil {
			if d, err := timeutil.ParseDate(*to); err == nil {
				r.EffectiveTo = &d
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
