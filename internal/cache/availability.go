package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

const tierAvailability = "availability"

// AvailabilityKey identifies one cached day of slots.
type AvailabilityKey struct {
	ClinicID       uuid.UUID
	PractitionerID clinic.PractitionerID
	BusinessID     clinic.BusinessID
	Date           timeutil.Date
}

// AvailabilityEntry is a cached snapshot of PMS slot starts for one key.
type AvailabilityEntry struct {
	Key       AvailabilityKey
	Slots     []time.Time
	CachedAt  time.Time
	ExpiresAt time.Time
	Stale     bool
}

// Valid is the canonical validity predicate.
func (e AvailabilityEntry) Valid(now time.Time) bool {
	return !e.Stale && e.ExpiresAt.After(now)
}

// GetAvailability returns the entry for key when present and valid. Errors
// degrade to a miss.
func (s *Store) GetAvailability(ctx context.Context, key AvailabilityKey) (*AvailabilityEntry, bool) {
	entry := AvailabilityEntry{Key: key}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT available_slots, cached_at, expires_at, is_stale
		FROM availability_cache
		WHERE practitioner_id = $1 AND business_id = $2 AND date = $3
		  AND NOT is_stale AND expires_at > NOW()`,
		key.PractitionerID, key.BusinessID, key.Date.String()).
		Scan(&raw, &entry.CachedAt, &entry.ExpiresAt, &entry.Stale)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("availability cache read failed", "error", err)
		}
		s.observe(tierAvailability, false)
		return nil, false
	}
	if err := unmarshalSlots(raw, &entry.Slots); err != nil {
		s.logger.Warn("availability cache entry corrupt", "error", err)
		s.observe(tierAvailability, false)
		return nil, false
	}
	s.observe(tierAvailability, true)
	return &entry, true
}

// SetAvailability upserts a fresh snapshot, clearing staleness. The expiry is
// computed in Go; pgx has no encoding from time.Duration to an interval.
func (s *Store) SetAvailability(ctx context.Context, key AvailabilityKey, slots []time.Time) {
	raw, err := marshalSlots(slots)
	if err != nil {
		s.logger.Error("availability cache encode failed", "error", err)
		return
	}
	expiresAt := s.now().Add(s.ttls.Availability)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO availability_cache
			(clinic_id, practitioner_id, business_id, date, available_slots, cached_at, expires_at, is_stale)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, FALSE)
		ON CONFLICT (practitioner_id, business_id, date)
		DO UPDATE SET available_slots = $5, cached_at = NOW(), expires_at = $6, is_stale = FALSE`,
		key.ClinicID, key.PractitionerID, key.BusinessID, key.Date.String(), raw, expiresAt)
	if err != nil {
		s.logger.Warn("availability cache write failed", "error", err)
	}
}

// GetAvailabilityRange batch-reads valid entries between from and to
// inclusive, keyed by date.
func (s *Store) GetAvailabilityRange(ctx context.Context, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, from, to timeutil.Date) map[timeutil.Date]AvailabilityEntry {
	out := make(map[timeutil.Date]AvailabilityEntry)
	rows, err := s.pool.Query(ctx, `
		SELECT date::text, available_slots, cached_at, expires_at
		FROM availability_cache
		WHERE practitioner_id = $1 AND business_id = $2
		  AND date BETWEEN $3 AND $4
		  AND NOT is_stale AND expires_at > NOW()`,
		practitionerID, businessID, from.String(), to.String())
	if err != nil {
		s.logger.Warn("availability cache range read failed", "error", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var dateStr string
		var raw []byte
		entry := AvailabilityEntry{}
		if err := rows.Scan(&dateStr, &raw, &entry.CachedAt, &entry.ExpiresAt); err != nil {
			s.logger.Warn("availability cache range scan failed", "error", err)
			return out
		}
		d, err := timeutil.ParseDate(dateStr)
		if err != nil {
			continue
		}
		if err := unmarshalSlots(raw, &entry.Slots); err != nil {
			continue
		}
		entry.Key = AvailabilityKey{PractitionerID: practitionerID, BusinessID: businessID, Date: d}
		out[d] = entry
	}
	return out
}

// MarkAvailabilityStale flags the entry for a (practitioner, business, date)
// so readers stop trusting it. Runs on the supplied querier so the booking
// coordinator can fold it into the appointment transaction.
func (s *Store) MarkAvailabilityStale(ctx context.Context, q Querier, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, d timeutil.Date) error {
	if q == nil {
		q = s.pool
	}
	_, err := q.Exec(ctx, `
		UPDATE availability_cache SET is_stale = TRUE
		WHERE practitioner_id = $1 AND business_id = $2 AND date = $3`,
		practitionerID, businessID, d.String())
	if err != nil {
		return fmt.Errorf("cache: mark stale: %w", err)
	}
	return nil
}

// InvalidateClinic drops every availability entry for a clinic.
func (s *Store) InvalidateClinic(ctx context.Context, clinicID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM availability_cache WHERE clinic_id = $1`, clinicID)
	if err != nil {
		return fmt.Errorf("cache: invalidate clinic: %w", err)
	}
	return nil
}

// RecentlyQueried lists keys cached within the last window that are stale or
// expire within expiringWithin, for the background refresher. Recency is
// measured by cached_at; cache reads are not recorded.
func (s *Store) RecentlyQueried(ctx context.Context, clinicID uuid.UUID, window, expiringWithin time.Duration) ([]AvailabilityKey, error) {
	now := s.now()
	queriedAfter := now.Add(-window)
	expiringBefore := now.Add(expiringWithin)
	rows, err := s.pool.Query(ctx, `
		SELECT practitioner_id, business_id, date::text
		FROM availability_cache
		WHERE clinic_id = $1
		  AND cached_at > $2
		  AND (is_stale OR expires_at < $3)`,
		clinicID, queriedAfter, expiringBefore)
	if err != nil {
		return nil, fmt.Errorf("cache: recently queried: %w", err)
	}
	defer rows.Close()

	var out []AvailabilityKey
	for rows.Next() {
		key := AvailabilityKey{ClinicID: clinicID}
		var dateStr string
		if err := rows.Scan(&key.PractitionerID, &key.BusinessID, &dateStr); err != nil {
			return nil, fmt.Errorf("cache: scan key: %w", err)
		}
		d, err := timeutil.ParseDate(dateStr)
		if err != nil {
			continue
		}
		key.Date = d
		out = append(out, key)
	}
	return out, rows.Err()
}

// Cleanup deletes stale entries older than a day and expired entries older
// than an hour, plus worn-out service matches. Returns rows removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	var total int64
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM availability_cache
		WHERE (is_stale AND cached_at < NOW() - INTERVAL '24 hours')
		   OR (expires_at < NOW() - INTERVAL '1 hour')`)
	if err != nil {
		return 0, fmt.Errorf("cache: cleanup availability: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM patient_cache WHERE expires_at < NOW() - INTERVAL '1 hour'`)
	if err != nil {
		return total, fmt.Errorf("cache: cleanup patients: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM service_match_cache
		WHERE expires_at < NOW() OR (usage_count < 2 AND created_at < NOW() - INTERVAL '7 days')`)
	if err != nil {
		return total, fmt.Errorf("cache: cleanup service matches: %w", err)
	}
	total += tag.RowsAffected()
	return total, nil
}

func marshalSlots(slots []time.Time) ([]byte, error) {
	strs := make([]string, 0, len(slots))
	for _, t := range slots {
		strs = append(strs, t.UTC().Format(time.RFC3339))
	}
	return json.Marshal(strs)
}

func unmarshalSlots(raw []byte, out *[]time.Time) error {
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return err
	}
	slots := make([]time.Time, 0, len(strs))
	for _, s := range strs {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		slots = append(slots, t.UTC())
	}
	*out = slots
	return nil
}
