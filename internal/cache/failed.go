package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

// FailedAttempt marks a slot the PMS rejected at booking time. Suppressed
// from availability answers for a couple of hours so the agent stops
// re-offering a slot the PMS will refuse.
type FailedAttempt struct {
	PractitionerID clinic.PractitionerID
	BusinessID     clinic.BusinessID
	Date           timeutil.Date
	LocalTime      string // "10:00"
}

// RecordFailedAttempt stores a rejection with the configured TTL.
func (s *Store) RecordFailedAttempt(ctx context.Context, fa FailedAttempt, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	expiresAt := s.now().Add(ttl)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO failed_booking_attempts (practitioner_id, business_id, date, local_time, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (practitioner_id, business_id, date, local_time)
		DO UPDATE SET expires_at = $5`,
		fa.PractitionerID, fa.BusinessID, fa.Date.String(), fa.LocalTime, expiresAt)
	if err != nil {
		return fmt.Errorf("cache: record failed attempt: %w", err)
	}
	return nil
}

// FailedAttempts lists unexpired rejections for a (practitioner, business)
// pair across a date range, keyed like session rejected slots.
func (s *Store) FailedAttempts(ctx context.Context, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, from, to timeutil.Date) map[string]bool {
	out := make(map[string]bool)
	rows, err := s.pool.Query(ctx, `
		SELECT date::text, local_time
		FROM failed_booking_attempts
		WHERE practitioner_id = $1 AND business_id = $2
		  AND date BETWEEN $3 AND $4 AND expires_at > NOW()`,
		practitionerID, businessID, from.String(), to.String())
	if err != nil {
		s.logger.Warn("failed attempt read failed", "error", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var dateStr, localTime string
		if err := rows.Scan(&dateStr, &localTime); err != nil {
			s.logger.Warn("failed attempt scan failed", "error", err)
			return out
		}
		d, err := timeutil.ParseDate(dateStr)
		if err != nil {
			continue
		}
		out[clinic.SlotKey(practitionerID, businessID, d, localTime)] = true
	}
	return out
}
