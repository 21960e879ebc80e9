package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tierServiceMatch = "service_match"

// ServiceMatch is a remembered fuzzy-match outcome for one spoken query.
type ServiceMatch struct {
	ServiceID string  `json:"service_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
}

// GetServiceMatches returns the cached match list for a normalized query and
// bumps its usage counter.
func (s *Store) GetServiceMatches(ctx context.Context, clinicID uuid.UUID, normalizedQuery string) ([]ServiceMatch, bool) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE service_match_cache
		SET usage_count = usage_count + 1
		WHERE clinic_id = $1 AND search_term = $2 AND expires_at > NOW()
		RETURNING matches`,
		clinicID, normalizedQuery).Scan(&raw)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("service match cache read failed", "error", err)
		}
		s.observe(tierServiceMatch, false)
		return nil, false
	}
	var matches []ServiceMatch
	if err := json.Unmarshal(raw, &matches); err != nil {
		s.logger.Warn("service match cache entry corrupt", "error", err)
		s.observe(tierServiceMatch, false)
		return nil, false
	}
	s.observe(tierServiceMatch, true)
	return matches, true
}

// SetServiceMatches stores the match list for a normalized query.
func (s *Store) SetServiceMatches(ctx context.Context, clinicID uuid.UUID, normalizedQuery string, matches []ServiceMatch) {
	raw, err := json.Marshal(matches)
	if err != nil {
		s.logger.Error("service match cache encode failed", "error", err)
		return
	}
	expiresAt := s.now().Add(s.ttls.ServiceMatch)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO service_match_cache (clinic_id, search_term, matches, usage_count, created_at, expires_at)
		VALUES ($1, $2, $3, 1, NOW(), $4)
		ON CONFLICT (clinic_id, search_term)
		DO UPDATE SET matches = $3, expires_at = $4`,
		clinicID, normalizedQuery, raw, expiresAt)
	if err != nil {
		s.logger.Warn("service match cache write failed", "error", err)
	}
}
