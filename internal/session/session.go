package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// Store keeps per-call state in Redis: the caller's booking context and the
// slots they have already turned down this session. Both are advisory; a
// Redis outage degrades to empty state, never to a failed request.
type Store struct {
	redis      *redis.Client
	contextTTL time.Duration
	rejectTTL  time.Duration
	logger     *logging.Logger
}

// NewStore builds a session store.
func NewStore(client *redis.Client, contextTTL, rejectTTL time.Duration, logger *logging.Logger) *Store {
	if client == nil {
		panic("session: redis client required")
	}
	if contextTTL <= 0 {
		contextTTL = time.Hour
	}
	if rejectTTL <= 0 {
		rejectTTL = time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{redis: client, contextTTL: contextTTL, rejectTTL: rejectTTL, logger: logger}
}

// LocationRef is the remembered preferred location.
type LocationRef struct {
	BusinessID clinic.BusinessID `json:"business_id"`
	Name       string            `json:"name"`
}

// SearchCriteria is the last availability query a caller made, used to detect
// criteria changes that reset rejected slots.
type SearchCriteria struct {
	Practitioner string `json:"practitioner,omitempty"`
	Service      string `json:"service,omitempty"`
	BusinessID   string `json:"business_id,omitempty"`
	Date         string `json:"date,omitempty"`
}

// BookingContext is the per-caller conversational memory.
type BookingContext struct {
	PreferredLocation *LocationRef    `json:"preferred_location,omitempty"`
	LastPractitioner  string          `json:"last_practitioner,omitempty"`
	LastService       string          `json:"last_service,omitempty"`
	LastSearch        *SearchCriteria `json:"last_search,omitempty"`
	HitCount          int             `json:"hit_count"`
	LastAccessed      time.Time       `json:"last_accessed"`
}

func contextKey(phoneNormalized string) string {
	return fmt.Sprintf("booking_context:%s", phoneNormalized)
}

func rejectedKey(sessionID string) string {
	return fmt.Sprintf("rejected_slots:%s", sessionID)
}

// GetBookingContext loads the caller's context; a miss or error returns nil.
func (s *Store) GetBookingContext(ctx context.Context, phoneNormalized string) *BookingContext {
	if phoneNormalized == "" {
		return nil
	}
	data, err := s.redis.Get(ctx, contextKey(phoneNormalized)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("booking context read failed", "error", err, "phone", timeutil.MaskPhone(phoneNormalized))
		}
		return nil
	}
	var bc BookingContext
	if err := json.Unmarshal(data, &bc); err != nil {
		s.logger.Warn("booking context corrupt", "error", err)
		return nil
	}
	return &bc
}

// SaveBookingContext persists the context, bumping hit_count and refreshing
// the TTL. Write failures are logged and dropped.
func (s *Store) SaveBookingContext(ctx context.Context, phoneNormalized string, bc *BookingContext) {
	if phoneNormalized == "" || bc == nil {
		return
	}
	bc.HitCount++
	bc.LastAccessed = time.Now().UTC()
	data, err := json.Marshal(bc)
	if err != nil {
		s.logger.Error("booking context encode failed", "error", err)
		return
	}
	if err := s.redis.Set(ctx, contextKey(phoneNormalized), data, s.contextTTL).Err(); err != nil {
		s.logger.Warn("booking context write failed", "error", err, "phone", timeutil.MaskPhone(phoneNormalized))
	}
}

// SlotKey identifies one offerable slot within a session; it matches the
// failed-booking suppression key format.
func SlotKey(practitionerID clinic.PractitionerID, businessID clinic.BusinessID, d timeutil.Date, localTime string) string {
	return clinic.SlotKey(practitionerID, businessID, d, localTime)
}

// RejectSlots records slots the caller declined.
func (s *Store) RejectSlots(ctx context.Context, sessionID string, keys []string) {
	if sessionID == "" || len(keys) == 0 {
		return
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, rejectedKey(sessionID), members...)
	pipe.Expire(ctx, rejectedKey(sessionID), s.rejectTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("rejected slot write failed", "error", err, "session_id", sessionID)
	}
}

// RejectedSlots returns the session's rejected set; empty on error.
func (s *Store) RejectedSlots(ctx context.Context, sessionID string) map[string]bool {
	out := make(map[string]bool)
	if sessionID == "" {
		return out
	}
	members, err := s.redis.SMembers(ctx, rejectedKey(sessionID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("rejected slot read failed", "error", err, "session_id", sessionID)
		}
		return out
	}
	for _, m := range members {
		out[m] = true
	}
	return out
}

// ClearRejected wipes the session's rejected slots, used after a booking
// lands or the caller changes criteria.
func (s *Store) ClearRejected(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.redis.Del(ctx, rejectedKey(sessionID)).Err(); err != nil {
		s.logger.Warn("rejected slot clear failed", "error", err, "session_id", sessionID)
	}
}

// TouchCriteria compares the caller's new search criteria with the stored
// ones; a change clears rejected slots and records the new criteria.
func (s *Store) TouchCriteria(ctx context.Context, sessionID, phoneNormalized string, criteria SearchCriteria) {
	bc := s.GetBookingContext(ctx, phoneNormalized)
	if bc == nil {
		bc = &BookingContext{}
	}
	if bc.LastSearch != nil && *bc.LastSearch != criteria {
		s.ClearRejected(ctx, sessionID)
	}
	bc.LastSearch = &criteria
	s.SaveBookingContext(ctx, phoneNormalized, bc)
}

func offeredKey(sessionID string) string {
	return fmt.Sprintf("offered_slots:%s", sessionID)
}

// SaveOffered remembers the slots just read out to the caller so a later
// "none of those work" can reject them without re-listing.
func (s *Store) SaveOffered(ctx context.Context, sessionID string, keys []string) {
	if sessionID == "" || len(keys) == 0 {
		return
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, offeredKey(sessionID))
	pipe.SAdd(ctx, offeredKey(sessionID), members...)
	pipe.Expire(ctx, offeredKey(sessionID), s.rejectTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("offered slot write failed", "error", err, "session_id", sessionID)
	}
}

// RejectOffered moves the last offered slots into the rejected set.
func (s *Store) RejectOffered(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	offered, err := s.redis.SMembers(ctx, offeredKey(sessionID)).Result()
	if err != nil || len(offered) == 0 {
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.Warn("offered slot read failed", "error", err, "session_id", sessionID)
		}
		return
	}
	s.RejectSlots(ctx, sessionID, offered)
	if err := s.redis.Del(ctx, offeredKey(sessionID)).Err(); err != nil {
		s.logger.Warn("offered slot clear failed", "error", err, "session_id", sessionID)
	}
}
