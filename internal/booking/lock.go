package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// SlotLock serializes bookings for one (practitioner, start time). The lock
// lives in Redis with a short TTL so a crashed worker cannot wedge a slot;
// release is a compare-and-delete on the holder token.
type SlotLock struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewSlotLock builds the lock manager.
func NewSlotLock(client *redis.Client, ttl time.Duration, logger *logging.Logger) *SlotLock {
	if client == nil {
		panic("booking: redis client required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SlotLock{redis: client, ttl: ttl, logger: logger}
}

func lockKey(practitionerID clinic.PractitionerID, startUTC time.Time) string {
	return fmt.Sprintf("lock:slot:%s:%d", practitionerID, startUTC.UTC().Unix())
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Acquire takes the slot lock for this session. A held lock means another
// session is mid-booking on the same slot: fail fast with slot_taken rather
// than queue a voice caller behind an invisible wait.
func (l *SlotLock) Acquire(ctx context.Context, practitionerID clinic.PractitionerID, startUTC time.Time, sessionID string) (release func(), err error) {
	key := lockKey(practitionerID, startUTC)
	token := sessionID + ":" + uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("booking: acquire slot lock: %w", err)
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeSlotTaken, "slot lock held for practitioner %s at %s", practitionerID, startUTC.Format(time.RFC3339))
	}

	return func() {
		// Release with a detached context: the request may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := unlockScript.Run(releaseCtx, l.redis, []string{key}, token).Result(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("slot lock release failed; lock will expire", "key", key, "error", err)
		}
	}, nil
}
