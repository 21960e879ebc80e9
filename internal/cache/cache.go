package cache

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// Querier is the common surface of pgxpool.Pool and pgx.Tx, letting callers
// run cache writes inside their own transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Recorder receives cache telemetry; nil disables recording.
type Recorder interface {
	ObserveCache(tier string, hit bool)
}

// TTLs holds the expiry policy per tier.
type TTLs struct {
	Availability time.Duration
	Patient      time.Duration
	ServiceMatch time.Duration
}

// DefaultTTLs matches the documented policy: 15 minutes for availability,
// a day for patients, a week for service matches.
func DefaultTTLs() TTLs {
	return TTLs{
		Availability: 15 * time.Minute,
		Patient:      24 * time.Hour,
		ServiceMatch: 7 * 24 * time.Hour,
	}
}

// Store is the tiered cache over Postgres. Reads degrade to a miss on error;
// writes log and swallow failures. The cache must never take a request down.
type Store struct {
	pool    Querier
	ttls    TTLs
	logger  *logging.Logger
	metrics Recorder
	now     func() time.Time
}

// NewStore builds the cache store.
func NewStore(pool Querier, ttls TTLs, logger *logging.Logger, metrics Recorder) *Store {
	if pool == nil {
		panic("cache: querier required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ttls == (TTLs{}) {
		ttls = DefaultTTLs()
	}
	return &Store{pool: pool, ttls: ttls, logger: logger, metrics: metrics, now: time.Now}
}

func (s *Store) observe(tier string, hit bool) {
	if s.metrics != nil {
		s.metrics.ObserveCache(tier, hit)
	}
	// Monthly stats rows back the ops dashboard; failures are ignored.
	column := "miss_count"
	if hit {
		column = "hit_count"
	}
	_, _ = s.pool.Exec(context.Background(), `
		INSERT INTO cache_stats (tier, month, hit_count, miss_count)
		VALUES ($1, date_trunc('month', NOW())::date, $2, $3)
		ON CONFLICT (tier, month)
		DO UPDATE SET `+column+` = cache_stats.`+column+` + 1`,
		tier, boolToInt(hit), boolToInt(!hit))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
