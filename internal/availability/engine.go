package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/pms"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

var tracer = otel.Tracer("voicebook.internal.availability")

const pmsSpanDays = 7

// ClientFactory hands out a PMS client per clinic.
type ClientFactory interface {
	ForClinic(c *clinic.Clinic) *pms.Client
}

// SlotCache is the availability-cache surface the engine needs; satisfied by
// *cache.Store.
type SlotCache interface {
	GetAvailability(ctx context.Context, key cache.AvailabilityKey) (*cache.AvailabilityEntry, bool)
	SetAvailability(ctx context.Context, key cache.AvailabilityKey, slots []time.Time)
	GetAvailabilityRange(ctx context.Context, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, from, to timeutil.Date) map[timeutil.Date]cache.AvailabilityEntry
	FailedAttempts(ctx context.Context, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, from, to timeutil.Date) map[string]bool
}

// RejectedSlotSource is the session-store surface the engine needs.
type RejectedSlotSource interface {
	RejectedSlots(ctx context.Context, sessionID string) map[string]bool
}

// Catalog is the clinic-store surface the engine reads.
type Catalog interface {
	Schedule(ctx context.Context, practitionerID clinic.PractitionerID, businessID clinic.BusinessID) ([]clinic.ScheduleRule, error)
	PractitionerBusinesses(ctx context.Context, clinicID uuid.UUID, practitionerID clinic.PractitionerID) ([]clinic.Location, error)
	PractitionersForService(ctx context.Context, clinicID uuid.UUID, serviceID clinic.ServiceID) ([]clinic.Practitioner, error)
	PractitionersAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID clinic.BusinessID) ([]clinic.Practitioner, error)
	ServicesForPractitioner(ctx context.Context, clinicID uuid.UUID, practitionerID clinic.PractitionerID) ([]clinic.Service, error)
}

// Engine answers the three availability questions: all slots on a day, the
// earliest slot within a horizon, and which practitioners have any slot on a
// day. It is cache-first with the PMS as the authoritative fallback, and it
// never calls the PMS for a day the local schedule says the practitioner is
// not working.
type Engine struct {
	catalog  Catalog
	cache    SlotCache
	sessions RejectedSlotSource
	clients  ClientFactory
	logger   *logging.Logger

	deadline time.Duration
	maxDays  int
}

// Config tunes the engine.
type Config struct {
	// Deadline bounds a whole multi-day scan; timed-out branches are
	// reported as partial results.
	Deadline time.Duration
	// MaxDays caps the find-next horizon.
	MaxDays int
}

// NewEngine builds the engine.
func NewEngine(catalog Catalog, cacheStore SlotCache, sessions RejectedSlotSource, clients ClientFactory, cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 25 * time.Second
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 30
	}
	return &Engine{
		catalog:  catalog,
		cache:    cacheStore,
		sessions: sessions,
		clients:  clients,
		logger:   logger,
		deadline: cfg.Deadline,
		maxDays:  cfg.MaxDays,
	}
}

// Slot is one offerable time.
type Slot struct {
	Start        time.Time // UTC
	Date         timeutil.Date
	LocalTime    string // "15:04" in the clinic zone
	Practitioner clinic.Practitioner
	BusinessID   clinic.BusinessID
	Service      clinic.Service
}

// DayQuery asks for all slots on one date (question A).
type DayQuery struct {
	Clinic       *clinic.Clinic
	Practitioner clinic.Practitioner
	Service      clinic.Service
	BusinessID   clinic.BusinessID
	Date         timeutil.Date
	SessionID    string
}

// DayResult carries the slots plus diagnostics: FilteredOnly distinguishes
// "everything was suppressed" from true emptiness, and SkippedBySchedule
// means no PMS call was needed at all.
type DayResult struct {
	Slots             []Slot
	FilteredOnly      bool
	SkippedBySchedule bool
}

// CheckDay answers question A for a specific date.
func (e *Engine) CheckDay(ctx context.Context, q DayQuery) (*DayResult, error) {
	ctx, span := tracer.Start(ctx, "availability.check_day")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicebook.practitioner_id", string(q.Practitioner.ID)),
		attribute.String("voicebook.date", q.Date.String()),
	)

	if q.Date.IsZero() {
		// "The next one" must not collapse into "the earliest today".
		return nil, apperr.New(apperr.CodeUseFindNextAvailable, "no date given; route to find-next-available")
	}

	rules, err := e.catalog.Schedule(ctx, q.Practitioner.ID, q.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("availability: load schedule: %w", err)
	}
	if len(rules) > 0 && !clinic.WorksOn(rules, q.Date) {
		return &DayResult{SkippedBySchedule: true}, nil
	}

	zone := timeutil.ClinicZone(q.Clinic.Timezone, e.logger)
	slots, err := e.daySlots(ctx, q.Clinic, q.Practitioner, q.Service, q.BusinessID, q.Date, zone)
	if err != nil {
		return nil, err
	}

	suppressed := e.suppressedKeys(ctx, q.SessionID, q.Practitioner.ID, q.BusinessID, q.Date, q.Date)
	kept, filtered := filterSlots(slots, suppressed)
	res := &DayResult{Slots: kept}
	if len(kept) == 0 && filtered > 0 {
		res.FilteredOnly = true
		e.logger.Info("all slots suppressed by rejection filters",
			"practitioner_id", q.Practitioner.ID,
			"business_id", q.BusinessID,
			"date", q.Date.String(),
			"filtered", filtered,
		)
	}
	return res, nil
}

// daySlots reads one (practitioner, business, date) from cache, falling back
// to the PMS and repopulating the cache.
func (e *Engine) daySlots(ctx context.Context, cl *clinic.Clinic, pract clinic.Practitioner, svc clinic.Service, businessID clinic.BusinessID, d timeutil.Date, zone *time.Location) ([]Slot, error) {
	key := cache.AvailabilityKey{
		ClinicID:       cl.ID,
		PractitionerID: pract.ID,
		BusinessID:     businessID,
		Date:           d,
	}
	if entry, ok := e.cache.GetAvailability(ctx, key); ok {
		return e.toSlots(entry.Slots, pract, svc, businessID, zone), nil
	}

	client := e.clients.ForClinic(cl)
	times, err := client.AvailableTimes(ctx, string(businessID), string(pract.ID), string(svc.ID), d, d)
	if err != nil {
		return nil, mapPMSError(err)
	}
	starts, err := parseStarts(times)
	if err != nil {
		return nil, err
	}
	e.cache.SetAvailability(ctx, key, starts)
	return e.toSlots(starts, pract, svc, businessID, zone), nil
}

func (e *Engine) toSlots(starts []time.Time, pract clinic.Practitioner, svc clinic.Service, businessID clinic.BusinessID, zone *time.Location) []Slot {
	slots := make([]Slot, 0, len(starts))
	for _, start := range starts {
		local := start.In(zone)
		slots = append(slots, Slot{
			Start:        start,
			Date:         timeutil.DateOf(local),
			LocalTime:    local.Format("15:04"),
			Practitioner: pract,
			BusinessID:   businessID,
			Service:      svc,
		})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots
}

// suppressedKeys merges the session's rejected slots with the global failed
// booking attempts. Both availability paths share this one predicate.
func (e *Engine) suppressedKeys(ctx context.Context, sessionID string, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, from, to timeutil.Date) map[string]bool {
	suppressed := e.cache.FailedAttempts(ctx, practitionerID, businessID, from, to)
	if e.sessions != nil && sessionID != "" {
		for k := range e.sessions.RejectedSlots(ctx, sessionID) {
			suppressed[k] = true
		}
	}
	return suppressed
}

// filterSlots elides suppressed slots; the second return is how many were
// dropped.
func filterSlots(slots []Slot, suppressed map[string]bool) ([]Slot, int) {
	if len(suppressed) == 0 {
		return slots, 0
	}
	kept := make([]Slot, 0, len(slots))
	filtered := 0
	for _, s := range slots {
		key := clinic.SlotKey(s.Practitioner.ID, s.BusinessID, s.Date, s.LocalTime)
		if suppressed[key] {
			filtered++
			continue
		}
		kept = append(kept, s)
	}
	return kept, filtered
}

func parseStarts(times []pms.AvailableTime) ([]time.Time, error) {
	starts := make([]time.Time, 0, len(times))
	for _, at := range times {
		t, err := timeutil.ParsePMSTime(at.AppointmentStart)
		if err != nil {
			return nil, fmt.Errorf("availability: bad PMS slot time: %w", err)
		}
		starts = append(starts, t)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts, nil
}

// mapPMSError translates PMS client failures into the webhook taxonomy.
func mapPMSError(err error) error {
	switch pms.KindOf(err) {
	case pms.KindRateLimited:
		return apperr.Wrap(apperr.CodeRateLimited, "PMS rate limit", err)
	case pms.KindTransient:
		return apperr.Wrap(apperr.CodeNetworkError, "PMS unreachable", err)
	case pms.KindUnauthorized, pms.KindForbidden:
		return apperr.Wrap(apperr.CodeUpstreamError, "PMS rejected credentials", err)
	default:
		return apperr.Wrap(apperr.CodeUpstreamError, "PMS error", err)
	}
}
