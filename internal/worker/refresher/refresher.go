package refresher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/pms"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// Catalog is the clinic-store surface the refresher reads.
type Catalog interface {
	ActiveClinics(ctx context.Context) ([]clinic.Clinic, error)
	ServicesForPractitioner(ctx context.Context, clinicID uuid.UUID, practitionerID clinic.PractitionerID) ([]clinic.Service, error)
}

// Cache is the cache surface the refresher maintains.
type Cache interface {
	RecentlyQueried(ctx context.Context, clinicID uuid.UUID, window, expiringWithin time.Duration) ([]cache.AvailabilityKey, error)
	SetAvailability(ctx context.Context, key cache.AvailabilityKey, slots []time.Time)
	Cleanup(ctx context.Context) (int64, error)
}

// ClientFactory hands out PMS clients.
type ClientFactory interface {
	ForClinic(c *clinic.Clinic) *pms.Client
}

// Refresher keeps recently used availability entries warm and prunes dead
// cache rows, so voice calls mostly hit fresh cache instead of waiting on
// the PMS.
type Refresher struct {
	catalog  Catalog
	cache    Cache
	clients  ClientFactory
	interval time.Duration
	logger   *logging.Logger
}

// New builds the refresher.
func New(catalog Catalog, cacheStore Cache, clients ClientFactory, interval time.Duration, logger *logging.Logger) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Refresher{
		catalog:  catalog,
		cache:    cacheStore,
		clients:  clients,
		interval: interval,
		logger:   logger,
	}
}

// Run loops until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("cache refresher started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("cache refresher stopped")
			return
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce runs a single maintenance pass: re-fetch entries cached in the
// last hour that are stale or about to expire, then clean up dead rows.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	clinics, err := r.catalog.ActiveClinics(ctx)
	if err != nil {
		r.logger.Warn("refresher: list clinics failed", "error", err)
		return
	}

	refreshed := 0
	for _, cl := range clinics {
		keys, err := r.cache.RecentlyQueried(ctx, cl.ID, time.Hour, 2*time.Minute)
		if err != nil {
			r.logger.Warn("refresher: list keys failed", "clinic_id", cl.ID, "error", err)
			continue
		}
		for _, key := range keys {
			if ctx.Err() != nil {
				return
			}
			if r.refreshKey(ctx, &cl, key) {
				refreshed++
			}
		}
	}

	removed, err := r.cache.Cleanup(ctx)
	if err != nil {
		r.logger.Warn("refresher: cleanup failed", "error", err)
	}
	if refreshed > 0 || removed > 0 {
		r.logger.Info("cache maintenance pass", "refreshed", refreshed, "removed", removed)
	}
}

func (r *Refresher) refreshKey(ctx context.Context, cl *clinic.Clinic, key cache.AvailabilityKey) bool {
	services, err := r.catalog.ServicesForPractitioner(ctx, cl.ID, key.PractitionerID)
	if err != nil || len(services) == 0 {
		return false
	}

	client := r.clients.ForClinic(cl)
	times, err := client.AvailableTimes(ctx, string(key.BusinessID), string(key.PractitionerID), string(services[0].ID), key.Date, key.Date)
	if err != nil {
		r.logger.Warn("refresher: PMS fetch failed",
			"practitioner_id", key.PractitionerID,
			"date", key.Date.String(),
			"error", err,
		)
		return false
	}

	slots := make([]time.Time, 0, len(times))
	for _, at := range times {
		t, err := timeutil.ParsePMSTime(at.AppointmentStart)
		if err != nil {
			continue
		}
		slots = append(slots, t)
	}
	r.cache.SetAvailability(ctx, key, slots)
	return true
}
