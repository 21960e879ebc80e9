package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/chompskiecodes/voicebook/internal/availability"
	"github.com/chompskiecodes/voicebook/internal/booking"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/matcher"
	"github.com/chompskiecodes/voicebook/internal/observability/metrics"
	"github.com/chompskiecodes/voicebook/internal/session"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// Catalog is the clinic-store surface the webhook layer reads.
type Catalog interface {
	ByDialedNumber(ctx context.Context, dialed string) (*clinic.Clinic, error)
	Locations(ctx context.Context, clinicID uuid.UUID) ([]clinic.Location, error)
	LocationByID(ctx context.Context, clinicID uuid.UUID, businessID clinic.BusinessID) (*clinic.Location, error)
	Practitioners(ctx context.Context, clinicID uuid.UUID) ([]clinic.Practitioner, error)
	PractitionersAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID clinic.BusinessID) ([]clinic.Practitioner, error)
	PractitionerBusinesses(ctx context.Context, clinicID uuid.UUID, practitionerID clinic.PractitionerID) ([]clinic.Location, error)
	Services(ctx context.Context, clinicID uuid.UUID) ([]clinic.Service, error)
	ServicesForPractitioner(ctx context.Context, clinicID uuid.UUID, practitionerID clinic.PractitionerID) ([]clinic.Service, error)
}

// Engine is the availability-engine surface.
type Engine interface {
	CheckDay(ctx context.Context, q availability.DayQuery) (*availability.DayResult, error)
	FindNext(ctx context.Context, q availability.NextQuery) (*availability.NextResult, error)
	AvailablePractitioners(ctx context.Context, cl *clinic.Clinic, businessID clinic.BusinessID, d timeutil.Date, sessionID string) ([]availability.PractitionerDay, bool, error)
}

// Booker is the booking-coordinator surface.
type Booker interface {
	Create(ctx context.Context, req booking.CreateRequest) (*booking.CreateResult, error)
	Cancel(ctx context.Context, req booking.CancelRequest) (*booking.CancelResult, error)
	Reschedule(ctx context.Context, req booking.RescheduleRequest) (*booking.CreateResult, error)
}

// ServiceMatches is the service-match cache surface: remembered outcomes of
// fuzzy service resolution per normalized spoken query.
type ServiceMatches interface {
	GetServiceMatches(ctx context.Context, clinicID uuid.UUID, normalizedQuery string) ([]cache.ServiceMatch, bool)
	SetServiceMatches(ctx context.Context, clinicID uuid.UUID, normalizedQuery string, matches []cache.ServiceMatch)
}

// Sessions is the session-store surface.
type Sessions interface {
	TouchCriteria(ctx context.Context, sessionID, phoneNormalized string, criteria session.SearchCriteria)
	SaveOffered(ctx context.Context, sessionID string, keys []string)
	RejectOffered(ctx context.Context, sessionID string)
	GetBookingContext(ctx context.Context, phoneNormalized string) *session.BookingContext
	SaveBookingContext(ctx context.Context, phoneNormalized string, bc *session.BookingContext)
}

// Handler serves the voice-agent webhook surface.
type Handler struct {
	catalog    Catalog
	engine     Engine
	booker     Booker
	sessions   Sessions
	svcMatches ServiceMatches
	logger     *logging.Logger
	metrics    *metrics.Metrics

	deadline        time.Duration
	findNextDefault int
	findNextMax     int
}

// Config wires the handler.
type Config struct {
	Catalog        Catalog
	Engine         Engine
	Booker         Booker
	Sessions       Sessions
	ServiceMatches ServiceMatches
	Logger         *logging.Logger
	Metrics        *metrics.Metrics

	RequestDeadline time.Duration
	FindNextDefault int
	FindNextMax     int
}

// New creates the webhook handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 25 * time.Second
	}
	if cfg.FindNextDefault <= 0 {
		cfg.FindNextDefault = 14
	}
	if cfg.FindNextMax <= 0 {
		cfg.FindNextMax = 30
	}
	return &Handler{
		catalog:         cfg.Catalog,
		engine:          cfg.Engine,
		booker:          cfg.Booker,
		sessions:        cfg.Sessions,
		svcMatches:      cfg.ServiceMatches,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		deadline:        cfg.RequestDeadline,
		findNextDefault: cfg.FindNextDefault,
		findNextMax:     cfg.FindNextMax,
	}
}

// requestContext applies the webhook wall-clock deadline.
func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.deadline)
}

func (h *Handler) observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.ObserveWebhook(operation, status, time.Since(start).Seconds())
}

// resolveClinic maps the dialed number onto the tenant.
func (h *Handler) resolveClinic(ctx context.Context, dialedNumber string) (*clinic.Clinic, error) {
	return h.catalog.ByDialedNumber(ctx, dialedNumber)
}

// locationCandidates converts the clinic's locations for the matcher; store
// ordering (primary first, then name) fixes the ordinals that "location two"
// style references resolve against.
func locationCandidates(locations []clinic.Location) []matcher.Candidate {
	out := make([]matcher.Candidate, len(locations))
	for i, l := range locations {
		out[i] = matcher.Candidate{
			ID:        string(l.ID),
			Name:      l.Name,
			Aliases:   l.Aliases,
			IsPrimary: l.IsPrimary,
			Ordinal:   i + 1,
		}
	}
	return out
}

func practitionerCandidates(roster []clinic.Practitioner) []matcher.Candidate {
	out := make([]matcher.Candidate, len(roster))
	for i, p := range roster {
		out[i] = matcher.Candidate{ID: string(p.ID), Name: p.FullName(), Ordinal: i + 1}
	}
	return out
}

func serviceCandidates(services []clinic.Service) []matcher.Candidate {
	out := make([]matcher.Candidate, len(services))
	for i, s := range services {
		out[i] = matcher.Candidate{ID: string(s.ID), Name: s.Name, Ordinal: i + 1}
	}
	return out
}

func findLocation(locations []clinic.Location, id string) *clinic.Location {
	for i := range locations {
		if string(locations[i].ID) == id {
			return &locations[i]
		}
	}
	return nil
}

func findPractitioner(roster []clinic.Practitioner, id string) *clinic.Practitioner {
	for i := range roster {
		if string(roster[i].ID) == id {
			return &roster[i]
		}
	}
	return nil
}

func findService(services []clinic.Service, id string) *clinic.Service {
	for i := range services {
		if string(services[i].ID) == id {
			return &services[i]
		}
	}
	return nil
}
