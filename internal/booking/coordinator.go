package booking

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/matcher"
	"github.com/chompskiecodes/voicebook/internal/pms"
	"github.com/chompskiecodes/voicebook/internal/session"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

var tracer = otel.Tracer("voicebook.internal.booking")

// Catalog is the clinic-store surface the coordinator reads.
type Catalog interface {
	LocationByID(ctx context.Context, clinicID uuid.UUID, businessID clinic.BusinessID) (*clinic.Location, error)
	PractitionersAtBusiness(ctx context.Context, clinicID uuid.UUID, businessID clinic.BusinessID) ([]clinic.Practitioner, error)
	ServicesForPractitioner(ctx context.Context, clinicID uuid.UUID, practitionerID clinic.PractitionerID) ([]clinic.Service, error)
}

// PMSGateway is the slice of the PMS client the coordinator calls.
type PMSGateway interface {
	FindPatient(ctx context.Context, phone string) (*pms.Patient, error)
	CreatePatient(ctx context.Context, p pms.NewPatient) (*pms.Patient, error)
	AvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID string, from, to timeutil.Date) ([]pms.AvailableTime, error)
	CreateAppointment(ctx context.Context, a pms.NewAppointment) (*pms.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID string) error
}

// GatewayFactory resolves the PMS gateway for a clinic.
type GatewayFactory interface {
	Gateway(c *clinic.Clinic) PMSGateway
}

// FactoryAdapter exposes a *pms.Factory as a GatewayFactory.
type FactoryAdapter struct {
	Factory *pms.Factory
}

func (f FactoryAdapter) Gateway(c *clinic.Clinic) PMSGateway {
	return f.Factory.ForClinic(c)
}

// BookingCache is the cache surface the coordinator mutates.
type BookingCache interface {
	GetAvailability(ctx context.Context, key cache.AvailabilityKey) (*cache.AvailabilityEntry, bool)
	MarkAvailabilityStale(ctx context.Context, q cache.Querier, practitionerID clinic.PractitionerID, businessID clinic.BusinessID, d timeutil.Date) error
	RecordFailedAttempt(ctx context.Context, fa cache.FailedAttempt, ttl time.Duration) error
	GetPatient(ctx context.Context, phoneNormalized string, clinicID uuid.UUID) (*cache.CachedPatient, bool)
	SetPatient(ctx context.Context, phoneNormalized string, clinicID uuid.UUID, patient pms.Patient)
}

// Sessions is the session-store surface the coordinator touches.
type Sessions interface {
	ClearRejected(ctx context.Context, sessionID string)
	GetBookingContext(ctx context.Context, phoneNormalized string) *session.BookingContext
	SaveBookingContext(ctx context.Context, phoneNormalized string, bc *session.BookingContext)
}

// Locker acquires booking locks.
type Locker interface {
	Acquire(ctx context.Context, practitionerID clinic.PractitionerID, startUTC time.Time, sessionID string) (func(), error)
}

// Store is the repository surface the coordinator persists through.
type Store interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	EnsurePatient(ctx context.Context, q cache.Querier, clinicID uuid.UUID, patientID clinic.PatientID, phoneNormalized, firstName, lastName, email string) error
	InsertAppointment(ctx context.Context, q cache.Querier, a Appointment) error
	UpdateStatus(ctx context.Context, q cache.Querier, clinicID uuid.UUID, id clinic.AppointmentID, status string) error
	ByID(ctx context.Context, clinicID uuid.UUID, id clinic.AppointmentID) (*Appointment, error)
	UpcomingByPhone(ctx context.Context, clinicID uuid.UUID, phoneNormalized string) ([]Appointment, error)
	LogVoiceBooking(ctx context.Context, q cache.Querier, clinicID uuid.UUID, sessionID, operation, status string, appointmentID clinic.AppointmentID, detail string)
}

// Coordinator runs the create, cancel and reschedule protocols: lock, verify,
// book against the PMS, then persist locally and invalidate cache in one
// transaction.
type Coordinator struct {
	catalog   Catalog
	repo      Store
	cache     BookingCache
	sessions  Sessions
	locks     Locker
	gateways  GatewayFactory
	failedTTL time.Duration
	logger    *logging.Logger
}

// Config tunes the coordinator.
type Config struct {
	FailedAttemptTTL time.Duration
}

// NewCoordinator wires the booking coordinator.
func NewCoordinator(catalog Catalog, repo Store, cacheStore BookingCache, sessions Sessions, locks Locker, gateways GatewayFactory, cfg Config, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FailedAttemptTTL <= 0 {
		cfg.FailedAttemptTTL = 2 * time.Hour
	}
	return &Coordinator{
		catalog:   catalog,
		repo:      repo,
		cache:     cacheStore,
		sessions:  sessions,
		locks:     locks,
		gateways:  gateways,
		failedTTL: cfg.FailedAttemptTTL,
		logger:    logger,
	}
}

// CreateRequest carries everything needed to book.
type CreateRequest struct {
	Clinic      *clinic.Clinic
	SessionID   string
	CallerPhone string

	PatientFirstName string
	PatientLastName  string
	PatientEmail     string

	PractitionerQuery string
	ServiceName       string
	BusinessID        clinic.BusinessID

	Date   timeutil.Date
	Hour   int
	Minute int
	Notes  string
}

// CreateResult reports a confirmed booking.
type CreateResult struct {
	AppointmentID      clinic.AppointmentID
	ConfirmationNumber string
	Practitioner       clinic.Practitioner
	Service            clinic.Service
	Location           clinic.Location
	StartUTC           time.Time
	PatientName        string
}

// Create books an appointment end to end.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(attribute.String("voicebook.business_id", string(req.BusinessID)))

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	zone := timeutil.ClinicZone(req.Clinic.Timezone, c.logger)
	startUTC, err := timeutil.CombineDateTimeLocal(req.Date, req.Hour, req.Minute, zone)
	if err != nil {
		return nil, err
	}
	if !startUTC.After(time.Now()) {
		return nil, apperr.Newf(apperr.CodeInvalidDate, "requested time %s is in the past", startUTC.Format(time.RFC3339))
	}

	location, err := c.catalog.LocationByID(ctx, req.Clinic.ID, req.BusinessID)
	if err != nil {
		return nil, err
	}

	pract, err := c.resolvePractitioner(ctx, req)
	if err != nil {
		return nil, err
	}

	svc, err := c.resolveService(ctx, req, pract.ID)
	if err != nil {
		return nil, err
	}
	endUTC := startUTC.Add(time.Duration(svc.DurationMinutes) * time.Minute)

	gateway := c.gateways.Gateway(req.Clinic)
	patient, err := c.ensurePatient(ctx, gateway, req)
	if err != nil {
		return nil, err
	}

	release, err := c.locks.Acquire(ctx, pract.ID, startUTC, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.precheckSlot(ctx, gateway, req, pract.ID, svc.ID, startUTC); err != nil {
		return nil, err
	}

	created, err := gateway.CreateAppointment(ctx, pms.NewAppointment{
		PatientID:         patient.ID,
		PractitionerID:    string(pract.ID),
		AppointmentTypeID: string(svc.ID),
		BusinessID:        string(req.BusinessID),
		StartsAt:          startUTC.Format(time.RFC3339),
		EndsAt:            endUTC.Format(time.RFC3339),
		Notes:             req.Notes,
	})
	if err != nil {
		return nil, c.handleCreateFailure(ctx, req, pract.ID, startUTC, zone, err)
	}

	appt := Appointment{
		ID:             clinic.AppointmentID(created.ID),
		ClinicID:       req.Clinic.ID,
		PatientID:      clinic.PatientID(patient.ID),
		PractitionerID: pract.ID,
		ServiceID:      svc.ID,
		BusinessID:     req.BusinessID,
		StartsAt:       startUTC,
		EndsAt:         endUTC,
		Status:         "booked",
	}
	err = c.repo.InTx(ctx, func(tx pgx.Tx) error {
		if err := c.repo.EnsurePatient(ctx, tx, req.Clinic.ID, clinic.PatientID(patient.ID),
			timeutil.NormalizePhone(req.CallerPhone), req.PatientFirstName, req.PatientLastName, req.PatientEmail); err != nil {
			return err
		}
		if err := c.repo.InsertAppointment(ctx, tx, appt); err != nil {
			return err
		}
		if err := c.cache.MarkAvailabilityStale(ctx, tx, pract.ID, req.BusinessID, req.Date); err != nil {
			return err
		}
		c.repo.LogVoiceBooking(ctx, tx, req.Clinic.ID, req.SessionID, "create", "completed", appt.ID, "")
		return nil
	})
	if err != nil {
		// The PMS booking exists; local bookkeeping failing must not tell
		// the caller their appointment failed.
		c.logger.Error("local persistence failed after PMS booking",
			"appointment_id", created.ID,
			"clinic_id", req.Clinic.ID,
			"error", err,
		)
	}

	c.sessions.ClearRejected(ctx, req.SessionID)
	c.rememberPreferences(ctx, req, pract, svc, location)

	c.logger.Info("appointment booked",
		"appointment_id", created.ID,
		"clinic_id", req.Clinic.ID,
		"practitioner_id", pract.ID,
		"starts_at", startUTC.Format(time.RFC3339),
		"caller", timeutil.MaskPhone(timeutil.NormalizePhone(req.CallerPhone)),
	)

	return &CreateResult{
		AppointmentID:      appt.ID,
		ConfirmationNumber: confirmationNumber(appt.ID),
		Practitioner:       *pract,
		Service:            *svc,
		Location:           *location,
		StartUTC:           startUTC,
		PatientName:        req.PatientFirstName + " " + req.PatientLastName,
	}, nil
}

func validateCreate(req CreateRequest) error {
	if req.Clinic == nil {
		return apperr.New(apperr.CodeClinicNotFound, "clinic missing")
	}
	if !timeutil.IsValidAUMobile(req.CallerPhone) {
		return apperr.Newf(apperr.CodeInvalidPhoneNumber, "not an AU mobile: %s", timeutil.MaskPhone(req.CallerPhone))
	}
	if req.PatientFirstName == "" {
		return apperr.New(apperr.CodeMissingInformation, "patient name required")
	}
	if req.ServiceName == "" {
		return apperr.New(apperr.CodeMissingInformation, "service name required")
	}
	if req.BusinessID == "" {
		return apperr.New(apperr.CodeLocationRequired, "business_id required")
	}
	if req.Date.IsZero() {
		return apperr.New(apperr.CodeInvalidDate, "appointment date required")
	}
	return nil
}

// resolvePractitioner fuzzy-matches the spoken name against the roster at
// the requested business.
func (c *Coordinator) resolvePractitioner(ctx context.Context, req CreateRequest) (*clinic.Practitioner, error) {
	roster, err := c.catalog.PractitionersAtBusiness(ctx, req.Clinic.ID, req.BusinessID)
	if err != nil {
		return nil, err
	}
	candidates := make([]matcher.Candidate, len(roster))
	for i, p := range roster {
		candidates[i] = matcher.Candidate{ID: string(p.ID), Name: p.FullName(), Ordinal: i + 1}
	}
	res := matcher.Rank(matcher.KindPractitioner, req.PractitionerQuery, candidates)
	switch {
	case res.Confidence == matcher.NoMatch:
		return nil, apperr.Newf(apperr.CodePractitionerNotFound, "no practitioner matching %q at business %s", req.PractitionerQuery, req.BusinessID)
	case res.NeedsClarification:
		return nil, apperr.Newf(apperr.CodePractitionerClarification, "multiple practitioners match %q", req.PractitionerQuery)
	}
	best := res.Best()
	for i := range roster {
		if string(roster[i].ID) == best.ID {
			return &roster[i], nil
		}
	}
	return nil, apperr.Newf(apperr.CodePractitionerLocationMismatch, "practitioner %q not assigned to business %s", req.PractitionerQuery, req.BusinessID)
}

// resolveService is strict: exact name or alias only. A fuzzy fallback here
// could book the wrong service.
func (c *Coordinator) resolveService(ctx context.Context, req CreateRequest, practitionerID clinic.PractitionerID) (*clinic.Service, error) {
	services, err := c.catalog.ServicesForPractitioner(ctx, req.Clinic.ID, practitionerID)
	if err != nil {
		return nil, err
	}
	candidates := make([]matcher.Candidate, len(services))
	for i, s := range services {
		candidates[i] = matcher.Candidate{ID: string(s.ID), Name: s.Name}
	}
	hit := matcher.ResolveExact(req.ServiceName, candidates)
	if hit == nil {
		return nil, apperr.Newf(apperr.CodeServiceNotFound, "no service named %q for practitioner %s", req.ServiceName, practitionerID)
	}
	for i := range services {
		if string(services[i].ID) == hit.ID {
			return &services[i], nil
		}
	}
	return nil, apperr.Newf(apperr.CodeServiceNotFound, "service %q vanished", req.ServiceName)
}

// ensurePatient resolves the caller to a PMS patient: cache, then PMS search,
// then PMS create. Lookups may be retried by the client; the create is not.
func (c *Coordinator) ensurePatient(ctx context.Context, gateway PMSGateway, req CreateRequest) (*pms.Patient, error) {
	phone := timeutil.NormalizePhone(req.CallerPhone)
	if cached, ok := c.cache.GetPatient(ctx, phone, req.Clinic.ID); ok {
		return &cached.Profile, nil
	}

	found, err := gateway.FindPatient(ctx, req.CallerPhone)
	if err != nil {
		return nil, mapPMSError(err)
	}
	if found != nil {
		c.cache.SetPatient(ctx, phone, req.Clinic.ID, *found)
		return found, nil
	}

	created, err := gateway.CreatePatient(ctx, pms.NewPatient{
		FirstName:    req.PatientFirstName,
		LastName:     req.PatientLastName,
		Email:        req.PatientEmail,
		PhoneNumbers: []pms.PhoneNumber{{Number: req.CallerPhone, Type: "Mobile"}},
	})
	if err != nil {
		return nil, mapPMSError(err)
	}
	c.cache.SetPatient(ctx, phone, req.Clinic.ID, *created)
	return created, nil
}

// precheckSlot confirms the slot is still offered: the cache when a valid
// entry lists the slot, otherwise one authoritative PMS availability read.
func (c *Coordinator) precheckSlot(ctx context.Context, gateway PMSGateway, req CreateRequest, practitionerID clinic.PractitionerID, serviceID clinic.ServiceID, startUTC time.Time) error {
	key := cache.AvailabilityKey{
		ClinicID:       req.Clinic.ID,
		PractitionerID: practitionerID,
		BusinessID:     req.BusinessID,
		Date:           req.Date,
	}
	if entry, ok := c.cache.GetAvailability(ctx, key); ok {
		for _, s := range entry.Slots {
			if s.Equal(startUTC) {
				return nil
			}
		}
	}

	times, err := gateway.AvailableTimes(ctx, string(req.BusinessID), string(practitionerID), string(serviceID), req.Date, req.Date)
	if err != nil {
		return mapPMSError(err)
	}
	for _, at := range times {
		t, err := timeutil.ParsePMSTime(at.AppointmentStart)
		if err != nil {
			continue
		}
		if t.Equal(startUTC) {
			return nil
		}
	}
	return apperr.Newf(apperr.CodeTimeNotAvailable, "slot %s no longer offered", startUTC.Format(time.RFC3339))
}

// handleCreateFailure translates a PMS booking rejection, invalidating cache
// and recording the failed attempt so the slot is not re-offered.
func (c *Coordinator) handleCreateFailure(ctx context.Context, req CreateRequest, practitionerID clinic.PractitionerID, startUTC time.Time, zone *time.Location, err error) error {
	kind := pms.KindOf(err)
	switch kind {
	case pms.KindSlotTaken, pms.KindOutsideBusinessHours:
		if serr := c.cache.MarkAvailabilityStale(ctx, nil, practitionerID, req.BusinessID, req.Date); serr != nil {
			c.logger.Warn("stale mark failed after booking rejection", "error", serr)
		}
		localTime := startUTC.In(zone).Format("15:04")
		if ferr := c.cache.RecordFailedAttempt(ctx, cache.FailedAttempt{
			PractitionerID: practitionerID,
			BusinessID:     req.BusinessID,
			Date:           req.Date,
			LocalTime:      localTime,
		}, c.failedTTL); ferr != nil {
			c.logger.Warn("failed attempt record failed", "error", ferr)
		}
		c.repo.LogVoiceBooking(ctx, nil, req.Clinic.ID, req.SessionID, "create", "rejected", "", string(kind))
		if kind == pms.KindOutsideBusinessHours {
			return apperr.Wrap(apperr.CodeOutsideBusinessHours, "PMS rejected the time", err)
		}
		return apperr.Wrap(apperr.CodeSlotTaken, "PMS reports the slot is taken", err)
	default:
		c.repo.LogVoiceBooking(ctx, nil, req.Clinic.ID, req.SessionID, "create", "error", "", string(kind))
		return mapPMSError(err)
	}
}

func (c *Coordinator) rememberPreferences(ctx context.Context, req CreateRequest, pract *clinic.Practitioner, svc *clinic.Service, location *clinic.Location) {
	phone := timeutil.NormalizePhone(req.CallerPhone)
	bc := c.sessions.GetBookingContext(ctx, phone)
	if bc == nil {
		bc = &session.BookingContext{}
	}
	bc.PreferredLocation = &session.LocationRef{BusinessID: location.ID, Name: location.Name}
	bc.LastPractitioner = pract.FullName()
	bc.LastService = svc.Name
	c.sessions.SaveBookingContext(ctx, phone, bc)
}

// confirmationNumber derives a short speakable reference from the PMS id.
func confirmationNumber(id clinic.AppointmentID) string {
	s := string(id)
	if len(s) > 6 {
		s = s[len(s)-6:]
	}
	return "VB-" + s
}

// mapPMSError translates PMS failures into the webhook taxonomy.
func mapPMSError(err error) error {
	switch pms.KindOf(err) {
	case pms.KindRateLimited:
		return apperr.Wrap(apperr.CodeRateLimited, "PMS rate limit", err)
	case pms.KindTransient:
		return apperr.Wrap(apperr.CodeNetworkError, "PMS unreachable", err)
	case pms.KindSlotTaken:
		return apperr.Wrap(apperr.CodeSlotTaken, "slot already booked", err)
	case pms.KindOutsideBusinessHours:
		return apperr.Wrap(apperr.CodeOutsideBusinessHours, "outside business hours", err)
	case pms.KindNotFound:
		return apperr.Wrap(apperr.CodeAppointmentNotFound, "not found in PMS", err)
	default:
		return apperr.Wrap(apperr.CodeUpstreamError, "PMS error", err)
	}
}

// CancelRequest identifies an appointment to cancel, by id or by caller
// description.
type CancelRequest struct {
	Clinic      *clinic.Clinic
	SessionID   string
	CallerPhone string

	AppointmentID clinic.AppointmentID
	// Description carries free-text hints (practitioner, service or time
	// tokens) used to disambiguate among the caller's upcoming bookings.
	Description string
}

// CancelResult reports the cancelled appointment.
type CancelResult struct {
	AppointmentID clinic.AppointmentID
	StartsAt      time.Time
	AlreadyDone   bool
}

// Cancel removes an appointment, idempotently: cancelling twice succeeds.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	ctx, span := tracer.Start(ctx, "booking.cancel")
	defer span.End()

	if req.Clinic == nil {
		return nil, apperr.New(apperr.CodeClinicNotFound, "clinic missing")
	}

	appt, err := c.findCancelTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if appt.Status == "cancelled" {
		return &CancelResult{AppointmentID: appt.ID, StartsAt: appt.StartsAt, AlreadyDone: true}, nil
	}

	gateway := c.gateways.Gateway(req.Clinic)
	if err := gateway.CancelAppointment(ctx, string(appt.ID)); err != nil {
		// Already gone upstream counts as cancelled.
		if pms.KindOf(err) != pms.KindNotFound {
			return nil, mapPMSError(err)
		}
	}

	err = c.repo.InTx(ctx, func(tx pgx.Tx) error {
		if err := c.repo.UpdateStatus(ctx, tx, req.Clinic.ID, appt.ID, "cancelled"); err != nil {
			return err
		}
		zone := timeutil.ClinicZone(req.Clinic.Timezone, c.logger)
		if err := c.cache.MarkAvailabilityStale(ctx, tx, appt.PractitionerID, appt.BusinessID, timeutil.DateOf(appt.StartsAt.In(zone))); err != nil {
			return err
		}
		c.repo.LogVoiceBooking(ctx, tx, req.Clinic.ID, req.SessionID, "cancel", "completed", appt.ID, "")
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDatabaseError, "cancel bookkeeping failed", err)
	}

	c.logger.Info("appointment cancelled",
		"appointment_id", appt.ID,
		"clinic_id", req.Clinic.ID,
	)
	return &CancelResult{AppointmentID: appt.ID, StartsAt: appt.StartsAt}, nil
}

// findCancelTarget picks the appointment: direct id wins, otherwise the
// caller's upcoming bookings filtered by description tokens.
func (c *Coordinator) findCancelTarget(ctx context.Context, req CancelRequest) (*Appointment, error) {
	if req.AppointmentID != "" {
		return c.repo.ByID(ctx, req.Clinic.ID, req.AppointmentID)
	}

	phone := timeutil.NormalizePhone(req.CallerPhone)
	if phone == "" {
		return nil, apperr.New(apperr.CodeMissingInformation, "appointment id or caller phone required")
	}
	upcoming, err := c.repo.UpcomingByPhone(ctx, req.Clinic.ID, phone)
	if err != nil {
		return nil, err
	}
	if len(upcoming) == 0 {
		return nil, apperr.New(apperr.CodeAppointmentNotFound, "no upcoming appointments for caller")
	}
	if len(upcoming) == 1 {
		return &upcoming[0], nil
	}

	matches := filterByDescription(upcoming, req.Description)
	if len(matches) == 1 {
		return &matches[0], nil
	}
	return nil, apperr.Newf(apperr.CodeAppointmentNotFound, "%d upcoming appointments match; need more detail", len(matches))
}

// filterByDescription narrows appointments by practitioner/service name
// tokens in the caller's description.
func filterByDescription(appts []Appointment, description string) []Appointment {
	desc := matcher.Normalize(description)
	if desc == "" {
		return appts
	}
	var out []Appointment
	for _, a := range appts {
		if containsAnyToken(desc, a.Practitioner) || containsAnyToken(desc, a.ServiceName) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return appts
	}
	return out
}

func containsAnyToken(desc, name string) bool {
	padded := " " + desc + " "
	for _, tok := range strings.Fields(matcher.Normalize(name)) {
		if strings.Contains(padded, " "+tok+" ") {
			return true
		}
	}
	return false
}

// RescheduleRequest moves an existing appointment: book the new time first,
// cancel the old one only once the new booking holds.
type RescheduleRequest struct {
	Create           CreateRequest
	OldAppointmentID clinic.AppointmentID
}

// Reschedule is create-then-cancel, never modify-in-place. A failed create
// leaves the original untouched.
func (c *Coordinator) Reschedule(ctx context.Context, req RescheduleRequest) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "booking.reschedule")
	defer span.End()

	if req.OldAppointmentID == "" {
		return nil, apperr.New(apperr.CodeMissingInformation, "old appointment id required")
	}
	// Verify the old appointment exists before booking a replacement.
	if _, err := c.repo.ByID(ctx, req.Create.Clinic.ID, req.OldAppointmentID); err != nil {
		return nil, err
	}

	created, err := c.Create(ctx, req.Create)
	if err != nil {
		return nil, err
	}

	if _, err := c.Cancel(ctx, CancelRequest{
		Clinic:        req.Create.Clinic,
		SessionID:     req.Create.SessionID,
		CallerPhone:   req.Create.CallerPhone,
		AppointmentID: req.OldAppointmentID,
	}); err != nil {
		// The new booking stands; the old one needs manual cleanup.
		c.logger.Error("reschedule: old appointment cancel failed",
			"old_appointment_id", req.OldAppointmentID,
			"new_appointment_id", created.AppointmentID,
			"error", err,
		)
	}
	return created, nil
}
