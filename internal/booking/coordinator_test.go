package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/pms"
	"github.com/chompskiecodes/voicebook/internal/session"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

// ----- fakes -----

type fakeCatalog struct {
	location *clinic.Location
	roster   []clinic.Practitioner
	services []clinic.Service
}

func (f *fakeCatalog) LocationByID(context.Context, uuid.UUID, clinic.BusinessID) (*clinic.Location, error) {
	if f.location == nil {
		return nil, apperr.New(apperr.CodeInvalidBusinessID, "unknown business")
	}
	return f.location, nil
}

func (f *fakeCatalog) PractitionersAtBusiness(context.Context, uuid.UUID, clinic.BusinessID) ([]clinic.Practitioner, error) {
	return f.roster, nil
}

func (f *fakeCatalog) ServicesForPractitioner(context.Context, uuid.UUID, clinic.PractitionerID) ([]clinic.Service, error) {
	return f.services, nil
}

type fakeRepo struct {
	mu            sync.Mutex
	inserted      []Appointment
	statusUpdates map[clinic.AppointmentID]string
	byID          map[clinic.AppointmentID]*Appointment
	upcoming      []Appointment
	logged        []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		statusUpdates: map[clinic.AppointmentID]string{},
		byID:          map[clinic.AppointmentID]*Appointment{},
	}
}

func (f *fakeRepo) InTx(_ context.Context, fn func(tx pgx.Tx) error) error { return fn(nil) }

func (f *fakeRepo) EnsurePatient(context.Context, cache.Querier, uuid.UUID, clinic.PatientID, string, string, string, string) error {
	return nil
}

func (f *fakeRepo) InsertAppointment(_ context.Context, _ cache.Querier, a Appointment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ cache.Querier, _ uuid.UUID, id clinic.AppointmentID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates[id] = status
	return nil
}

func (f *fakeRepo) ByID(_ context.Context, _ uuid.UUID, id clinic.AppointmentID) (*Appointment, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, apperr.Newf(apperr.CodeAppointmentNotFound, "appointment %s not found", id)
}

func (f *fakeRepo) UpcomingByPhone(context.Context, uuid.UUID, string) ([]Appointment, error) {
	return f.upcoming, nil
}

func (f *fakeRepo) LogVoiceBooking(_ context.Context, _ cache.Querier, _ uuid.UUID, _, operation, status string, _ clinic.AppointmentID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, operation+":"+status)
}

type fakeBookingCache struct {
	mu         sync.Mutex
	entries    map[cache.AvailabilityKey]*cache.AvailabilityEntry
	staleMarks []string
	failed     []cache.FailedAttempt
	patients   map[string]*cache.CachedPatient
}

func newFakeBookingCache() *fakeBookingCache {
	return &fakeBookingCache{
		entries:  map[cache.AvailabilityKey]*cache.AvailabilityEntry{},
		patients: map[string]*cache.CachedPatient{},
	}
}

func (f *fakeBookingCache) GetAvailability(_ context.Context, key cache.AvailabilityKey) (*cache.AvailabilityEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e, ok
}

func (f *fakeBookingCache) MarkAvailabilityStale(_ context.Context, _ cache.Querier, p clinic.PractitionerID, b clinic.BusinessID, d timeutil.Date) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleMarks = append(f.staleMarks, clinic.SlotKey(p, b, d, "*"))
	return nil
}

func (f *fakeBookingCache) RecordFailedAttempt(_ context.Context, fa cache.FailedAttempt, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, fa)
	return nil
}

func (f *fakeBookingCache) GetPatient(_ context.Context, phone string, _ uuid.UUID) (*cache.CachedPatient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patients[phone]
	return p, ok
}

func (f *fakeBookingCache) SetPatient(_ context.Context, phone string, _ uuid.UUID, patient pms.Patient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patients[phone] = &cache.CachedPatient{PatientID: clinic.PatientID(patient.ID), Profile: patient}
}

type fakeSessions struct {
	mu       sync.Mutex
	cleared  []string
	contexts map[string]*session.BookingContext
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{contexts: map[string]*session.BookingContext{}}
}

func (f *fakeSessions) ClearRejected(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, sessionID)
}

func (f *fakeSessions) GetBookingContext(_ context.Context, phone string) *session.BookingContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[phone]
}

func (f *fakeSessions) SaveBookingContext(_ context.Context, phone string, bc *session.BookingContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts[phone] = bc
}

type fakeGateway struct {
	mu              sync.Mutex
	findPatient     func(phone string) (*pms.Patient, error)
	availableTimes  func(from, to timeutil.Date) ([]pms.AvailableTime, error)
	createAppt      func(a pms.NewAppointment) (*pms.Appointment, error)
	cancelAppt      func(id string) error
	createCalls     int
	cancelledIDs    []string
	availabilityHit int
}

func (f *fakeGateway) FindPatient(_ context.Context, phone string) (*pms.Patient, error) {
	if f.findPatient != nil {
		return f.findPatient(phone)
	}
	return &pms.Patient{ID: "pat-1", FirstName: "Test", LastName: "Patient"}, nil
}

func (f *fakeGateway) CreatePatient(_ context.Context, p pms.NewPatient) (*pms.Patient, error) {
	return &pms.Patient{ID: "pat-new", FirstName: p.FirstName, LastName: p.LastName}, nil
}

func (f *fakeGateway) AvailableTimes(_ context.Context, _, _, _ string, from, to timeutil.Date) ([]pms.AvailableTime, error) {
	f.mu.Lock()
	f.availabilityHit++
	f.mu.Unlock()
	if f.availableTimes != nil {
		return f.availableTimes(from, to)
	}
	return nil, nil
}

func (f *fakeGateway) CreateAppointment(_ context.Context, a pms.NewAppointment) (*pms.Appointment, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	if f.createAppt != nil {
		return f.createAppt(a)
	}
	return &pms.Appointment{ID: "appt-123", StartsAt: a.StartsAt, EndsAt: a.EndsAt}, nil
}

func (f *fakeGateway) CancelAppointment(_ context.Context, id string) error {
	f.mu.Lock()
	f.cancelledIDs = append(f.cancelledIDs, id)
	f.mu.Unlock()
	if f.cancelAppt != nil {
		return f.cancelAppt(id)
	}
	return nil
}

type fakeGatewayFactory struct{ gw PMSGateway }

func (f *fakeGatewayFactory) Gateway(*clinic.Clinic) PMSGateway { return f.gw }

type permissiveLocker struct{}

func (permissiveLocker) Acquire(context.Context, clinic.PractitionerID, time.Time, string) (func(), error) {
	return func() {}, nil
}

// ----- fixtures -----

var (
	bizID     = clinic.BusinessID("1717010852512540252")
	practBs   = clinic.Practitioner{ID: "77", FirstName: "Brendan", LastName: "Smith", Active: true}
	svcMsg    = clinic.Service{ID: "55", Name: "Massage", DurationMinutes: 60}
	cityClnic = clinic.Location{ID: bizID, Name: "City Clinic", IsPrimary: true}
)

func bookingClinic() *clinic.Clinic {
	return &clinic.Clinic{ID: uuid.New(), Name: "City Clinic Group", Timezone: "Australia/Sydney", Active: true}
}

func futureSlot(t *testing.T) (timeutil.Date, time.Time) {
	t.Helper()
	zone, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	d := timeutil.Today(zone).AddDays(7)
	start, err := timeutil.CombineDateTimeLocal(d, 10, 0, zone)
	require.NoError(t, err)
	return d, start
}

func createReq(cl *clinic.Clinic, d timeutil.Date) CreateRequest {
	return CreateRequest{
		Clinic:            cl,
		SessionID:         "sess-1",
		CallerPhone:       "0478621276",
		PatientFirstName:  "Test",
		PatientLastName:   "Patient",
		PractitionerQuery: "Brendan Smith",
		ServiceName:       "Massage",
		BusinessID:        bizID,
		Date:              d,
		Hour:              10,
		Minute:            0,
	}
}

type harness struct {
	coord    *Coordinator
	repo     *fakeRepo
	cache    *fakeBookingCache
	sessions *fakeSessions
	gateway  *fakeGateway
}

func newHarness(locker Locker, gw *fakeGateway) *harness {
	catalog := &fakeCatalog{
		location: &cityClnic,
		roster:   []clinic.Practitioner{practBs},
		services: []clinic.Service{svcMsg},
	}
	repo := newFakeRepo()
	bc := newFakeBookingCache()
	sessions := newFakeSessions()
	coord := NewCoordinator(catalog, repo, bc, sessions, locker, &fakeGatewayFactory{gw: gw}, Config{}, nil)
	return &harness{coord: coord, repo: repo, cache: bc, sessions: sessions, gateway: gw}
}

// ----- create -----

func TestCreateHappyPath(t *testing.T) {
	d, start := futureSlot(t)
	gw := &fakeGateway{
		availableTimes: func(_, _ timeutil.Date) ([]pms.AvailableTime, error) {
			return []pms.AvailableTime{{AppointmentStart: start.Format(time.RFC3339)}}, nil
		},
	}
	h := newHarness(permissiveLocker{}, gw)
	cl := bookingClinic()

	res, err := h.coord.Create(context.Background(), createReq(cl, d))
	require.NoError(t, err)
	assert.Equal(t, clinic.AppointmentID("appt-123"), res.AppointmentID)
	assert.NotEmpty(t, res.ConfirmationNumber)
	assert.Equal(t, "City Clinic", res.Location.Name)
	assert.Equal(t, "Test Patient", res.PatientName)
	assert.True(t, res.StartUTC.Equal(start))

	require.Len(t, h.repo.inserted, 1)
	assert.Equal(t, "booked", h.repo.inserted[0].Status)
	assert.True(t, h.repo.inserted[0].EndsAt.Equal(start.Add(time.Hour)), "end = start + duration")
	assert.NotEmpty(t, h.cache.staleMarks, "booking must stale the availability entry")
	assert.Contains(t, h.repo.logged, "create:completed")
	assert.Contains(t, h.sessions.cleared, "sess-1")

	bc := h.sessions.contexts["61478621276"]
	require.NotNil(t, bc, "booking must remember caller preferences")
	assert.Equal(t, "City Clinic", bc.PreferredLocation.Name)
	assert.Equal(t, "Brendan Smith", bc.LastPractitioner)
}

func TestCreateValidation(t *testing.T) {
	d, _ := futureSlot(t)
	h := newHarness(permissiveLocker{}, &fakeGateway{})
	cl := bookingClinic()

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		code   apperr.Code
	}{
		{"landline", func(r *CreateRequest) { r.CallerPhone = "0298765432" }, apperr.CodeInvalidPhoneNumber},
		{"no name", func(r *CreateRequest) { r.PatientFirstName = "" }, apperr.CodeMissingInformation},
		{"no service", func(r *CreateRequest) { r.ServiceName = "" }, apperr.CodeMissingInformation},
		{"no business", func(r *CreateRequest) { r.BusinessID = "" }, apperr.CodeLocationRequired},
		{"no date", func(r *CreateRequest) { r.Date = timeutil.Date{} }, apperr.CodeInvalidDate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := createReq(cl, d)
			tc.mutate(&req)
			_, err := h.coord.Create(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
	assert.Zero(t, h.gateway.createCalls, "validation failures must not reach the PMS")
}

func TestCreateServiceNameStrict(t *testing.T) {
	d, _ := futureSlot(t)
	h := newHarness(permissiveLocker{}, &fakeGateway{})
	req := createReq(bookingClinic(), d)
	req.ServiceName = "Massag"

	_, err := h.coord.Create(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeServiceNotFound, apperr.CodeOf(err))
	assert.Zero(t, h.gateway.createCalls)
}

func TestCreatePastTimeRejected(t *testing.T) {
	zone, _ := time.LoadLocation("Australia/Sydney")
	yesterday := timeutil.Today(zone).AddDays(-1)
	h := newHarness(permissiveLocker{}, &fakeGateway{})

	_, err := h.coord.Create(context.Background(), createReq(bookingClinic(), yesterday))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidDate, apperr.CodeOf(err))
}

func TestCreatePrecheckUsesCacheThenPMS(t *testing.T) {
	d, start := futureSlot(t)
	cl := bookingClinic()

	// Valid cache entry containing the slot: no authoritative PMS read.
	gw := &fakeGateway{}
	h := newHarness(permissiveLocker{}, gw)
	key := cache.AvailabilityKey{ClinicID: cl.ID, PractitionerID: practBs.ID, BusinessID: bizID, Date: d}
	h.cache.entries[key] = &cache.AvailabilityEntry{Key: key, Slots: []time.Time{start}}

	_, err := h.coord.Create(context.Background(), createReq(cl, d))
	require.NoError(t, err)
	assert.Zero(t, gw.availabilityHit, "cached slot must satisfy the precheck")

	// No cache entry and the PMS no longer offers the slot.
	gw2 := &fakeGateway{availableTimes: func(_, _ timeutil.Date) ([]pms.AvailableTime, error) { return nil, nil }}
	h2 := newHarness(permissiveLocker{}, gw2)
	_, err = h2.coord.Create(context.Background(), createReq(cl, d))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeNotAvailable, apperr.CodeOf(err))
	assert.Equal(t, 1, gw2.availabilityHit, "exactly one authoritative availability read")
	assert.Zero(t, gw2.createCalls, "a missing slot must stop the booking")
}

func TestCreatePMSConflictRecordsFailureAndStales(t *testing.T) {
	d, start := futureSlot(t)
	gw := &fakeGateway{
		availableTimes: func(_, _ timeutil.Date) ([]pms.AvailableTime, error) {
			return []pms.AvailableTime{{AppointmentStart: start.Format(time.RFC3339)}}, nil
		},
		createAppt: func(pms.NewAppointment) (*pms.Appointment, error) {
			return nil, &pms.Error{Kind: pms.KindSlotTaken, Status: 409, Message: "already booked"}
		},
	}
	h := newHarness(permissiveLocker{}, gw)

	_, err := h.coord.Create(context.Background(), createReq(bookingClinic(), d))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSlotTaken, apperr.CodeOf(err))
	assert.NotEmpty(t, h.cache.staleMarks, "conflict must stale the cache entry")
	require.Len(t, h.cache.failed, 1)
	assert.Equal(t, "10:00", h.cache.failed[0].LocalTime)
	assert.Empty(t, h.repo.inserted, "no local appointment on PMS rejection")
}

func TestConcurrentBookingRace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locks := NewSlotLock(client, 2*time.Minute, nil)

	d, start := futureSlot(t)
	gw := &fakeGateway{
		availableTimes: func(_, _ timeutil.Date) ([]pms.AvailableTime, error) {
			return []pms.AvailableTime{{AppointmentStart: start.Format(time.RFC3339)}}, nil
		},
		createAppt: func(a pms.NewAppointment) (*pms.Appointment, error) {
			time.Sleep(50 * time.Millisecond) // hold the lock across the window
			return &pms.Appointment{ID: "appt-123", StartsAt: a.StartsAt, EndsAt: a.EndsAt}, nil
		},
	}
	h := newHarness(locks, gw)
	cl := bookingClinic()

	errs := make(chan error, 2)
	for _, sess := range []string{"sess-A", "sess-B"} {
		go func() {
			req := createReq(cl, d)
			req.SessionID = sess
			_, err := h.coord.Create(context.Background(), req)
			errs <- err
		}()
	}

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			successes++
		} else if apperr.CodeOf(err) == apperr.CodeSlotTaken {
			conflicts++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one booking must win")
	assert.Equal(t, 1, conflicts, "the loser must see slot_taken")
	assert.Equal(t, 1, gw.createCalls, "only the winner reaches the PMS")
	assert.NotEmpty(t, h.cache.staleMarks, "cache must be stale after the race")
}

// ----- cancel -----

func TestCancelByIDIdempotent(t *testing.T) {
	d, start := futureSlot(t)
	_ = d
	gw := &fakeGateway{}
	h := newHarness(permissiveLocker{}, gw)
	cl := bookingClinic()

	appt := &Appointment{
		ID: "appt-123", ClinicID: cl.ID, PractitionerID: practBs.ID,
		BusinessID: bizID, StartsAt: start, EndsAt: start.Add(time.Hour), Status: "booked",
	}
	h.repo.byID["appt-123"] = appt

	res, err := h.coord.Cancel(context.Background(), CancelRequest{Clinic: cl, SessionID: "sess-1", AppointmentID: "appt-123"})
	require.NoError(t, err)
	assert.False(t, res.AlreadyDone)
	assert.Equal(t, "cancelled", h.repo.statusUpdates["appt-123"])
	assert.NotEmpty(t, h.cache.staleMarks)
	assert.Equal(t, []string{"appt-123"}, gw.cancelledIDs)

	// Second cancel: no-op success.
	appt.Status = "cancelled"
	res, err = h.coord.Cancel(context.Background(), CancelRequest{Clinic: cl, SessionID: "sess-1", AppointmentID: "appt-123"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyDone)
	assert.Len(t, gw.cancelledIDs, 1, "no second PMS call")
}

func TestCancelTreatsUpstreamGoneAsSuccess(t *testing.T) {
	_, start := futureSlot(t)
	gw := &fakeGateway{cancelAppt: func(string) error {
		return &pms.Error{Kind: pms.KindNotFound, Status: 404, Message: "no such appointment"}
	}}
	h := newHarness(permissiveLocker{}, gw)
	cl := bookingClinic()
	h.repo.byID["appt-9"] = &Appointment{
		ID: "appt-9", ClinicID: cl.ID, PractitionerID: practBs.ID,
		BusinessID: bizID, StartsAt: start, Status: "booked",
	}

	res, err := h.coord.Cancel(context.Background(), CancelRequest{Clinic: cl, AppointmentID: "appt-9"})
	require.NoError(t, err)
	assert.Equal(t, clinic.AppointmentID("appt-9"), res.AppointmentID)
	assert.Equal(t, "cancelled", h.repo.statusUpdates["appt-9"])
}

func TestCancelDisambiguatesByDescription(t *testing.T) {
	_, start := futureSlot(t)
	gw := &fakeGateway{}
	h := newHarness(permissiveLocker{}, gw)
	cl := bookingClinic()
	h.repo.upcoming = []Appointment{
		{ID: "a1", ClinicID: cl.ID, PractitionerID: "77", BusinessID: bizID, StartsAt: start, Status: "booked", Practitioner: "Brendan Smith", ServiceName: "Massage"},
		{ID: "a2", ClinicID: cl.ID, PractitionerID: "88", BusinessID: bizID, StartsAt: start.Add(24 * time.Hour), Status: "booked", Practitioner: "Alice Wong", ServiceName: "Physio"},
	}

	res, err := h.coord.Cancel(context.Background(), CancelRequest{
		Clinic:      cl,
		CallerPhone: "0478621276",
		Description: "my physio with alice",
	})
	require.NoError(t, err)
	assert.Equal(t, clinic.AppointmentID("a2"), res.AppointmentID)
}

// ----- reschedule -----

func TestRescheduleFailureLeavesOldIntact(t *testing.T) {
	d, start := futureSlot(t)
	gw := &fakeGateway{
		availableTimes: func(_, _ timeutil.Date) ([]pms.AvailableTime, error) { return nil, nil },
	}
	h := newHarness(permissiveLocker{}, gw)
	cl := bookingClinic()
	h.repo.byID["appt-old"] = &Appointment{
		ID: "appt-old", ClinicID: cl.ID, PractitionerID: practBs.ID,
		BusinessID: bizID, StartsAt: start, Status: "booked",
	}

	_, err := h.coord.Reschedule(context.Background(), RescheduleRequest{
		Create:           createReq(cl, d),
		OldAppointmentID: "appt-old",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeNotAvailable, apperr.CodeOf(err))
	assert.Empty(t, gw.cancelledIDs, "old appointment must not be cancelled on create failure")
	assert.Empty(t, h.repo.statusUpdates, "old appointment status untouched")
	assert.Empty(t, h.repo.inserted, "no new appointment persisted")
}

func TestRescheduleHappyPath(t *testing.T) {
	d, start := futureSlot(t)
	gw := &fakeGateway{
		availableTimes: func(_, _ timeutil.Date) ([]pms.AvailableTime, error) {
			return []pms.AvailableTime{{AppointmentStart: start.Format(time.RFC3339)}}, nil
		},
	}
	h := newHarness(permissiveLocker{}, gw)
	cl := bookingClinic()
	h.repo.byID["appt-old"] = &Appointment{
		ID: "appt-old", ClinicID: cl.ID, PractitionerID: practBs.ID,
		BusinessID: bizID, StartsAt: start.Add(-24 * time.Hour), Status: "booked",
	}

	res, err := h.coord.Reschedule(context.Background(), RescheduleRequest{
		Create:           createReq(cl, d),
		OldAppointmentID: "appt-old",
	})
	require.NoError(t, err)
	assert.Equal(t, clinic.AppointmentID("appt-123"), res.AppointmentID)
	assert.Contains(t, gw.cancelledIDs, "appt-old")
	assert.Equal(t, "cancelled", h.repo.statusUpdates["appt-old"])
}
