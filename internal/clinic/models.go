package clinic

import (
	"time"

	"github.com/google/uuid"

	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

// Distinct ID types per entity kind. The PMS hands back opaque numeric
// strings; keeping them nominally typed prevents cross-assignment.
type (
	BusinessID     string
	PractitionerID string
	ServiceID      string
	PatientID      string
	AppointmentID  string
)

// Clinic is a tenant: one practice, possibly many physical locations, with
// its own PMS credentials and shard.
type Clinic struct {
	ID           uuid.UUID
	Name         string
	DialedNumber string
	PMSAPIKey    string
	PMSShard     string
	Timezone     string
	Active       bool
}

// Location is a physical clinic site (a "business" in PMS terms).
type Location struct {
	ID        BusinessID
	ClinicID  uuid.UUID
	Name      string
	IsPrimary bool
	Aliases   []string
}

// Practitioner is a bookable staff member.
type Practitioner struct {
	ID        PractitionerID
	ClinicID  uuid.UUID
	FirstName string
	LastName  string
	Title     string
	Active    bool
}

// FullName returns the practitioner's display name.
func (p Practitioner) FullName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Service is a bookable appointment type with a fixed duration.
type Service struct {
	ID              ServiceID
	ClinicID        uuid.UUID
	Name            string
	DurationMinutes int
}

// ScheduleRule is one locally stored working-hours row. The PMS does not
// expose working hours, so these drive availability pruning.
type ScheduleRule struct {
	PractitionerID PractitionerID
	BusinessID     BusinessID
	DayOfWeek      time.Weekday
	StartTime      string // "09:00"
	EndTime        string // "17:00"
	EffectiveFrom  *timeutil.Date
	EffectiveTo    *timeutil.Date
}

// AppliesOn reports whether the rule covers the given calendar date.
func (r ScheduleRule) AppliesOn(d timeutil.Date) bool {
	if d.Weekday() != r.DayOfWeek {
		return false
	}
	if r.EffectiveFrom != nil && d.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && r.EffectiveTo.Before(d) {
		return false
	}
	return true
}

// WorksOn reports whether any rule in the set covers the date.
func WorksOn(rules []ScheduleRule, d timeutil.Date) bool {
	for _, r := range rules {
		if r.AppliesOn(d) {
			return true
		}
	}
	return false
}

// SlotKey is the canonical suppression key for one offerable slot; the
// session rejected-slot set and the failed-booking table share this format.
func SlotKey(practitionerID PractitionerID, businessID BusinessID, d timeutil.Date, localTime string) string {
	return string(practitionerID) + "|" + string(businessID) + "|" + d.String() + "|" + localTime
}
