package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/availability"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/matcher"
	"github.com/chompskiecodes/voicebook/internal/session"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

type checkAvailabilityRequest struct {
	Practitioner    string `json:"practitioner"`
	Date            string `json:"date"`
	AppointmentType string `json:"appointmentType"`
	BusinessID      string `json:"business_id"`
	DialedNumber    string `json:"dialedNumber"`
	SessionID       string `json:"sessionId"`
	CallerPhone     string `json:"callerPhone,omitempty"`
	// RejectOffered files the previously offered slots as rejected before
	// searching again ("none of those work for me").
	RejectOffered bool `json:"rejectOffered,omitempty"`
}

// CheckAvailability handles POST /availability-checker: all slots for a
// practitioner and service on a specific date.
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req checkAvailabilityRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	// No date means "the next one" — that is find-next-available's job.
	if req.Date == "" {
		err := apperr.New(apperr.CodeUseFindNextAvailable, "availability-checker requires a date")
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	loc, err := h.catalog.LocationByID(ctx, cl.ID, clinic.BusinessID(req.BusinessID))
	if err != nil {
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	pract, svc, err := h.resolvePractitionerAndService(ctx, cl, loc.ID, req.Practitioner, req.AppointmentType)
	if err != nil {
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	zone := timeutil.ClinicZone(cl.Timezone, h.logger)
	date, err := timeutil.ParseDateRequest(req.Date, timeutil.Today(zone))
	if err != nil {
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	phone := timeutil.NormalizePhone(req.CallerPhone)
	h.sessions.TouchCriteria(ctx, req.SessionID, phone, session.SearchCriteria{
		Practitioner: pract.FullName(),
		Service:      svc.Name,
		BusinessID:   string(loc.ID),
		Date:         date.String(),
	})
	if req.RejectOffered {
		h.sessions.RejectOffered(ctx, req.SessionID)
	}

	res, err := h.engine.CheckDay(ctx, availability.DayQuery{
		Clinic:       cl,
		Practitioner: *pract,
		Service:      *svc,
		BusinessID:   loc.ID,
		Date:         date,
		SessionID:    req.SessionID,
	})
	if err != nil {
		h.observe("availability-checker", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	if len(res.Slots) == 0 {
		err := apperr.New(apperr.CodeNoAvailability, "no open slots")
		h.observe("availability-checker", start, nil)
		writeJSON(w, http.StatusOK, envelope{
			Success:   false,
			SessionID: req.SessionID,
			Message: fmt.Sprintf("%s has no openings for %s on %s. Would you like another day?",
				pract.FullName(), svc.Name, timeutil.FormatDateForVoice(date.Time(zone), zone)),
			Error: string(apperr.CodeOf(err)),
		}, map[string]any{
			"practitioner":    practitionerJSON(*pract),
			"service":         serviceJSON(*svc),
			"date":            date.String(),
			"available_times": []string{},
		})
		return
	}

	times := make([]string, 0, len(res.Slots))
	offered := make([]string, 0, len(res.Slots))
	for _, s := range res.Slots {
		times = append(times, timeutil.FormatForVoice(s.Start, zone))
		offered = append(offered, clinic.SlotKey(s.Practitioner.ID, s.BusinessID, s.Date, s.LocalTime))
	}
	h.sessions.SaveOffered(ctx, req.SessionID, offered)

	h.observe("availability-checker", start, nil)
	writeSuccess(w, req.SessionID,
		fmt.Sprintf("%s has the following times for %s on %s: %s.",
			pract.FullName(), svc.Name,
			timeutil.FormatDateForVoice(date.Time(zone), zone),
			joinForVoice(times)),
		map[string]any{
			"practitioner":    practitionerJSON(*pract),
			"service":         serviceJSON(*svc),
			"location":        locationJSON(*loc),
			"date":            date.String(),
			"available_times": times,
		})
}

// resolvePractitionerAndService resolves both names scoped to a business.
func (h *Handler) resolvePractitionerAndService(ctx context.Context, cl *clinic.Clinic, businessID clinic.BusinessID, practitionerQuery, serviceQuery string) (*clinic.Practitioner, *clinic.Service, error) {
	roster, err := h.catalog.PractitionersAtBusiness(ctx, cl.ID, businessID)
	if err != nil {
		return nil, nil, err
	}
	res := matcher.Rank(matcher.KindPractitioner, practitionerQuery, practitionerCandidates(roster))
	switch {
	case res.Confidence == matcher.NoMatch:
		// Distinguish "unknown name" from "works elsewhere".
		if _, err := h.resolvePractitionerByName(ctx, cl, practitionerQuery); err == nil {
			return nil, nil, apperr.Newf(apperr.CodePractitionerLocationMismatch, "%q does not work at business %s", practitionerQuery, businessID)
		}
		return nil, nil, apperr.Newf(apperr.CodePractitionerNotFound, "no practitioner matching %q", practitionerQuery)
	case res.NeedsClarification:
		return nil, nil, apperr.Newf(apperr.CodePractitionerClarification, "multiple practitioners match %q", practitionerQuery)
	}
	pract := findPractitioner(roster, res.Best().ID)

	services, err := h.catalog.ServicesForPractitioner(ctx, cl.ID, pract.ID)
	if err != nil {
		return nil, nil, err
	}
	svcRes := matcher.Rank(matcher.KindService, serviceQuery, serviceCandidates(services))
	if svcRes.Confidence == matcher.NoMatch {
		return nil, nil, apperr.Newf(apperr.CodeServiceNotFound, "no service matching %q for %s", serviceQuery, pract.FullName())
	}
	svc := findService(services, svcRes.Best().ID)
	return pract, svc, nil
}

// resolveServiceClinicWide fuzzy-matches a spoken service name against the
// whole clinic catalog, consulting the service-match cache so repeated
// phrasings skip fuzzy ranking (the catalog is still read to load the
// cached service).
func (h *Handler) resolveServiceClinicWide(ctx context.Context, cl *clinic.Clinic, query string) (*clinic.Service, error) {
	normalized := matcher.Normalize(query)
	if h.svcMatches != nil {
		if cached, ok := h.svcMatches.GetServiceMatches(ctx, cl.ID, normalized); ok && len(cached) > 0 {
			services, err := h.catalog.Services(ctx, cl.ID)
			if err != nil {
				return nil, err
			}
			if svc := findService(services, cached[0].ServiceID); svc != nil {
				return svc, nil
			}
		}
	}

	services, err := h.catalog.Services(ctx, cl.ID)
	if err != nil {
		return nil, err
	}
	res := matcher.Rank(matcher.KindService, query, serviceCandidates(services))
	if res.Confidence == matcher.NoMatch {
		return nil, apperr.Newf(apperr.CodeServiceNotFound, "no service matching %q", query)
	}
	if h.svcMatches != nil {
		matches := make([]cache.ServiceMatch, 0, len(res.Matches))
		for _, m := range res.Matches {
			matches = append(matches, cache.ServiceMatch{ServiceID: m.ID, Name: m.Name, Score: m.Score})
		}
		h.svcMatches.SetServiceMatches(ctx, cl.ID, normalized, matches)
	}
	return findService(services, res.Best().ID), nil
}

type findNextRequest struct {
	DialedNumber string `json:"dialedNumber"`
	SessionID    string `json:"sessionId"`
	Practitioner string `json:"practitioner,omitempty"`
	Service      string `json:"service,omitempty"`
	LocationID   string `json:"locationId,omitempty"`
	MaxDays      *int   `json:"maxDays,omitempty"`
	CallerPhone  string `json:"callerPhone,omitempty"`
}

// FindNextAvailable handles POST /find-next-available: the earliest slot
// within the horizon for a practitioner or a service.
func (h *Handler) FindNextAvailable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req findNextRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("find-next-available", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("find-next-available", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	if req.Practitioner == "" && req.Service == "" {
		err := apperr.New(apperr.CodeMissingInformation, "practitioner or service required")
		h.observe("find-next-available", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	query := availability.NextQuery{
		Clinic:    cl,
		SessionID: req.SessionID,
		MaxDays:   h.findNextDefault,
	}
	if req.MaxDays != nil {
		query.MaxDays = *req.MaxDays
	}
	if query.MaxDays > h.findNextMax {
		query.MaxDays = h.findNextMax
	}
	if req.LocationID != "" {
		loc, err := h.catalog.LocationByID(ctx, cl.ID, clinic.BusinessID(req.LocationID))
		if err != nil {
			h.observe("find-next-available", start, err)
			writeError(w, req.SessionID, err)
			return
		}
		query.BusinessID = loc.ID
	}
	if req.Practitioner != "" {
		pract, err := h.resolvePractitionerByName(ctx, cl, req.Practitioner)
		if err != nil {
			h.observe("find-next-available", start, err)
			writeError(w, req.SessionID, err)
			return
		}
		query.Practitioner = pract
	}
	if req.Service != "" {
		svc, err := h.resolveServiceClinicWide(ctx, cl, req.Service)
		if err != nil {
			h.observe("find-next-available", start, err)
			writeError(w, req.SessionID, err)
			return
		}
		query.Service = svc
	}

	res, err := h.engine.FindNext(ctx, query)
	if err != nil {
		h.observe("find-next-available", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	if !res.Found {
		h.observe("find-next-available", start, nil)
		writeSuccess(w, req.SessionID,
			fmt.Sprintf("I couldn't find anything in the next %d days. Would you like me to look further out?", query.MaxDays),
			map[string]any{"found": false, "partial": res.Partial})
		return
	}

	zone := timeutil.ClinicZone(cl.Timezone, h.logger)
	slot := res.Slot
	h.sessions.SaveOffered(ctx, req.SessionID, []string{
		clinic.SlotKey(slot.Practitioner.ID, slot.BusinessID, slot.Date, slot.LocalTime),
	})

	payload := map[string]any{
		"found":        true,
		"partial":      res.Partial,
		"practitioner": practitionerJSON(slot.Practitioner),
		"service":      serviceJSON(slot.Service),
		"slot": timeSlotPayload{
			Date:        slot.Date.String(),
			Time:        slot.LocalTime,
			DisplayTime: timeutil.FormatForVoice(slot.Start, zone),
			DisplayDate: timeutil.FormatDateForVoice(slot.Start, zone),
		},
	}
	if loc, err := h.catalog.LocationByID(ctx, cl.ID, slot.BusinessID); err == nil {
		payload["location"] = locationJSON(*loc)
	}
	h.observe("find-next-available", start, nil)
	writeSuccess(w, req.SessionID,
		fmt.Sprintf("The next available %s with %s is %s at %s.",
			slot.Service.Name,
			slot.Practitioner.FullName(),
			timeutil.FormatDateForVoice(slot.Start, zone),
			timeutil.FormatForVoice(slot.Start, zone)),
		payload)
}
