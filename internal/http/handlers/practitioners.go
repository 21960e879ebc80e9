package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/matcher"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

type practitionerRequest struct {
	Practitioner string `json:"practitioner"`
	DialedNumber string `json:"dialedNumber"`
	SessionID    string `json:"sessionId,omitempty"`
}

// resolvePractitionerByName fuzzy-matches a spoken name against the clinic's
// roster, surfacing clarification when the name is ambiguous.
func (h *Handler) resolvePractitionerByName(ctx context.Context, cl *clinic.Clinic, query string) (*clinic.Practitioner, error) {
	roster, err := h.catalog.Practitioners(ctx, cl.ID)
	if err != nil {
		return nil, err
	}
	res := matcher.Rank(matcher.KindPractitioner, query, practitionerCandidates(roster))
	switch {
	case res.Confidence == matcher.NoMatch:
		return nil, apperr.Newf(apperr.CodePractitionerNotFound, "no practitioner matching %q", query)
	case res.NeedsClarification:
		return nil, apperr.Newf(apperr.CodePractitionerClarification, "multiple practitioners match %q", query)
	}
	p := findPractitioner(roster, res.Best().ID)
	if p == nil {
		return nil, apperr.Newf(apperr.CodePractitionerNotFound, "practitioner %q not found", query)
	}
	return p, nil
}

// GetPractitionerServices handles POST /practitioner-services.
func (h *Handler) GetPractitionerServices(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req practitionerRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("practitioner-services", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("practitioner-services", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	pract, err := h.resolvePractitionerByName(ctx, cl, req.Practitioner)
	if err != nil {
		h.observe("practitioner-services", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	services, err := h.catalog.ServicesForPractitioner(ctx, cl.ID, pract.ID)
	if err != nil {
		h.observe("practitioner-services", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	payload := map[string]any{
		"practitioner": practitionerJSON(*pract),
		"services":     servicesJSON(services),
	}
	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name)
	}
	if len(services) > 0 {
		payload["defaultService"] = serviceJSON(services[0])
	}
	h.observe("practitioner-services", start, nil)
	writeSuccess(w, req.SessionID,
		fmt.Sprintf("%s offers %s.", pract.FullName(), joinForVoice(names)),
		payload)
}

// GetPractitionerInfo handles POST /practitioner-info.
func (h *Handler) GetPractitionerInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req practitionerRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("practitioner-info", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("practitioner-info", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	pract, err := h.resolvePractitionerByName(ctx, cl, req.Practitioner)
	if err != nil {
		h.observe("practitioner-info", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	services, err := h.catalog.ServicesForPractitioner(ctx, cl.ID, pract.ID)
	if err != nil {
		h.observe("practitioner-info", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	locations, err := h.catalog.PractitionerBusinesses(ctx, cl.ID, pract.ID)
	if err != nil {
		h.observe("practitioner-info", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	locNames := make([]string, 0, len(locations))
	locPayloads := make([]any, 0, len(locations))
	for _, l := range locations {
		locNames = append(locNames, l.Name)
		locPayloads = append(locPayloads, locationJSON(l))
	}
	h.observe("practitioner-info", start, nil)
	writeSuccess(w, req.SessionID,
		fmt.Sprintf("%s works at %s.", pract.FullName(), joinForVoice(locNames)),
		map[string]any{
			"practitioner": practitionerJSON(*pract),
			"services":     servicesJSON(services),
			"locations":    locPayloads,
		})
}

type locationPractitionersRequest struct {
	BusinessID   string `json:"business_id"`
	DialedNumber string `json:"dialedNumber"`
	SessionID    string `json:"sessionId,omitempty"`
}

// GetLocationPractitioners handles POST /location-practitioners.
func (h *Handler) GetLocationPractitioners(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req locationPractitionersRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("location-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("location-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	loc, err := h.catalog.LocationByID(ctx, cl.ID, clinic.BusinessID(req.BusinessID))
	if err != nil {
		h.observe("location-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	roster, err := h.catalog.PractitionersAtBusiness(ctx, cl.ID, loc.ID)
	if err != nil {
		h.observe("location-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	names := make([]string, 0, len(roster))
	payloads := make([]any, 0, len(roster))
	for _, p := range roster {
		names = append(names, p.FullName())
		payloads = append(payloads, practitionerJSON(p))
	}
	h.observe("location-practitioners", start, nil)
	writeSuccess(w, req.SessionID,
		fmt.Sprintf("At %s we have %s.", loc.Name, joinForVoice(names)),
		map[string]any{
			"location":      locationJSON(*loc),
			"practitioners": payloads,
		})
}

type availablePractitionersRequest struct {
	BusinessID   string `json:"business_id"`
	Date         string `json:"date"`
	DialedNumber string `json:"dialedNumber"`
	SessionID    string `json:"sessionId,omitempty"`
}

// GetAvailablePractitioners handles POST /available-practitioners: who has
// any opening at the location on the date.
func (h *Handler) GetAvailablePractitioners(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req availablePractitionersRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("available-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("available-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	loc, err := h.catalog.LocationByID(ctx, cl.ID, clinic.BusinessID(req.BusinessID))
	if err != nil {
		h.observe("available-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	zone := timeutil.ClinicZone(cl.Timezone, h.logger)
	date, err := timeutil.ParseDateRequest(req.Date, timeutil.Today(zone))
	if err != nil {
		h.observe("available-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	days, partial, err := h.engine.AvailablePractitioners(ctx, cl, loc.ID, date, req.SessionID)
	if err != nil {
		h.observe("available-practitioners", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	names := make([]string, 0, len(days))
	payloads := make([]any, 0, len(days))
	for _, d := range days {
		names = append(names, d.Practitioner.FullName())
		entry := map[string]any{
			"practitioner": practitionerJSON(d.Practitioner),
			"service":      serviceJSON(d.Service),
		}
		if len(d.Slots) > 0 {
			entry["firstAvailable"] = timeutil.FormatForVoice(d.Slots[0].Start, zone)
		}
		payloads = append(payloads, entry)
	}

	message := fmt.Sprintf("No one has openings on %s.", timeutil.FormatDateForVoice(date.Time(zone), zone))
	if len(days) > 0 {
		message = fmt.Sprintf("On %s, %s %s availability.",
			timeutil.FormatDateForVoice(date.Time(zone), zone),
			joinForVoice(names), hasOrHave(len(names)))
	}
	h.observe("available-practitioners", start, nil)
	writeSuccess(w, req.SessionID, message, map[string]any{
		"date":          date.String(),
		"location":      locationJSON(*loc),
		"practitioners": payloads,
		"partial":       partial,
	})
}

func servicesJSON(services []clinic.Service) []any {
	out := make([]any, 0, len(services))
	for _, s := range services {
		out = append(out, serviceJSON(s))
	}
	return out
}

// joinForVoice renders a list the way a person would say it.
func joinForVoice(items []string) string {
	switch len(items) {
	case 0:
		return "nothing"
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
	}
}

func hasOrHave(n int) string {
	if n == 1 {
		return "has"
	}
	return "have"
}
