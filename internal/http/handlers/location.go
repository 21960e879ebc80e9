package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/matcher"
	"github.com/chompskiecodes/voicebook/internal/session"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

type resolveLocationRequest struct {
	LocationQuery string `json:"locationQuery"`
	SessionID     string `json:"sessionId"`
	DialedNumber  string `json:"dialedNumber"`
	CallerPhone   string `json:"callerPhone,omitempty"`
}

// ResolveLocation handles POST /location-resolver: turn a spoken location
// reference into a business id, or hand back clarification options.
func (h *Handler) ResolveLocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req resolveLocationRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("location-resolver", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("location-resolver", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	locations, err := h.catalog.Locations(ctx, cl.ID)
	if err != nil {
		h.observe("location-resolver", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	if len(locations) == 0 {
		err := apperr.New(apperr.CodeLocationRequired, "clinic has no locations on file")
		h.observe("location-resolver", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	// A single-location clinic never needs disambiguation.
	if len(locations) == 1 {
		h.rememberLocation(ctx, req.CallerPhone, locations[0].ID, locations[0].Name)
		h.observe("location-resolver", start, nil)
		writeSuccess(w, req.SessionID,
			fmt.Sprintf("You're booked in at %s.", locations[0].Name),
			map[string]any{
				"resolved":           true,
				"needsClarification": false,
				"confidence":         1.0,
				"location":           locationJSON(locations[0]),
			})
		return
	}

	res := matcher.Rank(matcher.KindLocation, req.LocationQuery, locationCandidates(locations))

	switch {
	case res.Resolved():
		best := res.Best()
		loc := findLocation(locations, best.ID)
		h.rememberLocation(ctx, req.CallerPhone, loc.ID, loc.Name)
		h.observe("location-resolver", start, nil)
		writeSuccess(w, req.SessionID,
			fmt.Sprintf("That's our %s.", loc.Name),
			map[string]any{
				"resolved":           true,
				"needsClarification": false,
				"confidence":         roundScore(best.Score),
				"location":           locationJSON(*loc),
			})

	case res.Confidence == matcher.MediumConfidence && !res.NeedsClarification:
		best := res.Best()
		loc := findLocation(locations, best.ID)
		h.observe("location-resolver", start, nil)
		writeSuccess(w, req.SessionID,
			fmt.Sprintf("Did you mean our %s?", loc.Name),
			map[string]any{
				"resolved":           false,
				"needsClarification": true,
				"confidence":         roundScore(best.Score),
				"location":           locationJSON(*loc),
				"options":            []string{loc.Name},
			})

	default:
		options := make([]string, 0, len(res.Matches))
		for _, m := range res.Matches {
			options = append(options, m.Name)
		}
		if len(options) == 0 {
			for _, l := range locations {
				options = append(options, l.Name)
			}
		}
		h.observe("location-resolver", start, nil)
		writeSuccess(w, req.SessionID,
			"We have a few locations: "+strings.Join(options, ", ")+". Which one would you like?",
			map[string]any{
				"resolved":           false,
				"needsClarification": true,
				"confidence":         topScore(res),
				"options":            options,
			})
	}
}

type confirmLocationRequest struct {
	UserResponse string   `json:"userResponse"`
	Options      []string `json:"options"`
	SessionID    string   `json:"sessionId"`
	DialedNumber string   `json:"dialedNumber"`
	CallerPhone  string   `json:"callerPhone,omitempty"`
}

// ConfirmLocation handles POST /location-confirmer: match the caller's reply
// against the options previously offered.
func (h *Handler) ConfirmLocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req confirmLocationRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("location-confirmer", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("location-confirmer", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	locations, err := h.catalog.Locations(ctx, cl.ID)
	if err != nil {
		h.observe("location-confirmer", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	// Affirmative single-option confirmation ("yes", "that's right").
	answer := strings.ToLower(strings.TrimSpace(req.UserResponse))
	if len(req.Options) == 1 && isAffirmative(answer) {
		if loc := findLocationByName(locations, req.Options[0]); loc != nil {
			h.rememberLocation(ctx, req.CallerPhone, loc.ID, loc.Name)
			h.observe("location-confirmer", start, nil)
			writeSuccess(w, req.SessionID,
				fmt.Sprintf("Great, %s it is.", loc.Name),
				map[string]any{"locationConfirmed": true, "location": locationJSON(*loc)})
			return
		}
	}

	candidates := make([]matcher.Candidate, len(req.Options))
	for i, name := range req.Options {
		candidates[i] = matcher.Candidate{ID: name, Name: name, Ordinal: i + 1}
	}
	res := matcher.Rank(matcher.KindLocation, req.UserResponse, candidates)
	if best := res.Best(); best != nil && !res.NeedsClarification {
		if loc := findLocationByName(locations, best.Name); loc != nil {
			h.rememberLocation(ctx, req.CallerPhone, loc.ID, loc.Name)
			h.observe("location-confirmer", start, nil)
			writeSuccess(w, req.SessionID,
				fmt.Sprintf("Great, %s it is.", loc.Name),
				map[string]any{"locationConfirmed": true, "location": locationJSON(*loc)})
			return
		}
	}

	h.observe("location-confirmer", start, nil)
	writeSuccess(w, req.SessionID,
		"Sorry, which location was that? "+strings.Join(req.Options, " or ")+"?",
		map[string]any{"locationConfirmed": false, "options": req.Options})
}

// rememberLocation opportunistically stores the caller's preferred location.
func (h *Handler) rememberLocation(ctx context.Context, callerPhone string, businessID clinic.BusinessID, name string) {
	phone := timeutil.NormalizePhone(callerPhone)
	if phone == "" {
		return
	}
	bc := h.sessions.GetBookingContext(ctx, phone)
	if bc == nil {
		bc = &session.BookingContext{}
	}
	bc.PreferredLocation = &session.LocationRef{BusinessID: businessID, Name: name}
	h.sessions.SaveBookingContext(ctx, phone, bc)
}

func isAffirmative(answer string) bool {
	switch answer {
	case "yes", "yeah", "yep", "correct", "that's right", "right", "sure", "ok", "okay":
		return true
	}
	return false
}

func findLocationByName(locations []clinic.Location, name string) *clinic.Location {
	for i := range locations {
		if strings.EqualFold(locations[i].Name, name) {
			return &locations[i]
		}
	}
	return nil
}

func roundScore(s float64) float64 {
	return math.Round(s*100) / 100
}

func topScore(res matcher.Result) float64 {
	if best := res.Best(); best != nil {
		return roundScore(best.Score)
	}
	return 0
}
