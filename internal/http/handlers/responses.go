package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/clinic"
)

// envelope is the common webhook response wrapper. Every response, success or
// failure, carries a voice-ready message the agent can speak verbatim.
type envelope struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// locationPayload is the nested location object.
type locationPayload struct {
	ID        clinic.BusinessID `json:"id"`
	Name      string            `json:"name"`
	IsPrimary bool              `json:"isPrimary"`
}

// practitionerPayload is the nested practitioner object.
type practitionerPayload struct {
	ID    clinic.PractitionerID `json:"id"`
	Name  string                `json:"name"`
	Title string                `json:"title,omitempty"`
}

// servicePayload is the nested service object.
type servicePayload struct {
	ID              clinic.ServiceID `json:"id"`
	Name            string           `json:"name"`
	DurationMinutes int              `json:"durationMinutes"`
}

// timeSlotPayload is the nested time slot object.
type timeSlotPayload struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	DisplayTime string `json:"displayTime"`
	DisplayDate string `json:"displayDate"`
}

func locationJSON(l clinic.Location) locationPayload {
	return locationPayload{ID: l.ID, Name: l.Name, IsPrimary: l.IsPrimary}
}

func practitionerJSON(p clinic.Practitioner) practitionerPayload {
	return practitionerPayload{ID: p.ID, Name: p.FullName(), Title: p.Title}
}

func serviceJSON(s clinic.Service) servicePayload {
	return servicePayload{ID: s.ID, Name: s.Name, DurationMinutes: s.DurationMinutes}
}

// decodeStrict parses the request body, rejecting unknown fields so contract
// drift between the agent platform and this service surfaces immediately.
func decodeStrict(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.CodeMissingInformation, "unreadable request body", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeMissingInformation, "malformed request body", err)
	}
	return nil
}

// voiceMessage maps a stable error code to something worth saying out loud.
func voiceMessage(code apperr.Code) string {
	switch code {
	case apperr.CodeClinicNotFound:
		return "I couldn't find a clinic for this number. Please check you've dialed the right clinic."
	case apperr.CodeLocationRequired, apperr.CodeInvalidBusinessID:
		return "I need to know which clinic location you'd like. Could you tell me which one suits you?"
	case apperr.CodePractitionerNotFound:
		return "I couldn't find that practitioner. Could you repeat their name?"
	case apperr.CodePractitionerClarification:
		return "A couple of practitioners match that name. Could you give me their full name?"
	case apperr.CodePractitionerLocationMismatch:
		return "That practitioner doesn't work at that location. Would you like a different location or practitioner?"
	case apperr.CodeServiceNotFound:
		return "I couldn't find that service. Could you tell me exactly what you'd like to book?"
	case apperr.CodeMissingInformation:
		return "I'm missing some details. Could you repeat that for me?"
	case apperr.CodeInvalidPhoneNumber:
		return "I couldn't verify your mobile number. Could you say it again, digit by digit?"
	case apperr.CodeInvalidDate:
		return "I didn't catch that date. Could you say it again, like 'next Tuesday' or a specific date?"
	case apperr.CodeInvalidTime:
		return "I didn't catch that time. Could you say it again, like 'ten thirty in the morning'?"
	case apperr.CodeNoAvailability:
		return "I couldn't find any openings for that. Would you like me to check another day or practitioner?"
	case apperr.CodeTimeNotAvailable:
		return "That time has just been taken. Would you like me to find the next available time?"
	case apperr.CodeSlotTaken:
		return "I'm sorry, that time was booked a moment ago. Shall I look for the next opening?"
	case apperr.CodeOutsideBusinessHours:
		return "That time is outside the clinic's opening hours. Would you like a time during the day?"
	case apperr.CodePractitionerNotAvailable:
		return "That practitioner isn't available then. Would you like another time or practitioner?"
	case apperr.CodeAppointmentNotFound:
		return "I couldn't find that appointment. Could you give me more details about it?"
	case apperr.CodeDuplicateBooking:
		return "It looks like you already have that appointment booked."
	case apperr.CodeRateLimited, apperr.CodeNetworkError, apperr.CodeUpstreamError, apperr.CodeDatabaseError:
		return "I'm having trouble reaching the booking system right now. Could you try again in a moment?"
	case apperr.CodeUseFindNextAvailable:
		return "Let me look for the next available appointment instead."
	default:
		return "Something went wrong on my end. Could you try that again?"
	}
}

// writeJSON merges the envelope with operation-specific fields into one flat
// JSON object.
func writeJSON(w http.ResponseWriter, status int, env envelope, extra map[string]any) {
	out := map[string]any{
		"success":   env.Success,
		"sessionId": env.SessionID,
		"message":   env.Message,
	}
	if env.Error != "" {
		out["error"] = env.Error
	}
	for k, v := range extra {
		out[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func writeSuccess(w http.ResponseWriter, sessionID, message string, extra map[string]any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, SessionID: sessionID, Message: message}, extra)
}

func writeError(w http.ResponseWriter, sessionID string, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusOK // the agent platform expects 200 with success=false
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		code = apperr.CodeUpstreamError
	}
	writeJSON(w, status, envelope{
		Success:   false,
		SessionID: sessionID,
		Message:   voiceMessage(code),
		Error:     string(code),
	}, nil)
}
