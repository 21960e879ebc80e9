package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/booking"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

type appointmentRequest struct {
	SessionID    string `json:"sessionId"`
	DialedNumber string `json:"dialedNumber"`
	CallerPhone  string `json:"callerPhone"`

	PatientName  string `json:"patientName"`
	PatientEmail string `json:"patientEmail,omitempty"`

	Practitioner    string `json:"practitioner"`
	AppointmentType string `json:"appointmentType"`
	BusinessID      string `json:"business_id"`

	AppointmentDate string `json:"appointmentDate"`
	AppointmentTime string `json:"appointmentTime"`
	Notes           string `json:"notes,omitempty"`

	// OldAppointmentID switches the operation to a reschedule.
	OldAppointmentID string `json:"oldAppointmentId,omitempty"`
}

// HandleAppointment handles POST /appointment-handler: book, or reschedule
// when an old appointment id is supplied.
func (h *Handler) HandleAppointment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req appointmentRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("appointment-handler", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("appointment-handler", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	zone := timeutil.ClinicZone(cl.Timezone, h.logger)
	date, err := timeutil.ParseDateRequest(req.AppointmentDate, timeutil.Today(zone))
	if err != nil {
		h.observe("appointment-handler", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	hour, minute, err := timeutil.ParseTimeRequest(req.AppointmentTime)
	if err != nil {
		h.observe("appointment-handler", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	first, last := splitPatientName(req.PatientName)
	createReq := booking.CreateRequest{
		Clinic:            cl,
		SessionID:         req.SessionID,
		CallerPhone:       req.CallerPhone,
		PatientFirstName:  first,
		PatientLastName:   last,
		PatientEmail:      req.PatientEmail,
		PractitionerQuery: req.Practitioner,
		ServiceName:       req.AppointmentType,
		BusinessID:        clinic.BusinessID(req.BusinessID),
		Date:              date,
		Hour:              hour,
		Minute:            minute,
		Notes:             req.Notes,
	}

	var res *booking.CreateResult
	operation := "book"
	if req.OldAppointmentID != "" {
		operation = "reschedule"
		res, err = h.booker.Reschedule(ctx, booking.RescheduleRequest{
			Create:           createReq,
			OldAppointmentID: clinic.AppointmentID(req.OldAppointmentID),
		})
	} else {
		res, err = h.booker.Create(ctx, createReq)
	}
	if err != nil {
		h.metrics.ObserveBooking(operation, string(apperr.CodeOf(err)))
		h.observe("appointment-handler", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	h.metrics.ObserveBooking(operation, "completed")

	verb := "booked"
	if operation == "reschedule" {
		verb = "moved"
	}
	h.observe("appointment-handler", start, nil)
	writeSuccess(w, req.SessionID,
		fmt.Sprintf("All done — I've %s your %s with %s at %s for %s at %s. Your confirmation number is %s.",
			verb,
			res.Service.Name,
			res.Practitioner.FullName(),
			res.Location.Name,
			timeutil.FormatDateForVoice(res.StartUTC, zone),
			timeutil.FormatForVoice(res.StartUTC, zone),
			res.ConfirmationNumber),
		map[string]any{
			"bookingId":          string(res.AppointmentID),
			"confirmationNumber": res.ConfirmationNumber,
			"practitioner":       practitionerJSON(res.Practitioner),
			"service":            serviceJSON(res.Service),
			"location":           locationJSON(res.Location),
			"patientName":        res.PatientName,
			"timeSlot": timeSlotPayload{
				Date:        date.String(),
				Time:        fmt.Sprintf("%02d:%02d", hour, minute),
				DisplayTime: timeutil.FormatForVoice(res.StartUTC, zone),
				DisplayDate: timeutil.FormatDateForVoice(res.StartUTC, zone),
			},
		})
}

type cancelRequest struct {
	SessionID    string `json:"sessionId"`
	DialedNumber string `json:"dialedNumber"`
	CallerPhone  string `json:"callerPhone"`

	AppointmentID string `json:"appointmentId,omitempty"`
	Description   string `json:"description,omitempty"`
}

// CancelAppointment handles POST /cancel-appointment.
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req cancelRequest
	if err := decodeStrict(r, &req); err != nil {
		h.observe("cancel-appointment", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cl, err := h.resolveClinic(ctx, req.DialedNumber)
	if err != nil {
		h.observe("cancel-appointment", start, err)
		writeError(w, req.SessionID, err)
		return
	}

	res, err := h.booker.Cancel(ctx, booking.CancelRequest{
		Clinic:        cl,
		SessionID:     req.SessionID,
		CallerPhone:   req.CallerPhone,
		AppointmentID: clinic.AppointmentID(req.AppointmentID),
		Description:   req.Description,
	})
	if err != nil {
		h.metrics.ObserveBooking("cancel", string(apperr.CodeOf(err)))
		h.observe("cancel-appointment", start, err)
		writeError(w, req.SessionID, err)
		return
	}
	h.metrics.ObserveBooking("cancel", "completed")

	zone := timeutil.ClinicZone(cl.Timezone, h.logger)
	message := fmt.Sprintf("Your appointment on %s at %s has been cancelled.",
		timeutil.FormatDateForVoice(res.StartsAt, zone),
		timeutil.FormatForVoice(res.StartsAt, zone))
	if res.AlreadyDone {
		message = "That appointment was already cancelled — you're all set."
	}
	h.observe("cancel-appointment", start, nil)
	writeSuccess(w, req.SessionID, message, map[string]any{
		"appointmentId": string(res.AppointmentID),
		"cancelled":     true,
	})
}

// splitPatientName breaks "first last..." into a {first, last} pair; every
// word after the first belongs to the surname.
func splitPatientName(name string) (first, last string) {
	fields := strings.Fields(strings.TrimSpace(name))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}
