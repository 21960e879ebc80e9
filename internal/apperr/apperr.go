package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error identifier surfaced to the voice
// agent. Codes are part of the webhook contract and must not be renamed.
type Code string

const (
	CodeClinicNotFound                Code = "clinic_not_found"
	CodeLocationRequired              Code = "location_required"
	CodeInvalidBusinessID             Code = "invalid_business_id"
	CodePractitionerNotFound          Code = "practitioner_not_found"
	CodePractitionerClarification     Code = "practitioner_clarification_needed"
	CodePractitionerLocationMismatch  Code = "practitioner_location_mismatch"
	CodeServiceNotFound               Code = "service_not_found"
	CodeMissingInformation            Code = "missing_information"
	CodeInvalidPhoneNumber            Code = "invalid_phone_number"
	CodeInvalidDate                   Code = "invalid_date"
	CodeInvalidTime                   Code = "invalid_time"
	CodeNoAvailability                Code = "no_availability"
	CodeTimeNotAvailable              Code = "time_not_available"
	CodeSlotTaken                     Code = "slot_taken"
	CodeOutsideBusinessHours          Code = "outside_business_hours"
	CodePractitionerNotAvailable      Code = "practitioner_not_available"
	CodeAppointmentNotFound           Code = "appointment_not_found"
	CodeDuplicateBooking              Code = "duplicate_booking"
	CodeRateLimited                   Code = "rate_limited"
	CodeUpstreamError                 Code = "upstream_error"
	CodeDatabaseError                 Code = "database_error"
	CodeNetworkError                  Code = "network_error"
	CodeUseFindNextAvailable          Code = "use_find_next_available"
)

// Error couples a stable code with an internal message. The message is for
// logs; voice-friendly phrasing happens at the webhook boundary.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, apperr.New(code, "")) match on code alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New builds an Error with the given code.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the stable code from err, walking the wrap chain. Unknown
// errors report upstream_error so callers never leak internals.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUpstreamError
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
