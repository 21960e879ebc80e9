package timeutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

// DefaultTimezoneName is the zone assumed for offset-less input and used as
// the fallback when a clinic's configured timezone cannot be loaded.
const DefaultTimezoneName = "Australia/Sydney"

// DefaultZone returns the configured default zone, honoring DEFAULT_TIMEZONE.
func DefaultZone() *time.Location {
	name := strings.TrimSpace(os.Getenv("DEFAULT_TIMEZONE"))
	if name == "" {
		name = DefaultTimezoneName
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnsureUTC converts t to UTC. Times carrying no real zone (time.Local on a
// naive parse) are interpreted in the default zone first.
func EnsureUTC(t time.Time) time.Time {
	if t.Location() == time.Local {
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), DefaultZone())
	}
	return t.UTC()
}

// ParsePMSTime parses a timestamp from the PMS API into UTC. Accepts RFC 3339
// with a Z suffix or numeric offset. The PMS has been observed returning bare
// local-less timestamps; those are treated as UTC.
func ParsePMSTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timeutil: empty time string")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("timeutil: unparseable PMS time %q", s)
}

// LocalToUTC converts a clinic-local instant to UTC.
func LocalToUTC(local time.Time, loc *time.Location) time.Time {
	return local.In(loc).UTC()
}

// UTCToLocal converts a UTC instant to the clinic's zone.
func UTCToLocal(utc time.Time, loc *time.Location) time.Time {
	return utc.In(loc)
}

// CombineDateTimeLocal builds the UTC instant for a civil date plus wall-clock
// hour/minute in loc. Wall clocks skipped by a DST gap fail with invalid_time;
// wall clocks repeated by a DST fold resolve to the earlier offset.
func CombineDateTimeLocal(d Date, hour, minute int, loc *time.Location) (time.Time, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, apperr.Newf(apperr.CodeInvalidTime, "invalid clock time %02d:%02d", hour, minute)
	}
	t := time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, loc)
	if t.Hour() != hour || t.Minute() != minute || t.Day() != d.Day {
		// The wall clock does not exist in loc on this date.
		return time.Time{}, apperr.Newf(apperr.CodeInvalidTime, "time %02d:%02d does not exist on %s in %s", hour, minute, d, loc)
	}
	// On a fold time.Date may hand back the later of the two instants; an
	// hour earlier having the same wall clock tells us which side we got.
	earlier := t.Add(-time.Hour)
	el := earlier.In(loc)
	if el.Hour() == hour && el.Minute() == minute && el.Day() == d.Day {
		t = earlier
	}
	return t.UTC(), nil
}

// FormatForVoice renders a UTC instant as clinic-local "h:mm AM/PM" for TTS.
func FormatForVoice(utc time.Time, loc *time.Location) string {
	return utc.In(loc).Format("3:04 PM")
}

// FormatDateForVoice renders the day-of-week phrasing for TTS.
func FormatDateForVoice(utc time.Time, loc *time.Location) string {
	return utc.In(loc).Format("Monday, January 2")
}

// ClinicZone loads the clinic's IANA timezone, falling back to the default
// zone with a warning when missing or invalid.
func ClinicZone(tz string, logger *logging.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if logger != nil {
		logger.Warn("invalid clinic timezone, using default", "timezone", tz, "default", DefaultTimezoneName)
	}
	return DefaultZone()
}
