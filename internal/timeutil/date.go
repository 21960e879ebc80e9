package timeutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/chompskiecodes/voicebook/internal/apperr"
)

// Date is a civil calendar date with no time or zone attached. It is the key
// type for availability cache entries and PMS from/to parameters.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf truncates t to its calendar date in t's own location.
func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// ParseDate parses a literal YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return Date{}, apperr.Newf(apperr.CodeInvalidDate, "not a YYYY-MM-DD date: %q", s)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight of d in loc.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays returns d shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time(time.UTC).AddDate(0, 0, n))
}

// Weekday returns the day of week of d.
func (d Date) Weekday() time.Weekday {
	return d.Time(time.UTC).Weekday()
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time(time.UTC).Before(other.Time(time.UTC))
}

// DaysUntil returns the number of calendar days from d to other.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time(time.UTC).Sub(d.Time(time.UTC)) / (24 * time.Hour))
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d == Date{}
}

// Today returns the current civil date in loc.
func Today(loc *time.Location) Date {
	return DateOf(time.Now().In(loc))
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDateRequest resolves the fixed voice-date grammar against today:
// literal YYYY-MM-DD, "today", "tomorrow", a weekday name (next occurrence,
// today preserved), or "next <weekday>" (occurrence at least 7 days out).
// Anything else is rejected with invalid_date.
func ParseDateRequest(s string, today Date) (Date, error) {
	q := strings.ToLower(strings.TrimSpace(s))
	if q == "" {
		return Date{}, apperr.New(apperr.CodeInvalidDate, "empty date")
	}

	switch q {
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDays(1), nil
	}

	if rest, ok := strings.CutPrefix(q, "next "); ok {
		wd, ok := weekdays[strings.TrimSpace(rest)]
		if !ok {
			return Date{}, apperr.Newf(apperr.CodeInvalidDate, "unknown weekday %q", rest)
		}
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead < 7 {
			ahead += 7
		}
		return today.AddDays(ahead), nil
	}

	if wd, ok := weekdays[q]; ok {
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return today.AddDays(ahead), nil
	}

	return ParseDate(q)
}

// ParseTimeRequest extracts hour and minute from spoken time forms such as
// "10:30am", "2pm", "14:00" and "1030". Anything unrecognizable fails with
// invalid_time rather than defaulting.
func ParseTimeRequest(s string) (hour, minute int, err error) {
	q := strings.ToLower(strings.TrimSpace(s))
	q = strings.ReplaceAll(q, " ", "")
	if q == "" {
		return 0, 0, apperr.New(apperr.CodeInvalidTime, "empty time")
	}

	meridiem := ""
	for _, suffix := range []string{"am", "pm"} {
		if strings.HasSuffix(q, suffix) {
			meridiem = suffix
			q = strings.TrimSuffix(q, suffix)
			break
		}
	}
	q = strings.TrimSpace(q)

	if h, m, ok := splitClock(q); ok {
		hour, minute = h, m
	} else {
		return 0, 0, apperr.Newf(apperr.CodeInvalidTime, "unparseable time %q", s)
	}

	switch meridiem {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, apperr.Newf(apperr.CodeInvalidTime, "clock out of range in %q", s)
	}
	return hour, minute, nil
}

func splitClock(q string) (int, int, bool) {
	if h, m, ok := strings.Cut(q, ":"); ok {
		hour, err1 := atoi(h)
		minute, err2 := atoi(m)
		if err1 || err2 || len(m) != 2 {
			return 0, 0, false
		}
		return hour, minute, true
	}
	// Compact military form: "930", "1030".
	if len(q) == 3 || len(q) == 4 {
		hour, err1 := atoi(q[:len(q)-2])
		minute, err2 := atoi(q[len(q)-2:])
		if !err1 && !err2 {
			return hour, minute, true
		}
	}
	if hour, bad := atoi(q); !bad && len(q) <= 2 {
		return hour, 0, true
	}
	return 0, 0, false
}

func atoi(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, true
		}
		n = n*10 + int(r-'0')
	}
	return n, false
}
