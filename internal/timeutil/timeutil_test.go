package timeutil

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chompskiecodes/voicebook/internal/apperr"
)

func sydney(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	return loc
}

func TestParsePMSTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-07-16T00:00:00Z", time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC)},
		{"2025-07-16T10:00:00+10:00", time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC)},
		{"2025-07-16T00:00:00", time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParsePMSTime(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, got.Equal(tc.want), "%s parsed to %s", tc.in, got)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := ParsePMSTime("sometime tomorrow")
	assert.Error(t, err)
	_, err = ParsePMSTime("")
	assert.Error(t, err)
}

func TestLocalUTCRoundTrip(t *testing.T) {
	loc := sydney(t)
	instants := []time.Time{
		time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 24, 13, 30, 0, 0, time.UTC),
		time.Date(2026, 4, 4, 15, 45, 0, 0, time.UTC),
	}
	for _, in := range instants {
		back := LocalToUTC(UTCToLocal(in, loc), loc)
		assert.True(t, back.Equal(in), "round trip moved %s to %s", in, back)
	}
}

func TestCombineDateTimeLocal(t *testing.T) {
	loc := sydney(t)

	// Winter (AEST, +10): 10:00 local is 00:00 UTC.
	got, err := CombineDateTimeLocal(Date{2025, time.July, 16}, 10, 0, loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC)))

	// DST gap: 2025-10-05 02:30 does not exist in Sydney.
	_, err = CombineDateTimeLocal(Date{2025, time.October, 5}, 2, 30, loc)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidTime, apperr.CodeOf(err))

	// DST fold: 2026-04-05 02:30 occurs twice; the earlier offset (AEDT,
	// +11) wins, which is 15:30 UTC the previous day.
	got, err = CombineDateTimeLocal(Date{2026, time.April, 5}, 2, 30, loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 4, 4, 15, 30, 0, 0, time.UTC)), "got %s", got)

	_, err = CombineDateTimeLocal(Date{2025, time.July, 16}, 24, 0, loc)
	assert.Error(t, err)
}

func TestFormatForVoice(t *testing.T) {
	loc := sydney(t)
	utc := time.Date(2025, 7, 16, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "10:00 AM", FormatForVoice(utc, loc))
	assert.Equal(t, "Wednesday, July 16", FormatDateForVoice(utc, loc))

	afternoon := time.Date(2025, 7, 16, 4, 15, 0, 0, time.UTC)
	assert.Equal(t, "2:15 PM", FormatForVoice(afternoon, loc))
}

func TestClinicZoneFallback(t *testing.T) {
	loc := ClinicZone("Australia/Brisbane", nil)
	assert.Equal(t, "Australia/Brisbane", loc.String())

	assert.Equal(t, DefaultTimezoneName, ClinicZone("", nil).String())
	assert.Equal(t, DefaultTimezoneName, ClinicZone("Mars/Olympus_Mons", nil).String())
}

func TestParseDateRequest(t *testing.T) {
	// 2025-07-16 is a Wednesday.
	today := Date{2025, time.July, 16}

	cases := []struct {
		in   string
		want Date
	}{
		{"2025-08-01", Date{2025, time.August, 1}},
		{"today", today},
		{"Tomorrow", Date{2025, time.July, 17}},
		{"wednesday", Date{2025, time.July, 23}}, // same weekday rolls a week forward
		{"friday", Date{2025, time.July, 18}},
		{"next friday", Date{2025, time.July, 25}},
		{"next wednesday", Date{2025, time.July, 23}},
	}
	for _, tc := range cases {
		got, err := ParseDateRequest(tc.in, today)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "someday", "next weekend", "16/07/2025"} {
		_, err := ParseDateRequest(bad, today)
		require.Error(t, err, bad)
		assert.Equal(t, apperr.CodeInvalidDate, apperr.CodeOf(err), bad)
	}
}

func TestParseTimeRequest(t *testing.T) {
	cases := []struct {
		in     string
		hour   int
		minute int
	}{
		{"10:30am", 10, 30},
		{"10:30 AM", 10, 30},
		{"2pm", 14, 0},
		{"12am", 0, 0},
		{"12pm", 12, 0},
		{"14:00", 14, 0},
		{"1030", 10, 30},
		{"930", 9, 30},
		{"9", 9, 0},
	}
	for _, tc := range cases {
		h, m, err := ParseTimeRequest(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.hour, h, tc.in)
		assert.Equal(t, tc.minute, m, tc.in)
	}

	for _, bad := range []string{"", "midnightish", "25:00", "10:75"} {
		_, _, err := ParseTimeRequest(bad)
		require.Error(t, err, bad)
		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, apperr.CodeInvalidTime, ae.Code, bad)
	}
}

func TestDateHelpers(t *testing.T) {
	d := Date{2025, time.July, 16}
	assert.Equal(t, "2025-07-16", d.String())
	assert.Equal(t, time.Wednesday, d.Weekday())
	assert.Equal(t, Date{2025, time.July, 23}, d.AddDays(7))
	assert.Equal(t, 7, d.DaysUntil(d.AddDays(7)))
	assert.True(t, d.Before(d.AddDays(1)))

	parsed, err := ParseDate("2025-07-16")
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "61478621276", NormalizePhone("0478 621 276"))
	assert.Equal(t, "61478621276", NormalizePhone("+61 478 621 276"))
	assert.Equal(t, "61478621276", NormalizePhone("61478621276"))
	assert.Equal(t, "", NormalizePhone(""))

	assert.True(t, IsValidAUMobile("0478621276"))
	assert.True(t, IsValidAUMobile("+61478621276"))
	assert.False(t, IsValidAUMobile("0298765432"))
	assert.False(t, IsValidAUMobile("12345"))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "614***76", MaskPhone("61478621276"))
	assert.Equal(t, "***", MaskPhone("1234"))
}
