package pms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "au1", Config{
		BaseURL:     srv.URL,
		Contact:     "dev@example.com",
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, nil, nil)
	return c, srv
}

func TestAuthAndUserAgentHeaders(t *testing.T) {
	var gotAuth, gotUA string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		_ = json.NewEncoder(w).Encode(map[string]any{"businesses": []Business{}})
	}))

	_, err := c.Businesses(context.Background())
	require.NoError(t, err)
	// base64("test-key:")
	assert.Equal(t, "Basic dGVzdC1rZXk6", gotAuth)
	assert.Equal(t, "VoiceBookingSystem (dev@example.com)", gotUA)
}

func TestPaginationFollowsLinks(t *testing.T) {
	var srv *httptest.Server
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"practitioners": []Practitioner{{ID: "1", FirstName: "Brendan", LastName: "Smith"}},
				"links":         map[string]string{"next": srv.URL + "/practitioners?page=2"},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"practitioners": []Practitioner{{ID: "2", FirstName: "Alice", LastName: "Wong"}},
			})
		}
	})
	c, s := testClient(t, handler)
	srv = s

	got, err := c.Practitioners(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
	assert.Equal(t, 2, calls)
}

func TestAvailableTimesSpanEnforcedClientSide(t *testing.T) {
	var calls int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"available_times": []AvailableTime{}})
	}))

	from := timeutil.Date{Year: 2025, Month: time.July, Day: 16}

	_, err := c.AvailableTimes(context.Background(), "b", "p", "t", from, from.AddDays(13))
	require.Error(t, err)
	assert.Equal(t, KindInvalidTimeFrame, KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls), "span violations must not reach the PMS")

	_, err = c.AvailableTimes(context.Background(), "b", "p", "t", from.AddDays(1), from)
	require.Error(t, err)
	assert.Equal(t, KindInvalidTimeFrame, KindOf(err))

	_, err = c.AvailableTimes(context.Background(), "b", "p", "t", from, from.AddDays(6))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAvailableTimesDateOnlyParams(t *testing.T) {
	var gotFrom, gotTo, gotPath string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFrom = r.URL.Query().Get("from")
		gotTo = r.URL.Query().Get("to")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"available_times": []AvailableTime{{AppointmentStart: "2025-07-16T00:00:00Z"}},
		})
	}))

	from := timeutil.Date{Year: 2025, Month: time.July, Day: 16}
	got, err := c.AvailableTimes(context.Background(), "1717010852512540252", "77", "55", from, from)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/businesses/1717010852512540252/practitioners/77/appointment_types/55/available_times", gotPath)
	assert.Equal(t, "2025-07-16", gotFrom)
	assert.Equal(t, "2025-07-16", gotTo)
}

func TestRetryOn429ThenSuccess(t *testing.T) {
	calls := 0
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"businesses": []Business{{ID: "b1", BusinessName: "City Clinic"}}})
	}))

	got, err := c.Businesses(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, calls)
}

func TestRetriesExhaustedOn5xx(t *testing.T) {
	calls := 0
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Businesses(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, 3, calls, "maxRetries=2 means 3 attempts")
}

func TestPostNeverRetried(t *testing.T) {
	calls := 0
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.CreateAppointment(context.Background(), NewAppointment{})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "booking POST must not be retried")
}

func TestClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Kind
	}{
		{http.StatusUnauthorized, "", KindUnauthorized},
		{http.StatusForbidden, "", KindForbidden},
		{http.StatusNotFound, "", KindNotFound},
		{http.StatusTooManyRequests, "", KindRateLimited},
		{http.StatusConflict, "", KindSlotTaken},
		{http.StatusUnprocessableEntity, "appointment is already booked", KindSlotTaken},
		{http.StatusUnprocessableEntity, "the appointment time is not available", KindSlotTaken},
		{http.StatusUnprocessableEntity, "appointment is outside business hours", KindOutsideBusinessHours},
		{http.StatusUnprocessableEntity, "invalid time frame requested", KindInvalidTimeFrame},
		{http.StatusInternalServerError, "", KindTransient},
		{http.StatusBadRequest, "weird", KindUpstream},
	}
	for _, tc := range cases {
		got := classify(tc.status, tc.body)
		assert.Equal(t, tc.want, got.Kind, fmt.Sprintf("%d %q", tc.status, tc.body))
	}
}

func TestFindPatientExactMatchOnly(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"patients": []Patient{
				{ID: "p1", FirstName: "Near", LastName: "Miss", PhoneNumbers: []PhoneNumber{{Number: "0478621277"}}},
				{ID: "p2", FirstName: "Test", LastName: "Patient", PhoneNumbers: []PhoneNumber{{Number: "+61 478 621 276"}}},
			},
		})
	}))

	got, err := c.FindPatient(context.Background(), "0478621276")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "p2", got.ID)
}

func TestFindPatientNoMatchReturnsNil(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"patients": []Patient{}})
	}))

	got, err := c.FindPatient(context.Background(), "0478621276")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-block
		atomic.AddInt32(&inFlight, -1)
		_ = json.NewEncoder(w).Encode(map[string]any{"businesses": []Business{}})
	}))
	t.Cleanup(srv.Close)

	c := NewClient("k", "au1", Config{BaseURL: srv.URL, MaxConcurrent: 2, BudgetPerMin: 1000}, nil, nil)

	done := make(chan struct{}, 6)
	for i := 0; i < 6; i++ {
		go func() {
			_, _ = c.Businesses(context.Background())
			done <- struct{}{}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	close(block)
	for i := 0; i < 6; i++ {
		<-done
	}
}
