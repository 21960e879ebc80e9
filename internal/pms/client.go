package pms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chompskiecodes/voicebook/internal/timeutil"
	"github.com/chompskiecodes/voicebook/pkg/logging"
)

const maxAvailabilitySpanDays = 7

// Recorder receives request telemetry; satisfied by the Prometheus metrics
// set, nil disables recording.
type Recorder interface {
	ObservePMSRequest(endpoint, outcome string, seconds float64)
}

// Config tunes a Client. Credentials are per clinic and passed to NewClient,
// not carried here.
type Config struct {
	// Host is the PMS domain; the shard is interpolated into the base URL.
	Host string
	// BaseURL overrides the derived URL entirely (tests).
	BaseURL string
	// Contact goes into the User-Agent, per PMS API policy.
	Contact       string
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxConcurrent int
	BudgetPerMin  int
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "cliniko.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	return c
}

// Client is the single entry point for all outbound PMS calls for one clinic
// credential set.
type Client struct {
	baseURL    string
	authHeader string
	userAgent  string
	httpClient *http.Client
	limiter    *limiter
	maxRetries int
	backoff    time.Duration
	backoffCap time.Duration
	logger     *logging.Logger
	metrics    Recorder
}

// NewClient builds a client for one clinic. The API key is the Basic auth
// username with an empty password.
func NewClient(apiKey, shard string, cfg Config, logger *logging.Logger, metrics Recorder) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://api.%s.%s/v1", shard, cfg.Host)
	}
	auth := base64.StdEncoding.EncodeToString([]byte(apiKey + ":"))
	return &Client{
		baseURL:    strings.TrimSuffix(base, "/"),
		authHeader: "Basic " + auth,
		userAgent:  fmt.Sprintf("VoiceBookingSystem (%s)", cfg.Contact),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    newLimiter(cfg.MaxConcurrent, cfg.BudgetPerMin),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.BackoffBase,
		backoffCap: cfg.BackoffCap,
		logger:     logger,
		metrics:    metrics,
	}
}

// Businesses lists all locations.
func (c *Client) Businesses(ctx context.Context) ([]Business, error) {
	return getAllPages[Business](ctx, c, "/businesses", "businesses", nil)
}

// Practitioners lists all practitioners.
func (c *Client) Practitioners(ctx context.Context) ([]Practitioner, error) {
	return getAllPages[Practitioner](ctx, c, "/practitioners", "practitioners", nil)
}

// BusinessPractitioners lists practitioners assigned to one business.
func (c *Client) BusinessPractitioners(ctx context.Context, businessID string) ([]Practitioner, error) {
	path := fmt.Sprintf("/businesses/%s/practitioners", url.PathEscape(businessID))
	return getAllPages[Practitioner](ctx, c, path, "practitioners", nil)
}

// AppointmentTypes lists all appointment types.
func (c *Client) AppointmentTypes(ctx context.Context) ([]AppointmentType, error) {
	return getAllPages[AppointmentType](ctx, c, "/appointment_types", "appointment_types", nil)
}

// PractitionerAppointmentTypes lists the types one practitioner offers.
func (c *Client) PractitionerAppointmentTypes(ctx context.Context, practitionerID string) ([]AppointmentType, error) {
	path := fmt.Sprintf("/practitioners/%s/appointment_types", url.PathEscape(practitionerID))
	return getAllPages[AppointmentType](ctx, c, path, "appointment_types", nil)
}

// PractitionerBusinesses lists the businesses one practitioner works at.
func (c *Client) PractitionerBusinesses(ctx context.Context, practitionerID string) ([]Business, error) {
	path := fmt.Sprintf("/practitioners/%s/businesses", url.PathEscape(practitionerID))
	return getAllPages[Business](ctx, c, path, "businesses", nil)
}

// AvailableTimes fetches offered slots for a (business, practitioner, type)
// triple. The span is date-only and must not exceed 7 days; the PMS rejects
// longer windows, so the client refuses them before spending a request.
func (c *Client) AvailableTimes(ctx context.Context, businessID, practitionerID, appointmentTypeID string, from, to timeutil.Date) ([]AvailableTime, error) {
	if to.Before(from) {
		return nil, &Error{Kind: KindInvalidTimeFrame, Message: fmt.Sprintf("to %s before from %s", to, from)}
	}
	if from.DaysUntil(to) >= maxAvailabilitySpanDays {
		return nil, &Error{Kind: KindInvalidTimeFrame, Message: fmt.Sprintf("span %s..%s exceeds %d days", from, to, maxAvailabilitySpanDays)}
	}
	path := fmt.Sprintf("/businesses/%s/practitioners/%s/appointment_types/%s/available_times",
		url.PathEscape(businessID), url.PathEscape(practitionerID), url.PathEscape(appointmentTypeID))
	params := url.Values{"from": {from.String()}, "to": {to.String()}}
	return getAllPages[AvailableTime](ctx, c, path, "available_times", params)
}

// FindPatient searches by phone and returns only an exact number match. The
// PMS search is a prefix match, so the caller-provided number must be
// compared against every returned phone entry.
func (c *Client) FindPatient(ctx context.Context, phone string) (*Patient, error) {
	params := url.Values{"search": {phone}}
	patients, err := getAllPages[Patient](ctx, c, "/patients", "patients", params)
	if err != nil {
		return nil, err
	}
	normalized := timeutil.NormalizePhone(phone)
	for i := range patients {
		for _, pn := range patients[i].PhoneNumbers {
			if timeutil.NormalizePhone(pn.Number) == normalized {
				return &patients[i], nil
			}
		}
	}
	return nil, nil
}

// CreatePatient registers a new patient.
func (c *Client) CreatePatient(ctx context.Context, p NewPatient) (*Patient, error) {
	var created Patient
	if err := c.do(ctx, http.MethodPost, "/patients", nil, p, &created, false); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateAppointment books an appointment. Never retried: the PMS create is
// not idempotent.
func (c *Client) CreateAppointment(ctx context.Context, a NewAppointment) (*Appointment, error) {
	var created Appointment
	if err := c.do(ctx, http.MethodPost, "/appointments", nil, a, &created, false); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetAppointment fetches one appointment.
func (c *Client) GetAppointment(ctx context.Context, appointmentID string) (*Appointment, error) {
	var appt Appointment
	path := "/appointments/" + url.PathEscape(appointmentID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &appt, true); err != nil {
		return nil, err
	}
	return &appt, nil
}

// CancelAppointment archives an appointment. A not_found error is returned
// as-is; the booking coordinator treats it as already cancelled.
func (c *Client) CancelAppointment(ctx context.Context, appointmentID string) error {
	path := "/appointments/" + url.PathEscape(appointmentID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil, false)
}

// getAllPages walks links.next until the collection is exhausted.
func getAllPages[T any](ctx context.Context, c *Client, path, key string, params url.Values) ([]T, error) {
	next := c.baseURL + path
	if len(params) > 0 {
		next += "?" + params.Encode()
	}

	var out []T
	for next != "" {
		var page map[string]json.RawMessage
		if err := c.doURL(ctx, http.MethodGet, next, nil, &page, true); err != nil {
			return nil, err
		}

		if raw, ok := page[key]; ok {
			var items []T
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, &Error{Kind: KindUpstream, Message: fmt.Sprintf("decode %s: %v", key, err)}
			}
			out = append(out, items...)
		}

		next = ""
		if raw, ok := page["links"]; ok {
			var l links
			if err := json.Unmarshal(raw, &l); err == nil {
				next = l.Next
			}
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any, idempotent bool) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.doURL(ctx, method, u, body, out, idempotent)
}

// doURL issues one logical request, retrying 429/5xx/network failures with
// capped exponential backoff — but only when the request is idempotent.
func (c *Client) doURL(ctx context.Context, method, rawURL string, body, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pms: encode request: %w", err)
		}
	}

	attempts := 1
	if idempotent {
		attempts = c.maxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt, lastErr); err != nil {
				return err
			}
		}
		err := c.doOnce(ctx, method, rawURL, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, payload []byte, out any) error {
	release, err := c.limiter.acquire(ctx)
	if err != nil {
		return fmt.Errorf("pms: rate limiter: %w", err)
	}
	defer release()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("pms: build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	endpoint := req.URL.Path
	if err != nil {
		c.observe(endpoint, "network_error", start)
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.observe(endpoint, "ok", start)
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindUpstream, Message: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	perr := classify(resp.StatusCode, string(raw))
	if perr.Kind == KindRateLimited {
		perr.Message = retryAfterHint(resp) + perr.Message
	}
	c.observe(endpoint, string(perr.Kind), start)
	c.logger.Warn("pms request failed",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"kind", perr.Kind,
	)
	return perr
}

func (c *Client) observe(endpoint, outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObservePMSRequest(endpoint, outcome, time.Since(start).Seconds())
	}
}

// sleepBackoff waits before a retry: Retry-After when the PMS sent one,
// otherwise exponential with jitter, capped.
func (c *Client) sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := c.backoff << (attempt - 1)
	if hint := retryAfterFrom(lastErr); hint > 0 {
		delay = hint
	}
	delay += time.Duration(rand.Int63n(int64(c.backoff)))
	if delay > c.backoffCap {
		delay = c.backoffCap
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const retryAfterPrefix = "retry-after="

func retryAfterHint(resp *http.Response) string {
	if v := resp.Header.Get("Retry-After"); v != "" {
		return retryAfterPrefix + v + " "
	}
	return ""
}

func retryAfterFrom(err error) time.Duration {
	var pe *Error
	if !IsKind(err, KindRateLimited) {
		return 0
	}
	if !errors.As(err, &pe) {
		return 0
	}
	rest, found := strings.CutPrefix(pe.Message, retryAfterPrefix)
	if !found {
		return 0
	}
	field, _, _ := strings.Cut(rest, " ")
	if secs, err := strconv.Atoi(field); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
