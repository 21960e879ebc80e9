package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/chompskiecodes/voicebook/internal/apperr"
	"github.com/chompskiecodes/voicebook/internal/cache"
	"github.com/chompskiecodes/voicebook/internal/clinic"
	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

// NextQuery asks for the earliest slot within a horizon (question B). At
// least one of Practitioner or Service must be set; BusinessID optionally
// narrows the search, otherwise every business the candidate practitioners
// work at is scanned.
type NextQuery struct {
	Clinic       *clinic.Clinic
	Practitioner *clinic.Practitioner
	Service      *clinic.Service
	BusinessID   clinic.BusinessID
	MaxDays      int
	SessionID    string
}

// NextResult is the outcome of a find-next scan.
type NextResult struct {
	Found bool
	Slot  *Slot
	// Partial means at least one branch timed out or failed before the
	// horizon was fully scanned; the answer is still the best one seen.
	Partial bool
}

// pair is one (practitioner, business, service) fan-out branch.
type pair struct {
	pract clinic.Practitioner
	biz   clinic.BusinessID
	svc   clinic.Service
}

// FindNext answers question B: scan up to MaxDays forward and return the
// earliest offerable slot across all candidate branches. Branches run
// concurrently under the scan deadline; results aggregate in submission
// order so the answer is deterministic.
func (e *Engine) FindNext(ctx context.Context, q NextQuery) (*NextResult, error) {
	ctx, span := tracer.Start(ctx, "availability.find_next")
	defer span.End()

	if q.Practitioner == nil && q.Service == nil {
		return nil, apperr.New(apperr.CodeMissingInformation, "find-next needs a practitioner or a service")
	}

	maxDays := q.MaxDays
	if maxDays > e.maxDays {
		maxDays = e.maxDays
	}
	if maxDays <= 0 {
		return &NextResult{}, nil
	}
	span.SetAttributes(attribute.Int("voicebook.max_days", maxDays))

	pairs, err := e.resolvePairs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return &NextResult{}, nil
	}

	zone := timeutil.ClinicZone(q.Clinic.Timezone, e.logger)
	from := timeutil.Today(zone)

	scanCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	results := make([]*Slot, len(pairs))
	failures := make([]error, len(pairs))
	g, gctx := errgroup.WithContext(scanCtx)
	for i, p := range pairs {
		g.Go(func() error {
			slot, err := e.scanPair(gctx, q.Clinic, p, from, maxDays, q.SessionID, zone)
			if err != nil {
				failures[i] = err
				return nil // a failed branch must not cancel its siblings
			}
			results[i] = slot
			return nil
		})
	}
	_ = g.Wait()

	res := &NextResult{}
	var firstErr error
	allFailed := true
	for i := range pairs {
		if failures[i] != nil {
			res.Partial = true
			if firstErr == nil {
				firstErr = failures[i]
			}
			if !errors.Is(failures[i], context.DeadlineExceeded) {
				e.logger.Warn("find-next branch failed",
					"practitioner_id", pairs[i].pract.ID,
					"business_id", pairs[i].biz,
					"error", failures[i],
				)
			}
			continue
		}
		allFailed = false
		slot := results[i]
		if slot == nil {
			continue
		}
		if res.Slot == nil || slot.Start.Before(res.Slot.Start) {
			res.Slot = slot
			res.Found = true
		}
	}
	// Timeouts are partial results by contract; only hard failures across
	// every branch surface as an error.
	if allFailed && firstErr != nil && !errors.Is(firstErr, context.DeadlineExceeded) {
		return nil, firstErr
	}
	return res, nil
}

// resolvePairs expands the query into concrete fan-out branches.
func (e *Engine) resolvePairs(ctx context.Context, q NextQuery) ([]pair, error) {
	var practitioners []clinic.Practitioner
	switch {
	case q.Practitioner != nil:
		practitioners = []clinic.Practitioner{*q.Practitioner}
	default:
		var err error
		practitioners, err = e.catalog.PractitionersForService(ctx, q.Clinic.ID, q.Service.ID)
		if err != nil {
			return nil, fmt.Errorf("availability: practitioners for service: %w", err)
		}
	}

	var pairs []pair
	for _, pract := range practitioners {
		svc := clinic.Service{}
		if q.Service != nil {
			svc = *q.Service
		} else {
			services, err := e.catalog.ServicesForPractitioner(ctx, q.Clinic.ID, pract.ID)
			if err != nil {
				return nil, fmt.Errorf("availability: services for practitioner: %w", err)
			}
			if len(services) == 0 {
				continue
			}
			svc = services[0]
		}

		if q.BusinessID != "" {
			pairs = append(pairs, pair{pract: pract, biz: q.BusinessID, svc: svc})
			continue
		}
		businesses, err := e.catalog.PractitionerBusinesses(ctx, q.Clinic.ID, pract.ID)
		if err != nil {
			return nil, fmt.Errorf("availability: practitioner businesses: %w", err)
		}
		for _, b := range businesses {
			pairs = append(pairs, pair{pract: pract, biz: b.ID, svc: svc})
		}
	}
	return pairs, nil
}

// scanPair walks one branch's horizon in date order: schedule-pruned days are
// skipped outright, cached days are served locally, and the rest are fetched
// from the PMS in spans of at most seven days. Returns the earliest
// unsuppressed slot, or nil.
func (e *Engine) scanPair(ctx context.Context, cl *clinic.Clinic, p pair, from timeutil.Date, maxDays int, sessionID string, zone *time.Location) (*Slot, error) {
	rules, err := e.catalog.Schedule(ctx, p.pract.ID, p.biz)
	if err != nil {
		return nil, fmt.Errorf("availability: load schedule: %w", err)
	}

	to := from.AddDays(maxDays - 1)
	workdays := make(map[timeutil.Date]bool, maxDays)
	anyWorkday := false
	for i := 0; i < maxDays; i++ {
		d := from.AddDays(i)
		// With no schedule rows on file every day is a candidate.
		if len(rules) == 0 || clinic.WorksOn(rules, d) {
			workdays[d] = true
			anyWorkday = true
		}
	}
	if !anyWorkday {
		return nil, nil
	}

	cached := e.cache.GetAvailabilityRange(ctx, p.pract.ID, p.biz, from, to)
	suppressed := e.suppressedKeys(ctx, sessionID, p.pract.ID, p.biz, from, to)

	for i := 0; i < maxDays; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := from.AddDays(i)
		if !workdays[d] {
			continue
		}

		var starts []time.Time
		if entry, ok := cached[d]; ok {
			starts = entry.Slots
		} else {
			// Fetch one span covering this day and as much of the
			// remaining horizon as the PMS allows, then reuse the
			// cache writes for the following days of the span.
			spanEnd := d.AddDays(pmsSpanDays - 1)
			if to.Before(spanEnd) {
				spanEnd = to
			}
			if err := e.fetchSpan(ctx, cl, p, d, spanEnd, cached); err != nil {
				return nil, err
			}
			starts = cached[d].Slots
		}

		slots := e.toSlots(starts, p.pract, p.svc, p.biz, zone)
		kept, _ := filterSlots(slots, suppressed)
		if len(kept) > 0 {
			return &kept[0], nil
		}
	}
	return nil, nil
}

// fetchSpan issues one PMS availability call for [from, to], groups the
// returned slots per clinic-local date and records every day of the span in
// the cache — empty days included, so the span is not re-fetched.
func (e *Engine) fetchSpan(ctx context.Context, cl *clinic.Clinic, p pair, from, to timeutil.Date, into map[timeutil.Date]cache.AvailabilityEntry) error {
	client := e.clients.ForClinic(cl)
	times, err := client.AvailableTimes(ctx, string(p.biz), string(p.pract.ID), string(p.svc.ID), from, to)
	if err != nil {
		return mapPMSError(err)
	}
	starts, err := parseStarts(times)
	if err != nil {
		return err
	}

	zone := timeutil.ClinicZone(cl.Timezone, e.logger)
	byDate := make(map[timeutil.Date][]time.Time)
	for _, start := range starts {
		d := timeutil.DateOf(start.In(zone))
		byDate[d] = append(byDate[d], start)
	}

	for d := from; !to.Before(d); d = d.AddDays(1) {
		key := cache.AvailabilityKey{
			ClinicID:       cl.ID,
			PractitionerID: p.pract.ID,
			BusinessID:     p.biz,
			Date:           d,
		}
		daySlots := byDate[d]
		e.cache.SetAvailability(ctx, key, daySlots)
		into[d] = cache.AvailabilityEntry{Key: key, Slots: daySlots}
	}
	return nil
}

// PractitionerDay pairs a practitioner with their open slots on a date.
type PractitionerDay struct {
	Practitioner clinic.Practitioner
	Service      clinic.Service
	Slots        []Slot
}

// AvailablePractitioners answers question C: which practitioners at a
// business have at least one slot on the date. Each practitioner is checked
// concurrently with their default service.
func (e *Engine) AvailablePractitioners(ctx context.Context, cl *clinic.Clinic, businessID clinic.BusinessID, d timeutil.Date, sessionID string) ([]PractitionerDay, bool, error) {
	ctx, span := tracer.Start(ctx, "availability.available_practitioners")
	defer span.End()

	practitioners, err := e.catalog.PractitionersAtBusiness(ctx, cl.ID, businessID)
	if err != nil {
		return nil, false, fmt.Errorf("availability: practitioners at business: %w", err)
	}
	if len(practitioners) == 0 {
		return nil, false, nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	results := make([]*PractitionerDay, len(practitioners))
	failed := make([]bool, len(practitioners))
	g, gctx := errgroup.WithContext(scanCtx)
	for i, pract := range practitioners {
		g.Go(func() error {
			services, err := e.catalog.ServicesForPractitioner(gctx, cl.ID, pract.ID)
			if err != nil || len(services) == 0 {
				failed[i] = err != nil
				return nil
			}
			res, err := e.CheckDay(gctx, DayQuery{
				Clinic:       cl,
				Practitioner: pract,
				Service:      services[0],
				BusinessID:   businessID,
				Date:         d,
				SessionID:    sessionID,
			})
			if err != nil {
				failed[i] = true
				return nil
			}
			if len(res.Slots) > 0 {
				results[i] = &PractitionerDay{Practitioner: pract, Service: services[0], Slots: res.Slots}
			}
			return nil
		})
	}
	_ = g.Wait()

	partial := false
	var out []PractitionerDay
	for i, r := range results {
		if failed[i] {
			partial = true
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, partial, nil
}
