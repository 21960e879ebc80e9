package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chompskiecodes/voicebook/internal/timeutil"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, time.Hour, time.Hour, nil), mr
}

func TestBookingContextRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	assert.Nil(t, store.GetBookingContext(ctx, "61478621276"))

	bc := &BookingContext{
		PreferredLocation: &LocationRef{BusinessID: "b1", Name: "City Clinic"},
		LastPractitioner:  "Brendan Smith",
	}
	store.SaveBookingContext(ctx, "61478621276", bc)

	got := store.GetBookingContext(ctx, "61478621276")
	require.NotNil(t, got)
	assert.Equal(t, "City Clinic", got.PreferredLocation.Name)
	assert.Equal(t, 1, got.HitCount)

	store.SaveBookingContext(ctx, "61478621276", got)
	assert.Equal(t, 2, store.GetBookingContext(ctx, "61478621276").HitCount)
}

func TestBookingContextExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.SaveBookingContext(ctx, "61478621276", &BookingContext{LastService: "Massage"})
	require.NotNil(t, store.GetBookingContext(ctx, "61478621276"))

	mr.FastForward(2 * time.Hour)
	assert.Nil(t, store.GetBookingContext(ctx, "61478621276"))
}

func TestRejectedSlots(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	d := timeutil.Date{Year: 2025, Month: time.July, Day: 16}
	k1 := SlotKey("77", "b1", d, "10:00")
	k2 := SlotKey("77", "b1", d, "11:00")

	assert.Empty(t, store.RejectedSlots(ctx, "sess-1"))

	store.RejectSlots(ctx, "sess-1", []string{k1, k2})
	rejected := store.RejectedSlots(ctx, "sess-1")
	assert.True(t, rejected[k1])
	assert.True(t, rejected[k2])

	// Scoped per session.
	assert.Empty(t, store.RejectedSlots(ctx, "sess-2"))

	store.ClearRejected(ctx, "sess-1")
	assert.Empty(t, store.RejectedSlots(ctx, "sess-1"))
}

func TestTouchCriteriaClearsOnChange(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.RejectSlots(ctx, "sess-1", []string{"a"})
	crit := SearchCriteria{Practitioner: "Brendan Smith", Date: "2025-07-16"}
	store.TouchCriteria(ctx, "sess-1", "61478621276", crit)

	// Same criteria again: rejected slots survive.
	store.TouchCriteria(ctx, "sess-1", "61478621276", crit)
	assert.True(t, store.RejectedSlots(ctx, "sess-1")["a"])

	// Changed criteria: rejected slots reset.
	store.TouchCriteria(ctx, "sess-1", "61478621276", SearchCriteria{Practitioner: "Alice Wong", Date: "2025-07-16"})
	assert.Empty(t, store.RejectedSlots(ctx, "sess-1"))
}

func TestRedisDownDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(client, time.Hour, time.Hour, nil)
	mr.Close()

	ctx := context.Background()
	assert.Nil(t, store.GetBookingContext(ctx, "61478621276"))
	assert.Empty(t, store.RejectedSlots(ctx, "sess-1"))
	// Writes must not panic.
	store.SaveBookingContext(ctx, "61478621276", &BookingContext{})
	store.RejectSlots(ctx, "sess-1", []string{"a"})
	store.ClearRejected(ctx, "sess-1")
}

func TestOfferedThenRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SaveOffered(ctx, "sess-1", []string{"k1", "k2"})
	assert.Empty(t, store.RejectedSlots(ctx, "sess-1"), "offering must not reject")

	store.RejectOffered(ctx, "sess-1")
	rejected := store.RejectedSlots(ctx, "sess-1")
	assert.True(t, rejected["k1"])
	assert.True(t, rejected["k2"])

	// Idempotent when nothing is offered.
	store.RejectOffered(ctx, "sess-1")
	assert.Len(t, store.RejectedSlots(ctx, "sess-1"), 2)
}
