package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerHoldLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	l.SetBalance("u1", 5000)

	require.NoError(t, l.CheckBalance(ctx, "u1", 3000, "NGN"))
	id, err := l.CreateHold(ctx, "u1", 3000, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)

	// the hold reduces what is available
	assert.ErrorIs(t, l.CheckBalance(ctx, "u1", 3000, "NGN"), ErrInsufficientFunds)
	_, err = l.CreateHold(ctx, "u1", 2500, "NGN", HoldRef{RideID: "ride-2"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, l.ConvertHoldToPayment(ctx, id, 300, "cancellation_fee"))
	assert.Equal(t, int64(4700), l.Balance("u1"))
	h, ok := l.Hold(id)
	require.True(t, ok)
	assert.Equal(t, HoldConverted, h.State)
	assert.Equal(t, int64(300), h.Charged)

	assert.ErrorIs(t, l.ReleaseHold(ctx, id, "again"), ErrHoldClosed)
	assert.ErrorIs(t, l.ReleaseHold(ctx, "nope", "x"), ErrHoldNotFound)
}

func TestMemoryLedgerRelease(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1000)
	id, err := l.CreateHold(ctx, "u1", 1000, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)
	require.NoError(t, l.ReleaseHold(ctx, id, "no_drivers_available"))
	assert.Equal(t, int64(1000), l.Balance("u1"))
	require.NoError(t, l.CheckBalance(ctx, "u1", 1000, "NGN"))
}

func TestMemoryLedgerRejectsOvercharge(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1000)
	id, err := l.CreateHold(ctx, "u1", 500, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)
	assert.Error(t, l.ConvertHoldToPayment(ctx, id, 600, "complete"))
}

type stripeCall struct {
	Method         string
	Path           string
	Form           url.Values
	IdempotencyKey string
}

func fakeStripe(t *testing.T, handler func(w http.ResponseWriter, call stripeCall)) (*httptest.Server, *[]stripeCall) {
	var mu sync.Mutex
	var calls []stripeCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		call := stripeCall{Method: r.Method, Path: r.URL.Path, Form: r.PostForm, IdempotencyKey: r.Header.Get("Idempotency-Key")}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, call)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeIntent(w http.ResponseWriter, status string) {
	_ = json.NewEncoder(w).Encode(map[string]any{"id": "pi_123", "object": "payment_intent", "status": status})
}

func TestStripeLedgerCreateHoldUsesManualCapture(t *testing.T) {
	srv, calls := fakeStripe(t, func(w http.ResponseWriter, _ stripeCall) { writeIntent(w, "requires_capture") })
	l := NewStripeLedger("sk_test_123", srv.URL)

	id, err := l.CreateHold(context.Background(), "cus_42", 2500, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", id)

	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, "/v1/payment_intents", c.Path)
	assert.Equal(t, "2500", c.Form.Get("amount"))
	assert.Equal(t, "ngn", c.Form.Get("currency"))
	assert.Equal(t, "manual", c.Form.Get("capture_method"))
	assert.Equal(t, "cus_42", c.Form.Get("customer"))
	assert.Equal(t, "ride-1", c.Form.Get("metadata[ride_id]"))
	assert.Equal(t, "0", c.Form.Get("metadata[search_round]"))
	assert.Equal(t, "hold-ride-1-0", c.IdempotencyKey)
}

func TestStripeLedgerHoldKeyChangesPerSearchRound(t *testing.T) {
	srv, calls := fakeStripe(t, func(w http.ResponseWriter, _ stripeCall) { writeIntent(w, "requires_capture") })
	l := NewStripeLedger("sk_test_123", srv.URL)
	ctx := context.Background()

	_, err := l.CreateHold(ctx, "cus_42", 2500, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)
	_, err = l.CreateHold(ctx, "cus_42", 2500, "NGN", HoldRef{RideID: "ride-1", Round: 1})
	require.NoError(t, err)

	require.Len(t, *calls, 2)
	first, second := (*calls)[0], (*calls)[1]
	assert.NotEmpty(t, first.IdempotencyKey)
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, "1", second.Form.Get("metadata[search_round]"))
	assert.Equal(t, "ride-1", second.Form.Get("metadata[ride_id]"))
}

func TestMemoryLedgerHoldPerSearchRound(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(10_000)

	first, err := l.CreateHold(ctx, "u1", 2500, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)
	again, err := l.CreateHold(ctx, "u1", 2500, "NGN", HoldRef{RideID: "ride-1"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	require.NoError(t, l.ReleaseHold(ctx, first, "no_drivers_available"))
	next, err := l.CreateHold(ctx, "u1", 2500, "NGN", HoldRef{RideID: "ride-1", Round: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
	h, ok := l.Hold(next)
	require.True(t, ok)
	assert.Equal(t, HoldActive, h.State)
}

func TestStripeLedgerConvertCapturesAmount(t *testing.T) {
	srv, calls := fakeStripe(t, func(w http.ResponseWriter, _ stripeCall) { writeIntent(w, "succeeded") })
	l := NewStripeLedger("sk_test_123", srv.URL)

	require.NoError(t, l.ConvertHoldToPayment(context.Background(), "pi_123", 250, "cancellation_fee"))
	require.Len(t, *calls, 1)
	assert.Equal(t, "/v1/payment_intents/pi_123/capture", (*calls)[0].Path)
	assert.Equal(t, "250", (*calls)[0].Form.Get("amount_to_capture"))
}

func TestStripeLedgerZeroConvertReleases(t *testing.T) {
	srv, calls := fakeStripe(t, func(w http.ResponseWriter, _ stripeCall) { writeIntent(w, "canceled") })
	l := NewStripeLedger("sk_test_123", srv.URL)

	require.NoError(t, l.ConvertHoldToPayment(context.Background(), "pi_123", 0, "free_cancellation"))
	require.Len(t, *calls, 1)
	assert.Equal(t, "/v1/payment_intents/pi_123/cancel", (*calls)[0].Path)
	assert.Equal(t, "requested_by_customer", (*calls)[0].Form.Get("cancellation_reason"))
}

func TestStripeLedgerReleaseNoDrivers(t *testing.T) {
	srv, calls := fakeStripe(t, func(w http.ResponseWriter, _ stripeCall) { writeIntent(w, "canceled") })
	l := NewStripeLedger("sk_test_123", srv.URL)

	require.NoError(t, l.ReleaseHold(context.Background(), "pi_123", "no_drivers_available"))
	assert.Equal(t, "abandoned", (*calls)[0].Form.Get("cancellation_reason"))
}

func TestStripeLedgerCheckBalance(t *testing.T) {
	srv, calls := fakeStripe(t, func(w http.ResponseWriter, c stripeCall) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cus_bad", "object": "customer", "delinquent": true})
	})
	l := NewStripeLedger("sk_test_123", srv.URL)

	assert.ErrorIs(t, l.CheckBalance(context.Background(), "cus_bad", 100, "NGN"), ErrInsufficientFunds)
	// non stripe ids are not looked up
	require.NoError(t, l.CheckBalance(context.Background(), "rider-1", 100, "NGN"))
	assert.Len(t, *calls, 1)
}
