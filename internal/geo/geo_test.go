package geo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	p := models.Coord{Lat: 6.5, Lng: 3.3}
	assert.Equal(t, 0.0, HaversineKm(p, p))
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := HaversineKm(models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 0})
	assert.InDelta(t, 111.195, d, 0.01)
}

// offsetKm returns a point roughly km kilometres north of p.
func offsetKm(p models.Coord, km float64) models.Coord {
	return models.Coord{Lat: p.Lat + km/111.195, Lng: p.Lng}
}

func newTestIndex(now time.Time) *Index {
	idx := NewIndex(5 * time.Minute)
	idx.now = func() time.Time { return now }
	return idx
}

func driver(id string, loc models.Coord, updated time.Time) models.Driver {
	return models.Driver{
		ID: id, Loc: loc, Tier: "standard", Rating: 4.5, CompletedRides: 10,
		Approved: true, Online: true, Available: true, Updated: updated,
	}
}

func TestIndexFiltersIneligibleDrivers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pickup := models.Coord{Lat: 6.5, Lng: 3.3}
	idx := newTestIndex(now)

	ok := driver("ok", offsetKm(pickup, 2), now)
	offline := driver("offline", offsetKm(pickup, 1), now)
	offline.Online = false
	busy := driver("busy", offsetKm(pickup, 1), now)
	busy.Available = false
	pending := driver("unapproved", offsetKm(pickup, 1), now)
	pending.Approved = false
	premium := driver("premium", offsetKm(pickup, 1), now)
	premium.Tier = "premium"
	stale := driver("stale", offsetKm(pickup, 1), now.Add(-6*time.Minute))
	far := driver("far", offsetKm(pickup, 16), now)
	excluded := driver("excluded", offsetKm(pickup, 1), now)

	for _, d := range []models.Driver{ok, offline, busy, pending, premium, stale, far, excluded} {
		require.NoError(t, idx.Upsert(ctx, d))
	}

	got, err := idx.FindCandidates(ctx, pickup, "standard", 15, []string{"excluded"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].DriverID)
	assert.InDelta(t, 2.0, got[0].DistanceKm, 0.01)
}

func TestIndexReturnsEmptyWhenNoneQualify(t *testing.T) {
	idx := NewIndex(0)
	got, err := idx.FindCandidates(context.Background(), models.Coord{Lat: 6.5, Lng: 3.3}, "standard", 15, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexSortsByDistance(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	pickup := models.Coord{Lat: 52.52, Lng: 13.405}
	idx := newTestIndex(now)
	for i, km := range []float64{9, 3, 12, 1, 6} {
		require.NoError(t, idx.Upsert(ctx, driver(fmt.Sprintf("d%d", i), offsetKm(pickup, km), now)))
	}
	got, err := idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].DistanceKm, got[i].DistanceKm)
	}
}

func TestIndexCrossesCellBoundaries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	idx := newTestIndex(now)
	// Points on either side of a precision-4 cell edge.
	pickup := models.Coord{Lat: 0.0001, Lng: 0.0001}
	require.NoError(t, idx.Upsert(ctx, driver("south", models.Coord{Lat: -0.05, Lng: 0.0001}, now)))
	require.NoError(t, idx.Upsert(ctx, driver("west", models.Coord{Lat: 0.0001, Lng: -0.05}, now)))
	got, err := idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestIndexWideRadiusScansAll(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	pickup := models.Coord{Lat: 6.5, Lng: 3.3}
	idx := newTestIndex(now)
	require.NoError(t, idx.Upsert(ctx, driver("d", offsetKm(pickup, 40), now)))
	got, err := idx.FindCandidates(ctx, pickup, "standard", 50, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIndexMoveUpdatesBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	pickup := models.Coord{Lat: 6.5, Lng: 3.3}
	idx := newTestIndex(now)
	require.NoError(t, idx.Upsert(ctx, driver("d", offsetKm(pickup, 100), now)))
	require.NoError(t, idx.Upsert(ctx, driver("d", offsetKm(pickup, 1), now)))
	got, err := idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, idx.cells, 1)
}

func TestIndexSetAvailable(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	pickup := models.Coord{Lat: 6.5, Lng: 3.3}
	idx := newTestIndex(now)
	require.NoError(t, idx.Upsert(ctx, driver("d", offsetKm(pickup, 1), now)))
	require.NoError(t, idx.SetAvailable(ctx, "d", false))

	got, err := idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, idx.SetAvailable(ctx, "unknown", false))
}

func TestDriverMetaRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	d := driver("d1", models.Coord{Lat: 1, Lng: 2}, now)
	d.CompletedRides = 120
	raw := ProfileMeta(d)
	assert.NotContains(t, raw, "available")
	m := make(map[string]string, len(raw)+1)
	for k, v := range raw {
		m[k] = v.(string)
	}
	m["available"] = "true"
	assert.Equal(t, d, DriverFromMeta("d1", d.Loc, m))
}

func TestLocationMetaOmitsOwnedFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := LocationMeta(models.Driver{ID: "d1", Online: true, Approved: true, Available: true, Updated: now})
	assert.Equal(t, map[string]interface{}{"online": "true", "updated": "2026-03-01T08:00:00Z"}, m)

	m = LocationMeta(driver("d1", models.Coord{}, now))
	assert.Equal(t, "standard", m["tier"])
	assert.Equal(t, "4.5", m["rating"])
	assert.NotContains(t, m, "approved")
	assert.NotContains(t, m, "available")
}

func TestUpdateLocationKeepsApprovalAndAvailability(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pickup := models.Coord{Lat: 6.5, Lng: 3.3}
	idx := newTestIndex(now)

	require.NoError(t, idx.Upsert(ctx, driver("busy", offsetKm(pickup, 3), now)))
	require.NoError(t, idx.SetAvailable(ctx, "busy", false))

	// a report claiming availability moves the driver but leaves it busy
	report := driver("busy", offsetKm(pickup, 1), now)
	report.Rating = 0
	report.Tier = ""
	require.NoError(t, idx.UpdateLocation(ctx, report))

	got, ok := idx.Get("busy")
	require.True(t, ok)
	assert.False(t, got.Available)
	assert.True(t, got.Approved)
	assert.Equal(t, 4.5, got.Rating)
	assert.Equal(t, "standard", got.Tier)
	assert.InDelta(t, 1.0, HaversineKm(pickup, got.Loc), 0.01)

	cands, err := idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	assert.Empty(t, cands)

	// a driver first seen by report cannot approve itself
	require.NoError(t, idx.UpdateLocation(ctx, driver("stranger", offsetKm(pickup, 1), now)))
	got, ok = idx.Get("stranger")
	require.True(t, ok)
	assert.False(t, got.Approved)
	assert.True(t, got.Available)
	cands, err = idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	assert.Empty(t, cands)

	// approval through the registry keeps the availability the report seeded
	require.NoError(t, idx.Upsert(ctx, driver("stranger", offsetKm(pickup, 1), now)))
	cands, err = idx.FindCandidates(ctx, pickup, "standard", 15, nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "stranger", cands[0].DriverID)
}

func TestUpsertKeepsDispatcherAvailability(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	idx := newTestIndex(now)

	require.NoError(t, idx.Upsert(ctx, driver("d", models.Coord{Lat: 6.5, Lng: 3.3}, now)))
	require.NoError(t, idx.SetAvailable(ctx, "d", false))
	require.NoError(t, idx.Upsert(ctx, driver("d", models.Coord{Lat: 6.5, Lng: 3.3}, now)))

	got, _ := idx.Get("d")
	assert.False(t, got.Available)
}

func TestDriverFromMetaMissingFieldsIsIneligible(t *testing.T) {
	d := DriverFromMeta("d1", models.Coord{}, map[string]string{"rating": "oops"})
	assert.False(t, Eligible(d, "", time.Now(), time.Minute))
	assert.Equal(t, 0.0, d.Rating)
}
