package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Finder, Directory and Registry using Redis GEO
// commands plus a metadata hash per driver.
type RedisGeo struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	now       func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, freshness time.Duration) *RedisGeo {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &RedisGeo{client: client, key: key, freshness: freshness, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = r.now()
	}
	key := MetaKey(d.ID)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, key, ProfileMeta(d))
	pipe.HSetNX(ctx, key, "available", strconv.FormatBool(d.Available))
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateLocation writes the position and reported fields only. HSETNX seeds
// approval and availability for a driver the registry has not seen yet
// without overwriting them for one it has.
func (r *RedisGeo) UpdateLocation(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = r.now()
	}
	key := MetaKey(d.ID)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, key, LocationMeta(d))
	pipe.HSetNX(ctx, key, "approved", "false")
	pipe.HSetNX(ctx, key, "available", "true")
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) SetAvailable(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, MetaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) FindCandidates(ctx context.Context, pickup models.Coord, tier string, radiusKm float64, exclude []string) ([]models.CandidateDriver, error) {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  pickup.Lng,
			Latitude:   pickup.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	skip := toSet(exclude)
	hits := make([]redis.GeoLocation, 0, len(res))
	for _, g := range res {
		if _, excluded := skip[g.Name]; !excluded {
			hits = append(hits, g)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(hits))
	for i, g := range hits {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("driver meta: %w", err)
	}

	now := r.now()
	out := make([]models.CandidateDriver, 0, len(hits))
	for i, g := range hits {
		loc := models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		d := DriverFromMeta(g.Name, loc, metas[i].Val())
		if !Eligible(d, tier, now, r.freshness) {
			continue
		}
		// Redis uses a slightly different earth radius; recompute so the
		// radius filter agrees with the in-memory index.
		dist := HaversineKm(pickup, loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.CandidateDriver{
			DriverID:       d.ID,
			Loc:            loc,
			DistanceKm:     dist,
			Rating:         d.Rating,
			CompletedRides: d.CompletedRides,
		})
	}
	SortByDistance(out)
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// ProfileMeta is the registry's share of the driver hash. Availability is
// owned by the dispatcher and written through SetAvailable.
func ProfileMeta(d models.Driver) map[string]interface{} {
	m := LocationMeta(d)
	m["tier"] = d.Tier
	m["rating"] = strconv.FormatFloat(d.Rating, 'f', -1, 64)
	m["completed_rides"] = strconv.Itoa(d.CompletedRides)
	m["approved"] = strconv.FormatBool(d.Approved)
	return m
}

// LocationMeta is the part of the driver hash a position report may write.
// Zero profile fields are omitted so they keep their stored values.
func LocationMeta(d models.Driver) map[string]interface{} {
	m := map[string]interface{}{
		"online":  strconv.FormatBool(d.Online),
		"updated": d.Updated.UTC().Format(time.RFC3339Nano),
	}
	if d.Tier != "" {
		m["tier"] = d.Tier
	}
	if d.Rating > 0 {
		m["rating"] = strconv.FormatFloat(d.Rating, 'f', -1, 64)
	}
	if d.CompletedRides > 0 {
		m["completed_rides"] = strconv.Itoa(d.CompletedRides)
	}
	return m
}

// DriverFromMeta rebuilds a driver from its hash. Missing or malformed fields
// leave the zero value, which makes the driver ineligible.
func DriverFromMeta(id string, loc models.Coord, m map[string]string) models.Driver {
	d := models.Driver{ID: id, Loc: loc, Tier: m["tier"]}
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		d.Rating = f
	}
	if n, err := strconv.Atoi(m["completed_rides"]); err == nil {
		d.CompletedRides = n
	}
	d.Approved = m["approved"] == "true"
	d.Online = m["online"] == "true"
	d.Available = m["available"] == "true"
	if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = ts
	}
	return d
}
