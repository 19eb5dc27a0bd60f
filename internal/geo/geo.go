package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EarthRadiusKm    = 6371.0
	DefaultRadiusKm  = 15.0
	DefaultFreshness = 5 * time.Minute
)

// Finder selects dispatchable drivers around a pickup point.
type Finder interface {
	FindCandidates(ctx context.Context, pickup models.Coord, tier string, radiusKm float64, exclude []string) ([]models.CandidateDriver, error)
}

// Directory receives driver state from the location pipeline and the
// dispatcher. A location update never touches approval or availability:
// approval belongs to onboarding and availability to the dispatcher.
type Directory interface {
	UpdateLocation(ctx context.Context, d models.Driver) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// Registry writes driver profiles, approval included. Availability of a
// known driver is left as the dispatcher set it.
type Registry interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-process Finder. Drivers are bucketed by geohash cell so a
// query only walks the pickup cell and its neighbours.
type Index struct {
	mu        sync.RWMutex
	drivers   map[string]models.Driver
	cells     map[string]map[string]struct{}
	freshness time.Duration
	now       func() time.Time
}

// cellPrecision 4 gives cells of roughly 39 x 19.5 km at the equator.
const cellPrecision = 4

func NewIndex(freshness time.Duration) *Index {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Index{
		drivers:   make(map[string]models.Driver),
		cells:     make(map[string]map[string]struct{}),
		freshness: freshness,
		now:       time.Now,
	}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	if prev, ok := g.drivers[d.ID]; ok {
		d.Available = prev.Available
	}
	g.place(d)
	return nil
}

// UpdateLocation merges a position report into the driver's record. Zero
// profile fields in the report keep the stored values. A driver first seen
// through a report is indexed unapproved until its profile arrives.
func (g *Index) UpdateLocation(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	next, ok := g.drivers[d.ID]
	if !ok {
		next = models.Driver{ID: d.ID, Available: true}
	}
	mergeLocation(&next, d)
	g.place(next)
	return nil
}

func mergeLocation(dst *models.Driver, report models.Driver) {
	dst.Loc = report.Loc
	dst.Online = report.Online
	dst.Updated = report.Updated
	if report.Tier != "" {
		dst.Tier = report.Tier
	}
	if report.Rating > 0 {
		dst.Rating = report.Rating
	}
	if report.CompletedRides > 0 {
		dst.CompletedRides = report.CompletedRides
	}
}

// place stores d and moves it to the cell of its current position. Callers
// hold the write lock.
func (g *Index) place(d models.Driver) {
	if prev, ok := g.drivers[d.ID]; ok {
		g.removeFromCell(prev)
	}
	g.drivers[d.ID] = d
	cell := geohash.EncodeWithPrecision(d.Loc.Lat, d.Loc.Lng, cellPrecision)
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][d.ID] = struct{}{}
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	d.Available = available
	g.drivers[driverID] = d
	return nil
}

// Get returns the last known state of a driver.
func (g *Index) Get(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

func (g *Index) removeFromCell(d models.Driver) {
	cell := geohash.EncodeWithPrecision(d.Loc.Lat, d.Loc.Lng, cellPrecision)
	if ids, ok := g.cells[cell]; ok {
		delete(ids, d.ID)
		if len(ids) == 0 {
			delete(g.cells, cell)
		}
	}
}

func (g *Index) FindCandidates(_ context.Context, pickup models.Coord, tier string, radiusKm float64, exclude []string) ([]models.CandidateDriver, error) {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	skip := toSet(exclude)
	now := g.now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.CandidateDriver
	consider := func(d models.Driver) {
		if _, excluded := skip[d.ID]; excluded {
			return
		}
		if !Eligible(d, tier, now, g.freshness) {
			return
		}
		dist := HaversineKm(pickup, d.Loc)
		if dist > radiusKm {
			return
		}
		out = append(out, models.CandidateDriver{
			DriverID:       d.ID,
			Loc:            d.Loc,
			DistanceKm:     dist,
			Rating:         d.Rating,
			CompletedRides: d.CompletedRides,
		})
	}

	if radiusKm <= cellSpanKm(pickup.Lat) {
		center := geohash.EncodeWithPrecision(pickup.Lat, pickup.Lng, cellPrecision)
		for cell := range toSet(append(geohash.Neighbors(center), center)) {
			for id := range g.cells[cell] {
				consider(g.drivers[id])
			}
		}
	} else {
		for _, d := range g.drivers {
			consider(d)
		}
	}
	SortByDistance(out)
	return out, nil
}

// cellSpanKm is the smaller side of a precision-4 cell at the given latitude.
// Any radius up to this span is fully covered by a cell and its 8 neighbours.
func cellSpanKm(lat float64) float64 {
	const latSpanDeg = 180.0 / 1024
	const lngSpanDeg = 360.0 / 1024
	kmPerDeg := EarthRadiusKm * math.Pi / 180
	height := latSpanDeg * kmPerDeg
	width := lngSpanDeg * kmPerDeg * math.Cos(lat*math.Pi/180)
	return math.Min(height, width)
}

// Eligible applies the dispatch filters that do not depend on distance.
func Eligible(d models.Driver, tier string, now time.Time, freshness time.Duration) bool {
	if !d.Approved || !d.Online || !d.Available {
		return false
	}
	if tier != "" && d.Tier != tier {
		return false
	}
	return now.Sub(d.Updated) <= freshness
}

// SortByDistance orders candidates nearest first, driver id breaking ties so
// results are reproducible.
func SortByDistance(c []models.CandidateDriver) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceKm != c[j].DistanceKm {
			return c[i].DistanceKm < c[j].DistanceKm
		}
		return c[i].DriverID < c[j].DriverID
	})
}

// HaversineKm is the great-circle distance between two points in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
