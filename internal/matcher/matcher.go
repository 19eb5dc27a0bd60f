// Package matcher ranks candidate drivers for a ride.
//
// The score is a weighted heuristic over distance, rating, experience and
// arrival time (weights 40/30/20/10). It orders candidates sensibly; it does
// not try to find a globally optimal assignment across rides.
package matcher

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	distanceWeight   = 40.0
	ratingWeight     = 30.0
	experienceWeight = 20.0
	arrivalWeight    = 10.0

	experienceCap     = 100.0 // rides
	arrivalCapMinutes = 30.0

	DefaultSpeedKmh = 30.0
)

// Scorer computes composite scores. SpeedKmh is the average urban speed used
// for arrival estimates.
type Scorer struct {
	SpeedKmh float64
}

func NewScorer(speedKmh float64) *Scorer {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return &Scorer{SpeedKmh: speedKmh}
}

// ArrivalMinutes estimates minutes to cover distanceKm, rounded up.
func (s *Scorer) ArrivalMinutes(distanceKm float64) int {
	speed := s.SpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	return int(math.Ceil(distanceKm * 60 / speed))
}

// Score returns the composite score of c in [0, 100].
func (s *Scorer) Score(c models.CandidateDriver, radiusKm float64) float64 {
	var dist float64
	if radiusKm > 0 {
		dist = math.Max(0, (radiusKm-c.DistanceKm)/radiusKm) * distanceWeight
	}
	rating := (c.Rating / 5) * ratingWeight
	experience := math.Min(float64(c.CompletedRides)/experienceCap, 1) * experienceWeight
	arrival := math.Max(0, (arrivalCapMinutes-float64(c.EstimatedArrivalMin))/arrivalCapMinutes) * arrivalWeight
	return dist + rating + experience + arrival
}

// Rank fills in arrival estimates and scores, then orders the candidates best
// first. Equal scores keep their input order.
func (s *Scorer) Rank(candidates []models.CandidateDriver, radiusKm float64) []models.CandidateDriver {
	out := make([]models.CandidateDriver, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].EstimatedArrivalMin = s.ArrivalMinutes(out[i].DistanceKm)
		out[i].Score = s.Score(out[i], radiusKm)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Top ranks the candidates and keeps the best k.
func (s *Scorer) Top(candidates []models.CandidateDriver, radiusKm float64, k int) []models.CandidateDriver {
	ranked := s.Rank(candidates, radiusKm)
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
