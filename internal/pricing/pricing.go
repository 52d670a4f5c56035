// Package pricing owns fare computation and demand-driven surge.
package pricing

import (
	"context"
	"math"

	"github.com/example/ride-hailing/internal/geo"
	"github.com/example/ride-hailing/internal/models"
)

// Per-tier rate card (INR).
var (
	baseFare = map[models.Tier]float64{models.TierStandard: 30, models.TierPremium: 60, models.TierXL: 80}
	ratePKm  = map[models.Tier]float64{models.TierStandard: 12, models.TierPremium: 20, models.TierXL: 18}
	ratePMin = map[models.Tier]float64{models.TierStandard: 1.5, models.TierPremium: 2.5, models.TierXL: 2.0}
)

// estimateSpeedKmh is the assumed average speed when estimating trip
// duration before any trip exists. Display-only, never settled against.
const estimateSpeedKmh = 30.0

// SurgeForCount maps a demand-bucket counter to a surge multiplier.
// Policy constants; the step-function shape is the contract.
func SurgeForCount(n int64) float64 {
	switch {
	case n < 5:
		return 1.0
	case n < 10:
		return 1.2
	case n < 20:
		return 1.5
	case n < 40:
		return 1.8
	default:
		return 2.0
	}
}

// Fare computes the final fare from recorded trip distance and duration,
// rounded to two decimals.
func Fare(tier models.Tier, distanceKm, durationMin, surge float64) float64 {
	base, ok := baseFare[tier]
	if !ok {
		base = baseFare[models.TierStandard]
	}
	perKm, ok := ratePKm[tier]
	if !ok {
		perKm = ratePKm[models.TierStandard]
	}
	perMin, ok := ratePMin[tier]
	if !ok {
		perMin = ratePMin[models.TierStandard]
	}
	fare := (base + perKm*distanceKm + perMin*durationMin) * surge
	return math.Round(fare*100) / 100
}

// EstimateFare predicts a fare from straight-line distance and an assumed
// city speed. Used for the quote shown at request time.
func EstimateFare(tier models.Tier, pickup, dest models.Coord, surge float64) float64 {
	dist := geo.HaversineKm(pickup.Lat, pickup.Lng, dest.Lat, dest.Lng)
	duration := dist / estimateSpeedKmh * 60
	return Fare(tier, dist, duration, surge)
}

// Engine ties demand tracking to surge reads. Increment happens on every
// ride request; the multiplier a ride keeps is read when the match commits.
type Engine struct {
	Demand DemandCounter
}

func NewEngine(d DemandCounter) *Engine { return &Engine{Demand: d} }

// RecordDemand bumps the pickup cell's counter and returns the new count.
func (e *Engine) RecordDemand(ctx context.Context, pickup models.Coord) (int64, error) {
	return e.Demand.Increment(ctx, geo.CellKey(pickup.Lat, pickup.Lng))
}

// CurrentSurge reads the pickup cell's counter without touching it.
func (e *Engine) CurrentSurge(ctx context.Context, pickup models.Coord) (float64, error) {
	n, err := e.Demand.Count(ctx, geo.CellKey(pickup.Lat, pickup.Lng))
	if err != nil {
		return 1.0, err
	}
	return SurgeForCount(n), nil
}
