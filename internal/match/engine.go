// Package match implements the driver-centric matching engine: given an
// online driver, filter and rank the pool of pending rides the driver could
// serve.
package match

import (
	"context"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

type SortBy string

const (
	SortByScore    SortBy = "score"    // descending, default
	SortByDistance SortBy = "distance" // ascending
	SortByPrice    SortBy = "price"    // descending by ride price
)

const DefaultLimit = 20

type Options struct {
	Limit  int
	SortBy SortBy
}

// Candidate is one pending ride the driver is eligible for, annotated with
// everything the driver app renders.
type Candidate struct {
	Ride               models.Ride `json:"ride"`
	DistanceToPickupKm float64     `json:"distance_to_pickup_km"`
	DriverMinPrice     float64     `json:"driver_min_price"`
	RidePrice          float64     `json:"ride_price"`
	Score              float64     `json:"score"`
	PickupEtaSec       float64     `json:"pickup_eta_sec"`
}

// Result carries the ranked candidates plus the counts callers use to tell
// "no matches nearby" from "no pending rides at all". TotalMatches is the
// post-filter, pre-limit count; TotalPending the unfiltered pool size.
type Result struct {
	Candidates   []Candidate        `json:"candidates"`
	Preferences  models.Preferences `json:"preferences"`
	TotalMatches int                `json:"total_matches"`
	TotalPending int                `json:"total_pending"`
}

// Engine is read-only: it never mutates registry state. Results are valid
// as of query time; callers must re-validate before assigning a stale
// candidate.
type Engine struct {
	Drivers registry.DriverRegistry
	Rides   registry.RideRegistry

	// Optional routing client for pickup ETAs; the naive estimator is the
	// fallback.
	ETAClient   eta.Client
	ETACache    *eta.Cache
	AvgSpeedKmh float64

	Now func() time.Time
}

// FindMatches filters and ranks the pending pool for one driver.
func (e *Engine) FindMatches(ctx context.Context, driverID string, opts Options) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.MatchLatency.Observe(time.Since(start).Seconds())
	}()

	d, err := e.Drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DriverApproved {
		return nil, apperrors.Forbidden("driver is not approved")
	}
	if d.Availability != models.OnlineFree {
		return nil, apperrors.Forbidden("driver is not available")
	}
	if d.Location == nil {
		return nil, apperrors.InvalidState("driver location required")
	}

	pending, err := e.Rides.GetPending(ctx)
	if err != nil {
		return nil, err
	}

	prefs := d.EffectivePreferences()
	now := e.now()

	candidates := make([]Candidate, 0, len(pending))
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Internal("matching scan cancelled", err)
		}
		ride := pending[i]
		if ride.AssignedDriverID != nil {
			continue
		}

		pickupKm := geo.DistanceKm(d.Location.Lat, d.Location.Lng, ride.Origin.Lat, ride.Origin.Lng)
		if pickupKm > prefs.MaxPickupRadiusKm {
			continue
		}

		requiredVehicle := ride.RequiredVehicleType
		if requiredVehicle <= 0 {
			requiredVehicle = models.DefaultVehicleType
		}
		if prefs.VehicleType < requiredVehicle {
			continue
		}

		passengers := ride.PassengerCount
		if passengers <= 0 {
			passengers = 1
		}
		if prefs.MaxPassengers < passengers {
			continue
		}

		rideKm := ride.DistanceKm
		if rideKm <= 0 {
			rideKm = geo.DistanceKm(ride.Origin.Lat, ride.Origin.Lng, ride.Destination.Lat, ride.Destination.Lng)
		}
		minPrice := geo.DriverMinPrice(prefs.PricePerKm, prefs.MinPricePerRide, rideKm)

		ridePrice := geo.ParsePrice(ride.CustomPrice)
		if ridePrice == 0 {
			ridePrice = geo.ParsePrice(ride.EstimatedPrice)
		}
		if ridePrice < minPrice {
			continue
		}

		ageMin := now.Sub(ride.CreatedAt).Minutes()
		score := geo.MatchScore(pickupKm, prefs.MaxPickupRadiusKm, ridePrice, minPrice, ageMin)

		candidates = append(candidates, Candidate{
			Ride:               ride,
			DistanceToPickupKm: geo.Round2(pickupKm),
			DriverMinPrice:     geo.Round2(minPrice),
			RidePrice:          ridePrice,
			Score:              score,
			PickupEtaSec:       e.pickupEta(*d.Location, ride.Origin, pickupKm),
		})
	}

	sortCandidates(candidates, opts.SortBy)

	totalMatches := len(candidates)
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	observability.MatchesTotal.Inc()
	return &Result{
		Candidates:   candidates,
		Preferences:  prefs,
		TotalMatches: totalMatches,
		TotalPending: len(pending),
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) pickupEta(from, to models.Coord, distanceKm float64) float64 {
	if e.ETACache != nil {
		if v, ok := e.ETACache.Get(from, to); ok {
			return v
		}
	}
	if e.ETAClient != nil {
		if v, err := e.ETAClient.EstimateSeconds(from, to); err == nil {
			if e.ETACache != nil {
				e.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSecondsForKm(distanceKm, e.AvgSpeedKmh)
}

func sortCandidates(cands []Candidate, by SortBy) {
	switch by {
	case SortByDistance:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].DistanceToPickupKm < cands[j].DistanceToPickupKm
		})
	case SortByPrice:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].RidePrice > cands[j].RidePrice
		})
	default:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].Score > cands[j].Score
		})
	}
}
