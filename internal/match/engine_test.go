package match

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	store.Now = func() time.Time { return testNow }
	e := &Engine{
		Drivers: store.Drivers(),
		Rides:   store.Rides(),
		Now:     func() time.Time { return testNow },
	}
	return e, store
}

func seedDriver(t *testing.T, store *registry.MemoryStore, mut func(*models.Driver)) *models.Driver {
	t.Helper()
	d := &models.Driver{
		ID:                "d1",
		Name:              "Anna",
		Status:            models.DriverApproved,
		Availability:      models.OnlineFree,
		Location:          &models.Coord{Lat: 50.06, Lng: 19.93},
		PricePerKm:        1.5,
		MinPricePerRide:   5,
		MaxPickupRadiusKm: 10,
		VehicleType:       1,
		MaxPassengers:     4,
	}
	if mut != nil {
		mut(d)
	}
	if err := store.Drivers().Create(context.Background(), d); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	return d
}

func seedRide(t *testing.T, store *registry.MemoryStore, id string, mut func(*models.Ride)) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		RiderID:     "rider-1",
		Origin:      models.Coord{Lat: 50.065, Lng: 19.94},
		Destination: models.Coord{Lat: 50.1, Lng: 20.0},
		CustomPrice: "$20",
		DistanceKm:  5,
		Status:      models.RidePending,
		CreatedAt:   testNow.Add(-5 * time.Minute),
	}
	if mut != nil {
		mut(r)
	}
	if err := store.Rides().Create(context.Background(), r); err != nil {
		t.Fatalf("seed ride %s: %v", id, err)
	}
	return r
}

func TestFindMatchesPreconditions(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*models.Driver)
		kind apperrors.Kind
	}{
		{"not approved", func(d *models.Driver) { d.Status = models.DriverPending }, apperrors.KindForbidden},
		{"suspended", func(d *models.Driver) { d.Status = models.DriverSuspended }, apperrors.KindForbidden},
		{"offline", func(d *models.Driver) { d.Availability = models.Offline }, apperrors.KindForbidden},
		{"busy", func(d *models.Driver) {
			d.Availability = models.OnlineBusy
			id := "r9"
			d.CurrentRideID = &id
		}, apperrors.KindForbidden},
		{"no location", func(d *models.Driver) { d.Location = nil }, apperrors.KindInvalidState},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e, store := newEngine(t)
			seedDriver(t, store, c.mut)
			_, err := e.FindMatches(context.Background(), "d1", Options{})
			if apperrors.KindOf(err) != c.kind {
				t.Fatalf("expected %v, got %v", c.kind, err)
			}
		})
	}
}

func TestFindMatchesUnknownDriver(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.FindMatches(context.Background(), "ghost", Options{})
	if apperrors.KindOf(err) != apperrors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRadiusFilter(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, nil)
	// ~11 km away: excluded regardless of price
	seedRide(t, store, "far", func(r *models.Ride) {
		r.Origin = models.Coord{Lat: 50.07, Lng: 19.78}
		r.CustomPrice = "$8"
		r.DistanceKm = 2
	})
	// ~0.6 km away: margin (20-7.5)/20 caps the profit component
	seedRide(t, store, "near", nil)

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalPending != 2 || res.TotalMatches != 1 || len(res.Candidates) != 1 {
		t.Fatalf("counts wrong: pending=%d matches=%d", res.TotalPending, res.TotalMatches)
	}
	c := res.Candidates[0]
	if c.Ride.ID != "near" {
		t.Fatalf("expected near ride, got %s", c.Ride.ID)
	}
	if c.DriverMinPrice != 7.5 {
		t.Fatalf("expected min price 7.5, got %f", c.DriverMinPrice)
	}
	if c.RidePrice != 20 {
		t.Fatalf("expected ride price 20, got %f", c.RidePrice)
	}
}

func TestVehicleClassFilter(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, func(d *models.Driver) { d.VehicleType = 2 })
	seedRide(t, store, "premium", func(r *models.Ride) { r.RequiredVehicleType = 3 })
	seedRide(t, store, "standard", func(r *models.Ride) { r.RequiredVehicleType = 2 })

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalMatches != 1 || res.Candidates[0].Ride.ID != "standard" {
		t.Fatalf("vehicle filter failed: %+v", res.Candidates)
	}
}

func TestCapacityFilter(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, func(d *models.Driver) { d.MaxPassengers = 2 })
	seedRide(t, store, "group", func(r *models.Ride) { r.PassengerCount = 3 })

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalMatches != 0 {
		t.Fatalf("expected group ride filtered, got %d", res.TotalMatches)
	}
}

func TestPriceFloorFilter(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, nil)
	// rideDistance 5km -> min price max(7.5, 5) = 7.5
	seedRide(t, store, "cheap", func(r *models.Ride) { r.CustomPrice = "$7" })
	seedRide(t, store, "fair", func(r *models.Ride) { r.CustomPrice = "$7.50" })

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalMatches != 1 || res.Candidates[0].Ride.ID != "fair" {
		t.Fatalf("price floor filter failed: %+v", res.Candidates)
	}
}

func TestEstimatedPriceFallback(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, nil)
	seedRide(t, store, "r1", func(r *models.Ride) {
		r.CustomPrice = ""
		r.EstimatedPrice = "12.00 zł"
	})

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalMatches != 1 || res.Candidates[0].RidePrice != 12 {
		t.Fatalf("estimated price fallback failed: %+v", res.Candidates)
	}
}

func TestDefaultsApplied(t *testing.T) {
	e, store := newEngine(t)
	// all preference fields unset
	seedDriver(t, store, func(d *models.Driver) {
		d.PricePerKm = 0
		d.MinPricePerRide = 0
		d.MaxPickupRadiusKm = 0
		d.VehicleType = 0
		d.MaxPassengers = 0
	})
	seedRide(t, store, "r1", nil)

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := res.Preferences
	if p.PricePerKm != 1.5 || p.MinPricePerRide != 5 || p.MaxPickupRadiusKm != 10 || p.VehicleType != 1 || p.MaxPassengers != 4 {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if res.TotalMatches != 1 {
		t.Fatalf("expected a match with defaults, got %d", res.TotalMatches)
	}
}

func TestSortAndLimit(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, nil)
	// three rides at increasing distance with decreasing price
	prices := []string{"$30", "$25", "$20"}
	for i, price := range prices {
		id := fmt.Sprintf("r%d", i)
		lat := 50.061 + float64(i)*0.01
		seedRide(t, store, id, func(r *models.Ride) {
			r.Origin = models.Coord{Lat: lat, Lng: 19.93}
			r.CustomPrice = price
		})
	}

	byDistance, err := e.FindMatches(context.Background(), "d1", Options{SortBy: SortByDistance})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(byDistance.Candidates); i++ {
		if byDistance.Candidates[i].DistanceToPickupKm < byDistance.Candidates[i-1].DistanceToPickupKm {
			t.Fatal("distance sort not ascending")
		}
	}

	byPrice, err := e.FindMatches(context.Background(), "d1", Options{SortBy: SortByPrice})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byPrice.Candidates[0].RidePrice != 30 {
		t.Fatalf("price sort not descending: %+v", byPrice.Candidates[0])
	}

	limited, err := e.FindMatches(context.Background(), "d1", Options{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited.Candidates) != 2 || limited.TotalMatches != 3 || limited.TotalPending != 3 {
		t.Fatalf("limit/counts wrong: %d candidates, matches=%d pending=%d",
			len(limited.Candidates), limited.TotalMatches, limited.TotalPending)
	}
}

func TestScoreSortDefault(t *testing.T) {
	e, store := newEngine(t)
	seedDriver(t, store, nil)
	seedRide(t, store, "close-cheapish", func(r *models.Ride) { r.CustomPrice = "$8" })
	seedRide(t, store, "far-rich", func(r *models.Ride) {
		r.Origin = models.Coord{Lat: 50.12, Lng: 19.93}
		r.CustomPrice = "$9" // thin margin despite distance
	})

	res, err := e.FindMatches(context.Background(), "d1", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(res.Candidates))
	}
	for i := 1; i < len(res.Candidates); i++ {
		if res.Candidates[i].Score > res.Candidates[i-1].Score {
			t.Fatal("score sort not descending")
		}
	}
}
