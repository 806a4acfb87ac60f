// Package registry defines the persistence contracts the engine reads and
// writes through. The engine owns the rules; the registries own the rows.
package registry

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
)

// RideRegistry is the narrow ride-record interface consumed by the core.
// GetPending returns a full scan of unassigned pending rides; the engine
// never assumes the backend can filter by geography.
type RideRegistry interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	GetPending(ctx context.Context) ([]models.Ride, error)

	// UpdateAssignment moves an assignable ride into an assigned status and
	// stamps the driver. Fails with Conflict when the ride is no longer in
	// pending/accepted or already carries a driver.
	UpdateAssignment(ctx context.Context, id, driverID string, newStatus models.RideStatus, acceptedAt time.Time) (*models.Ride, error)

	// UpdateStatus applies a forward-only lifecycle transition.
	UpdateStatus(ctx context.Context, id string, newStatus models.RideStatus) (*models.Ride, error)
}

// DriverRegistry is the narrow driver-record interface consumed by the core.
// UpdateAvailability enforces the availability state machine.
type DriverRegistry interface {
	Create(ctx context.Context, d *models.Driver) error
	Get(ctx context.Context, id string) (*models.Driver, error)
	ListByAvailability(ctx context.Context, a models.Availability) ([]models.Driver, error)
	UpdateAvailability(ctx context.Context, id string, req availability.Request) (*models.Driver, error)
	UpdateLocation(ctx context.Context, id string, loc models.Coord) (*models.Driver, error)
}

// Store bundles both registries and provides the atomic unit the assignment
// coordinator requires: everything inside fn commits together or not at
// all, and two racing InTx calls touching the same rows serialize so that
// exactly one wins.
type Store interface {
	Rides() RideRegistry
	Drivers() DriverRegistry
	InTx(ctx context.Context, fn func(rides RideRegistry, drivers DriverRegistry) error) error
}
