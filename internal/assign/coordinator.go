// Package assign executes driver-ride assignments. Every entry point
// mutates ride and driver records as one atomic unit and notifies
// subscribers only after the write has committed.
package assign

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

type Coordinator struct {
	Store    registry.Store
	Notifier dispatch.Notifier

	Now func() time.Time
}

// Result is the outcome of a successful assignment.
type Result struct {
	Ride               models.Ride          `json:"ride"`
	Driver             models.DriverSummary `json:"driver"`
	DistanceToPickupKm float64              `json:"distance_to_pickup_km,omitempty"`
}

// Assign attaches a specific driver to an assignable ride. nextStatus
// overrides the default driver_assigned landing status; it must be an
// assigned status. Approval is re-checked here on top of online_free:
// availability can be forced out-of-band, so the cheap check stays.
func (c *Coordinator) Assign(ctx context.Context, rideID, driverID string, nextStatus models.RideStatus) (*Result, error) {
	if nextStatus == "" {
		nextStatus = models.RideDriverAssigned
	}
	if !nextStatus.Assigned() || nextStatus.Terminal() {
		return nil, apperrors.InvalidInput("next status must be a non-terminal assigned status")
	}

	res, err := c.assignTx(ctx, rideID, driverID, nextStatus, 0)
	if err != nil {
		countConflict(err)
		return nil, err
	}
	observability.AssignmentsTotal.WithLabelValues("manual").Inc()
	c.notifyAssigned(res)
	return res, nil
}

// AutoAssign picks the nearest online_free driver with a known location and
// assigns it to the ride. Deliberately simpler than the matching engine:
// no radius, vehicle, capacity or price filtering, since dispatch mode
// bypasses driver preferences.
func (c *Coordinator) AutoAssign(ctx context.Context, rideID string) (*Result, error) {
	ride, err := c.Store.Rides().Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !ride.Assignable() {
		return nil, apperrors.Conflict("ride not assignable")
	}

	free, err := c.Store.Drivers().ListByAvailability(ctx, models.OnlineFree)
	if err != nil {
		return nil, err
	}

	bestID := ""
	bestKm := 0.0
	for i := range free {
		d := &free[i]
		if d.Location == nil {
			continue
		}
		km := geo.DistanceKm(d.Location.Lat, d.Location.Lng, ride.Origin.Lat, ride.Origin.Lng)
		if bestID == "" || km < bestKm {
			bestID = d.ID
			bestKm = km
		}
	}
	if bestID == "" {
		return nil, apperrors.NotFound("no drivers with valid location")
	}

	res, err := c.assignTx(ctx, rideID, bestID, models.RideDriverAssigned, geo.Round2(bestKm))
	if err != nil {
		countConflict(err)
		return nil, err
	}
	observability.AssignmentsTotal.WithLabelValues("auto").Inc()
	c.notifyAssigned(res)
	return res, nil
}

// assignTx is the shared atomic core: both records change or neither does.
func (c *Coordinator) assignTx(ctx context.Context, rideID, driverID string, nextStatus models.RideStatus, distanceKm float64) (*Result, error) {
	var res Result
	err := c.Store.InTx(ctx, func(rides registry.RideRegistry, drivers registry.DriverRegistry) error {
		ride, err := rides.Get(ctx, rideID)
		if err != nil {
			return err
		}
		if !ride.Assignable() {
			return apperrors.Conflict("ride not assignable")
		}
		d, err := drivers.Get(ctx, driverID)
		if err != nil {
			return err
		}
		if d.Status != models.DriverApproved {
			return apperrors.Forbidden("driver is not approved")
		}
		if d.Availability != models.OnlineFree {
			return apperrors.Forbidden("driver is not available")
		}

		updated, err := rides.UpdateAssignment(ctx, rideID, driverID, nextStatus, c.now())
		if err != nil {
			return err
		}
		busy, err := drivers.UpdateAvailability(ctx, driverID, availability.Request{
			To:     models.OnlineBusy,
			RideID: &rideID,
		})
		if err != nil {
			return err
		}
		res = Result{Ride: *updated, Driver: busy.Summary(), DistanceToPickupKm: distanceKm}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// StartRide moves a driver onto a ride: the driver goes online_busy and the
// ride moves to in_progress. An unassigned ride is claimed on the way.
func (c *Coordinator) StartRide(ctx context.Context, driverID, rideID string) (*Result, error) {
	var res Result
	err := c.Store.InTx(ctx, func(rides registry.RideRegistry, drivers registry.DriverRegistry) error {
		ride, err := rides.Get(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.AssignedDriverID != nil && *ride.AssignedDriverID != driverID {
			return apperrors.Conflict("ride is assigned to another driver")
		}

		var updated *models.Ride
		if ride.AssignedDriverID == nil {
			updated, err = rides.UpdateAssignment(ctx, rideID, driverID, models.RideInProgress, c.now())
		} else {
			updated, err = rides.UpdateStatus(ctx, rideID, models.RideInProgress)
		}
		if err != nil {
			return err
		}

		d, err := drivers.Get(ctx, driverID)
		if err != nil {
			return err
		}
		if d.Availability != models.OnlineBusy || d.CurrentRideID == nil || *d.CurrentRideID != rideID {
			d, err = drivers.UpdateAvailability(ctx, driverID, availability.Request{
				To:     models.OnlineBusy,
				RideID: &rideID,
			})
			if err != nil {
				return err
			}
		}
		res = Result{Ride: *updated, Driver: d.Summary()}
		return nil
	})
	if err != nil {
		countConflict(err)
		return nil, err
	}
	c.notifyStatus(rideID, models.RideInProgress)
	return &res, nil
}

// CompleteRide finishes the driver's current ride: ride to completed,
// driver back to online_free with the current ride cleared. The supplied
// ride id must match the driver's active ride.
func (c *Coordinator) CompleteRide(ctx context.Context, driverID, rideID string) (*Result, error) {
	var res Result
	err := c.Store.InTx(ctx, func(rides registry.RideRegistry, drivers registry.DriverRegistry) error {
		ride, err := rides.Get(ctx, rideID)
		if err != nil {
			return err
		}
		if ride.AssignedDriverID == nil || *ride.AssignedDriverID != driverID {
			return apperrors.Conflict("ride is not assigned to this driver")
		}
		updated, err := rides.UpdateStatus(ctx, rideID, models.RideCompleted)
		if err != nil {
			return err
		}
		d, err := drivers.UpdateAvailability(ctx, driverID, availability.Request{
			To:     models.OnlineFree,
			RideID: &rideID,
		})
		if err != nil {
			return err
		}
		res = Result{Ride: *updated, Driver: d.Summary()}
		return nil
	})
	if err != nil {
		countConflict(err)
		return nil, err
	}
	c.notifyStatus(rideID, models.RideCompleted)
	return &res, nil
}

// UpdateRideStatus applies a lifecycle transition. Cancelling a ride that
// has a driver on it also frees that driver.
func (c *Coordinator) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (*models.Ride, error) {
	var updated *models.Ride
	err := c.Store.InTx(ctx, func(rides registry.RideRegistry, drivers registry.DriverRegistry) error {
		ride, err := rides.Get(ctx, rideID)
		if err != nil {
			return err
		}
		assignedDriver := ride.AssignedDriverID

		updated, err = rides.UpdateStatus(ctx, rideID, status)
		if err != nil {
			return err
		}
		if status == models.RideCancelled && assignedDriver != nil {
			d, err := drivers.Get(ctx, *assignedDriver)
			if err != nil {
				return err
			}
			if d.Availability == models.OnlineBusy && d.CurrentRideID != nil && *d.CurrentRideID == rideID {
				if _, err := drivers.UpdateAvailability(ctx, *assignedDriver, availability.Request{
					To:     models.OnlineFree,
					RideID: &rideID,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		countConflict(err)
		return nil, err
	}
	c.notifyStatus(rideID, status)
	return updated, nil
}

// PublishLocation emits a location event for a driver currently on a ride.
// Not a state change; riders track their driver through this.
func (c *Coordinator) PublishLocation(d *models.Driver, loc models.Coord) {
	if c.Notifier == nil || d.CurrentRideID == nil {
		return
	}
	l := loc
	_ = c.Notifier.Publish(dispatch.Event{
		Type:     dispatch.EventDriverLocationUpdate,
		RideID:   *d.CurrentRideID,
		DriverID: d.ID,
		Location: &l,
		At:       c.now(),
	})
}

func (c *Coordinator) notifyAssigned(res *Result) {
	if c.Notifier == nil {
		return
	}
	driver := res.Driver
	_ = c.Notifier.Publish(dispatch.Event{
		Type:     dispatch.EventDriverAssigned,
		RideID:   res.Ride.ID,
		DriverID: driver.ID,
		Driver:   &driver,
		At:       c.now(),
	})
}

func (c *Coordinator) notifyStatus(rideID string, status models.RideStatus) {
	if c.Notifier == nil {
		return
	}
	_ = c.Notifier.Publish(dispatch.Event{
		Type:   dispatch.EventRideStatusUpdate,
		RideID: rideID,
		Status: status,
		At:     c.now(),
	})
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func countConflict(err error) {
	var e *apperrors.Error
	if errors.As(err, &e) && e.Kind == apperrors.KindConflict {
		observability.AssignmentConflicts.Inc()
	}
}
