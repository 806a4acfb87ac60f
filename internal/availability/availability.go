// Package availability governs driver availability transitions. The rules
// live here, decoupled from storage, so every registry backend enforces the
// same machine.
package availability

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// Request describes one availability transition. RideID is the ride the
// transition is about: required when going online_busy (becomes the
// driver's current ride) and when leaving online_busy (checked against it).
// Carrying a RideID on any other transition is an inconsistency.
type Request struct {
	To       models.Availability
	RideID   *string
	Location *models.Coord
}

// Apply validates the transition and mutates the driver record in place.
// The caller owns persistence; on error the record is untouched.
func Apply(d *models.Driver, req Request, now time.Time) error {
	if !models.ValidAvailability(req.To) {
		return apperrors.InvalidInput(fmt.Sprintf("unknown availability %q", req.To))
	}
	if req.To != models.Offline && d.Status != models.DriverApproved {
		return apperrors.Forbidden("driver is not approved")
	}

	from := d.Availability
	switch {
	case from == models.Offline && req.To == models.OnlineFree,
		from == models.OnlineFree && req.To == models.Offline,
		from == req.To && req.To != models.OnlineBusy:
		if req.RideID != nil {
			return apperrors.InconsistentState("ride id supplied for a transition that does not carry one")
		}
		d.CurrentRideID = nil

	case from == models.OnlineFree && req.To == models.OnlineBusy:
		if req.RideID == nil {
			return apperrors.Conflict("transition to online_busy requires a ride id")
		}
		id := *req.RideID
		d.CurrentRideID = &id

	case from == models.OnlineBusy && req.To == models.OnlineFree:
		if req.RideID == nil {
			return apperrors.Conflict("leaving online_busy requires the active ride id")
		}
		if d.CurrentRideID == nil || *d.CurrentRideID != *req.RideID {
			return apperrors.Conflict("ride id does not match the driver's current ride")
		}
		d.CurrentRideID = nil

	default:
		return apperrors.Conflict(fmt.Sprintf("illegal availability transition %s -> %s", from, req.To))
	}

	d.Availability = req.To
	if req.Location != nil {
		loc := *req.Location
		d.Location = &loc
		d.LastLocationUpdate = now
	}
	d.UpdatedAt = now
	return nil
}
