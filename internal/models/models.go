package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DriverStatus is the back-office approval state of a driver account.
// Only approved drivers may go online.
type DriverStatus string

const (
	DriverPending   DriverStatus = "pending"
	DriverApproved  DriverStatus = "approved"
	DriverRejected  DriverStatus = "rejected"
	DriverSuspended DriverStatus = "suspended"
)

// Availability is the driver's online state, independent of approval.
type Availability string

const (
	Offline    Availability = "offline"
	OnlineFree Availability = "online_free"
	OnlineBusy Availability = "online_busy"
)

func ValidAvailability(a Availability) bool {
	switch a {
	case Offline, OnlineFree, OnlineBusy:
		return true
	}
	return false
}

type Driver struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	VehicleDesc  string       `json:"vehicle_desc"`
	Status       DriverStatus `json:"status"`
	Availability Availability `json:"availability"`

	// CurrentRideID is set iff Availability == OnlineBusy.
	CurrentRideID *string `json:"current_ride_id,omitempty"`

	Location           *Coord    `json:"location,omitempty"`
	LastLocationUpdate time.Time `json:"last_location_update"`

	// Matching preferences. Zero values mean "unset"; EffectivePreferences
	// applies the documented defaults.
	PricePerKm        float64 `json:"price_per_km"`
	MinPricePerRide   float64 `json:"min_price_per_ride"`
	MaxPickupRadiusKm float64 `json:"max_pickup_radius_km"`
	VehicleType       int     `json:"vehicle_type"`
	MaxPassengers     int     `json:"max_passengers"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Preference defaults applied when a driver record leaves a field unset.
const (
	DefaultPricePerKm        = 1.5
	DefaultMinPricePerRide   = 5.0
	DefaultMaxPickupRadiusKm = 10.0
	DefaultVehicleType       = 1
	DefaultMaxPassengers     = 4
)

// Preferences is the matching-relevant snapshot of a driver, defaults
// already applied.
type Preferences struct {
	PricePerKm        float64 `json:"price_per_km"`
	MinPricePerRide   float64 `json:"min_price_per_ride"`
	MaxPickupRadiusKm float64 `json:"max_pickup_radius_km"`
	VehicleType       int     `json:"vehicle_type"`
	MaxPassengers     int     `json:"max_passengers"`
}

func (d *Driver) EffectivePreferences() Preferences {
	p := Preferences{
		PricePerKm:        d.PricePerKm,
		MinPricePerRide:   d.MinPricePerRide,
		MaxPickupRadiusKm: d.MaxPickupRadiusKm,
		VehicleType:       d.VehicleType,
		MaxPassengers:     d.MaxPassengers,
	}
	if p.PricePerKm <= 0 {
		p.PricePerKm = DefaultPricePerKm
	}
	if p.MinPricePerRide <= 0 {
		p.MinPricePerRide = DefaultMinPricePerRide
	}
	if p.MaxPickupRadiusKm <= 0 {
		p.MaxPickupRadiusKm = DefaultMaxPickupRadiusKm
	}
	if p.VehicleType <= 0 {
		p.VehicleType = DefaultVehicleType
	}
	if p.MaxPassengers <= 0 {
		p.MaxPassengers = DefaultMaxPassengers
	}
	return p
}

// DriverSummary is the projection shipped in notifications and assignment
// responses. Derived, never stored.
type DriverSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Vehicle  string `json:"vehicle"`
	Location *Coord `json:"location,omitempty"`
}

func (d *Driver) Summary() DriverSummary {
	s := DriverSummary{ID: d.ID, Name: d.Name, Phone: d.Phone, Vehicle: d.VehicleDesc}
	if d.Location != nil {
		loc := *d.Location
		s.Location = &loc
	}
	return s
}

type RideStatus string

const (
	RidePending           RideStatus = "pending"
	RideAccepted          RideStatus = "accepted"
	RideDriverAssigned    RideStatus = "driver_assigned"
	RideApproachingPickup RideStatus = "approaching_pickup"
	RideDriverArrived     RideStatus = "driver_arrived"
	RideInProgress        RideStatus = "in_progress"
	RideCompleted         RideStatus = "completed"
	RideCancelled         RideStatus = "cancelled"
)

var rideStatusRank = map[RideStatus]int{
	RidePending:           0,
	RideAccepted:          1,
	RideDriverAssigned:    2,
	RideApproachingPickup: 3,
	RideDriverArrived:     4,
	RideInProgress:        5,
	RideCompleted:         6,
}

func ValidRideStatus(s RideStatus) bool {
	if s == RideCancelled {
		return true
	}
	_, ok := rideStatusRank[s]
	return ok
}

func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Assigned reports whether a ride in this status carries a driver.
func (s RideStatus) Assigned() bool {
	switch s {
	case RideDriverAssigned, RideApproachingPickup, RideDriverArrived, RideInProgress, RideCompleted:
		return true
	}
	return false
}

// CanTransition reports whether a ride may move between two statuses.
// Statuses only move forward through the lifecycle; cancelled is reachable
// from any non-terminal state and is terminal, as is completed.
func CanTransition(from, to RideStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RideCancelled {
		return true
	}
	fr, ok := rideStatusRank[from]
	if !ok {
		return false
	}
	tr, ok := rideStatusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

type Ride struct {
	ID         string `json:"id"`
	RiderID    string `json:"rider_id"`
	RiderName  string `json:"rider_name"`
	RiderPhone string `json:"rider_phone"`

	Origin             Coord  `json:"origin"`
	Destination        Coord  `json:"destination"`
	OriginAddress      string `json:"origin_address"`
	DestinationAddress string `json:"destination_address"`

	// Free-form currency strings as entered upstream; parsed defensively.
	EstimatedPrice string `json:"estimated_price"`
	CustomPrice    string `json:"custom_price"`

	// DistanceKm is the precomputed trip distance; 0 means "derive from the
	// coordinates".
	DistanceKm float64 `json:"distance_km"`

	PassengerCount      int `json:"passenger_count"`
	RequiredVehicleType int `json:"required_vehicle_type"`

	Status RideStatus `json:"status"`

	// AssignedDriverID and DriverAcceptedAt are set together, once, when the
	// ride leaves pending/accepted for an assigned status.
	AssignedDriverID *string    `json:"assigned_driver_id,omitempty"`
	DriverAcceptedAt *time.Time `json:"driver_accepted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assignable reports whether the ride may still be offered to a driver.
func (r *Ride) Assignable() bool {
	return r.Status == RidePending || r.Status == RideAccepted
}
