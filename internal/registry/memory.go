package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps both registries in process memory behind one mutex.
// InTx snapshots both maps and restores them if fn fails, so a partial
// assignment is never observable.
type MemoryStore struct {
	mu      chanMutex
	drivers map[string]models.Driver
	rides   map[string]models.Ride

	// Now is swappable for tests.
	Now func() time.Time
}

// chanMutex is a context-aware mutex: registry calls respect cancellation
// even though the work inside the lock is pure memory.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return apperrors.Internal("registry lock", ctx.Err())
	}
}

func (m chanMutex) unlock() { m <- struct{}{} }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:      newChanMutex(),
		drivers: make(map[string]models.Driver),
		rides:   make(map[string]models.Ride),
		Now:     time.Now,
	}
}

func (s *MemoryStore) Rides() RideRegistry     { return &memRides{s: s, locking: true} }
func (s *MemoryStore) Drivers() DriverRegistry { return &memDrivers{s: s, locking: true} }

func (s *MemoryStore) InTx(ctx context.Context, fn func(RideRegistry, DriverRegistry) error) error {
	if err := s.mu.lock(ctx); err != nil {
		return err
	}
	defer s.mu.unlock()

	driverSnap := make(map[string]models.Driver, len(s.drivers))
	for k, v := range s.drivers {
		driverSnap[k] = v
	}
	rideSnap := make(map[string]models.Ride, len(s.rides))
	for k, v := range s.rides {
		rideSnap[k] = v
	}

	if err := fn(&memRides{s: s}, &memDrivers{s: s}); err != nil {
		s.drivers = driverSnap
		s.rides = rideSnap
		return err
	}
	return nil
}

type memRides struct {
	s       *MemoryStore
	locking bool
}

func (m *memRides) acquire(ctx context.Context) (func(), error) {
	if !m.locking {
		return func() {}, nil
	}
	if err := m.s.mu.lock(ctx); err != nil {
		return nil, err
	}
	return m.s.mu.unlock, nil
}

func (m *memRides) Create(ctx context.Context, r *models.Ride) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, ok := m.s.rides[r.ID]; ok {
		return apperrors.Conflict(fmt.Sprintf("ride %s already exists", r.ID))
	}
	now := m.s.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.s.rides[r.ID] = *r
	return nil
}

func (m *memRides) Get(ctx context.Context, id string) (*models.Ride, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	r, ok := m.s.rides[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("ride %s", id))
	}
	return &r, nil
}

func (m *memRides) GetPending(ctx context.Context) ([]models.Ride, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]models.Ride, 0)
	for _, r := range m.s.rides {
		if r.Status == models.RidePending && r.AssignedDriverID == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRides) UpdateAssignment(ctx context.Context, id, driverID string, newStatus models.RideStatus, acceptedAt time.Time) (*models.Ride, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	r, ok := m.s.rides[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("ride %s", id))
	}
	if !newStatus.Assigned() || newStatus.Terminal() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("%s is not an assignment landing status", newStatus))
	}
	if !r.Assignable() || r.AssignedDriverID != nil {
		return nil, apperrors.Conflict("ride not assignable")
	}
	r.AssignedDriverID = &driverID
	at := acceptedAt
	r.DriverAcceptedAt = &at
	r.Status = newStatus
	r.UpdatedAt = acceptedAt
	m.s.rides[id] = r
	return &r, nil
}

func (m *memRides) UpdateStatus(ctx context.Context, id string, newStatus models.RideStatus) (*models.Ride, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	r, ok := m.s.rides[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("ride %s", id))
	}
	if !models.ValidRideStatus(newStatus) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown ride status %q", newStatus))
	}
	if !models.CanTransition(r.Status, newStatus) {
		return nil, apperrors.Conflict(fmt.Sprintf("ride cannot move from %s to %s", r.Status, newStatus))
	}
	if newStatus.Assigned() && r.AssignedDriverID == nil {
		return nil, apperrors.Conflict("ride has no assigned driver")
	}
	r.Status = newStatus
	if newStatus == models.RideCancelled {
		r.AssignedDriverID = nil
		r.DriverAcceptedAt = nil
	}
	r.UpdatedAt = m.s.Now()
	m.s.rides[id] = r
	return &r, nil
}

type memDrivers struct {
	s       *MemoryStore
	locking bool
}

func (m *memDrivers) acquire(ctx context.Context) (func(), error) {
	if !m.locking {
		return func() {}, nil
	}
	if err := m.s.mu.lock(ctx); err != nil {
		return nil, err
	}
	return m.s.mu.unlock, nil
}

func (m *memDrivers) Create(ctx context.Context, d *models.Driver) error {
	release, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, ok := m.s.drivers[d.ID]; ok {
		return apperrors.Conflict(fmt.Sprintf("driver %s already exists", d.ID))
	}
	now := m.s.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	m.s.drivers[d.ID] = *d
	return nil
}

func (m *memDrivers) Get(ctx context.Context, id string) (*models.Driver, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	d, ok := m.s.drivers[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("driver %s", id))
	}
	return &d, nil
}

func (m *memDrivers) ListByAvailability(ctx context.Context, a models.Availability) ([]models.Driver, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]models.Driver, 0)
	for _, d := range m.s.drivers {
		if d.Availability == a {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDrivers) UpdateAvailability(ctx context.Context, id string, req availability.Request) (*models.Driver, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	d, ok := m.s.drivers[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("driver %s", id))
	}
	if err := availability.Apply(&d, req, m.s.Now()); err != nil {
		return nil, err
	}
	m.s.drivers[id] = d
	return &d, nil
}

func (m *memDrivers) UpdateLocation(ctx context.Context, id string, loc models.Coord) (*models.Driver, error) {
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	d, ok := m.s.drivers[id]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("driver %s", id))
	}
	now := m.s.Now()
	l := loc
	d.Location = &l
	d.LastLocationUpdate = now
	d.UpdatedAt = now
	m.s.drivers[id] = d
	return &d, nil
}
