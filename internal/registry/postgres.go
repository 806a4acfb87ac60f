package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore backs both registries with Postgres. InTx wraps fn in one
// database transaction; the conditional UPDATEs inside guarantee that two
// racing assignments cannot both commit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Rides() RideRegistry     { return &pgRides{q: p.db} }
func (p *PostgresStore) Drivers() DriverRegistry { return &pgDrivers{q: p.db} }

func (p *PostgresStore) InTx(ctx context.Context, fn func(RideRegistry, DriverRegistry) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("begin tx", err)
	}
	if err := fn(&pgRides{q: tx}, &pgDrivers{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("commit tx", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const rideCols = `id, rider_id, rider_name, rider_phone,
	origin_lat, origin_lng, dest_lat, dest_lng, origin_address, destination_address,
	estimated_price, custom_price, distance_km, passenger_count, required_vehicle_type,
	status, assigned_driver_id, driver_accepted_at, created_at, updated_at`

type pgRides struct {
	q queryer
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	var acceptedAt sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.RiderName, &r.RiderPhone,
		&r.Origin.Lat, &r.Origin.Lng, &r.Destination.Lat, &r.Destination.Lng,
		&r.OriginAddress, &r.DestinationAddress,
		&r.EstimatedPrice, &r.CustomPrice, &r.DistanceKm, &r.PassengerCount, &r.RequiredVehicleType,
		&r.Status, &driverID, &acceptedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.AssignedDriverID = &driverID.String
	}
	if acceptedAt.Valid {
		r.DriverAcceptedAt = &acceptedAt.Time
	}
	return &r, nil
}

func (p *pgRides) Create(ctx context.Context, r *models.Ride) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := p.q.ExecContext(ctx, `INSERT INTO rides(
		id, rider_id, rider_name, rider_phone,
		origin_lat, origin_lng, dest_lat, dest_lng, origin_address, destination_address,
		estimated_price, custom_price, distance_km, passenger_count, required_vehicle_type,
		status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.RiderID, r.RiderName, r.RiderPhone,
		r.Origin.Lat, r.Origin.Lng, r.Destination.Lat, r.Destination.Lng,
		r.OriginAddress, r.DestinationAddress,
		r.EstimatedPrice, r.CustomPrice, r.DistanceKm, r.PassengerCount, r.RequiredVehicleType,
		r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return apperrors.Internal("insert ride", err)
	}
	return nil
}

func (p *pgRides) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.q.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("ride %s", id))
	}
	if err != nil {
		return nil, apperrors.Internal("select ride", err)
	}
	return r, nil
}

func (p *pgRides) GetPending(ctx context.Context) ([]models.Ride, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+rideCols+` FROM rides
		WHERE status='pending' AND assigned_driver_id IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, apperrors.Internal("select pending rides", err)
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, apperrors.Internal("scan ride", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate rides", err)
	}
	return out, nil
}

func (p *pgRides) UpdateAssignment(ctx context.Context, id, driverID string, newStatus models.RideStatus, acceptedAt time.Time) (*models.Ride, error) {
	if !newStatus.Assigned() || newStatus.Terminal() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("%s is not an assignment landing status", newStatus))
	}
	// The WHERE clause is the contention point: only one of two racing
	// assignments finds the row still assignable.
	r, err := scanRide(p.q.QueryRowContext(ctx, `UPDATE rides
		SET assigned_driver_id=$1, status=$2, driver_accepted_at=$3, updated_at=$3
		WHERE id=$4 AND status IN ('pending','accepted') AND assigned_driver_id IS NULL
		RETURNING `+rideCols, driverID, newStatus, acceptedAt, id))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, apperrors.Conflict("ride not assignable")
	}
	if err != nil {
		return nil, apperrors.Internal("update ride assignment", err)
	}
	return r, nil
}

func (p *pgRides) UpdateStatus(ctx context.Context, id string, newStatus models.RideStatus) (*models.Ride, error) {
	if !models.ValidRideStatus(newStatus) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown ride status %q", newStatus))
	}
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(cur.Status, newStatus) {
		return nil, apperrors.Conflict(fmt.Sprintf("ride cannot move from %s to %s", cur.Status, newStatus))
	}
	if newStatus.Assigned() && cur.AssignedDriverID == nil {
		return nil, apperrors.Conflict("ride has no assigned driver")
	}
	query := `UPDATE rides SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4 RETURNING ` + rideCols
	if newStatus == models.RideCancelled {
		query = `UPDATE rides SET status=$1, updated_at=$2, assigned_driver_id=NULL, driver_accepted_at=NULL
			WHERE id=$3 AND status=$4 RETURNING ` + rideCols
	}
	r, err := scanRide(p.q.QueryRowContext(ctx, query, newStatus, time.Now().UTC(), id, cur.Status))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Conflict("ride status changed concurrently")
	}
	if err != nil {
		return nil, apperrors.Internal("update ride status", err)
	}
	return r, nil
}

const driverCols = `id, name, phone, vehicle_desc, status, availability, current_ride_id,
	lat, lng, last_location_update,
	price_per_km, min_price_per_ride, max_pickup_radius_km, vehicle_type, max_passengers,
	created_at, updated_at`

type pgDrivers struct {
	q queryer
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var rideID sql.NullString
	var lat, lng sql.NullFloat64
	var locUpdate sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.VehicleDesc, &d.Status, &d.Availability, &rideID,
		&lat, &lng, &locUpdate,
		&d.PricePerKm, &d.MinPricePerRide, &d.MaxPickupRadiusKm, &d.VehicleType, &d.MaxPassengers,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rideID.Valid {
		d.CurrentRideID = &rideID.String
	}
	if lat.Valid && lng.Valid {
		d.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	if locUpdate.Valid {
		d.LastLocationUpdate = locUpdate.Time
	}
	return &d, nil
}

func (p *pgDrivers) Create(ctx context.Context, d *models.Driver) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	var lat, lng any
	if d.Location != nil {
		lat, lng = d.Location.Lat, d.Location.Lng
	}
	_, err := p.q.ExecContext(ctx, `INSERT INTO drivers(
		id, name, phone, vehicle_desc, status, availability, lat, lng,
		price_per_km, min_price_per_ride, max_pickup_radius_km, vehicle_type, max_passengers,
		created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		d.ID, d.Name, d.Phone, d.VehicleDesc, d.Status, d.Availability, lat, lng,
		d.PricePerKm, d.MinPricePerRide, d.MaxPickupRadiusKm, d.VehicleType, d.MaxPassengers,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return apperrors.Internal("insert driver", err)
	}
	return nil
}

func (p *pgDrivers) Get(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.q.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("driver %s", id))
	}
	if err != nil {
		return nil, apperrors.Internal("select driver", err)
	}
	return d, nil
}

func (p *pgDrivers) ListByAvailability(ctx context.Context, a models.Availability) ([]models.Driver, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE availability=$1 ORDER BY id`, a)
	if err != nil {
		return nil, apperrors.Internal("select drivers", err)
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, apperrors.Internal("scan driver", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate drivers", err)
	}
	return out, nil
}

func (p *pgDrivers) UpdateAvailability(ctx context.Context, id string, req availability.Request) (*models.Driver, error) {
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := cur.Availability
	if err := availability.Apply(cur, req, time.Now().UTC()); err != nil {
		return nil, err
	}
	var rideID any
	if cur.CurrentRideID != nil {
		rideID = *cur.CurrentRideID
	}
	var lat, lng, locUpdate any
	if cur.Location != nil {
		lat, lng = cur.Location.Lat, cur.Location.Lng
	}
	if !cur.LastLocationUpdate.IsZero() {
		locUpdate = cur.LastLocationUpdate
	}
	// Optimistic check on the previous availability: a concurrent
	// transition loses cleanly instead of clobbering.
	res, err := p.q.ExecContext(ctx, `UPDATE drivers
		SET availability=$1, current_ride_id=$2, lat=$3, lng=$4, last_location_update=$5, updated_at=$6
		WHERE id=$7 AND availability=$8`,
		cur.Availability, rideID, lat, lng, locUpdate, cur.UpdatedAt, id, prev)
	if err != nil {
		return nil, apperrors.Internal("update driver availability", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.Conflict("driver availability changed concurrently")
	}
	return cur, nil
}

func (p *pgDrivers) UpdateLocation(ctx context.Context, id string, loc models.Coord) (*models.Driver, error) {
	now := time.Now().UTC()
	d, err := scanDriver(p.q.QueryRowContext(ctx, `UPDATE drivers
		SET lat=$1, lng=$2, last_location_update=$3, updated_at=$3
		WHERE id=$4 RETURNING `+driverCols, loc.Lat, loc.Lng, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("driver %s", id))
	}
	if err != nil {
		return nil, apperrors.Internal("update driver location", err)
	}
	return d, nil
}
