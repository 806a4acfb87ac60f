// Package httpapi exposes the engine over HTTP. Request bodies are
// validated structs; malformed input never reaches the core.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

type Server struct {
	store   registry.Store
	engine  *match.Engine
	coord   *assign.Coordinator
	hub     *dispatch.WSHub
	locator geo.Locator
	kafka   ingest.Publisher

	matchLimit int
	logger     *slog.Logger
	mux        *mux.Router
}

type Options struct {
	Store      registry.Store
	Engine     *match.Engine
	Coord      *assign.Coordinator
	Hub        *dispatch.WSHub
	Locator    geo.Locator
	Kafka      ingest.Publisher
	MatchLimit int
	Logger     *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.MatchLimit <= 0 {
		opts.MatchLimit = match.DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		store:      opts.Store,
		engine:     opts.Engine,
		coord:      opts.Coord,
		hub:        opts.Hub,
		locator:    opts.Locator,
		kafka:      opts.Kafka,
		matchLimit: opts.MatchLimit,
		logger:     opts.Logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/drivers", s.handleCreateDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleUpdateAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/rides/{ride_id}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/rides/{ride_id}/complete", s.handleCompleteRide).Methods(http.MethodPost)

	api.HandleFunc("/matching/{driver_id}", s.handleMatching).Methods(http.MethodGet)

	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/assign", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/auto-assign", s.handleAutoAssign).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/status", s.handleUpdateRideStatus).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// decode rejects unknown fields so malformed bodies fail loudly at the
// boundary.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.InvalidInput("invalid request body: " + err.Error())
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return apperrors.InvalidInput("invalid request body: trailing data")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	body := map[string]string{"error": "internal error", "kind": "internal"}
	var e *apperrors.Error
	if errors.As(err, &e) && e.Kind != apperrors.KindInternal {
		body["error"] = e.Msg
		body["kind"] = e.Kind.String()
	}
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, body)
}

type coordBody struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (c *coordBody) toCoord() (models.Coord, error) {
	if c.Lat == nil || c.Lng == nil {
		return models.Coord{}, apperrors.InvalidInput("lat and lng are required")
	}
	if *c.Lat < -90 || *c.Lat > 90 || *c.Lng < -180 || *c.Lng > 180 {
		return models.Coord{}, apperrors.InvalidInput("coordinates out of range")
	}
	return models.Coord{Lat: *c.Lat, Lng: *c.Lng}, nil
}

type createDriverBody struct {
	Name              string  `json:"name"`
	Phone             string  `json:"phone"`
	VehicleDesc       string  `json:"vehicle_desc"`
	PricePerKm        float64 `json:"price_per_km"`
	MinPricePerRide   float64 `json:"min_price_per_ride"`
	MaxPickupRadiusKm float64 `json:"max_pickup_radius_km"`
	VehicleType       int     `json:"vehicle_type"`
	MaxPassengers     int     `json:"max_passengers"`
}

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var body createDriverBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, apperrors.InvalidInput("name is required"))
		return
	}
	d := &models.Driver{
		ID:                uuid.NewString(),
		Name:              body.Name,
		Phone:             body.Phone,
		VehicleDesc:       body.VehicleDesc,
		Status:            models.DriverPending,
		Availability:      models.Offline,
		PricePerKm:        body.PricePerKm,
		MinPricePerRide:   body.MinPricePerRide,
		MaxPickupRadiusKm: body.MaxPickupRadiusKm,
		VehicleType:       body.VehicleType,
		MaxPassengers:     body.MaxPassengers,
	}
	if err := s.store.Drivers().Create(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Drivers().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	a := models.Availability(r.URL.Query().Get("availability"))
	if a == "" {
		a = models.OnlineFree
	}
	if !models.ValidAvailability(a) {
		s.writeError(w, apperrors.InvalidInput("unknown availability filter"))
		return
	}
	drivers, err := s.store.Drivers().ListByAvailability(r.Context(), a)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

type updateAvailabilityBody struct {
	Availability string     `json:"availability"`
	RideID       *string    `json:"ride_id,omitempty"`
	Location     *coordBody `json:"location,omitempty"`
}

func (s *Server) handleUpdateAvailability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body updateAvailabilityBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	req := availability.Request{To: models.Availability(body.Availability), RideID: body.RideID}
	if body.Location != nil {
		loc, err := body.Location.toCoord()
		if err != nil {
			s.writeError(w, err)
			return
		}
		req.Location = &loc
	}

	prev, err := s.store.Drivers().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.store.Drivers().UpdateAvailability(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.trackOnline(prev.Availability, d.Availability)
	if s.locator != nil {
		switch {
		case d.Availability == models.Offline:
			_ = s.locator.Remove(r.Context(), d.ID)
		case d.Location != nil:
			_ = s.locator.Upsert(r.Context(), d.ID, d.Location.Lat, d.Location.Lng)
		}
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) trackOnline(from, to models.Availability) {
	if from == models.Offline && to != models.Offline {
		observability.DriversOnline.Inc()
	}
	if from != models.Offline && to == models.Offline {
		observability.DriversOnline.Dec()
	}
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.coord.StartRide(r.Context(), vars["id"], vars["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := s.coord.CompleteRide(r.Context(), vars["id"], vars["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMatching(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	opts := match.Options{Limit: s.matchLimit, SortBy: match.SortByScore}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, apperrors.InvalidInput("limit must be a positive integer"))
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("sortBy"); v != "" {
		switch match.SortBy(v) {
		case match.SortByScore, match.SortByDistance, match.SortByPrice:
			opts.SortBy = match.SortBy(v)
		default:
			s.writeError(w, apperrors.InvalidInput("sortBy must be score, distance or price"))
			return
		}
	}
	res, err := s.engine.FindMatches(r.Context(), driverID, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type createRideBody struct {
	RiderID            string    `json:"rider_id"`
	RiderName          string    `json:"rider_name"`
	RiderPhone         string    `json:"rider_phone"`
	Origin             coordBody `json:"origin"`
	Destination        coordBody `json:"destination"`
	OriginAddress      string    `json:"origin_address"`
	DestinationAddress string    `json:"destination_address"`
	EstimatedPrice     string    `json:"estimated_price"`
	CustomPrice        string    `json:"custom_price"`
	DistanceKm         float64   `json:"distance_km"`
	PassengerCount     int       `json:"passenger_count"`
	RequiredVehicle    int       `json:"required_vehicle_type"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var body createRideBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	origin, err := body.Origin.toCoord()
	if err != nil {
		s.writeError(w, apperrors.InvalidInput("origin: "+err.Error()))
		return
	}
	dest, err := body.Destination.toCoord()
	if err != nil {
		s.writeError(w, apperrors.InvalidInput("destination: "+err.Error()))
		return
	}
	ride := &models.Ride{
		ID:                  uuid.NewString(),
		RiderID:             body.RiderID,
		RiderName:           body.RiderName,
		RiderPhone:          body.RiderPhone,
		Origin:              origin,
		Destination:         dest,
		OriginAddress:       body.OriginAddress,
		DestinationAddress:  body.DestinationAddress,
		EstimatedPrice:      body.EstimatedPrice,
		CustomPrice:         body.CustomPrice,
		DistanceKm:          body.DistanceKm,
		PassengerCount:      body.PassengerCount,
		RequiredVehicleType: body.RequiredVehicle,
		Status:              models.RidePending,
	}
	if ride.PassengerCount <= 0 {
		ride.PassengerCount = 1
	}
	if ride.RequiredVehicleType <= 0 {
		ride.RequiredVehicleType = models.DefaultVehicleType
	}
	if err := s.store.Rides().Create(r.Context(), ride); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ride)
}

type assignBody struct {
	DriverID   string `json:"driver_id"`
	NextStatus string `json:"next_status,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var body assignBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.DriverID == "" {
		s.writeError(w, apperrors.InvalidInput("driver_id is required"))
		return
	}
	res, err := s.coord.Assign(r.Context(), rideID, body.DriverID, models.RideStatus(body.NextStatus))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAutoAssign(w http.ResponseWriter, r *http.Request) {
	res, err := s.coord.AutoAssign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type updateRideStatusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateRideStatus(w http.ResponseWriter, r *http.Request) {
	var body updateRideStatusBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	ride, err := s.coord.UpdateRideStatus(r.Context(), mux.Vars(r)["id"], models.RideStatus(body.Status))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

type driverLocationBody struct {
	DriverID string     `json:"driver_id"`
	Location coordBody  `json:"location"`
	At       *time.Time `json:"at,omitempty"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body driverLocationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.DriverID == "" {
		s.writeError(w, apperrors.InvalidInput("driver_id is required"))
		return
	}
	loc, err := body.Location.toCoord()
	if err != nil {
		s.writeError(w, err)
		return
	}

	// With an ingest stream wired the consumer owns the registry and
	// locator writes; the handler only validates and publishes. Inline
	// apply is the fallback for deployments without Kafka.
	if s.kafka != nil {
		d, err := s.store.Drivers().Get(r.Context(), body.DriverID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		at := time.Now().UTC()
		if body.At != nil {
			at = *body.At
		}
		if err := s.kafka.PublishLocation(r.Context(), ingest.LocationUpdate{
			DriverID: d.ID, Lat: loc.Lat, Lng: loc.Lng, At: at,
		}); err != nil {
			s.writeError(w, apperrors.Internal("publish location", err))
			return
		}
		s.coord.PublishLocation(d, loc)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	d, err := s.store.Drivers().UpdateLocation(r.Context(), body.DriverID, loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.locator != nil && d.Availability != models.Offline {
		_ = s.locator.Upsert(r.Context(), d.ID, loc.Lat, loc.Lng)
	}
	s.coord.PublishLocation(d, loc)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if s.locator == nil {
		s.writeError(w, apperrors.NotFound("locator not configured"))
		return
	}
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, apperrors.InvalidInput("lat and lng must be numeric"))
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		if radius, err1 = strconv.ParseFloat(v, 64); err1 != nil || radius <= 0 {
			s.writeError(w, apperrors.InvalidInput("radius_km must be a positive number"))
			return
		}
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if limit, err1 = strconv.Atoi(v); err1 != nil || limit <= 0 {
			s.writeError(w, apperrors.InvalidInput("limit must be a positive integer"))
			return
		}
	}
	positions, err := s.locator.Nearby(r.Context(), lat, lng, radius, limit)
	if err != nil {
		s.writeError(w, apperrors.Internal("locator query", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": positions, "count": len(positions)})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := s.hub.Add(conn)
	// drain the read side so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Remove(session)
				return
			}
		}
	}()
}
