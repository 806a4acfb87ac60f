package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	store.Now = func() time.Time { return testNow }
	engine := &match.Engine{
		Drivers: store.Drivers(),
		Rides:   store.Rides(),
		Now:     func() time.Time { return testNow },
	}
	coord := &assign.Coordinator{Store: store, Now: func() time.Time { return testNow }}
	return NewServer(Options{Store: store, Engine: engine, Coord: coord}), store
}

func seedDriver(t *testing.T, store *registry.MemoryStore, id string, mut func(*models.Driver)) {
	t.Helper()
	d := &models.Driver{
		ID:           id,
		Name:         "Anna",
		Status:       models.DriverApproved,
		Availability: models.OnlineFree,
		Location:     &models.Coord{Lat: 50.06, Lng: 19.93},
	}
	if mut != nil {
		mut(d)
	}
	if err := store.Drivers().Create(context.Background(), d); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
}

func seedRide(t *testing.T, store *registry.MemoryStore, id string) {
	t.Helper()
	r := &models.Ride{
		ID:          id,
		RiderID:     "rider-1",
		Origin:      models.Coord{Lat: 50.065, Lng: 19.94},
		Destination: models.Coord{Lat: 50.1, Lng: 20.0},
		CustomPrice: "$20",
		DistanceKm:  5,
		Status:      models.RidePending,
	}
	if err := store.Rides().Create(context.Background(), r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestCreateDriverEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/drivers", `{"name":"Marek","phone":"+48 600 000 000","vehicle_desc":"white skoda"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var d models.Driver
	decodeBody(t, rec, &d)
	if d.ID == "" || d.Status != models.DriverPending || d.Availability != models.Offline {
		t.Fatalf("new driver wrong: %+v", d)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/drivers", `{"phone":"123"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name should 400, got %d", rec.Code)
	}
}

func TestGetDriverNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/v1/drivers/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] == "" {
		t.Fatal("error body missing")
	}
}

func TestRejectUnknownFields(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/drivers", `{"name":"Marek","nmae_typo":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field should 400, got %d", rec.Code)
	}
}

func TestCreateRideDefaults(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/rides",
		`{"rider_id":"rider-1","origin":{"lat":50.065,"lng":19.94},"destination":{"lat":50.1,"lng":20.0},"custom_price":"$20"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var ride models.Ride
	decodeBody(t, rec, &ride)
	if ride.Status != models.RidePending || ride.PassengerCount != 1 || ride.RequiredVehicleType != models.DefaultVehicleType {
		t.Fatalf("defaults not applied: %+v", ride)
	}
}

func TestCreateRideRejectsBadCoords(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/rides",
		`{"rider_id":"rider-1","origin":{"lat":95,"lng":19.94},"destination":{"lat":50.1,"lng":20.0}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range lat should 400, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides",
		`{"rider_id":"rider-1","origin":{"lat":50.065},"destination":{"lat":50.1,"lng":20.0}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing lng should 400, got %d", rec.Code)
	}
}

func TestUpdateAvailabilityEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	seedDriver(t, store, "d1", func(d *models.Driver) {
		d.Availability = models.Offline
		d.Location = nil
	})

	rec := do(t, s, http.MethodPut, "/api/v1/drivers/d1/availability",
		`{"availability":"online_free","location":{"lat":50.06,"lng":19.93}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var d models.Driver
	decodeBody(t, rec, &d)
	if d.Availability != models.OnlineFree || d.Location == nil {
		t.Fatalf("availability not applied: %+v", d)
	}

	// unapproved drivers cannot go online
	seedDriver(t, store, "d2", func(d *models.Driver) {
		d.Status = models.DriverPending
		d.Availability = models.Offline
	})
	rec = do(t, s, http.MethodPut, "/api/v1/drivers/d2/availability", `{"availability":"online_free"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPut, "/api/v1/drivers/ghost/availability", `{"availability":"online_free"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMatchingEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	seedDriver(t, store, "d1", nil)
	seedRide(t, store, "r1")

	rec := do(t, s, http.MethodGet, "/api/v1/matching/d1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var res match.Result
	decodeBody(t, rec, &res)
	if res.TotalMatches != 1 || len(res.Candidates) != 1 || res.Candidates[0].Ride.ID != "r1" {
		t.Fatalf("matching result wrong: %+v", res)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/matching/d1?sortBy=banana", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad sortBy should 400, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/matching/d1?limit=0", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should 400, got %d", rec.Code)
	}
}

func TestAssignAndLifecycleEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	seedDriver(t, store, "d1", nil)
	seedDriver(t, store, "d2", nil)
	seedRide(t, store, "r1")

	rec := do(t, s, http.MethodPost, "/api/v1/rides/r1/assign", `{"driver_id":"d1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: status %d: %s", rec.Code, rec.Body.String())
	}
	var res assign.Result
	decodeBody(t, rec, &res)
	if res.Ride.Status != models.RideDriverAssigned || res.Driver.ID != "d1" {
		t.Fatalf("assign result wrong: %+v", res)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/rides/r1/assign", `{"driver_id":"d2"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reassign should 409, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPut, "/api/v1/rides/r1/status", `{"status":"approaching_pickup"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status update: %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPut, "/api/v1/rides/r1/status", `{"status":"pending"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("backward transition should 409, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/v1/drivers/d1/rides/r1/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, http.MethodPost, "/api/v1/drivers/d1/rides/r1/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d: %s", rec.Code, rec.Body.String())
	}

	d, _ := store.Drivers().Get(context.Background(), "d1")
	if d.Availability != models.OnlineFree || d.CurrentRideID != nil {
		t.Fatalf("driver not freed after complete: %+v", d)
	}
}

func TestAutoAssignEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	seedRide(t, store, "r1")

	rec := do(t, s, http.MethodPost, "/api/v1/rides/r1/auto-assign", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no drivers should 404, got %d", rec.Code)
	}

	seedDriver(t, store, "d1", nil)
	rec = do(t, s, http.MethodPost, "/api/v1/rides/r1/auto-assign", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("auto-assign: %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDriverLocationEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	seedDriver(t, store, "d1", nil)

	rec := do(t, s, http.MethodPost, "/internal/driver/locations",
		`{"driver_id":"d1","location":{"lat":50.07,"lng":19.95}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	d, _ := store.Drivers().Get(context.Background(), "d1")
	if d.Location == nil || d.Location.Lat != 50.07 {
		t.Fatalf("location not applied: %+v", d)
	}

	rec = do(t, s, http.MethodPost, "/internal/driver/locations", `{"driver_id":"","location":{"lat":1,"lng":1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing driver_id should 400, got %d", rec.Code)
	}
}

type recordingPublisher struct {
	updates []ingest.LocationUpdate
}

func (p *recordingPublisher) PublishLocation(_ context.Context, upd ingest.LocationUpdate) error {
	p.updates = append(p.updates, upd)
	return nil
}

func TestDriverLocationPublishesToStream(t *testing.T) {
	store := registry.NewMemoryStore()
	store.Now = func() time.Time { return testNow }
	coord := &assign.Coordinator{Store: store, Now: func() time.Time { return testNow }}
	pub := &recordingPublisher{}
	s := NewServer(Options{Store: store, Coord: coord, Kafka: pub})
	seedDriver(t, store, "d1", nil)

	rec := do(t, s, http.MethodPost, "/internal/driver/locations",
		`{"driver_id":"d1","location":{"lat":50.08,"lng":19.96}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(pub.updates) != 1 || pub.updates[0].DriverID != "d1" || pub.updates[0].Lat != 50.08 {
		t.Fatalf("publish wrong: %+v", pub.updates)
	}

	// the consumer owns the write: no inline registry apply
	d, _ := store.Drivers().Get(context.Background(), "d1")
	if d.Location.Lat == 50.08 {
		t.Fatal("location applied inline despite a wired stream")
	}

	rec = do(t, s, http.MethodPost, "/internal/driver/locations",
		`{"driver_id":"ghost","location":{"lat":1,"lng":1}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver should 404, got %d", rec.Code)
	}
	if len(pub.updates) != 1 {
		t.Fatalf("unknown driver must not publish, got %d updates", len(pub.updates))
	}
}

func TestListDriversEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	seedDriver(t, store, "d1", nil)
	seedDriver(t, store, "d2", func(d *models.Driver) { d.Availability = models.Offline; d.Location = nil })

	rec := do(t, s, http.MethodGet, "/api/v1/drivers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 {
		t.Fatalf("default filter should list online_free only, got %d", body.Count)
	}

	rec = do(t, s, http.MethodGet, "/api/v1/drivers?availability=parked", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad filter should 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
