package geo

import (
	"context"
	"sync"
	"time"
)

// Position is a live driver position as tracked by the locator layer.
type Position struct {
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	DistanceKm float64   `json:"distance_km"`
	Updated    time.Time `json:"updated"`
}

// Locator is the live-position index maintained by the ingest pipeline.
// It serves proximity queries for the transport layer only; the matching
// engine never depends on it (all matching filters run over a registry
// scan).
type Locator interface {
	Upsert(ctx context.Context, driverID string, lat, lng float64) error
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]Position, error)
	Remove(ctx context.Context, driverID string) error
}

type memEntry struct {
	lat, lng float64
	updated  time.Time
}

// MemLocator is the in-process Locator used when Redis is not configured.
type MemLocator struct {
	mu        sync.RWMutex
	positions map[string]memEntry
}

func NewMemLocator() *MemLocator {
	return &MemLocator{positions: make(map[string]memEntry)}
}

func (m *MemLocator) Upsert(_ context.Context, driverID string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[driverID] = memEntry{lat: lat, lng: lng, updated: time.Now()}
	return nil
}

func (m *MemLocator) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, driverID)
	return nil
}

// naive scan; in prod use geo-hash or H3
func (m *MemLocator) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	arr := make([]Position, 0, len(m.positions))
	for id, e := range m.positions {
		d := DistanceKm(lat, lng, e.lat, e.lng)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		arr = append(arr, Position{DriverID: id, Lat: e.lat, Lng: e.lng, DistanceKm: Round2(d), Updated: e.updated})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}
