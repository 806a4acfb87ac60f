// Package dispatch delivers engine events to subscribers. Delivery is fire
// and forget: a failed publish never rolls back the state change that
// produced it.
package dispatch

import (
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type EventType string

const (
	EventDriverAssigned       EventType = "driver_assigned"
	EventRideStatusUpdate     EventType = "ride_status_update"
	EventDriverLocationUpdate EventType = "driver_location_update"
)

type Event struct {
	Type     EventType             `json:"type"`
	RideID   string                `json:"ride_id"`
	DriverID string                `json:"driver_id,omitempty"`
	Status   models.RideStatus     `json:"status,omitempty"`
	Driver   *models.DriverSummary `json:"driver,omitempty"`
	Location *models.Coord         `json:"location,omitempty"`
	At       time.Time             `json:"at"`
}

type Notifier interface {
	Publish(ev Event) error
}

// Multi fans out to several notifiers, logging failures and carrying on.
type Multi struct {
	Notifiers []Notifier
	Logger    *slog.Logger
}

func (m *Multi) Publish(ev Event) error {
	for _, n := range m.Notifiers {
		if err := n.Publish(ev); err != nil && m.Logger != nil {
			m.Logger.Warn("notifier publish failed", "type", ev.Type, "ride_id", ev.RideID, "error", err)
		}
	}
	return nil
}

// LogNotifier is the fallback sink when no transport is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Publish(ev Event) error {
	l.Logger.Info("event", "type", ev.Type, "ride_id", ev.RideID, "driver_id", ev.DriverID, "status", ev.Status)
	return nil
}
