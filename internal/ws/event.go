package ws

import (
	"encoding/json"

	"github.com/tallgreen-machine/FindMyCat/internal/domain"
)

// Live channel event types.
const (
	EventInitialLocations = "initial_locations"
	EventLocationUpdate   = "location_update"
	EventError            = "error"
)

// Event is the envelope carried on the live channel. Exactly one of
// Locations, Location, or Message is populated depending on Type.
type Event struct {
	Type      string                  `json:"type"`
	Locations []domain.LocationSample `json:"locations,omitempty"`
	Location  *domain.LocationSample  `json:"location,omitempty"`
	Message   string                  `json:"message,omitempty"`
}

// MarshalInitialLocations encodes the full latest-per-device snapshot event.
func MarshalInitialLocations(locations []domain.LocationSample) ([]byte, error) {
	if locations == nil {
		locations = []domain.LocationSample{}
	}
	return json.Marshal(Event{Type: EventInitialLocations, Locations: locations})
}

// MarshalLocationUpdate encodes a single new sample event.
func MarshalLocationUpdate(sample domain.LocationSample) ([]byte, error) {
	return json.Marshal(Event{Type: EventLocationUpdate, Location: &sample})
}

// MarshalError encodes a non-fatal error event.
func MarshalError(message string) ([]byte, error) {
	return json.Marshal(Event{Type: EventError, Message: message})
}
