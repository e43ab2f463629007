// Package state defines the alarm's five-state model and the snapshot
// shape returned to local API callers.
package state

import (
	"time"

	"github.com/sentrynode/sentryd/internal/event"
)

// RecentEventsCap bounds the number of envelopes kept in Snapshot's
// RecentEvents ring; the oldest is evicted once the cap is exceeded.
const RecentEventsCap = 50

// State is one of the five states the alarm state machine occupies.
type State int

const (
	Disarmed State = iota
	ExitDelay
	Armed
	EntryDelay
	Alarm
)

func (s State) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case ExitDelay:
		return "exit_delay"
	case Armed:
		return "armed"
	case EntryDelay:
		return "entry_delay"
	case Alarm:
		return "alarm"
	default:
		return "unknown"
	}
}

// Snapshot is the point-in-time view of the alarm returned by the local
// API's status endpoint and by its arm, disarm, siren, and floodlight
// endpoints. Those mutating endpoints return the pre-transition snapshot
// immediately; the post-transition state reaches callers asynchronously
// over the WebSocket event stream.
type Snapshot struct {
	State        State             `json:"state"`
	Since        time.Time         `json:"since"`
	DoorOpen     bool              `json:"door_open"`
	SirenOn      bool              `json:"siren_on"`
	FloodlightOn bool              `json:"floodlight_on"`
	Online       bool              `json:"online"`
	RecentEvents []event.Envelope  `json:"recent_events"`
}
