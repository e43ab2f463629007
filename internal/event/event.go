// Package event defines the tagged event variants the alarm state machine
// consumes and the envelope that wraps them for transport to the cloud
// uplink and local WebSocket subscribers.
package event

import "time"

// Origin identifies which control surface produced a UserArm or UserDisarm
// event. Other event variants do not carry an origin in the data model.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginWs     Origin = "ws"
	OriginCloud  Origin = "cloud"
	OriginBle    Origin = "ble"
	OriginRf     Origin = "rf"
	OriginSystem Origin = "system"
)

// Kind is the wire discriminator for an Event, used as the "type" field of
// the JSON-encoded event object inside an envelope.
type Kind string

const (
	KindUserArm               Kind = "user_arm"
	KindUserDisarm            Kind = "user_disarm"
	KindDoorOpen              Kind = "door_open"
	KindDoorClose             Kind = "door_close"
	KindTimerExitExpired      Kind = "timer_exit_expired"
	KindTimerEntryExpired     Kind = "timer_entry_expired"
	KindTimerAutoRearmExpired Kind = "timer_auto_rearm_expired"
	KindTimerSirenExpired     Kind = "timer_siren_expired"
	KindConnectivityOnline    Kind = "connectivity_online"
	KindConnectivityOffline   Kind = "connectivity_offline"
	KindSirenControl          Kind = "siren_control"
	KindFloodlightControl     Kind = "floodlight_control"
	KindRfCodeReceived        Kind = "rf_code_received"
)

// Event is implemented by every event variant in the data model.
type Event interface {
	Kind() Kind
}

type UserArm struct {
	Origin    Origin
	ExitDelay *time.Duration // nil means "use configured default"
}

func (UserArm) Kind() Kind { return KindUserArm }

type UserDisarm struct {
	Origin     Origin
	AutoRearm  *time.Duration // nil means no auto-rearm
}

func (UserDisarm) Kind() Kind { return KindUserDisarm }

type DoorOpen struct{}

func (DoorOpen) Kind() Kind { return KindDoorOpen }

type DoorClose struct{}

func (DoorClose) Kind() Kind { return KindDoorClose }

// TimerExitExpired carries the generation the timer service stamped a
// timer with at Start time, so the state machine can discard stale
// expiries delivered after a newer timer instance superseded it.
type TimerExitExpired struct{ Generation uint64 }

func (TimerExitExpired) Kind() Kind { return KindTimerExitExpired }

type TimerEntryExpired struct{ Generation uint64 }

func (TimerEntryExpired) Kind() Kind { return KindTimerEntryExpired }

type TimerAutoRearmExpired struct{ Generation uint64 }

func (TimerAutoRearmExpired) Kind() Kind { return KindTimerAutoRearmExpired }

type TimerSirenExpired struct{ Generation uint64 }

func (TimerSirenExpired) Kind() Kind { return KindTimerSirenExpired }

type ConnectivityOnline struct{}

func (ConnectivityOnline) Kind() Kind { return KindConnectivityOnline }

type ConnectivityOffline struct{}

func (ConnectivityOffline) Kind() Kind { return KindConnectivityOffline }

type SirenControl struct {
	On       bool
	Duration *time.Duration
}

func (SirenControl) Kind() Kind { return KindSirenControl }

type FloodlightControl struct {
	On       bool
	Duration *time.Duration
}

func (FloodlightControl) Kind() Kind { return KindFloodlightControl }

type RfCodeReceived struct{ Code string }

func (RfCodeReceived) Kind() Kind { return KindRfCodeReceived }
