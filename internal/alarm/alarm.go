// Package alarm implements the five-state alarm state machine: the single
// consumer of internal/bus's inbound queue, and the sole owner of siren,
// floodlight, and timer side effects.
//
// Grounded on the reconcile loop in
// client/doublezerod/internal/manager/manager.go (StartReconciler/
// reconcile/reconcileService): a single goroutine pulls work items and
// drives every state transition and side effect from that one goroutine,
// so no transition ever races another. The alarm engine keeps that shape
// exactly, swapping "reconcile a provisioning request" for "apply one
// event to the alarm state".
package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/gpio"
	"github.com/sentrynode/sentryd/internal/state"
	"github.com/sentrynode/sentryd/internal/timer"
)

// Recorder receives every envelope the engine produces, in order. Both the
// offline queue and the cloud uplink implement it.
type Recorder interface {
	Record(event.Envelope)
}

// Broadcaster fans an envelope out to local subscribers (the WebSocket
// stream). internal/bus.Bus satisfies this.
type Broadcaster interface {
	Broadcast(event.Envelope)
}

// Source is the inbound event queue the engine consumes. internal/bus.Bus
// satisfies this.
type Source interface {
	Next() (event.Event, bool)
}

// Config holds the tunables left to deployment configuration: default
// delays and the maximum continuous siren duration once triggered by an
// alarm. FloodlightMaxDuration is carried and reported with the rest, but
// the engine starts no floodlight timer from it: an alarm leaves the
// floodlight on until a disarm or a FloodlightControl turns it off.
type Config struct {
	DefaultExitDelay  time.Duration
	DefaultEntryDelay time.Duration
	SirenMaxDuration  time.Duration
	FloodlightMaxDuration time.Duration
}

// Engine is the alarm state machine. Its run goroutine is the only writer
// of the snapshot, and mu guards the snapshot, config, and pairing flag so
// Snapshot, Config, and Pairing are safe read paths for the local API.
type Engine struct {
	cfg    Config
	clock  clockwork.Clock
	source Source
	bc     Broadcaster
	timers *timer.Service
	driver gpio.Driver
	log    *slog.Logger
	clientID string

	sinks []Recorder

	mu       sync.RWMutex
	snapshot state.Snapshot
	pairing  bool
}

// New constructs an Engine. timers must already be wired to the same bus
// passed as source, so that expiry events flow back into it.
func New(cfg Config, clock clockwork.Clock, clientID string, source Source, bc Broadcaster, timers *timer.Service, driver gpio.Driver, log *slog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		clock:    clock,
		source:   source,
		bc:       bc,
		timers:   timers,
		driver:   driver,
		log:      log,
		clientID: clientID,
		snapshot: state.Snapshot{State: state.Disarmed, Since: clock.Now(), Online: true},
	}
}

// AddSink registers a Recorder that receives every envelope the engine
// emits. Must be called before Run starts.
func (e *Engine) AddSink(r Recorder) {
	e.sinks = append(e.sinks, r)
}

// SetPairing toggles RF remote pairing mode. Pairing itself is decoded by
// the RF front-end upstream of the bus; the engine only tracks whether the
// window is open so the local API can report and bound it.
func (e *Engine) SetPairing(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pairing = on
}

// Pairing reports whether RF pairing mode is currently open.
func (e *Engine) Pairing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pairing
}

// SetPairingFor opens the pairing window and, if d > 0, schedules it closed
// again after d elapses. A zero d leaves the window open until the next
// explicit SetPairing(false)/SetPairingFor call.
func (e *Engine) SetPairingFor(on bool, d time.Duration) {
	e.SetPairing(on)
	if on && d > 0 {
		e.clock.AfterFunc(d, func() { e.SetPairing(false) })
	}
}

// Snapshot returns the current point-in-time alarm state. Safe for
// concurrent use by the local API's HTTP handlers.
func (e *Engine) Snapshot() state.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Config returns the tunables currently in effect. Safe for concurrent use.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig replaces the tunables in effect. It only affects delays and
// durations started after the call; timers already running keep the
// duration they were started with. Safe for concurrent use.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Run consumes events from source until it is closed or ctx is done. It is
// the sole writer of engine state and the sole caller into driver for
// siren/floodlight output, guaranteeing transitions never race.
func (e *Engine) Run(ctx context.Context) {
	for {
		ev, ok := e.source.Next()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.apply(ctx, ev)
	}
}

func (e *Engine) apply(ctx context.Context, ev event.Event) {
	e.mu.Lock()
	before := e.snapshot.State
	switch v := ev.(type) {
	case event.UserArm:
		e.handleUserArm(ctx, v)
	case event.UserDisarm:
		e.handleUserDisarm(ctx, v)
	case event.DoorOpen:
		e.handleDoorOpen(ctx)
	case event.DoorClose:
		e.snapshot.DoorOpen = false
	case event.TimerExitExpired:
		e.handleExitExpired(ctx, v)
	case event.TimerEntryExpired:
		e.handleEntryExpired(ctx, v)
	case event.TimerAutoRearmExpired:
		e.handleAutoRearmExpired(ctx, v)
	case event.TimerSirenExpired:
		e.handleSirenExpired(ctx, v)
	case event.ConnectivityOnline:
		e.snapshot.Online = true
	case event.ConnectivityOffline:
		e.snapshot.Online = false
	case event.SirenControl:
		e.handleSirenControl(ctx, v)
	case event.FloodlightControl:
		e.handleFloodlightControl(ctx, v)
	case event.RfCodeReceived:
		// RF codes are translated to UserArm/UserDisarm by the code-table
		// layer upstream of the bus; by the time one reaches here it is
		// already consumed for audit/telemetry purposes only.
	default:
		e.log.Warn("alarm: unhandled event type", "type", fmt.Sprintf("%T", ev))
	}
	after := e.snapshot.State
	if after != before {
		e.snapshot.Since = e.clock.Now()
		e.log.Info("alarm: state transition", "from", before, "to", after)
	}
	// Clamp a wall-clock regression so envelope timestamps never go
	// backwards within one run of the engine.
	ts := e.clock.Now()
	if n := len(e.snapshot.RecentEvents); n > 0 {
		if last := e.snapshot.RecentEvents[n-1].Timestamp; ts.UnixNano() < last.UnixNano() {
			ts = last
		}
	}
	env := event.Envelope{
		ID:        uuid.New(),
		Timestamp: ts,
		ClientID:  e.clientID,
		Event:     ev,
	}
	e.pushRecent(env)
	e.mu.Unlock()

	if e.bc != nil {
		e.bc.Broadcast(env)
	}
	for _, s := range e.sinks {
		s.Record(env)
	}
}

// pushRecent appends env to the recent-events ring, evicting the oldest
// entry once the ring exceeds state.RecentEventsCap. It always allocates a
// fresh backing array so a slice returned by an earlier Snapshot() call is
// never mutated after the fact. Must be called with e.mu held.
func (e *Engine) pushRecent(env event.Envelope) {
	old := e.snapshot.RecentEvents
	n := len(old) + 1
	if n > state.RecentEventsCap {
		n = state.RecentEventsCap
	}
	next := make([]event.Envelope, n)
	copy(next, old[len(old)-(n-1):])
	next[n-1] = env
	e.snapshot.RecentEvents = next
}

func (e *Engine) handleUserArm(ctx context.Context, v event.UserArm) {
	switch e.snapshot.State {
	case state.Disarmed:
		e.timers.Cancel(timer.AutoRearm)
		e.armWithDelay(ctx, v.ExitDelay)
	case state.ExitDelay:
		e.armWithDelay(ctx, v.ExitDelay)
	default:
		// Already armed, entry-delayed, or alarming: redundant arm request.
	}
}

func (e *Engine) armWithDelay(ctx context.Context, override *time.Duration) {
	d := e.cfg.DefaultExitDelay
	if override != nil {
		d = *override
	}
	if d <= 0 {
		e.timers.Cancel(timer.ExitDelay)
		e.snapshot.State = state.Armed
		return
	}
	e.timers.Start(timer.ExitDelay, d)
	e.snapshot.State = state.ExitDelay
}

func (e *Engine) handleUserDisarm(ctx context.Context, v event.UserDisarm) {
	switch e.snapshot.State {
	case state.ExitDelay:
		e.timers.Cancel(timer.ExitDelay)
	case state.EntryDelay:
		e.timers.Cancel(timer.EntryDelay)
	case state.Alarm:
		e.timers.Cancel(timer.SirenMax)
		e.setSiren(ctx, false)
	case state.Armed, state.Disarmed:
	}
	e.snapshot.State = state.Disarmed
	e.timers.Cancel(timer.AutoRearm)
	if v.AutoRearm != nil {
		e.timers.Start(timer.AutoRearm, *v.AutoRearm)
	}
}

func (e *Engine) handleDoorOpen(ctx context.Context) {
	e.snapshot.DoorOpen = true
	switch e.snapshot.State {
	case state.Armed:
		d := e.cfg.DefaultEntryDelay
		if d <= 0 {
			e.triggerAlarm(ctx)
			return
		}
		e.timers.Start(timer.EntryDelay, d)
		e.snapshot.State = state.EntryDelay
	case state.ExitDelay:
		// No-op: a door cycling open/closed during the exit delay is
		// expected user behavior leaving the premises, not an intrusion.
	case state.Disarmed, state.EntryDelay, state.Alarm:
	}
}

func (e *Engine) handleExitExpired(ctx context.Context, v event.TimerExitExpired) {
	if e.snapshot.State != state.ExitDelay || v.Generation != e.timers.Generation(timer.ExitDelay) {
		return
	}
	e.snapshot.State = state.Armed
}

func (e *Engine) handleEntryExpired(ctx context.Context, v event.TimerEntryExpired) {
	if e.snapshot.State != state.EntryDelay || v.Generation != e.timers.Generation(timer.EntryDelay) {
		return
	}
	e.triggerAlarm(ctx)
}

func (e *Engine) triggerAlarm(ctx context.Context) {
	e.snapshot.State = state.Alarm
	e.setSiren(ctx, true)
	e.setFloodlight(ctx, true)
	if e.cfg.SirenMaxDuration > 0 {
		e.timers.Start(timer.SirenMax, e.cfg.SirenMaxDuration)
	}
}

func (e *Engine) handleAutoRearmExpired(ctx context.Context, v event.TimerAutoRearmExpired) {
	switch e.snapshot.State {
	case state.Disarmed, state.Alarm:
	default:
		return
	}
	if v.Generation != e.timers.Generation(timer.AutoRearm) {
		return
	}
	e.armWithDelay(ctx, nil)
}

func (e *Engine) handleSirenExpired(ctx context.Context, v event.TimerSirenExpired) {
	if v.Generation != e.timers.Generation(timer.SirenMax) {
		return
	}
	// Siren has run its maximum duration; silence it but leave the alarm
	// state (and floodlight) active until a human disarms.
	e.setSiren(ctx, false)
}

func (e *Engine) handleSirenControl(ctx context.Context, v event.SirenControl) {
	e.setSiren(ctx, v.On)
	if v.On && v.Duration != nil {
		e.timers.Start(timer.SirenMax, *v.Duration)
	} else if !v.On {
		e.timers.Cancel(timer.SirenMax)
	}
}

func (e *Engine) handleFloodlightControl(ctx context.Context, v event.FloodlightControl) {
	// Manual floodlight commands apply unconditionally, including an
	// explicit "off" while the alarm is actively sounding.
	e.setFloodlight(ctx, v.On)
	if v.On && v.Duration != nil {
		e.timers.Start(timer.FloodlightMax, *v.Duration)
	} else if !v.On {
		e.timers.Cancel(timer.FloodlightMax)
	}
}

func (e *Engine) setSiren(ctx context.Context, on bool) {
	e.snapshot.SirenOn = on
	if e.driver == nil {
		return
	}
	if err := e.driver.Set(ctx, gpio.Siren, on); err != nil {
		e.log.Error("alarm: set siren", "error", err)
	}
}

func (e *Engine) setFloodlight(ctx context.Context, on bool) {
	e.snapshot.FloodlightOn = on
	if e.driver == nil {
		return
	}
	if err := e.driver.Set(ctx, gpio.Floodlight, on); err != nil {
		e.log.Error("alarm: set floodlight", "error", err)
	}
}
