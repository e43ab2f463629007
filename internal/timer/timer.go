// Package timer implements a named, cancellable, single-instance-per-id
// timer dispatcher: starting a timer with an already-running id supersedes
// the previous instance, and every expiry is delivered to the bus as
// exactly one advisory event tagged with the generation it was started at.
//
// Grounded on the single-dispatcher, heap-scheduled design in
// client/doublezerod/internal/liveness/scheduler.go, simplified from
// BFD's TX/Detect time-heap to five independently named one-shot timers,
// and made deterministically testable via an injected clockwork.Clock,
// the same injection point used in
// telemetry/global-monitor/internal/gm/runner.go's Clock field.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sentrynode/sentryd/internal/event"
)

// ID names one of the five timer identities in the data model.
type ID int

const (
	ExitDelay ID = iota
	EntryDelay
	AutoRearm
	SirenMax
	FloodlightMax
)

func (id ID) String() string {
	switch id {
	case ExitDelay:
		return "exit_delay"
	case EntryDelay:
		return "entry_delay"
	case AutoRearm:
		return "auto_rearm"
	case SirenMax:
		return "siren_max"
	case FloodlightMax:
		return "floodlight_max"
	default:
		return "unknown"
	}
}

// Emitter is the subset of bus.Bus the timer service depends on.
type Emitter interface {
	Emit(event.Event)
}

type handle struct {
	generation uint64
	stop       chan struct{}
}

// Service is the single dispatcher mapping ID to a live handle.
type Service struct {
	clock clockwork.Clock
	bus   Emitter

	mu          sync.Mutex
	handles     map[ID]*handle
	generations map[ID]uint64
}

// NewService creates a timer dispatcher. clock defaults to the real clock
// when nil; tests pass a clockwork.FakeClock for deterministic control.
func NewService(clock clockwork.Clock, b Emitter) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		clock:       clock,
		bus:         b,
		handles:     make(map[ID]*handle),
		generations: make(map[ID]uint64),
	}
}

// Start begins a timer for id, aborting any previously running instance
// for the same id. It returns the generation the new instance was stamped
// with.
func (s *Service) Start(id ID, d time.Duration) uint64 {
	s.mu.Lock()
	s.abortLocked(id)
	s.generations[id]++
	gen := s.generations[id]
	stop := make(chan struct{})
	s.handles[id] = &handle{generation: gen, stop: stop}
	s.mu.Unlock()

	go s.run(id, gen, d, stop)
	return gen
}

// Cancel aborts the live instance for id, if any. Idempotent.
func (s *Service) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(id)
	s.generations[id]++
}

// CancelAll aborts every live timer.
func (s *Service) CancelAll() {
	for _, id := range []ID{ExitDelay, EntryDelay, AutoRearm, SirenMax, FloodlightMax} {
		s.Cancel(id)
	}
}

// Generation returns the current generation counter for id. The state
// machine compares an expiry event's generation against this value to
// decide whether the expiry is stale.
func (s *Service) Generation(id ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[id]
}

func (s *Service) abortLocked(id ID) {
	if h, ok := s.handles[id]; ok {
		close(h.stop)
		delete(s.handles, id)
	}
}

func (s *Service) run(id ID, gen uint64, d time.Duration, stop chan struct{}) {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		s.mu.Lock()
		if h, ok := s.handles[id]; ok && h.generation == gen {
			delete(s.handles, id)
		}
		s.mu.Unlock()
		s.bus.Emit(expiryEvent(id, gen))
	case <-stop:
	}
}

// expiryEvent maps a fired timer id to its event variant. FloodlightMax
// maps to an ungenerationed FloodlightControl, since it is not guarded by
// the state machine's generation check: FloodlightControl applies
// unconditionally regardless of current state.
func expiryEvent(id ID, gen uint64) event.Event {
	switch id {
	case ExitDelay:
		return event.TimerExitExpired{Generation: gen}
	case EntryDelay:
		return event.TimerEntryExpired{Generation: gen}
	case AutoRearm:
		return event.TimerAutoRearmExpired{Generation: gen}
	case SirenMax:
		return event.TimerSirenExpired{Generation: gen}
	case FloodlightMax:
		return event.FloodlightControl{On: false}
	default:
		panic("timer: unknown id")
	}
}
