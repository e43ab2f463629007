package gpio

import (
	"context"
	"sync"
)

// Mock is a deterministic in-memory Driver for tests and for running the
// agent on a development machine without real hardware attached.
type Mock struct {
	mu       sync.Mutex
	outputs  map[Line]bool
	inputs   map[Line]bool
	watchers map[Line][]chan bool
	shutdown bool
}

// NewMock returns a Mock with every line initially low.
func NewMock() *Mock {
	return &Mock{
		outputs:  make(map[Line]bool),
		inputs:   make(map[Line]bool),
		watchers: make(map[Line][]chan bool),
	}
}

func (m *Mock) Set(_ context.Context, line Line, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[line] = on
	return nil
}

func (m *Mock) Read(_ context.Context, line Line) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[line], nil
}

// SetInput is a test helper simulating a physical level change on an input
// line, notifying any active watchers.
func (m *Mock) SetInput(line Line, on bool) {
	m.mu.Lock()
	m.inputs[line] = on
	watchers := append([]chan bool(nil), m.watchers[line]...)
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- on:
		default:
		}
	}
}

func (m *Mock) Watch(ctx context.Context, line Line) (<-chan bool, error) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.watchers[line] = append(m.watchers[line], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[line]
		for i, w := range watchers {
			if w == ch {
				m.watchers[line] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Output returns the last value Set for line, for test assertions.
func (m *Mock) Output(line Line) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs[line]
}

func (m *Mock) EmergencyShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[Siren] = false
	m.outputs[Floodlight] = false
	m.shutdown = true
}

// ShutdownCalled reports whether EmergencyShutdown has run, for tests.
func (m *Mock) ShutdownCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Mock) Close() error { return nil }
