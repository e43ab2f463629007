// Package gpio abstracts the digital I/O lines the agent drives and reads:
// the siren, the floodlight relay, the door-contact sensor, and the panic
// input. Driver is implemented by Mock for tests and Linux for the sysfs
// GPIO character interface on the target SBC.
//
// Grounded on the interface-over-kernel-resource pattern in
// client/doublezerod/internal/netlink/manager.go's Netlinker interface,
// which wraps raw netlink syscalls behind a small Go interface so the
// reconciler never touches the kernel directly. No example repo in the
// retrieval pack wraps a GPIO library, so Linux talks to /sys/class/gpio
// directly via golang.org/x/sys/unix rather than adopting a library
// outside the corpus (see DESIGN.md).
package gpio

import "context"

// Line names one physical signal the driver exposes.
type Line int

const (
	Siren Line = iota
	Floodlight
	DoorContact
	PanicInput
)

// Driver is the hardware boundary the alarm state machine and the main
// process depend on. EmergencyShutdown must be safe to call from a signal
// handler or a recovered panic: it must not allocate, must not block on a
// mutex another goroutine might be holding mid-panic, and must return
// quickly.
type Driver interface {
	// Set drives an output line high (true) or low (false).
	Set(ctx context.Context, line Line, on bool) error
	// Read samples an input line's current level.
	Read(ctx context.Context, line Line) (bool, error)
	// Watch streams level-change notifications for an input line until ctx
	// is done. The returned channel is closed when watching stops.
	Watch(ctx context.Context, line Line) (<-chan bool, error)
	// EmergencyShutdown forces every output line low. Called from
	// cmd/sentryd's panic recovery and at the end of its graceful shutdown.
	EmergencyShutdown()
	// Close releases any held file descriptors.
	Close() error
}
