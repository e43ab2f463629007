// Package sentryerr defines the sentinel error kinds the agent wraps
// lower-level failures in, so callers can classify a failure (hardware,
// I/O, network, protocol, state, config) with errors.Is without parsing
// error strings.
//
// Grounded on the plain fmt.Errorf("...: %w") + sentinel-var idiom used
// throughout client/doublezerod (see internal/netlink/db.go and
// internal/manager/manager.go) rather than a structured error library:
// the domain here has few enough error classes that a handful of
// sentinels read more plainly than a generic error-code type would.
package sentryerr

import "errors"

var (
	// Hardware indicates a GPIO or other peripheral failure.
	Hardware = errors.New("hardware error")
	// IO indicates a filesystem or disk failure, typically from the
	// offline queue's persistence layer.
	IO = errors.New("io error")
	// Network indicates a failure reaching the cloud uplink endpoint.
	Network = errors.New("network error")
	// Protocol indicates a malformed or unexpected wire message.
	Protocol = errors.New("protocol error")
	// State indicates an operation was attempted from an alarm state that
	// does not permit it.
	State = errors.New("invalid state")
	// Config indicates a missing or malformed configuration value.
	Config = errors.New("configuration error")
)
