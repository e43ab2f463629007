package gpio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/sentrynode/sentryd/internal/sentryerr"
)

// LineConfig maps a Line to its exported sysfs GPIO number and direction.
type LineConfig struct {
	GPIO      int
	IsOutput  bool
	ActiveLow bool
}

// Linux drives sysfs-exported GPIO lines on the target SBC. Every output
// line keeps its /sys/class/gpio/gpioN/value file descriptor open for the
// lifetime of the driver so EmergencyShutdown can write to it with a raw
// syscall: no path formatting, no os.Open, no allocation, safe to call
// from a signal handler or a recovering panic.
type Linux struct {
	lines map[Line]LineConfig
	fds   map[Line]int
	// offByte is precomputed per line at construction so EmergencyShutdown
	// never has to branch on activeLow while a panic is unwinding.
	offByte map[Line][1]byte

	pollers []*poller
	log     *slog.Logger
}

// NewLinux exports and opens the configured GPIO lines. cfg maps each Line
// to its BCM/sysfs GPIO number; callers typically build this from
// internal/config.
func NewLinux(cfg map[Line]LineConfig) (*Linux, error) {
	l := &Linux{
		lines:   cfg,
		fds:     make(map[Line]int),
		offByte: make(map[Line][1]byte),
		log:     slog.Default(),
	}
	for line, c := range cfg {
		if err := exportLine(c.GPIO); err != nil {
			l.Close()
			return nil, fmt.Errorf("gpio: %w: export line %d: %v", sentryerr.Hardware, c.GPIO, err)
		}
		dir := "in"
		if c.IsOutput {
			dir = "out"
		}
		if err := os.WriteFile(direction(c.GPIO), []byte(dir), 0644); err != nil {
			l.Close()
			return nil, fmt.Errorf("gpio: %w: set direction for line %d: %v", sentryerr.Hardware, c.GPIO, err)
		}
		fd, err := unix.Open(value(c.GPIO), unix.O_RDWR, 0)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("gpio: %w: open value fd for line %d: %v", sentryerr.Hardware, c.GPIO, err)
		}
		l.fds[line] = fd
		if c.ActiveLow {
			l.offByte[line] = [1]byte{'1'}
		} else {
			l.offByte[line] = [1]byte{'0'}
		}
	}
	return l, nil
}

func exportLine(gpio int) error {
	if _, err := os.Stat(fmt.Sprintf("/sys/class/gpio/gpio%d", gpio)); err == nil {
		return nil
	}
	return os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(gpio)), 0644)
}

func direction(gpio int) string {
	return fmt.Sprintf("/sys/class/gpio/gpio%d/direction", gpio)
}

func value(gpio int) string {
	return fmt.Sprintf("/sys/class/gpio/gpio%d/value", gpio)
}

// Set drives line to on, retrying once on a write failure before giving up;
// a retried failure is still returned to the caller to log, since reaching
// a known-safe output state is not assumed just because the retry ran.
func (l *Linux) Set(_ context.Context, line Line, on bool) error {
	fd, ok := l.fds[line]
	if !ok {
		return fmt.Errorf("gpio: %w: line %d not configured", sentryerr.Hardware, line)
	}
	c := l.lines[line]
	level := on != c.ActiveLow
	b := []byte("0")
	if level {
		b = []byte("1")
	}
	_, err := unix.Pwrite(fd, b, 0)
	if err != nil {
		_, err = unix.Pwrite(fd, b, 0)
	}
	if err != nil {
		return fmt.Errorf("gpio: %w: write line %d: %v", sentryerr.Hardware, line, err)
	}
	return nil
}

func (l *Linux) Read(_ context.Context, line Line) (bool, error) {
	fd, ok := l.fds[line]
	if !ok {
		return false, fmt.Errorf("gpio: %w: line %d not configured", sentryerr.Hardware, line)
	}
	buf := make([]byte, 1)
	if _, err := unix.Pread(fd, buf, 0); err != nil {
		return false, fmt.Errorf("gpio: %w: read line %d: %v", sentryerr.Hardware, line, err)
	}
	c := l.lines[line]
	return (buf[0] == '1') != c.ActiveLow, nil
}

// Watch polls the input line's sysfs value file for edges. A dedicated
// poller goroutine per line is simpler and more portable across SBC kernel
// builds than relying on sysfs edge-triggered poll(2), which not every
// vendor kernel wires up for every line.
func (l *Linux) Watch(ctx context.Context, line Line) (<-chan bool, error) {
	if _, ok := l.fds[line]; !ok {
		return nil, fmt.Errorf("gpio: %w: line %d not configured", sentryerr.Hardware, line)
	}
	ch := make(chan bool, 1)
	p := newPoller(l, line, ch)
	l.pollers = append(l.pollers, p)
	go p.run(ctx)
	return ch, nil
}

// EmergencyShutdown forces the siren and floodlight output fds low using
// the raw write syscall directly on their pre-opened descriptors. It does
// not allocate, does not acquire a mutex, and tolerates being called
// concurrently with normal Set calls or re-entrantly from a panic inside
// Set itself.
func (l *Linux) EmergencyShutdown() {
	for _, line := range [...]Line{Siren, Floodlight} {
		fd, ok := l.fds[line]
		if !ok {
			continue
		}
		b := l.offByte[line]
		unix.Pwrite(fd, b[:], 0)
	}
}

func (l *Linux) Close() error {
	for _, p := range l.pollers {
		p.stop()
	}
	var firstErr error
	for _, fd := range l.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
