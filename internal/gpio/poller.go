package gpio

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval is the sysfs value-file sample rate for watched input
// lines. 20ms keeps door-contact and panic-input latency well under
// sub-second entry/exit delay granularity.
const pollInterval = 20 * time.Millisecond

// debounceWindow is how long a new level must hold before it's treated as
// a real edge rather than contact bounce. 50ms is the contact-bounce
// settling time for the door and panic inputs this agent expects to wire.
const debounceWindow = 50 * time.Millisecond

type poller struct {
	driver *Linux
	line   Line
	ch     chan bool
	cancel context.CancelFunc
}

func newPoller(d *Linux, line Line, ch chan bool) *poller {
	return &poller{driver: d, line: line, ch: ch}
}

func (p *poller) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer close(p.ch)

	fd := p.driver.fds[p.line]
	cfg := p.driver.lines[p.line]
	last, _ := p.driver.Read(ctx, p.line)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var candidate bool
	var candidateSince time.Time
	pending := false

	buf := make([]byte, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := unix.Pread(fd, buf, 0); err != nil {
				p.driver.log.Warn("gpio: read failed, keeping cached level", "line", p.line, "error", err)
				continue
			}
			cur := (buf[0] == '1') != cfg.ActiveLow
			if cur == last {
				pending = false
				continue
			}
			if !pending || candidate != cur {
				candidate = cur
				candidateSince = now
				pending = true
				continue
			}
			if now.Sub(candidateSince) < debounceWindow {
				continue
			}
			last = cur
			pending = false
			select {
			case p.ch <- cur:
			default:
			}
		}
	}
}

func (p *poller) stop() {
	if p.cancel != nil {
		p.cancel()
	}
}
