// Package cloud implements the reconnecting WebSocket uplink to the
// cloud platform: it drains the offline queue on every reconnect in
// fixed-size batches, then forwards the live event stream while pinging
// on a heartbeat interval and translating inbound command frames into
// bus events, reconnecting with jittered backoff whenever the connection
// drops or heartbeats go unanswered.
//
// Grounded on other_examples' gRPC dashboard transport client
// (agent-internal-transport-client.go.go): its Run/runOnce split, where Run
// loops forever and runOnce dials once and pumps until the connection
// dies, is kept verbatim in shape, translated from gRPC+mTLS+protobuf to
// WebSocket+bearer-token+JSON, and from its own hand-rolled NextDelay
// helper to jitterBackOff (backoff.go), which satisfies
// cenkalti/backoff/v4's BackOff interface for the sake of interop with
// anything else in the stack driven by that interface, even though Run's
// own retry loop calls NextBackOff directly rather than through
// backoff.Retry: runOnce needs to drain the offline queue and then
// stream indefinitely, which doesn't fit Retry's single-operation model.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/queue"
	"github.com/sentrynode/sentryd/internal/sentryerr"
)

// Subscriber is the live event feed the uplink drains once the offline
// queue has been flushed. internal/bus.Bus satisfies this.
type Subscriber interface {
	Subscribe() (<-chan event.Envelope, func())
}

// Emitter is where inbound cloud commands land: internal/bus.Bus
// satisfies this the same way it does for internal/api.
type Emitter interface {
	Emit(event.Event)
}

// Config configures a Client.
type Config struct {
	URL          string
	Token        string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	StableWindow time.Duration

	// HeartbeatInterval is how often the client pings the cloud platform
	// while connected.
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats is the number of consecutive unanswered pings
	// that force a connection teardown.
	MaxMissedHeartbeats int
	// BatchSize is how many offline-queue entries are sent before the
	// client pauses for BatchDelay, so a large backlog doesn't monopolize
	// the connection ahead of live traffic.
	BatchSize int
	BatchDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.StableWindow <= 0 {
		c.StableWindow = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
	return c
}

// Client is the cloud uplink: one connection at a time, reconnecting
// forever until its context is cancelled.
type Client struct {
	cfg   Config
	queue *queue.Queue
	sub   Subscriber
	emit  Emitter
	clock clockwork.Clock
	log   *slog.Logger
	metrics *Metrics
	dialer  *websocket.Dialer

	// connected is true only while runOnce has a live connection past its
	// queue drain and is relaying the subscribed live feed directly, so
	// Record knows an envelope will reach the socket without going
	// through the offline queue at all.
	connected atomic.Bool
}

// New constructs a cloud uplink Client.
func New(cfg Config, q *queue.Queue, sub Subscriber, emit Emitter, clock clockwork.Clock, log *slog.Logger, metrics *Metrics) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		queue:   q,
		sub:     sub,
		emit:    emit,
		clock:   clock,
		log:     log,
		metrics: metrics,
		dialer:  websocket.DefaultDialer,
	}
}

// Record implements alarm.Recorder. It only enqueues an envelope when the
// uplink is not currently relaying the live feed, so a connected agent
// doesn't pointlessly write an entry it's about to remove again the
// moment the live send succeeds (see runOnce). The queue is still the
// engine's separate durability sink and always records regardless of
// connectivity; runOnce's live-send path is what removes an entry once
// it has actually gone out, whichever sink wrote it.
func (c *Client) Record(env event.Envelope) {
	if c.queue == nil || c.connected.Load() {
		return
	}
	_ = c.queue.Enqueue(context.Background(), env)
}

// Run dials, drains, and streams forever until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	bo := newJitterBackOff(c.cfg.MinBackoff, c.cfg.MaxBackoff)
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("cloud: connection lost", "error", err)
		}
		wait := bo.NextBackOff()
		timer := c.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runOnce dials once, drains the offline queue, then relays the live
// event stream until the connection fails, a heartbeat goes unanswered
// three times in a row, or ctx is cancelled.
func (c *Client) runOnce(ctx context.Context, bo *jitterBackOff) error {
	c.metrics.connectAttempt()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.metrics.connectFailure()
		return fmt.Errorf("cloud: %w: dial: %v", sentryerr.Network, err)
	}
	defer conn.Close()

	stableTimer := c.clock.AfterFunc(c.cfg.StableWindow, bo.Reset)
	defer stableTimer.Stop()

	var writeMu sync.Mutex
	var missed int32
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&missed, 0)
		return nil
	})

	if err := c.drainQueue(conn, &writeMu); err != nil {
		c.metrics.disconnect()
		return err
	}

	ch, cancel := c.sub.Subscribe()
	defer cancel()

	c.connected.Store(true)
	defer c.connected.Store(false)

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			c.handleFrame(data)
		}
	}()

	heartbeatFailed := make(chan struct{}, 1)
	heartbeat := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			c.metrics.disconnect()
			return fmt.Errorf("cloud: %w: connection closed: %v", sentryerr.Network, err)
		case <-heartbeatFailed:
			c.metrics.disconnect()
			return fmt.Errorf("cloud: %w: missed %d heartbeats", sentryerr.Network, c.cfg.MaxMissedHeartbeats)
		case <-heartbeat.Chan():
			if int(atomic.AddInt32(&missed, 1)) > c.cfg.MaxMissedHeartbeats {
				select {
				case heartbeatFailed <- struct{}{}:
				default:
				}
				continue
			}
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, c.clock.Now().Add(5*time.Second))
			writeMu.Unlock()
			if err != nil {
				c.metrics.disconnect()
				return fmt.Errorf("cloud: %w: write ping: %v", sentryerr.Network, err)
			}
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.send(conn, &writeMu, env); err != nil {
				c.metrics.disconnect()
				c.requeue(env)
				return err
			}
			// The engine's queue sink durably records every envelope it
			// produces regardless of connectivity, so a live delivery
			// must clear its own entry here or it sits in the queue
			// forever and gets redelivered as a duplicate by the next
			// reconnect's drainQueue.
			if c.queue != nil {
				if err := c.queue.Remove(queue.KeyFor(env)); err != nil {
					c.log.Warn("cloud: failed to remove delivered live entry", "error", err)
				}
			}
			c.metrics.sent()
		}
	}
}

// cloudFrame is the subset of the wire protocol fields needed to tell an
// inbound frame's type apart before fully decoding it.
type cloudFrame struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id"`
}

// handleFrame dispatches an inbound text frame by its type: commands are
// translated into bus events, acks are no-ops (the send already
// completed by the time one arrives).
func (c *Client) handleFrame(data []byte) {
	var f cloudFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Type != "cmd" {
		return
	}
	ev, ok := decodeCloudCommand(f)
	if !ok || c.emit == nil {
		return
	}
	c.emit.Emit(ev)
}

func decodeCloudCommand(f cloudFrame) (event.Event, bool) {
	var args struct {
		ExitDelaySeconds *float64 `json:"exit_delay_s"`
		AutoRearmSeconds *float64 `json:"auto_rearm_s"`
		On               bool     `json:"on"`
		DurationSeconds  *float64 `json:"duration_s"`
	}
	if len(f.Args) > 0 {
		if err := json.Unmarshal(f.Args, &args); err != nil {
			return nil, false
		}
	}
	seconds := func(s *float64) *time.Duration {
		if s == nil {
			return nil
		}
		d := time.Duration(*s * float64(time.Second))
		return &d
	}
	switch f.Name {
	case "arm":
		return event.UserArm{Origin: event.OriginCloud, ExitDelay: seconds(args.ExitDelaySeconds)}, true
	case "disarm":
		return event.UserDisarm{Origin: event.OriginCloud, AutoRearm: seconds(args.AutoRearmSeconds)}, true
	case "siren":
		return event.SirenControl{On: args.On, Duration: seconds(args.DurationSeconds)}, true
	case "floodlight":
		return event.FloodlightControl{On: args.On, Duration: seconds(args.DurationSeconds)}, true
	default:
		return nil, false
	}
}

// drainQueue flushes the offline queue in batches of cfg.BatchSize,
// pausing cfg.BatchDelay between batches so a large backlog doesn't
// starve the live stream of connection bandwidth immediately after a
// reconnect.
func (c *Client) drainQueue(conn *websocket.Conn, writeMu *sync.Mutex) error {
	if c.queue == nil {
		return nil
	}
	entries, err := c.queue.Drain()
	if err != nil {
		return fmt.Errorf("cloud: %w: drain offline queue: %v", sentryerr.IO, err)
	}
	c.metrics.setQueueDepth(len(entries))
	for i := 0; i < len(entries); i += c.cfg.BatchSize {
		end := i + c.cfg.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, entry := range entries[i:end] {
			if err := c.send(conn, writeMu, entry.Envelope); err != nil {
				return err
			}
			if err := c.queue.Remove(entry.Key); err != nil {
				c.log.Warn("cloud: failed to remove delivered entry", "key", entry.Key, "error", err)
			}
			c.metrics.sent()
		}
		c.metrics.setQueueDepth(len(entries) - end)
		if end < len(entries) {
			c.clock.Sleep(c.cfg.BatchDelay)
		}
	}
	return nil
}

// requeue persists an envelope whose live delivery failed, so the next
// reconnect's drainQueue redelivers it instead of losing it.
func (c *Client) requeue(env event.Envelope) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Enqueue(context.Background(), env); err != nil {
		c.log.Warn("cloud: failed to requeue unsent envelope", "error", err)
	}
}

func (c *Client) send(conn *websocket.Conn, writeMu *sync.Mutex, env event.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cloud: %w: marshal envelope: %v", sentryerr.Protocol, err)
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("cloud: %w: write envelope: %v", sentryerr.Network, err)
	}
	return nil
}
