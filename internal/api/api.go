// Package api serves the local control surface over a Unix domain
// socket: JSON endpoints for arming, disarming, manual siren/floodlight
// control, reading and replacing the runtime config, toggling RF pairing
// mode, a health and status endpoint, and a WebSocket endpoint streaming
// the live event feed.
//
// Grounded on client/doublezerod/internal/runtime/run.go's wiring (a
// single http.ServeMux registered with "METHOD /path"-style patterns,
// served over a net.Listen("unix", sockFile) listener with the socket
// file chmod'd to 0666 and unlinked on shutdown) and
// internal/api/manager.go's ApiServer wrapping *http.Server with an
// Option-functional constructor. The arm, disarm, siren, and floodlight
// endpoints return 202 with the pre-transition Snapshot immediately;
// POST /v1/ble/pairing returns 202 with only the pairing flag, and
// PUT /v1/config returns 200 with the config now in effect, so neither of
// those two returns a Snapshot. Calls never block on a state transition,
// and the post-transition state reaches callers over /v1/ws.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	"github.com/sentrynode/sentryd/internal/alarm"
	"github.com/sentrynode/sentryd/internal/buildinfo"
	"github.com/sentrynode/sentryd/internal/event"
	"github.com/sentrynode/sentryd/internal/state"
)

// Engine is the subset of alarm.Engine the local API depends on.
type Engine interface {
	Snapshot() state.Snapshot
	Config() alarm.Config
	SetConfig(alarm.Config)
	Pairing() bool
	SetPairingFor(on bool, d time.Duration)
}

// Emitter is the subset of bus.Bus the local API depends on to submit
// user-originated events.
type Emitter interface {
	Emit(event.Event)
}

// Subscriber is the subset of bus.Bus the WebSocket endpoint depends on.
type Subscriber interface {
	Subscribe() (<-chan event.Envelope, func())
}

// Server wraps an *http.Server bound to a Unix domain socket.
type Server struct {
	sockFile string
	httpSrv  *http.Server
	log      *slog.Logger
	started  time.Time
}

// Option configures a Server, mirroring client/doublezerod's ApiServer
// functional-option constructor.
type Option func(*Server)

// WithSockFile sets the Unix domain socket path to listen on.
func WithSockFile(path string) Option {
	return func(s *Server) { s.sockFile = path }
}

// WithBaseContext sets the base context new connections inherit.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds the Server's mux and wraps it in an http.Server, but does
// not yet listen.
func New(engine Engine, emitter Emitter, sub Subscriber, opts ...Option) *Server {
	s := &Server{
		httpSrv: &http.Server{},
		log:     slog.Default(),
		started: time.Now(),
	}
	h := &handlers{engine: engine, emitter: emitter, sub: sub, log: s.log, started: s.started}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", h.health)
	mux.HandleFunc("GET /v1/status", h.status)
	mux.HandleFunc("POST /v1/arm", h.arm)
	mux.HandleFunc("POST /v1/disarm", h.disarm)
	mux.HandleFunc("POST /v1/siren", h.siren)
	mux.HandleFunc("POST /v1/floodlight", h.floodlight)
	mux.HandleFunc("GET /v1/config", h.getConfig)
	mux.HandleFunc("PUT /v1/config", h.putConfig)
	mux.HandleFunc("POST /v1/ble/pairing", h.pairing)
	mux.HandleFunc("GET /v1/ws", h.ws)
	s.httpSrv.Handler = mux
	for _, o := range opts {
		o(s)
	}
	h.log = s.log
	return s
}

// ListenAndServe opens the Unix domain socket and serves until the
// listener is closed. The socket file is chmod'd 0666 so any local
// process can reach the API, and unlinked by Close.
func (s *Server) ListenAndServe() error {
	if s.sockFile == "" {
		return fmt.Errorf("api: no socket file configured")
	}
	os.Remove(s.sockFile)
	lis, err := net.Listen("unix", s.sockFile)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	if err := os.Chmod(s.sockFile, 0666); err != nil {
		s.log.Error("api: chmod socket file", "error", err)
	}
	return s.httpSrv.Serve(lis)
}

// Close shuts the server down and unlinks the socket file.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	if s.sockFile != "" {
		unix.Unlink(s.sockFile) //nolint:errcheck
	}
	return err
}

type handlers struct {
	engine  Engine
	emitter Emitter
	sub     Subscriber
	log     *slog.Logger
	started time.Time
}

type healthResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Commit  string    `json:"commit"`
	Date    string    `json:"date"`
	Uptime  float64   `json:"uptime_s"`
	Started time.Time `json:"started"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: buildinfo.Version,
		Commit:  buildinfo.Commit,
		Date:    buildinfo.Date,
		Uptime:  time.Since(h.started).Seconds(),
		Started: h.started,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeSnapshot(w, h.engine.Snapshot())
}

// configView is the JSON shape of alarm.Config, expressed in seconds
// rather than time.Duration so it round-trips through a plain HTTP body.
type configView struct {
	DefaultExitDelaySeconds      float64 `json:"default_exit_delay_s"`
	DefaultEntryDelaySeconds     float64 `json:"default_entry_delay_s"`
	SirenMaxDurationSeconds      float64 `json:"siren_max_duration_s"`
	FloodlightMaxDurationSeconds float64 `json:"floodlight_max_duration_s"`
}

func toConfigView(cfg alarm.Config) configView {
	return configView{
		DefaultExitDelaySeconds:      cfg.DefaultExitDelay.Seconds(),
		DefaultEntryDelaySeconds:     cfg.DefaultEntryDelay.Seconds(),
		SirenMaxDurationSeconds:      cfg.SirenMaxDuration.Seconds(),
		FloodlightMaxDurationSeconds: cfg.FloodlightMaxDuration.Seconds(),
	}
}

func (v configView) toConfig() alarm.Config {
	return alarm.Config{
		DefaultExitDelay:      time.Duration(v.DefaultExitDelaySeconds * float64(time.Second)),
		DefaultEntryDelay:     time.Duration(v.DefaultEntryDelaySeconds * float64(time.Second)),
		SirenMaxDuration:      time.Duration(v.SirenMaxDurationSeconds * float64(time.Second)),
		FloodlightMaxDuration: time.Duration(v.FloodlightMaxDurationSeconds * float64(time.Second)),
	}
}

func (h *handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toConfigView(h.engine.Config())) //nolint:errcheck
}

// putConfig replaces the engine's tunables wholesale. Only delays and
// durations started after this call observe the new values; timers
// already running keep the duration they were started with.
func (h *handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	var v configView
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	h.engine.SetConfig(v.toConfig())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toConfigView(h.engine.Config())) //nolint:errcheck
}

type pairingRequest struct {
	Enable  bool     `json:"enable"`
	Seconds *float64 `json:"seconds"`
}

type pairingResponse struct {
	Pairing bool `json:"pairing"`
}

// pairing toggles the RF-remote pairing window, optionally auto-closing it
// after the given number of seconds. The HTTP surface only flips the flag
// an installer-facing UI polls; decoding the paired remote's RF signal
// happens upstream of the bus, not here.
func (h *handlers) pairing(w http.ResponseWriter, r *http.Request) {
	var req pairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	var d time.Duration
	if req.Seconds != nil {
		d = time.Duration(*req.Seconds * float64(time.Second))
	}
	h.engine.SetPairingFor(req.Enable, d)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(pairingResponse{Pairing: h.engine.Pairing()}) //nolint:errcheck
}

type armRequest struct {
	ExitDelaySeconds *float64 `json:"exit_delay_s"`
}

func (h *handlers) arm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	var delay *time.Duration
	if req.ExitDelaySeconds != nil {
		d := time.Duration(*req.ExitDelaySeconds * float64(time.Second))
		delay = &d
	}
	h.emitter.Emit(event.UserArm{Origin: event.OriginLocal, ExitDelay: delay})
	writeAccepted(w, h.engine.Snapshot())
}

type disarmRequest struct {
	AutoRearmSeconds *float64 `json:"auto_rearm_s"`
}

func (h *handlers) disarm(w http.ResponseWriter, r *http.Request) {
	var req disarmRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	var rearm *time.Duration
	if req.AutoRearmSeconds != nil {
		d := time.Duration(*req.AutoRearmSeconds * float64(time.Second))
		rearm = &d
	}
	h.emitter.Emit(event.UserDisarm{Origin: event.OriginLocal, AutoRearm: rearm})
	writeAccepted(w, h.engine.Snapshot())
}

type outputRequest struct {
	On              bool     `json:"on"`
	DurationSeconds *float64 `json:"duration_s"`
}

func (h *handlers) siren(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOutputRequest(w, r)
	if !ok {
		return
	}
	h.emitter.Emit(event.SirenControl{On: req.On, Duration: req.duration()})
	writeAccepted(w, h.engine.Snapshot())
}

func (h *handlers) floodlight(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOutputRequest(w, r)
	if !ok {
		return
	}
	h.emitter.Emit(event.FloodlightControl{On: req.On, Duration: req.duration()})
	writeAccepted(w, h.engine.Snapshot())
}

func (r outputRequest) duration() *time.Duration {
	if r.DurationSeconds == nil {
		return nil
	}
	d := time.Duration(*r.DurationSeconds * float64(time.Second))
	return &d
}

func decodeOutputRequest(w http.ResponseWriter, r *http.Request) (outputRequest, bool) {
	var req outputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return req, false
	}
	return req, true
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPingInterval  = 30 * time.Second
	wsPingTimeout   = 5 * time.Second
	wsMaxMissedPing = 3
)

// wsCommand is an inbound {"type":"cmd",...} frame: a local subscriber's
// request to arm, disarm, or control an output, carried over the same
// connection the envelope stream flows out on.
type wsCommand struct {
	Type string          `json:"type"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id"`
}

type wsAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
}

type wsCommandArgs struct {
	ExitDelaySeconds *float64 `json:"exit_delay_s"`
	AutoRearmSeconds *float64 `json:"auto_rearm_s"`
	On               bool     `json:"on"`
	DurationSeconds  *float64 `json:"duration_s"`
}

func decodeWsCommand(cmd wsCommand) (event.Event, bool) {
	var args wsCommandArgs
	if len(cmd.Args) > 0 {
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
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
	switch cmd.Name {
	case "arm":
		return event.UserArm{Origin: event.OriginWs, ExitDelay: seconds(args.ExitDelaySeconds)}, true
	case "disarm":
		return event.UserDisarm{Origin: event.OriginWs, AutoRearm: seconds(args.AutoRearmSeconds)}, true
	case "siren":
		return event.SirenControl{On: args.On, Duration: seconds(args.DurationSeconds)}, true
	case "floodlight":
		return event.FloodlightControl{On: args.On, Duration: seconds(args.DurationSeconds)}, true
	default:
		return nil, false
	}
}

// ws upgrades the connection and streams every broadcast envelope until
// the client disconnects. The local socket is trusted (filesystem
// permissions gate access), so CheckOrigin is permissive. It also accepts
// inbound {"type":"cmd",...} frames, translating each into a bus event and
// replying with {"type":"ack",...} once the event is enqueued, and pings
// the client every 30s, closing the connection after three consecutive
// unanswered pings.
func (h *handlers) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.sub.Subscribe()
	defer cancel()

	var writeMu sync.Mutex
	var missed int32
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&missed, 0)
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if atomic.AddInt32(&missed, 1) > wsMaxMissedPing {
					conn.Close()
					return
				}
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPingTimeout))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd wsCommand
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "cmd" {
				continue
			}
			ev, ok := decodeWsCommand(cmd)
			if ok {
				h.emitter.Emit(ev)
			}
			writeMu.Lock()
			conn.WriteJSON(wsAck{Type: "ack", ID: cmd.ID, OK: ok}) //nolint:errcheck
			writeMu.Unlock()
		}
	}()

	for env := range ch {
		writeMu.Lock()
		err := conn.WriteJSON(env)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// writeAccepted writes the pre-transition snapshot with a 202, the
// acknowledgement the arm, disarm, siren, and floodlight endpoints return:
// the caller polls /v1/status or /v1/ws for the post-transition state.
func writeAccepted(w http.ResponseWriter, snap state.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(snap) //nolint:errcheck
}

func writeSnapshot(w http.ResponseWriter, snap state.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap) //nolint:errcheck
}

// errorResponse is the JSON shape of every non-2xx response body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: code}) //nolint:errcheck
}
