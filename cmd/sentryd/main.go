// Command sentryd is the embedded intrusion-detection client agent: it
// owns the local alarm state machine, drives siren/floodlight/door GPIO,
// serves a Unix-socket local API, and relays its event stream to the
// cloud platform with offline buffering.
//
// Grounded on client/doublezerod/cmd/doublezerod/main.go's wiring shape:
// flag parsing, a JSON slog handler toggled to debug by a -v flag, an
// optional Prometheus metrics listener, signal.NotifyContext for
// graceful shutdown, and a final call into a runtime.Run-style function
// that owns the process's error-channel fan-in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentrynode/sentryd/internal/alarm"
	"github.com/sentrynode/sentryd/internal/api"
	"github.com/sentrynode/sentryd/internal/buildinfo"
	"github.com/sentrynode/sentryd/internal/bus"
	"github.com/sentrynode/sentryd/internal/cloud"
	"github.com/sentrynode/sentryd/internal/config"
	"github.com/sentrynode/sentryd/internal/gpio"
	"github.com/sentrynode/sentryd/internal/metrics"
	"github.com/sentrynode/sentryd/internal/queue"
	"github.com/sentrynode/sentryd/internal/secrets"
	"github.com/sentrynode/sentryd/internal/sentryerr"
	"github.com/sentrynode/sentryd/internal/timer"
)

var (
	sockFile      = flag.String("sock-file", "/var/run/sentryd/sentryd.sock", "path to sentryd local API domain socket")
	configFile    = flag.String("config-file", "/etc/sentryd/config.yaml", "path to local GPIO/timing override file")
	secretsFile   = flag.String("secrets-file", "/etc/sentryd/secrets.env", "path to the KEY=VALUE secrets file")
	queueDir      = flag.String("queue-dir", "/var/lib/sentryd/queue", "path to the offline event queue directory")
	clientID      = flag.String("client-id", "", "unique identifier for this agent, reported to the cloud platform")
	cloudURL      = flag.String("cloud-url", "", "cloud platform WebSocket endpoint")
	mockHardware  = flag.Bool("mock-hardware", false, "use an in-memory GPIO driver instead of sysfs (for development)")
	versionFlag   = flag.Bool("version", false, "print build version and exit")
	verbose       = flag.Bool("v", false, "enable verbose logging")
	metricsEnable = flag.Bool("metrics-enable", false, "enable the Prometheus metrics endpoint")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for Prometheus metrics")
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("version: %s\ncommit: %s\ndate: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		os.Exit(0)
	}

	if *clientID == "" {
		logger.Error("client-id is required")
		os.Exit(1)
	}
	if *cloudURL == "" {
		logger.Error("cloud-url is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	secr, err := secrets.Load(*secretsFile, logger)
	if err != nil {
		logger.Error("failed to load secrets", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	var reporter *metrics.Registry
	if *metricsEnable {
		reporter = metrics.New(reg)
		go serveMetrics(logger, reg, *metricsAddr)
	} else {
		reporter = metrics.New(prometheus.NewRegistry())
	}

	// Only config errors are fatal. A hardware init failure degrades to the
	// mock driver instead: the alarm engine, API, and cloud uplink keep
	// running with siren/floodlight/door/panic lines inert rather than the
	// whole agent refusing to start over one bad GPIO line.
	driver, err := buildDriver(cfg, *mockHardware)
	if err != nil {
		if errors.Is(err, sentryerr.Config) {
			logger.Error("invalid GPIO configuration", "error", err)
			os.Exit(1)
		}
		logger.Error("GPIO driver unavailable, running with hardware disabled", "error", err)
		driver = gpio.NewMock()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			driver.EmergencyShutdown()
			logger.Error("panic recovered, forced outputs off", "panic", r)
			panic(r)
		}
	}()

	// An offline queue the agent can't open degrades to running without
	// durable buffering rather than refusing to start: the cloud client and
	// engine both tolerate a nil queue, live delivery and the local API
	// keep working, only reconnect replay is lost.
	q, err := queue.Open(*queueDir,
		queue.WithMaxAge(cfg.Queue.MaxAge),
		queue.WithMaxCount(cfg.Queue.MaxCount),
	)
	if err != nil {
		logger.Error("offline queue unavailable, running without durable buffering", "error", err)
		q = nil
	}

	eventBus := bus.New(bus.WithMetrics(reporter.Bus))
	defer eventBus.Close()

	clock := clockwork.NewRealClock()
	timers := timer.NewService(clock, eventBus)

	engineCfg := alarm.Config{
		DefaultExitDelay:      cfg.Timing.DefaultExitDelay,
		DefaultEntryDelay:     cfg.Timing.DefaultEntryDelay,
		SirenMaxDuration:      cfg.Timing.SirenMaxDuration,
		FloodlightMaxDuration: cfg.Timing.FloodlightMaxDuration,
	}
	engine := alarm.New(engineCfg, clock, *clientID, eventBus, eventBus, timers, driver, logger)

	cloudClient := cloud.New(cloud.Config{
		URL:   *cloudURL,
		Token: secr.CloudToken,
	}, q, eventBus, eventBus, clock, logger, reporter.Cloud)
	if q != nil {
		engine.AddSink(q)
	}
	engine.AddSink(cloudClient)

	apiSrv := api.New(engine, eventBus, eventBus, api.WithSockFile(*sockFile), api.WithBaseContext(ctx), api.WithLogger(logger))

	errCh := make(chan error, 3)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				driver.EmergencyShutdown()
				logger.Error("alarm engine panic, forced outputs off", "panic", r)
				panic(r)
			}
		}()
		engine.Run(ctx)
		errCh <- nil
	}()
	go cloudClient.Run(ctx)
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	go watchHardwareInputs(ctx, driver, eventBus, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("fatal error", "error", err)
		}
	}

	apiSrv.Close()
	driver.EmergencyShutdown()
	driver.Close()
}

func serveMetrics(logger *slog.Logger, reg *prometheus.Registry, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to start metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics server started", "address", lis.Addr().String())
	if err := http.Serve(lis, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
