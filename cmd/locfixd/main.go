package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/markus-lassfolk/locfix/pkg"
	"github.com/markus-lassfolk/locfix/pkg/api"
	"github.com/markus-lassfolk/locfix/pkg/gps"
	"github.com/markus-lassfolk/locfix/pkg/journal"
	"github.com/markus-lassfolk/locfix/pkg/logx"
	"github.com/markus-lassfolk/locfix/pkg/metrics"
	"github.com/markus-lassfolk/locfix/pkg/mqtt"
	"github.com/markus-lassfolk/locfix/pkg/pidfile"
	"github.com/markus-lassfolk/locfix/pkg/tracing"
	"github.com/markus-lassfolk/locfix/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "", "Override PID file path")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	once       = flag.Bool("once", false, "Run a single acquisition, print the result as JSON and exit")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing an existing PID file")
)

const (
	AppName    = "locfixd"
	AppVersion = "0.3.0"

	statusInterval = time.Minute
	pruneInterval  = time.Hour
)

// daemon holds everything main wires together
type daemon struct {
	cfg    *uci.Config
	logger *logx.Logger
	perf   *logx.PerformanceLogger

	receiver     gnssSource
	mqttClient   *mqtt.Client
	cache        *gps.FixCache
	google       *gps.GoogleLocator
	journal      *journal.Journal
	collector    *metrics.Collector
	orchestrator *gps.Orchestrator
	service      *gps.AcquisitionService
}

// gnssSource is a GNSS receiver that also answers the GPS enabled query
type gnssSource interface {
	gps.GNSSReceiver
	gps.GPSStatusOracle
}

// noNetworkLocator stands in when no geolocation key is configured
type noNetworkLocator struct{}

func (noNetworkLocator) CurrentLocation(ctx context.Context, maxAge time.Duration) (*pkg.LocationSample, error) {
	return nil, nil
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	os.Exit(run())
}

func run() int {
	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration %s: %v\n", *configPath, err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *pidPath != "" {
		cfg.PIDFile = *pidPath
	}

	logger := logx.NewLogger(cfg.LogLevel, AppName)
	for _, w := range cfg.Warnings() {
		logger.Warn("Configuration warning", "warning", w)
	}

	shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{Exporter: cfg.TraceExporter})
	if err != nil {
		logger.Error("Failed to set up tracing", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	if *once {
		return runOnce(cfg, logger)
	}

	pidFile := pidfile.New(cfg.PIDFile)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Warn("Failed to check for running instance", "error", err)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", cfg.PIDFile)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use -force to override, or stop the existing instance first\n")
			return 1
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			return 1
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", cfg.PIDFile)
		return 1
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting locfix daemon", "version", AppVersion, "pid", os.Getpid(), "config", *configPath)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize daemon", "error", err)
		return 1
	}
	defer d.close()

	apiOpts := []api.Option{
		api.WithProviderStats(d.orchestrator),
		api.WithMetricsHandler(d.collector.Handler()),
		api.WithHealthCheck("version", func() interface{} { return AppVersion }),
	}
	if d.journal != nil {
		apiOpts = append(apiOpts, api.WithAttemptLog(d.journal))
	}
	if d.google != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck("network_breaker", func() interface{} { return d.google.BreakerState() }))
	}
	server := api.NewServer(d.service, api.Config{Listen: cfg.Listen, AuthKey: cfg.APIKey}, logger.With("component", "api"), apiOpts...)
	if err := server.Start(); err != nil {
		logger.Error("Failed to start API server", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go d.runLoop(ctx)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, dumping performance metrics")
			d.perf.LogMetrics()
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig)
		break
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}
	logger.Info("Graceful shutdown completed")
	return 0
}

// runOnce performs a single acquisition and prints the result
func runOnce(cfg *uci.Config, logger *logx.Logger) int {
	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return 1
	}
	defer d.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result := d.service.Acquire(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Error("Failed to encode result", "error", err)
		return 1
	}
	if !result.OK() {
		return 1
	}
	return 0
}

func newDaemon(cfg *uci.Config, logger *logx.Logger) (*daemon, error) {
	d := &daemon{
		cfg:    cfg,
		logger: logger,
		perf:   logx.NewPerformanceLogger(logger.With("component", "perf"), cfg.Acquisition.GPSTimeout),
	}
	ready := false
	defer func() {
		if !ready {
			d.close()
		}
	}()

	var err error

	d.collector, err = metrics.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	if cfg.MQTT.Enabled {
		d.mqttClient = mqtt.NewClient(cfg.MQTT, logger.With("component", "mqtt"))
		if err := d.mqttClient.Connect(); err != nil {
			if cfg.GNSSBackend == uci.GNSSBackendMQTT {
				return nil, fmt.Errorf("failed to connect MQTT: %w", err)
			}
			logger.Warn("MQTT unavailable, results will not be published", "error", err)
			d.mqttClient = nil
		}
	}

	switch cfg.GNSSBackend {
	case uci.GNSSBackendMQTT:
		receiver := mqtt.NewGNSSReceiver(d.mqttClient, logger.With("component", "gnss"))
		if err := receiver.Start(); err != nil {
			return nil, fmt.Errorf("failed to start MQTT GNSS receiver: %w", err)
		}
		d.receiver = receiver
	default:
		d.receiver = gps.NewGpsctlReceiver(time.Duration(cfg.GNSSPollIntervalMS)*time.Millisecond, logger.With("component", "gnss"))
	}

	var network gps.NetworkLocator = noNetworkLocator{}
	if cfg.GoogleAPIKey != "" {
		d.google, err = gps.NewGoogleLocator(gps.GoogleLocatorConfig{
			APIKey:             cfg.GoogleAPIKey,
			BaseURL:            cfg.GoogleBaseURL,
			BreakerMaxFailures: uint32(cfg.BreakerMaxFailures),
			BreakerOpenTimeout: time.Duration(cfg.BreakerOpenTimeoutS) * time.Second,
			RequestsPerMinute:  cfg.RequestsPerMinute,
		}, logger.With("component", "network"))
		if err != nil {
			return nil, fmt.Errorf("failed to create network locator: %w", err)
		}
		network = d.google
	}

	d.cache, err = gps.OpenFixCache(cfg.FusedCachePath, time.Duration(cfg.FusedMaxAgeS)*time.Second, logger.With("component", "fused"))
	if err != nil {
		return nil, fmt.Errorf("failed to open fix cache: %w", err)
	}

	if cfg.JournalEnabled {
		d.journal, err = journal.Open(cfg.Journal, logger.With("component", "journal"))
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	acq := cfg.Acquisition
	d.orchestrator = gps.NewOrchestrator(
		gps.NewGNSSProvider(d.receiver, logger),
		gps.NewNetworkProvider(network, acq.NetworkMaxCachedAge, logger),
		gps.NewFusedProvider(d.cache, logger),
		acq, logger,
		gps.WithFixRecorder(d.cache),
		gps.WithProviderObserver(d.collector),
		gps.WithPerformanceLogger(d.perf),
	)

	var permission gps.PermissionOracle = gps.ExecPermission{Command: cfg.LocationPermissionCmd}
	if cfg.LocationPermissionCmd == "" {
		permission = gps.StaticPermission(true)
	}

	opts := []gps.ServiceOption{
		gps.WithResultObserver(d.collector),
		gps.WithAcquireTiming(d.perf),
	}
	if d.journal != nil {
		opts = append(opts, gps.WithResultObserver(d.journal))
	}
	if d.mqttClient != nil {
		opts = append(opts, gps.WithResultObserver(d.mqttClient))
	}
	d.service = gps.NewAcquisitionService(acq, permission, d.receiver, d.orchestrator, logger, opts...)

	if cfg.Reference != nil {
		d.service.SetRegisteredReferenceLocation(*cfg.Reference)
		logger.Info("Registered reference loaded from configuration", "location", cfg.Reference.String())
	}
	ready = true
	return d, nil
}

// runLoop drives periodic acquisition, status publishing and journal pruning
func (d *daemon) runLoop(ctx context.Context) {
	var acquireC <-chan time.Time
	if d.cfg.AcquireIntervalS > 0 {
		t := time.NewTicker(time.Duration(d.cfg.AcquireIntervalS) * time.Second)
		defer t.Stop()
		acquireC = t.C
		d.acquire(ctx)
	}

	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-acquireC:
			d.acquire(ctx)
		case <-statusTicker.C:
			d.publishStatus()
		case <-pruneTicker.C:
			d.prune(ctx)
		}
	}
}

func (d *daemon) acquire(ctx context.Context) {
	result := d.service.Acquire(ctx)
	if result.OK() {
		d.service.SetLastKnownLocation(result.Success.Location)
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	d.logger.Warn("Periodic acquisition failed", "attempt_id", result.AttemptID, "outcome", result.Outcome())
}

func (d *daemon) publishStatus() {
	if d.mqttClient == nil {
		return
	}
	stats := d.service.Stats()
	status := map[string]interface{}{
		"version":      AppVersion,
		"attempts":     stats.Attempts,
		"successes":    stats.Successes,
		"last_outcome": stats.LastOutcome,
		"gps_enabled":  d.receiver.GPSEnabled(context.Background()),
	}
	if d.google != nil {
		status["network_breaker"] = d.google.BreakerState()
	}
	if err := d.mqttClient.PublishStatus(status); err != nil {
		d.logger.Debug("Failed to publish status", "error", err)
	}
}

func (d *daemon) prune(ctx context.Context) {
	if d.journal == nil {
		return
	}
	removed, err := d.journal.Prune(ctx)
	if err != nil {
		d.logger.Warn("Journal prune failed", "error", err)
		return
	}
	if removed > 0 {
		d.logger.Info("Journal pruned", "removed", removed)
	}
}

func (d *daemon) close() {
	if r, ok := d.receiver.(*mqtt.GNSSReceiver); ok {
		if err := r.Stop(); err != nil {
			d.logger.Warn("Failed to stop GNSS receiver", "error", err)
		}
	}
	if d.mqttClient != nil {
		d.mqttClient.Disconnect()
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("Failed to close journal", "error", err)
		}
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Warn("Failed to close fix cache", "error", err)
		}
	}
	d.perf.LogMetrics()
}
