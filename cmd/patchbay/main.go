package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/api"
	"github.com/patchbay-proxy/patchbay/internal/auditor"
	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/config"
	"github.com/patchbay-proxy/patchbay/internal/dataplane"
	"github.com/patchbay-proxy/patchbay/internal/healer"
	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/metrics"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/resolution"
	"github.com/patchbay-proxy/patchbay/internal/scanner"
	"github.com/patchbay-proxy/patchbay/internal/supervisor"
	"github.com/patchbay-proxy/patchbay/internal/thoughts"
	"github.com/patchbay-proxy/patchbay/internal/tunnel"
)

var version = "dev"

// Exit codes: 2 misconfiguration, 3 startup composition rejected by the
// dataplane, 4 working directories unwritable.
const (
	exitMisconfig    = 2
	exitStartupApply = 3
	exitUnwritable   = 4
)

func main() {
	configPath := flag.String("config", "patchbay.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("patchbay %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitMisconfig)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitMisconfig)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := cfg.EnsureDirs(); err != nil {
		logging.Error("working directories unwritable", zap.Error(err))
		os.Exit(exitUnwritable)
	}

	logging.Info("starting patchbay",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen", cfg.Listen),
		zap.String("snippets", cfg.SnippetDir),
	)

	if err := run(cfg); err != nil {
		logging.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Thought stream with a persisted JSONL log.
	thoughtLog, err := thoughts.OpenLog(filepath.Join(cfg.StateDir(), "thoughts.log"))
	if err != nil {
		return fmt.Errorf("open thought log: %w", err)
	}
	defer thoughtLog.Close()
	m := metrics.New()
	bus := thoughts.NewBus(thoughtLog)
	defer bus.Close()
	bus.OnDrop(func(n uint64) { m.ThoughtsDropped.Add(float64(n)) })

	reg := registry.New()
	tun := tunnel.NewResolver(cfg.Tunnel.AdminURL, cfg.Tunnel.CacheTTL)

	resols, err := resolution.Open(filepath.Join(cfg.StateDir(), "resolutions.json"))
	if err != nil {
		return fmt.Errorf("open resolution store: %w", err)
	}

	engine := &dataplane.ExecEngine{Binary: cfg.Dataplane.Binary}
	adapter := dataplane.NewAdapter(engine, cfg.BuildDir(), cfg.Dataplane.ValidateTimeout)
	sup := supervisor.New(cfg, compose.New(resols), resols, adapter, reg, bus, m)

	// First composition must go live before anything is served.
	if _, err := sup.Recompose(ctx); err != nil {
		logging.Error("startup composition rejected", zap.Error(err))
		os.Exit(exitStartupApply)
	}

	reports := scanner.NewReportStore(filepath.Join(cfg.StateDir(), "reports-latest.json"))
	scan := scanner.New(scanner.Options{
		Period:         cfg.Scanner.Period,
		Concurrency:    cfg.Scanner.Concurrency,
		RequestTimeout: cfg.Scanner.RequestTimeout,
		ConnectTimeout: cfg.Scanner.ConnectTimeout,
		LocalOrigin:    cfg.Dataplane.LocalOrigin,
		OnEscalate:     sup.HandleEscalation,
	}, reg, tun, reports, bus, m)

	heal := healer.New(healer.Options{
		MaxStrategies:   cfg.Healer.MaxStrategies,
		AttemptDeadline: cfg.Healer.AttemptDeadline,
		RouteCooldown:   cfg.Healer.RouteCooldown,
	}, sup, reg, scan, bus, m)
	sup.AttachHealer(heal)

	aud := auditor.New(&auditor.ExecRunner{
		Sandboxed: cfg.Auditor.Mode == "sandboxed",
		Image:     cfg.Auditor.Image,
	}, tun, auditor.Options{Timeout: cfg.Auditor.Timeout})

	apiServer := api.New(api.Options{
		SessionSecret:   cfg.Session.Secret,
		SessionPassword: cfg.Session.Password,
		SessionTTL:      cfg.Session.TTL,
		LocalOrigin:     cfg.Dataplane.LocalOrigin,
	}, reg, reports, bus, heal, aud, m, sup)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scan.Run(scanCtx)
	}()

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := sup.Watch(ctx); err != nil {
			logging.Error("snippet watcher stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("control API listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control API: %w", err)
	case <-ctx.Done():
	}

	// Shutdown order: stop scanning, drain healing attempts, then close the
	// HTTP surface.
	logging.Info("shutting down")
	stopScan()
	<-scanDone
	sup.DrainHeals(5 * time.Second)
	<-watchDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
