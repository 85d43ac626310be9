package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	picopad "github.com/amir6dev/rstunnel/PicoPad"
)

var version = "0.4.0"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "/etc/picopad/config.yaml", "path to config file")
	configShort := flag.String("c", "", "alias for -config")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PicoPad %s\n", version)
		return
	}

	cfgPath := *configPath
	if *configShort != "" {
		cfgPath = *configShort
	}

	cfg, err := picopad.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := picopad.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	picopad.SetLogger(logger)

	// Graceful shutdown: handle SIGTERM/SIGINT
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	watcher := picopad.NewWatcher(cfgPath, cfg, logger)
	g.Go(func() error {
		if err := watcher.Run(ctx); err != nil {
			// Hot reload is optional; padding keeps running on the startup config.
			logger.Warn("config watcher unavailable", zap.Error(err))
		}
		return nil
	})

	logger.Info("starting",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("session", cfg.SessionID))

	var cleanup func()
	switch cfg.Mode {
	case "server":
		runServer(ctx, g, cfg, logger)
	case "client":
		cleanup = runClient(ctx, g, cfg, watcher, logger)
	}

	err = g.Wait()
	if cleanup != nil {
		cleanup()
	}
	if err != nil {
		logger.Fatal("fatal error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func runServer(ctx context.Context, g *errgroup.Group, cfg *picopad.Config, logger *zap.Logger) {
	stats := picopad.NewSinkStats()
	srv := picopad.NewServer(cfg, stats, logger)
	dash := picopad.NewDashboard(cfg.Dashboard, picopad.DashboardOptions{
		Mode:    "server",
		Version: version,
		Sink:    srv,
		Logger:  logger,
	})

	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error {
		stats.RunLogger(ctx, 60*time.Second, logger)
		return nil
	})
	g.Go(func() error { return dash.Run(ctx) })
}

func runClient(ctx context.Context, g *errgroup.Group, cfg *picopad.Config, watcher *picopad.Watcher, logger *zap.Logger) func() {
	store, err := picopad.OpenStore(ctx, cfg.Store, cfg.SessionID)
	if err != nil {
		logger.Warn("store unavailable, metrics will not persist",
			zap.String("backend", cfg.Store.Backend), zap.Error(err))
		store = picopad.NewMemoryStore()
	}

	prom := picopad.NewPromMetrics("picopad")
	rec := picopad.NewRecorder(ctx, picopad.RecorderOptions{
		Store:   store,
		Prom:    prom,
		LogSize: cfg.Padding.TransitionLogSize,
		Logger:  logger,
	})

	var (
		emitter picopad.Emitter
		closeFn func() error
	)
	switch cfg.Emitter.Transport {
	case "tunnel":
		te, err := picopad.NewTunnelEmitter(&cfg.Tunnel, logger)
		if err != nil {
			logger.Fatal("tunnel emitter", zap.Error(err))
		}
		emitter, closeFn = te, te.Close
	default:
		he, err := picopad.NewHTTPEmitter(&cfg.Emitter, logger)
		if err != nil {
			logger.Fatal("http emitter", zap.Error(err))
		}
		emitter = he
		closeFn = func() error { he.CloseIdleConnections(); return nil }
	}

	machine := picopad.NewMachine(picopad.MachineOptions{
		Emitter:        emitter,
		Recorder:       rec,
		Logger:         logger,
		Timing:         cfg.Padding.Timing(),
		Bins:           cfg.Padding.Bins,
		RealMethods:    cfg.Padding.RealMethods,
		MaxPayload:     cfg.Emitter.MaxPayload,
		MaxDummyPerSec: cfg.Padding.MaxDummyPerSec,
	})
	machine.Configure(cfg.Settings())
	picopad.WatchSettings(watcher, machine)

	proxy := picopad.NewProxy(machine, &cfg.Proxy, logger)
	dash := picopad.NewDashboard(cfg.Dashboard, picopad.DashboardOptions{
		Mode:    "client",
		Version: version,
		Machine: machine,
		Prom:    prom,
		Logger:  logger,
	})

	g.Go(func() error { return machine.Run(ctx) })
	g.Go(func() error {
		rec.Run(ctx)
		return nil
	})
	g.Go(func() error { return proxy.ListenAndServe(ctx, cfg.Proxy.Listen) })
	g.Go(func() error { return dash.Run(ctx) })

	return func() {
		closeFn()
		store.Close()
	}
}
