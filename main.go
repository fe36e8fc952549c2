package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func signalHandler(logger *zap.SugaredLogger, cancel context.CancelFunc, sigs chan os.Signal) {
	sig := <-sigs
	logger.Infow("MAIN: exiting", "signal", sig.String())
	cancel()
}

func main() {
	cfg, err := readConfig()
	if err != nil {
		log.Fatalf("config: %+v", err)
	}

	logger, err := newLogger(cfg.LogJSON, cfg.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("MAIN: fatal error", "error", err)
	}
}

func run(cfg *Config, logger *zap.SugaredLogger) error {
	baseCtx := context.Background()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go signalHandler(logger, cancel, sigs)

	store, err := OpenStateStore(cfg.StatePath, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("MAIN: closing state store failed", "error", err)
		}
	}()

	snap, err := store.Load()
	if err != nil {
		return errors.Wrap(err, "load persisted state")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := newMetrics(reg)

	clk := clock.New()
	device := newDeviceTransport(cfg.DeviceURL, cfg.CommandTimeout)
	dispatcher := newDispatcher(ctx, device, m, logger.Named("dispatch"))
	saver := newDebouncer(clk, cfg.PersistDebounce, store, m, logger.Named("store"))

	engine := newEngine(cfg.engineConfig(), dispatcher, saver, logger.Named("engine"),
		withHistory(store), withMetrics(m), withClock(clk))
	engine.Restore(snap)

	var alarmDevice sender
	if cfg.AlarmDeviceURL != "" {
		alarmDevice = newDeviceTransport(cfg.AlarmDeviceURL, cfg.CommandTimeout)
	} else {
		logger.Infow("MAIN: no alarm device configured, alarms only notify")
	}
	var n notifier = noopNotifier{}
	if cfg.notificationsEnabled() {
		n = newHaService(ctx, cfg.HaURI, cfg.HaToken, cfg.NotifyDevice, logger.Named("ha"))
	}
	_ = newAlarmService(ctx, engine.Subscribe(), alarmDevice, n, clk, cfg.AlarmDuration, logger.Named("alarm"))

	ticker, err := newTickService(engine, cfg.TickInterval, logger.Named("ticker"))
	if err != nil {
		return err
	}
	ticker.start()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newAPIRouter(engine, store, reg, logger.Named("api")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("MAIN: listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	logger.Infow("MAIN: start main loop", "baths", cfg.BathCount)
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			err = errors.Wrap(err, "http server")
		}
	}
	logger.Infow("MAIN: end main loop")

	ticker.stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warnw("MAIN: http shutdown failed", "error", serr)
	}
	cancel()
	saver.Flush()
	return err
}
