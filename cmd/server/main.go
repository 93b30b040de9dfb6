package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	"github.com/example/driver-dispatch/internal/feed"
	"github.com/example/driver-dispatch/internal/gating"
	"github.com/example/driver-dispatch/internal/geo"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/lifecycle"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/payments"
	"github.com/example/driver-dispatch/internal/storage"
)

// backend is what the process needs from its system of record.
type backend interface {
	lifecycle.Backend
	feed.Fetcher
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "driver-dispatch")
	slog.SetDefault(logger)
	logger = logger.With("driver_id", cfg.DriverID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()
	ready := map[string]httpapi.ReadyCheck{}

	var (
		store  backend
		source feed.Source
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		closers = append(closers, pg.Close)
		ready["postgres"] = func(ctx context.Context) error { return pg.DB().PingContext(ctx) }
		if cfg.RunMigrations {
			if err := migrate(ctx, pg, logger); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}
		store = pg
	} else {
		mem := storage.NewMemoryStore()
		mem.UpsertDriver(models.DriverProfile{DriverID: cfg.DriverID, VehicleClass: cfg.VehicleClass, DebtCeiling: 1000})
		logger.Warn("PG_DSN not set; using in-memory backend")
		store, source = mem, mem
	}
	if len(cfg.KafkaBrokers) > 0 {
		source = &ingest.RideStream{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaRideTopic,
			GroupID: cfg.KafkaGroupPrefix + "-" + cfg.DriverID,
			Logger:  logger,
		}
	}

	var mirrors []geo.Mirror
	var redisGeo *geo.RedisGeo
	if cfg.RedisAddr != "" {
		redisGeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, redisGeo.Close)
		ready["redis"] = redisGeo.Ping
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, producer.Close)
		mirrors = append(mirrors, producer)
	} else if redisGeo != nil {
		mirrors = append(mirrors, redisGeo)
	}
	tracker := geo.NewTracker(cfg.DriverID, logger, mirrors...)
	if redisGeo != nil {
		if p, ok, err := redisGeo.Last(ctx, cfg.DriverID); err == nil && ok {
			tracker.Update(ctx, p)
		}
	}

	gate := gating.New(cfg.ToggleDebounce)
	profile, err := store.DriverProfile(ctx, cfg.DriverID)
	if err != nil {
		logger.Error("load driver profile", "error", err)
		os.Exit(1)
	}
	gate.Seed(profile)
	if cfg.VehicleClass == "" {
		cfg.VehicleClass = profile.VehicleClass
	}
	filter := feed.Eligibility{VehicleClass: cfg.VehicleClass}

	rideFeed := feed.New(filter, gate, cfg.CommissionRate)
	annotator := &eta.Annotator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		annotator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	rideFeed.SetAnnotator(func(c *models.RideCandidate) {
		if p, ok := tracker.Current(); ok {
			annotator.Annotate(p.Coord, c)
		}
	})

	var notifier lifecycle.Notifier
	if cfg.PushEndpoint != "" {
		notifier = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}
	collector := &payments.Collector{Currency: cfg.PaymentCurrency, Logger: logger}
	if cfg.StripeAPIKey != "" {
		collector.Cards = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	wsReg := dispatch.NewWSRegistry(nil, logger)
	machine := lifecycle.New(lifecycle.Config{
		DriverID:       cfg.DriverID,
		RingSeconds:    cfg.RingSeconds,
		AutoCompleteKm: cfg.AutoCompleteKm,
		CancelSettleKm: cfg.CancelSettleKm,
		SyncAttempts:   cfg.SyncAttempts,
		SyncDelay:      cfg.SyncDelay,
		NotifyTimeout:  cfg.NotifyTimeout,
	}, lifecycle.Deps{
		Feed:     rideFeed,
		Gate:     gate,
		Backend:  store,
		Notifier: notifier,
		Payments: collector,
		Position: tracker,
		Observer: wsReg,
		Logger:   logger,
	})

	sub := &feed.Subscriber{
		Fetcher:  store,
		Sink:     machine,
		Filter:   filter,
		DriverID: cfg.DriverID,
		Logger:   logger,
	}
	machine.SetResync(func() { sub.Reconcile(ctx) })
	wsReg.SessionChanged(machine.Snapshot())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		machine.Run(ctx, time.Second)
	}()
	go func() {
		defer wg.Done()
		if source == nil {
			logger.Warn("no ride stream configured; polling the backend")
			pollReconcile(ctx, sub, 5*time.Second)
			return
		}
		sub.Source = source
		if err := sub.Run(ctx); err != nil {
			logger.Error("ride stream stopped", "error", err)
		}
	}()

	api := httpapi.NewServer(machine, tracker, wsReg, logger)
	for name, check := range ready {
		api.Ready[name] = check
	}
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("driver dispatch listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("driver dispatch stopped")
}

func migrate(ctx context.Context, pg *storage.PostgresStore, logger *slog.Logger) error {
	name := "001_driver_dispatch.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return err
	}
	if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", name)
	return nil
}

// pollReconcile stands in for the realtime stream when none is configured.
func pollReconcile(ctx context.Context, sub *feed.Subscriber, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	sub.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sub.Reconcile(ctx)
		}
	}
}
