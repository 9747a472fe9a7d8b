// README: Entry point; loads config, wires services, starts HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"swiftride/internal/config"
	"swiftride/internal/events"
	httptransport "swiftride/internal/http"
	"swiftride/internal/infra"
	"swiftride/internal/logging"
	"swiftride/internal/maps"
	"swiftride/internal/modules/dispatch"
	"swiftride/internal/modules/geomatch"
	"swiftride/internal/modules/ledger"
	"swiftride/internal/modules/pricing"
	"swiftride/internal/modules/ride"
	"swiftride/internal/modules/settlement"
	"swiftride/internal/notify"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("swiftride-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var outbound events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic)
		defer kp.Close()
		outbound = kp
		log.Info("publishing domain events to kafka", "topic", cfg.Kafka.EventsTopic)
	}
	bus := events.NewBus(log, outbound)

	var routes pricing.RouteEstimator
	var labeler ride.Labeler
	if cfg.Pricing.MapsAPIKey != "" {
		rs, err := maps.NewRouteService(cfg.Pricing.MapsAPIKey, "")
		if err != nil {
			return err
		}
		routes = pricing.FallbackRoutes{Primary: rs, Fallback: pricing.StraightLineRoutes{}, Log: log}
		labeler = rs
	}

	pricingSvc, err := pricing.NewService(
		pricing.NewStore(dbPool),
		pricing.NewRedisQuoteCache(redisClient),
		routes,
		pricing.NewSigner(cfg.Pricing.QuoteSecret),
		cfg.Pricing,
		log,
	)
	if err != nil {
		return err
	}

	rideStore := ride.NewStore(dbPool)
	rideSvc := ride.NewService(rideStore, pricingSvc, bus, cfg.Ride, log).WithRates(pricingSvc)
	if labeler != nil {
		rideSvc.WithLabeler(labeler)
	}

	geoSvc := geomatch.NewService(geomatch.NewRedisStore(redisClient), cfg.Matching, log)
	dispatchSvc := dispatch.NewService(dispatch.NewStore(dbPool), geoSvc, rideSvc, bus, cfg.Dispatch, cfg.Matching, log)
	ledgerSvc := ledger.NewService(ledger.NewStore(dbPool), log)
	settlementSvc := settlement.NewService(rideSvc, ledgerSvc, pricingSvc, bus, cfg.Settlement, log)

	tokens := notify.NewRedisTokenDirectory(redisClient)
	var sender notify.Sender = notify.NewLogSender(log)
	if cfg.Firebase.ProjectID != "" {
		fcm, err := infra.NewFirebaseMessaging(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		sender = notify.NewFCMSender(fcm)
	}
	notifier := notify.NewDispatcher(tokens, sender, log)
	defer notifier.Wait()

	// Order matters: the driver is claimed before offers go out, and money moves before pushes.
	bus.Subscribe("geomatch", geoSvc.HandleEvent)
	bus.Subscribe("dispatch", dispatchSvc.HandleEvent)
	bus.Subscribe("settlement", settlementSvc.HandleEvent)
	bus.Subscribe("notify", notifier.HandleEvent)

	api := httptransport.NewServer(httptransport.ServerDeps{
		Pricing:    pricingSvc,
		Rides:      rideSvc,
		Dispatch:   dispatchSvc,
		Geo:        geoSvc,
		Ledger:     ledgerSvc,
		Settlement: settlementSvc,
		Tokens:     tokens,
		Log:        log,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		dispatchSvc.RunExpirySweeper(gctx)
		return nil
	})
	g.Go(func() error {
		settlementSvc.RunRepair(gctx)
		return nil
	})
	return g.Wait()
}
