// README: Location consumer; feeds driver positions and status from Kafka into the GEO store.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"swiftride/internal/config"
	"swiftride/internal/infra"
	"swiftride/internal/logging"
	"swiftride/internal/modules/geomatch"
)

func main() {
	cfg, err := config.LoadLocations()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("swiftride-locations stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	reader, err := geomatch.NewLocationReader(cfg.Kafka.Brokers, cfg.Kafka.LocationsTopic, cfg.Kafka.GroupID)
	if err != nil {
		return err
	}
	defer reader.Close()

	geoSvc := geomatch.NewService(geomatch.NewRedisStore(redisClient), cfg.Matching, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("consuming driver locations", "topic", cfg.Kafka.LocationsTopic, "group", cfg.Kafka.GroupID, "brokers", cfg.Kafka.Brokers)
		return geoSvc.Consume(gctx, reader, log)
	})
	return g.Wait()
}
