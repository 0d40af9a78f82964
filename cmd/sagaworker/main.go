// Command sagaworker runs the trip booking saga on a Redis stream.
//
//	sagaworker                       consume the stream until interrupted
//	sagaworker -enqueue '{"trip_id":...}'  start one saga and exit
//	sagaworker -graph                print the task graph in DOT format
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortressi/sagatask"
	"github.com/fortressi/sagatask/internal/config"
	"github.com/fortressi/sagatask/internal/tracing"
	"github.com/fortressi/sagatask/internal/tripsaga"
	"github.com/fortressi/sagatask/queue/redisqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	enqueue := flag.String("enqueue", "", "enqueue a trip booking with this JSON payload and exit")
	graph := flag.Bool("graph", false, "print the saga task graph in DOT format and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := newLogger(cfg)

	if err := run(cfg, log, *enqueue, *graph); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("sagaworker failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.LogJSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(cfg.Level()).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()
}

func run(cfg *config.Config, log zerolog.Logger, enqueue string, graph bool) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := sagatask.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	tp, shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	reg, err := tripsaga.New(tripsaga.NewSimulator(),
		sagatask.WithLogger(log),
		sagatask.WithMetrics(metrics),
		sagatask.WithTracerProvider(tp),
	)
	if err != nil {
		return fmt.Errorf("compile saga: %w", err)
	}

	if graph {
		g, err := reg.Graph()
		if err != nil {
			return err
		}
		dot, err := g.ExportToDot(tripsaga.Name)
		if err != nil {
			return err
		}
		fmt.Println(dot)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	if enqueue != "" {
		if err := redisqueue.NewQueue(client, cfg.Queue.Stream).Enqueue(ctx, tripsaga.Name, []byte(enqueue)); err != nil {
			return err
		}
		log.Info().Str("task", tripsaga.Name).Msg("saga enqueued")
		return nil
	}

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	worker := redisqueue.NewWorker(client, reg, cfg.Queue, log)
	err = worker.Start(ctx)
	log.Info().Msg("shutdown complete")
	return err
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
