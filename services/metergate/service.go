// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metergate assembles the MeterGate service.
//
// New opens the record store and wires every component over it:
//
//   - the accumulation engine, fed by HTTP, MQTT, and the power sampler
//   - the merge reader over usage, usage_history, and optionally InfluxDB
//   - the realtime snapshot reader
//   - the authorization pipeline, its verifier client, and the Kafka audit sink
//   - the seeder behind administrative reset
//
// # Usage
//
//	cfg, err := config.Load("metergate.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := metergate.New(cfg, logger.Slog())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package metergate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/MeterGate/services/metergate/access"
	"github.com/AleutianAI/MeterGate/services/metergate/config"
	"github.com/AleutianAI/MeterGate/services/metergate/handlers"
	"github.com/AleutianAI/MeterGate/services/metergate/ingest"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/routes"
	mgbadger "github.com/AleutianAI/MeterGate/services/metergate/storage/badger"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
	"github.com/AleutianAI/MeterGate/services/metergate/usage"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the MeterGate process lifecycle.
type Service interface {
	// Run serves HTTP and the background workers until ctx is cancelled,
	// then shuts down within server.shutdown_timeout.
	Run(ctx context.Context) error

	// Router returns the configured gin engine for tests.
	Router() *gin.Engine

	// Close releases every resource. Run calls it on return.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg    config.Config
	logger *slog.Logger

	db       *mgbadger.DB
	store    *store.BadgerStore
	registry *prometheus.Registry
	metrics  *observability.Metrics

	engine   *usage.Accumulator
	pipeline *access.Pipeline
	sink     access.AuditSink
	sampler  *usage.Sampler
	mqtt     *ingest.MQTTSubscriber
	influx   influxdb2.Client

	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New builds the service from cfg. Optional integrations (OTLP, InfluxDB,
// Kafka, MQTT, sampler) are enabled by their config keys.
func New(cfg config.Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{cfg: cfg, logger: logger}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = observability.NewMetrics(s.registry)

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, err
	}

	if err := s.initAccess(); err != nil {
		s.cleanup()
		return nil, err
	}

	s.engine = usage.NewAccumulator(s.store, usage.AccumulatorOptions{
		MaxAbstainRetries: cfg.Usage.MaxAbstainRetries,
		Logger:            logger.With("component", "accumulator"),
		Metrics:           s.metrics,
	})

	sources, err := s.initSources()
	if err != nil {
		s.cleanup()
		return nil, err
	}

	realtime := usage.NewRealtimeReader(s.store, logger.With("component", "realtime"))

	if cfg.Sampler.Interval > 0 {
		s.sampler = usage.NewSampler(realtime, s.engine, usage.SamplerConfig{
			Interval: cfg.Sampler.Interval,
			Timeout:  cfg.Server.RequestTimeout,
		}, logger.With("component", "sampler"), s.metrics)
	}

	if cfg.MQTT.Broker != "" {
		s.mqtt, err = ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			Topic:         cfg.MQTT.Topic,
			HandleTimeout: cfg.MQTT.HandleTimeout,
		}, s.engine, logger.With("component", "mqtt"), s.metrics)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to create MQTT subscriber: %w", err)
		}
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	routes.SetupRoutes(s.router, routes.Dependencies{
		Engine:     s.engine,
		Merger:     usage.NewMergeReader(usage.MergeOptions{Logger: logger.With("component", "merge"), Metrics: s.metrics}),
		Sources:    sources,
		Realtime:   realtime,
		Authorizer: s.pipeline,
		Captures:   s.pipeline.Captures(),
		Audit:      s.pipeline.AuditLog(),
		Users:      s.pipeline.Users(),
		Seeder:     NewSeeder(s.store, cfg, logger, s.metrics),
		Gatherer:   s.registry,
		Metrics:    s.metrics,

		AdminToken:     cfg.Server.AdminToken,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	return s, nil
}

// Run starts the background workers and the HTTP server.
func (s *service) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warn("service close error", "error", err)
		}
	}()

	if s.sampler != nil {
		if err := s.sampler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sampler: %w", err)
		}
		s.logger.Info("power sampler started", "interval", s.cfg.Sampler.Interval.String())
	}
	if s.mqtt != nil {
		if err := s.mqtt.Start(); err != nil {
			// AutoReconnect keeps trying in the background.
			s.logger.Warn("MQTT broker not reachable yet", "broker", s.cfg.MQTT.Broker, "error", err)
		}
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting MeterGate server", "port", s.cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down MeterGate server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops workers, then closes the sink, the store, and the tracer.
func (s *service) Close() error {
	return s.cleanup()
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initStore() error {
	var err error
	s.db, err = OpenStore(s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.store = store.NewBadgerStore(s.db, store.BadgerOptions{
		MaxConflictRetries: s.cfg.Store.MaxConflictRetries,
		ConflictBackoff:    s.cfg.Store.ConflictBackoff,
		MaxConflictBackoff: s.cfg.Store.MaxConflictBackoff,
		OnConflict:         s.metrics.RecordConflict,
	})
	return nil
}

func (s *service) initAccess() error {
	var verifier access.Verifier = access.UnconfiguredVerifier{}
	if s.cfg.Verifier.URL != "" {
		v, err := access.NewHTTPVerifier(access.HTTPVerifierConfig{
			BaseURL:       s.cfg.Verifier.URL,
			Timeout:       s.cfg.Verifier.Timeout,
			RatePerSecond: s.cfg.Verifier.RatePerSecond,
			Burst:         s.cfg.Verifier.Burst,
		}, nil, s.metrics)
		if err != nil {
			return fmt.Errorf("failed to create verifier client: %w", err)
		}
		verifier = v
	} else {
		s.logger.Warn("verifier.url not set, every authorization will fail at the verifier step")
	}

	s.sink = access.NopAuditSink{}
	if len(s.cfg.Kafka.Brokers) > 0 {
		sink, err := access.NewKafkaAuditSink(access.KafkaSinkConfig{
			Brokers: s.cfg.Kafka.Brokers,
			Topic:   s.cfg.Kafka.Topic,
		})
		if err != nil {
			return fmt.Errorf("failed to create Kafka audit sink: %w", err)
		}
		s.sink = sink
		s.logger.Info("Kafka audit sink enabled", "topic", s.cfg.Kafka.Topic)
	}

	s.pipeline = access.NewPipeline(s.store, verifier, access.PipelineOptions{
		Sink:    s.sink,
		Logger:  s.logger.With("component", "access"),
		Metrics: s.metrics,
	})
	return nil
}

// initSources returns usage as primary, usage_history and InfluxDB (when
// configured) as auxiliary.
func (s *service) initSources() (handlers.UsageSources, error) {
	sources := handlers.UsageSources{
		Primary: usage.CollectionSource{Store: s.store, Collection: store.CollectionUsage},
		Auxiliary: []usage.Source{
			usage.CollectionSource{Store: s.store, Collection: store.CollectionUsageHistory},
		},
	}
	if s.cfg.Influx.URL == "" {
		return sources, nil
	}

	s.influx = influxdb2.NewClient(s.cfg.Influx.URL, s.cfg.Influx.Token)
	src, err := usage.NewInfluxSource(s.influx.QueryAPI(s.cfg.Influx.Org), usage.InfluxSourceConfig{
		Bucket:      s.cfg.Influx.Bucket,
		Measurement: s.cfg.Influx.Measurement,
		Lookback:    s.cfg.Influx.Lookback,
	})
	if err != nil {
		return handlers.UsageSources{}, fmt.Errorf("failed to create InfluxDB source: %w", err)
	}
	sources.Auxiliary = append(sources.Auxiliary, src)
	s.logger.Info("InfluxDB archive source enabled", "bucket", s.cfg.Influx.Bucket)
	return sources, nil
}

// initTracer installs an OTLP gRPC exporter when otel.endpoint is set.
// Without one, spans stay in an in-process provider with no exporter.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(s.cfg.OTel.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	if s.cfg.OTel.Endpoint == "" {
		provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(provider)
		return func(ctx context.Context) { _ = provider.Shutdown(ctx) }, nil
	}

	conn, err := grpc.NewClient(s.cfg.OTel.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	s.logger.Info("OTLP trace exporter enabled", "endpoint", s.cfg.OTel.Endpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

// cleanup releases resources in reverse dependency order. Safe on a
// partially built service.
func (s *service) cleanup() error {
	var errs []error

	if s.mqtt != nil {
		s.mqtt.Stop()
		s.mqtt = nil
	}
	if s.sampler != nil {
		if err := s.sampler.Stop(); err != nil {
			s.logger.Debug("sampler stop", "error", err)
		}
		s.sampler = nil
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit sink: %w", err))
		}
		s.sink = nil
	}
	if s.influx != nil {
		s.influx.Close()
		s.influx = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.db = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Shared constructors
// =============================================================================

// OpenStore opens the badger database described by cfg.Store.
func OpenStore(cfg config.Config, logger *slog.Logger) (*mgbadger.DB, error) {
	dbCfg := mgbadger.DefaultConfig()
	dbCfg.Path = cfg.Store.Path
	dbCfg.InMemory = cfg.Store.InMemory
	dbCfg.SyncWrites = cfg.Store.SyncWrites
	dbCfg.GCInterval = cfg.Store.GCInterval
	dbCfg.Logger = logger.With("component", "badger")

	db, err := mgbadger.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return db, nil
}

// NewSeeder builds the usage seeder for HTTP and offline resets.
func NewSeeder(st store.Store, cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) *usage.Seeder {
	return usage.NewSeeder(st, usage.SeederOptions{
		DatasetPath: cfg.Seed.Path,
		Logger:      logger.With("component", "seeder"),
		Metrics:     metrics,
	})
}

// Reset clears and reseeds the usage collection without starting the
// server. The store must not be open by another process.
func Reset(ctx context.Context, cfg config.Config, logger *slog.Logger) (usage.ResetResult, error) {
	db, err := OpenStore(cfg, logger)
	if err != nil {
		return usage.ResetResult{}, err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close record store", "error", err)
		}
	}()

	st := store.NewBadgerStore(db, store.BadgerOptions{
		MaxConflictRetries: cfg.Store.MaxConflictRetries,
		ConflictBackoff:    cfg.Store.ConflictBackoff,
		MaxConflictBackoff: cfg.Store.MaxConflictBackoff,
	})
	return NewSeeder(st, cfg, logger, nil).Reset(ctx)
}

var _ Service = (*service)(nil)
