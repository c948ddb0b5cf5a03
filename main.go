package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"

	"l3flow/config"
	"l3flow/internal/dashboard"
	"l3flow/internal/metrics"
	"l3flow/logger"
	"l3flow/reader"
	"l3flow/stream"
	"l3flow/writer"
)

const (
	defaultConfigPath  = "config/config.yml"
	defaultStreamsPath = "config/streams.yml"
)

// storage is everything main opened for persistence and has to close.
type storage struct {
	store      writer.Store
	secondary  []writer.EventSink
	publishers []writer.SnapshotPublisher
	spool      *writer.Spool
	closers    []io.Closer
}

func (s *storage) options() []stream.Option {
	var opts []stream.Option
	if len(s.secondary) > 0 {
		opts = append(opts, stream.WithSecondarySinks(s.secondary...))
	}
	if len(s.publishers) > 0 {
		opts = append(opts, stream.WithSnapshotPublishers(s.publishers...))
	}
	if s.spool != nil {
		opts = append(opts, stream.WithSpool(s.spool))
	}
	return opts
}

func (s *storage) close(log *logger.Log) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.WithComponent("main").WithError(err).Warn("failed to close storage")
		}
	}
}

func openStorage(ctx context.Context, cfg *config.Config, log *logger.Log) (*storage, error) {
	s := &storage{}

	if cfg.Storage.Postgres.Enabled {
		pg, err := writer.NewPostgresStore(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg)
		if cfg.Storage.Postgres.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				s.close(log)
				return nil, err
			}
		}
		s.store = pg

		if cfg.Storage.Redis.Enabled {
			cache, err := writer.NewSnapshotCache(ctx, cfg.Storage.Redis)
			if err != nil {
				// the store still works without its cache
				log.WithComponent("main").WithError(err).Warn("redis unavailable; snapshots served from postgres")
			} else {
				cached := writer.NewCachedStore(pg, cache)
				// closing the cached store closes postgres too
				s.closers[len(s.closers)-1] = cached
				s.store = cached
			}
		}
	} else {
		log.WithComponent("main").Info("postgres disabled; history kept in memory")
	}

	if cfg.Storage.S3.Enabled {
		archive, err := writer.NewS3Archive(ctx, cfg.Storage.S3, cfg.Writer.Partitioning)
		if err != nil {
			s.close(log)
			return nil, err
		}
		s.secondary = append(s.secondary, archive)
		s.publishers = append(s.publishers, archive)
	}

	if cfg.Storage.Kafka.Enabled {
		kp, err := writer.NewKafkaPublisher(cfg.Storage.Kafka)
		if err != nil {
			s.close(log)
			return nil, err
		}
		s.closers = append(s.closers, kp)
		s.secondary = append(s.secondary, kp)
		s.publishers = append(s.publishers, kp)
	}

	if cfg.Writer.SpoolDir != "" {
		spool, err := writer.OpenSpool(cfg.Writer.SpoolDir)
		if err != nil {
			s.close(log)
			return nil, err
		}
		s.closers = append(s.closers, spool)
		s.spool = spool
	}

	return s, nil
}

func startProfiler(cfg config.ProfilingConfig, log *logger.Log) func() {
	if !cfg.Enabled {
		return func() {}
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		log.WithComponent("main").WithError(err).Warn("pyroscope start failed")
		return func() {}
	}
	return func() { _ = profiler.Stop() }
}

func bootStreams(ctx context.Context, path string, m *stream.Manager, log *logger.Log) {
	if path == "" {
		return
	}
	streams, err := config.LoadStreams(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		log.WithComponent("main").WithError(err).Error("failed to load boot streams")
		return
	}
	for _, entry := range streams.Streams {
		req, err := entry.Request()
		if err != nil {
			continue
		}
		if _, err := m.Start(ctx, req); err != nil {
			log.WithComponent("main").WithError(err).WithFields(logger.Fields{
				"instrument": entry.Instrument,
				"venues":     entry.Venues,
			}).Error("failed to start boot stream")
		}
	}
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	streamsPath := flag.String("streams", defaultStreamsPath, "Path to boot stream list")

	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     env,
	}).Info("starting l3flow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopProfiler := startProfiler(cfg.Profiling, log)
	defer stopProfiler()

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace,
			cfg.Metrics.CloudWatch.Dashboard, cfg.Metrics.CloudWatch.PublishInterval)
	}

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to open storage")
		os.Exit(1)
	}
	defer store.close(log)

	manager := stream.NewManager(cfg, reader.NewFactory(cfg), store.store, store.options()...)

	sinks := []logger.ReportSink{func(context.Context, logger.Report) { manager.ReportWriters() }}
	if cfg.Metrics.CloudWatch.Enabled {
		sinks = append(sinks, metrics.PublishReport)
	}
	reportInterval := cfg.Logging.ReportInterval
	if strings.ToLower(cfg.Logging.Level) == "report" && reportInterval <= 0 {
		reportInterval = 30 * time.Second
	}
	logger.StartReport(ctx, log, reportInterval, sinks...)
	metrics.StartQueueMetrics(ctx, time.Second, manager.QueueDepths)

	dashCfg := cfg.Dashboard
	if dashCfg.DiskPath == "" {
		dashCfg.DiskPath = cfg.Writer.SpoolDir
	}
	dash, err := dashboard.NewServer(dashCfg, log, manager.Statuses)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	dashDone := make(chan struct{})
	go func() {
		defer close(dashDone)
		if err := dash.Run(ctx); err != nil {
			log.WithComponent("main").WithError(err).Warn("dashboard stopped")
		}
	}()

	bootStreams(ctx, config.ResolveConfigPath(*streamsPath, defaultStreamsPath), manager, log)
	booted := len(manager.Statuses())
	if booted == 0 && config.IsProductionLike(env) {
		log.WithFields(logger.Fields{"env": env}).Error("no boot streams started")
		_ = manager.Close(ctx)
		store.close(log)
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"streams": booted}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := manager.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("streams did not stop cleanly")
	}
	cancel()

	select {
	case <-dashDone:
		log.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("l3flow stopped")
}
