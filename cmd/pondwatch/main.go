package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/api"
	"github.com/aquamans/pondwatch/internal/cache"
	"github.com/aquamans/pondwatch/internal/capture"
	"github.com/aquamans/pondwatch/internal/capture/camera"
	"github.com/aquamans/pondwatch/internal/database"
	"github.com/aquamans/pondwatch/internal/inference"
	"github.com/aquamans/pondwatch/internal/inference/dnn"
	"github.com/aquamans/pondwatch/internal/ingest"
	"github.com/aquamans/pondwatch/internal/logging"
	"github.com/aquamans/pondwatch/internal/notification"
	"github.com/aquamans/pondwatch/internal/pipeline"
	"github.com/aquamans/pondwatch/internal/queue"
	"github.com/aquamans/pondwatch/internal/retry"
	"github.com/aquamans/pondwatch/internal/stream"
	"github.com/aquamans/pondwatch/internal/thermal"
	"github.com/aquamans/pondwatch/internal/throttle"
	"github.com/aquamans/pondwatch/internal/viewer"
	"github.com/aquamans/pondwatch/pkg/config"
)

const stalledViewerTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.Setup("info", false)
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Str("ingest_mode", cfg.Ingest.Mode).Msg("starting pondwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		db       *database.DB
		readings api.ReadingSource
		apiPort  ingest.Port
		loopPort ingest.Port
	)

	// The store is only needed when this process owns it
	if cfg.Ingest.Mode == config.IngestModeStore {
		db, err = database.Connect(cfg.Database.ConnectionString())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		logger.Info().Str("host", cfg.Database.Host).Str("db", cfg.Database.DBName).Msg("connected to database")

		if cfg.Database.RunMigrations {
			if err := db.RunMigrations(cfg.Database.MigrationsDir); err != nil {
				logger.Fatal().Err(err).Msg("failed to run migrations")
			}
		}
		readings = db

		var snapshots ingest.SnapshotProvider = db
		if cfg.Redis.Enabled {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				logger.Warn().Err(err).Msg("redis unreachable, snapshot cache will fall back to the database")
			}
			snapshots = cache.NewSnapshotCache(rdb, db, cfg.Redis.SnapshotTTL, logger)
		}

		sinks, closeSinks := buildAlertSinks(cfg, logger)
		defer closeSinks()

		var alerts ingest.AlertSink
		if len(sinks) > 0 {
			// delivery runs off the capture loop; drained before the sinks close
			dispatcher := notification.NewDispatcher(sinks, notification.DefaultQueueSize, notification.DefaultAlertTimeout, logger)
			defer dispatcher.Close()
			alerts = dispatcher
		}
		loopPort = ingest.NewStorePort(db, snapshots, alerts, logger)
	} else {
		loopPort = ingest.NewHTTPPort(cfg.Ingest.URL, cfg.Ingest.Timeout, logger)
		logger.Info().Str("url", cfg.Ingest.URL).Msg("posting detections to remote API")
	}

	retrying := ingest.WithRetry(loopPort, retry.Policy{
		MaxAttempts: cfg.Ingest.RetryAttempts,
		BaseDelay:   cfg.Ingest.RetryBase,
		MaxDelay:    cfg.Ingest.RetryBase * 8,
	}, logger)
	if cfg.Ingest.Mode == config.IngestModeStore {
		// remote capture loops get the same retry budget as the local one
		apiPort = retrying
	}

	var detector inference.Detector
	if d, err := dnn.Load(cfg.Model); err != nil {
		logger.Error().Err(err).Str("model", cfg.Model.Path).Msg("failed to load model, frames will pass through unannotated")
	} else {
		defer d.Close()
		detector = d
		logger.Info().Str("model", cfg.Model.Path).Strs("labels", cfg.Model.Labels).Msg("model loaded")
	}

	stage := inference.NewStage(detector, inference.StageConfig{
		ConfidenceThreshold: float32(cfg.Model.ConfidenceThreshold),
		MinBoxSide:          cfg.Model.MinBoxSide,
		DeadLabel:           cfg.Model.DeadLabel,
	}, logger)

	manager := capture.NewManager(camera.NewOpener(cfg.Camera, logger), logger)
	schedule := thermal.NewSchedule(cfg.Thermal.ActiveWindow, cfg.Thermal.RestDuration, time.Now())
	publisher := stream.NewPublisher(cfg.Stream.JPEGQuality, logger)
	viewers := viewer.NewRegistry(cfg.Stream.MaxViewers)

	var mirror http.Handler
	if cfg.Stream.MJPEGMirror {
		m := mjpeg.NewStream()
		publisher.SetMirror(m)
		mirror = m
	}

	loop := pipeline.New(
		manager,
		schedule,
		throttle.New(cfg.Evidence.MinInterval),
		stage,
		retrying,
		publisher,
		pipeline.Config{
			ReadBackoff:         cfg.Camera.ReadBackoff,
			MaxReadFailures:     cfg.Camera.MaxReadFailures,
			ReacquireDelay:      cfg.Camera.ReacquireDelay,
			CountUpdateInterval: cfg.Evidence.CountUpdateInterval,
			JPEGQuality:         cfg.Evidence.JPEGQuality,
		},
		logger,
	)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("capture loop exited")
		}
	}()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr(),
		Handler: api.NewServer(api.Deps{
			Readings:  readings,
			Port:      apiPort,
			Schedule:  schedule,
			Loop:      loop,
			Publisher: publisher,
			Viewers:   viewers,
			Mirror:    mirror,
		}, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	go logStats(ctx, logger, loop, publisher, viewers, manager)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	publisher.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown incomplete")
	}
	<-loopDone
	logger.Info().Msg("stopped")
}

// buildAlertSinks connects every configured alert transport. The returned
// func closes them.
func buildAlertSinks(cfg *config.Config, logger zerolog.Logger) (notification.Fanout, func()) {
	var (
		sinks   notification.Fanout
		closers []func()
	)

	if cfg.Kafka.Enabled {
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
		sinks = append(sinks, producer)
		closers = append(closers, func() { producer.Close() })
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.TopicAlerts).Msg("kafka alerts enabled")
	}

	if cfg.MQTT.Enabled {
		emitter := notification.NewMQTTEmitter(cfg.MQTT, logger)
		if err := emitter.Connect(); err != nil {
			logger.Warn().Err(err).Msg("mqtt broker unreachable, retrying in background")
		}
		sinks = append(sinks, emitter)
		closers = append(closers, emitter.Disconnect)
	}

	// Without Kafka nobody runs the notifier, so mail straight from here
	if !cfg.Kafka.Enabled && cfg.SMTP.Username != "" {
		sinks = append(sinks, notification.NewEmailNotifier(&cfg.SMTP, logger))
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

func logStats(ctx context.Context, logger zerolog.Logger, loop *pipeline.Pipeline, pub *stream.Publisher, viewers *viewer.Registry, manager *capture.Manager) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := loop.Stats()
		state := loop.Schedule().State()
		dev := manager.Stats()
		vs := viewers.Stats()
		logger.Info().
			Str("state", string(state)).
			Uint64("frames_read", stats.FramesRead).
			Uint64("frames_published", stats.FramesPublished).
			Uint64("read_failures", stats.ReadFailures).
			Uint64("evidence_written", stats.EvidenceWritten).
			Uint64("evidence_dropped", stats.EvidenceDropped).
			Uint64("count_updates", stats.CountUpdates).
			Int("acquisitions", dev.Acquisitions).
			Int("viewers", vs.ActiveViewers).
			Int("max_viewers", vs.MaxViewers).
			Uint64("frames_encoded", pub.Stats().Published).
			Msg("pipeline statistics")

		if stalled := viewers.GetStalled(stalledViewerTimeout); len(stalled) > 0 {
			logger.Warn().Strs("viewers", stalled).Msg("viewers stalled")
		}
	}
}
