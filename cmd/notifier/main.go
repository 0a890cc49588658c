package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/logging"
	"github.com/aquamans/pondwatch/internal/notification"
	"github.com/aquamans/pondwatch/internal/queue"
	"github.com/aquamans/pondwatch/internal/retry"
	"github.com/aquamans/pondwatch/pkg/config"
)

const statsInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.Setup("info", false)
		l.Fatal().Err(err).Msg("failed to load configuration")
	}
	base := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	logger := logging.Component("notifier")

	notifier := notification.NewEmailNotifier(&cfg.SMTP, base)
	if cfg.SMTP.Username == "" {
		logger.Warn().Msg("SMTP not configured, alerts will be logged only")
	}

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "pondwatch-notifier"
	}
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, groupID)
	defer consumer.Close()
	logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.TopicAlerts).Str("group", groupID).Msg("consuming alerts")

	relay := notification.NewRelay(consumer, notifier, retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx)
	}()
	go logStats(ctx, logger, consumer, relay)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	<-done
}

func logStats(ctx context.Context, logger zerolog.Logger, consumer *queue.Consumer, relay *notification.Relay) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cs := consumer.Stats()
		rs := relay.Stats()
		logger.Info().
			Int64("messages", cs.Messages).
			Int64("errors", cs.Errors).
			Int64("lag", cs.Lag).
			Int64("rebalances", cs.Rebalances).
			Uint64("delivered", rs.Delivered).
			Uint64("dropped", rs.Dropped).
			Uint64("undecodable", rs.Undecodable).
			Msg("notifier statistics")
	}
}
