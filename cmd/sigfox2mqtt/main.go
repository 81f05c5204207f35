// Command sigfox2mqtt polls the Sigfox Cloud API V2 for one account
// and republishes device state over MQTT, Prometheus metrics, and a
// read-only HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/config"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/coordinator"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/metrics"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/mqtt"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/server"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/sigfox"
)

const startupTimeout = 30 * time.Second

func main() {
	// A .env file is a convenience for local runs; the real environment
	// always wins.
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("sigfox2mqtt exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	client := sigfox.NewClient(sigfox.Config{
		BaseURL:      cfg.APIBaseURL,
		Login:        cfg.APILogin,
		Password:     cfg.APIPassword,
		Token:        cfg.APIToken,
		DeviceTypeID: cfg.DeviceTypeID,
	})

	// Fail fast on bad credentials instead of discovering them on the
	// first poll.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	err := client.CheckCredentials(startupCtx)
	cancelStartup()
	switch {
	case sigfox.IsAuth(err):
		return err
	case err != nil:
		// The API may simply be down right now; the poll loop retries
		// on its own schedule.
		log.Warn().Err(err).Msg("credential check inconclusive, starting anyway")
	default:
		log.Info().Msg("sigfox credentials verified")
	}

	var subscribers []coordinator.Subscriber
	var publisher *mqtt.Publisher
	if cfg.MQTTBrokerURL != "" {
		publisher, err = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:       cfg.MQTTBrokerURL,
			Username:        cfg.MQTTUsername,
			Password:        cfg.MQTTPassword,
			TopicPrefix:     cfg.MQTTTopicPrefix,
			DiscoveryPrefix: cfg.MQTTDiscoveryPrefix,
			Logger:          log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			return err
		}
		subscribers = append(subscribers, publisher)
	} else {
		log.Info().Msg("no mqtt broker configured, publisher disabled")
	}

	coord := coordinator.New(coordinator.Config{
		Client:           client,
		Subscribers:      subscribers,
		Logger:           log.With().Str("component", "coordinator").Logger(),
		Interval:         cfg.PollInterval,
		MessageLimit:     cfg.MessageLimit,
		FetchConcurrency: cfg.FetchConcurrency,
	})

	registry := metrics.NewRegistry(coord)
	httpServer := server.NewHTTPServer(
		cfg.HTTPAddr,
		server.NewRouter(coord, registry),
		log.With().Str("component", "http").Logger(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		coord.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			stop()
			<-pollDone
			if publisher != nil {
				publisher.Close()
			}
			return fmt.Errorf("http server: %w", err)
		}
	}

	stop()
	<-pollDone
	if publisher != nil {
		publisher.Close()
	}
	if err := httpServer.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
