/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command agent-console runs the call-session core of an agent's console:
// it registers the agent's softphone, follows the backend event stream and
// serves the local control API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	dialer "github.com/tejzpr/dialer-console-go"
	"github.com/tejzpr/dialer-console-go/config"
	"github.com/tejzpr/dialer-console-go/controlapi"
	"github.com/tejzpr/dialer-console-go/metrics"
	"github.com/tejzpr/dialer-console-go/publisher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (optional; DIALER_* variables override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("agent console stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.LogLevel())
	var logger zerolog.Logger
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Str("service", "agent-console").Logger()
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.New("dialer_console")
	client, err := dialer.NewClient(cfg.API.Token, cfg.APIClient(logger),
		dialer.WithEventStream(cfg.StreamURL(), cfg.EventStream()),
		dialer.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	agent := cfg.SIP.Extension
	if claims, err := client.Core().Claims(); err != nil {
		logger.Warn().Err(err).Msg("could not read agent identity from token")
	} else {
		if claims.Expired(time.Now()) {
			return errors.New("access token has expired")
		}
		agent = strconv.FormatInt(claims.AgentID, 10)
		logger = logger.With().Int64("agent_id", claims.AgentID).Logger()
	}

	console, err := client.Console(ctx, cfg.CallingConfig(cfg.SIP.Extension))
	if err != nil {
		return fmt.Errorf("building console: %w", err)
	}
	console.Start()
	registerer := client.Registerer()

	var mirror *publisher.SessionMirror
	var pub publisher.Publisher
	if cfg.MQTT.Enabled {
		pub, err = publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		})
		if err != nil {
			console.Close()
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		logger.Info().Str("broker", cfg.MQTT.Broker).Msg("connected to MQTT broker")

		mirror = publisher.NewSessionMirror(pub, publisher.MirrorOptions{
			Prefix: cfg.MQTT.TopicPrefix,
			Agent:  agent,
			Logger: logger,
		})
		mirror.Start(console.Events())
	}

	stream := client.EventStream()
	if err := stream.Connect(cfg.API.Token); err != nil {
		logger.Error().Err(err).Msg("failed to start event stream")
	}
	if err := registerer.Connect(ctx); err != nil {
		// not retried; POST /line/register tries again
		logger.Error().Err(err).Msg("failed to start softphone")
	}

	if cfg.Control.Listen != "" {
		api := controlapi.NewAPI(console, m.Handler(), logger)
		api.SetLine(registerer)
		go func() {
			if err := api.Start(ctx, cfg.Control.Listen); err != nil {
				logger.Error().Err(err).Msg("control API stopped")
			}
		}()
	}

	logger.Info().Str("agent", agent).Str("dial_mode", cfg.Calling.DialMode).Msg("agent console ready")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := console.Hangup(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("hangup on shutdown failed")
	}
	console.Close()
	if err := registerer.Disconnect(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("softphone disconnect failed")
	}
	stream.Disconnect()
	if mirror != nil {
		mirror.Stop()
	}
	if pub != nil {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("MQTT close failed")
		}
	}
	return nil
}
