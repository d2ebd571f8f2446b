// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest receives device readings over MQTT and feeds them to the
// accumulation engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/usage"
)

// MQTTConfig configures the subscriber.
type MQTTConfig struct {
	// Broker URL, e.g. "tcp://mosquitto:1883".
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic carrying JSON readings: {"electricity": "1.2", "gas": "0.1"}.
	Topic string

	// QoS for the subscription. Default: 1
	QoS byte

	// ConnectTimeout bounds the initial connect. Default: 10s
	ConnectTimeout time.Duration

	// HandleTimeout bounds one accumulate call. Default: 5s
	HandleTimeout time.Duration
}

// MQTTSubscriber accumulates every valid reading published on a topic.
//
// # Thread Safety
//
// paho delivers messages on its own goroutines; HandleMessage is safe for
// concurrent use.
type MQTTSubscriber struct {
	cfg     MQTTConfig
	engine  usage.ReadingAccumulator
	client  mqtt.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewMQTTSubscriber builds the client. Nothing connects until Start.
func NewMQTTSubscriber(cfg MQTTConfig, engine usage.ReadingAccumulator, logger *slog.Logger, metrics *observability.Metrics) (*MQTTSubscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "metergate"
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &MQTTSubscriber{cfg: cfg, engine: engine, logger: logger, metrics: metrics}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetCleanSession(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Start connects to the broker. The subscription is (re)made on every
// connect.
func (s *MQTTSubscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out after %s", s.cfg.Broker, s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// Stop unsubscribes and disconnects, giving in-flight work 250ms.
func (s *MQTTSubscriber) Stop() {
	if !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
	s.logger.Info("mqtt subscriber stopped")
}

func (s *MQTTSubscriber) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.HandleMessage)
	if token.WaitTimeout(s.cfg.ConnectTimeout) && token.Error() == nil {
		s.logger.Info("mqtt subscribed", slog.String("topic", s.cfg.Topic), slog.Int("qos", int(s.cfg.QoS)))
		return
	}
	err := token.Error()
	if err == nil {
		err = errors.New("subscribe timed out")
	}
	s.logger.Error("mqtt subscribe failed", slog.String("topic", s.cfg.Topic), slog.String("error", err.Error()))
}

// HandleMessage is the paho message callback.
//
// A message is acked once it was accumulated or rejected as invalid. A
// reading that failed in the engine stays unacked, so the broker delivers
// it again on the next session.
func (s *MQTTSubscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandleTimeout)
	defer cancel()

	res, err := s.handle(ctx, msg.Payload())
	switch {
	case err == nil:
		s.metrics.RecordIngest("mqtt", "accepted")
		s.logger.Debug("mqtt reading accumulated",
			slog.String("topic", msg.Topic()),
			slog.String("key", string(res.Key)),
			slog.Bool("accumulated", res.Accumulated),
		)
		msg.Ack()
	case apperr.Is(err, apperr.KindValidation):
		s.metrics.RecordIngest("mqtt", "rejected")
		s.logger.Warn("mqtt reading rejected", slog.String("topic", msg.Topic()), slog.String("error", err.Error()))
		msg.Ack()
	default:
		s.metrics.RecordIngest("mqtt", "error")
		s.logger.Error("mqtt reading failed, left for redelivery",
			slog.String("topic", msg.Topic()),
			slog.Int("message_id", int(msg.MessageID())),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MQTTSubscriber) handle(ctx context.Context, payload []byte) (usage.Result, error) {
	reading, err := usage.ParseReading(payload)
	if err != nil {
		return usage.Result{}, err
	}
	return s.engine.Accumulate(ctx, reading)
}
