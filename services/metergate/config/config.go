// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads MeterGate service configuration.
//
// # Precedence
//
// Values are resolved in this order, later wins:
//
//  1. Built-in defaults (Default)
//  2. The YAML file passed to Load
//  3. METERGATE_* environment variables
//
// Zero values left after all three are filled by applyDefaults, so a
// partially written file never produces a zero timeout or port.
//
// # Example File
//
//	server:
//	  port: 12300
//	  request_timeout: 10s
//	store:
//	  path: /var/lib/metergate
//	seed:
//	  path: /etc/metergate/gas_data.json
//	verifier:
//	  url: http://verifier:9000
//	mqtt:
//	  broker: tcp://mosquitto:1883
//	  topic: metergate/readings
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Usage    UsageConfig    `yaml:"usage"`
	Seed     SeedConfig     `yaml:"seed"`
	Sampler  SamplerConfig  `yaml:"sampler"`
	Influx   InfluxConfig   `yaml:"influx"`
	Verifier VerifierConfig `yaml:"verifier"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	OTel     OTelConfig     `yaml:"otel"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AdminToken is the bearer token required by /api/admin routes.
	AdminToken string `yaml:"admin_token"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig configures the Badger record store.
type StoreConfig struct {
	Path               string        `yaml:"path"`
	InMemory           bool          `yaml:"in_memory"`
	SyncWrites         bool          `yaml:"sync_writes"`
	GCInterval         time.Duration `yaml:"gc_interval"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
	ConflictBackoff    time.Duration `yaml:"conflict_backoff"`
	MaxConflictBackoff time.Duration `yaml:"max_conflict_backoff"`
}

// UsageConfig configures the accumulation engine.
type UsageConfig struct {
	MaxAbstainRetries int `yaml:"max_abstain_retries"`
}

// SeedConfig locates the historical dataset for administrative resets.
type SeedConfig struct {
	Path string `yaml:"path"`
}

// SamplerConfig configures the power draw sampler. A zero interval
// disables it.
type SamplerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// InfluxConfig configures the archived usage source. An empty URL
// disables it.
type InfluxConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Org         string        `yaml:"org"`
	Bucket      string        `yaml:"bucket"`
	Measurement string        `yaml:"measurement"`
	Lookback    time.Duration `yaml:"lookback"`
}

// VerifierConfig configures the face/voice comparison client.
type VerifierConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// KafkaConfig configures audit fan-out. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MQTTConfig configures device ingestion. An empty broker disables it.
type MQTTConfig struct {
	Broker        string        `yaml:"broker"`
	ClientID      string        `yaml:"client_id"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Topic         string        `yaml:"topic"`
	HandleTimeout time.Duration `yaml:"handle_timeout"`
}

// OTelConfig configures tracing export. An empty endpoint keeps spans
// in-process.
type OTelConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12300,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Path:               "./data/metergate",
			SyncWrites:         true,
			GCInterval:         5 * time.Minute,
			ConflictBackoff:    2 * time.Millisecond,
			MaxConflictBackoff: 50 * time.Millisecond,
		},
		Usage: UsageConfig{MaxAbstainRetries: 3},
		Seed:  SeedConfig{Path: "./csv/gas_data.json"},
		Influx: InfluxConfig{
			Org:         "metergate",
			Bucket:      "usage-archive",
			Measurement: "usage",
		},
		Verifier: VerifierConfig{
			Timeout:       10 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
		},
		Kafka: KafkaConfig{Topic: "metergate.access"},
		MQTT: MQTTConfig{
			ClientID:      "metergate",
			Topic:         "metergate/readings",
			HandleTimeout: 5 * time.Second,
		},
		OTel: OTelConfig{ServiceName: "metergate"},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so typos surface at startup.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays METERGATE_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("METERGATE_PORT", &cfg.Server.Port)
	dur("METERGATE_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	str("METERGATE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("METERGATE_LOG_LEVEL", &cfg.Log.Level)
	str("METERGATE_LOG_DIR", &cfg.Log.Dir)
	str("METERGATE_STORE_PATH", &cfg.Store.Path)
	str("METERGATE_SEED_PATH", &cfg.Seed.Path)
	dur("METERGATE_SAMPLER_INTERVAL", &cfg.Sampler.Interval)
	str("METERGATE_INFLUX_URL", &cfg.Influx.URL)
	str("METERGATE_INFLUX_TOKEN", &cfg.Influx.Token)
	str("METERGATE_INFLUX_ORG", &cfg.Influx.Org)
	str("METERGATE_INFLUX_BUCKET", &cfg.Influx.Bucket)
	str("METERGATE_VERIFIER_URL", &cfg.Verifier.URL)
	str("METERGATE_KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("METERGATE_MQTT_BROKER", &cfg.MQTT.Broker)
	str("METERGATE_MQTT_TOPIC", &cfg.MQTT.Topic)
	str("METERGATE_MQTT_USERNAME", &cfg.MQTT.Username)
	str("METERGATE_MQTT_PASSWORD", &cfg.MQTT.Password)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTel.Endpoint)
	str("METERGATE_OTEL_ENDPOINT", &cfg.OTel.Endpoint)

	if v := strings.TrimSpace(getenv("METERGATE_KAFKA_BROKERS")); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(getenv("METERGATE_STORE_IN_MEMORY")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("METERGATE_STORE_IN_MEMORY: %w", err))
		} else {
			cfg.Store.InMemory = b
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = def.Server.RequestTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Store.MaxConflictRetries < 0 {
		cfg.Store.MaxConflictRetries = def.Store.MaxConflictRetries
	}
	if cfg.Store.ConflictBackoff <= 0 {
		cfg.Store.ConflictBackoff = def.Store.ConflictBackoff
	}
	if cfg.Store.MaxConflictBackoff <= 0 {
		cfg.Store.MaxConflictBackoff = def.Store.MaxConflictBackoff
	}
	if cfg.Usage.MaxAbstainRetries <= 0 {
		cfg.Usage.MaxAbstainRetries = def.Usage.MaxAbstainRetries
	}
	if cfg.Influx.Measurement == "" {
		cfg.Influx.Measurement = def.Influx.Measurement
	}
	if cfg.Verifier.Timeout <= 0 {
		cfg.Verifier.Timeout = def.Verifier.Timeout
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = def.Kafka.Topic
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = def.MQTT.Topic
	}
	if cfg.MQTT.HandleTimeout <= 0 {
		cfg.MQTT.HandleTimeout = def.MQTT.HandleTimeout
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory is set"))
	}
	if c.Sampler.Interval < 0 {
		errs = append(errs, errors.New("sampler.interval must not be negative"))
	}
	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		errs = append(errs, errors.New("influx.bucket is required when influx.url is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
