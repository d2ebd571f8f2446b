// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// AuditSink receives every stored audit entry for external delivery.
type AuditSink interface {
	Publish(ctx context.Context, entry AuditEntry) error
	Close() error
}

// NopAuditSink discards entries.
type NopAuditSink struct{}

// Publish implements AuditSink.
func (NopAuditSink) Publish(context.Context, AuditEntry) error { return nil }

// Close implements AuditSink.
func (NopAuditSink) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSinkConfig configures a KafkaAuditSink.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string

	// WriteTimeout bounds one publish. Default: 5s
	WriteTimeout time.Duration
}

// KafkaAuditSink publishes audit entries as JSON, keyed by subject so one
// subject's entries stay on one partition in order.
type KafkaAuditSink struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaAuditSink creates a sink writing to cfg.Topic.
func NewKafkaAuditSink(cfg KafkaSinkConfig) (*KafkaAuditSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka audit sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka audit sink: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaAuditSink(w, cfg.WriteTimeout), nil
}

func newKafkaAuditSink(w messageWriter, timeout time.Duration) *KafkaAuditSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaAuditSink{writer: w, timeout: timeout}
}

// Publish implements AuditSink.
func (s *KafkaAuditSink) Publish(ctx context.Context, entry AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(entry.UserID),
		Value: value,
		Time:  time.UnixMilli(entry.Timestamp),
		Headers: []kafka.Header{
			{Key: "result", Value: []byte(entry.Result)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaAuditSink) Close() error {
	return s.writer.Close()
}
