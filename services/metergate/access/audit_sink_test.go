// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package access

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	w.messages = append(w.messages, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNopAuditSink(t *testing.T) {
	var sink AuditSink = NopAuditSink{}
	assert.NoError(t, sink.Publish(context.Background(), AuditEntry{}))
	assert.NoError(t, sink.Close())
}

func TestNewKafkaAuditSink_Validation(t *testing.T) {
	_, err := NewKafkaAuditSink(KafkaSinkConfig{Topic: "access"})
	assert.Error(t, err)
	_, err = NewKafkaAuditSink(KafkaSinkConfig{Brokers: []string{"kafka:9092"}})
	assert.Error(t, err)

	sink, err := NewKafkaAuditSink(KafkaSinkConfig{Brokers: []string{"kafka:9092"}, Topic: "access"})
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestKafkaAuditSink_MessageShape(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaAuditSink(w, time.Second)

	entry := AuditEntry{
		Timestamp:        1_718_000_000_000,
		Result:           ResultApproval,
		UserID:           "user-7",
		LogMessage:       "face: match, voice: match, confidence: 0.99",
		CapturedImageURL: "https://cdn.example/c.jpg",
	}
	require.NoError(t, sink.Publish(context.Background(), entry))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "user-7", string(msg.Key))
	assert.Equal(t, time.UnixMilli(1_718_000_000_000), msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "result", msg.Headers[0].Key)
	assert.Equal(t, "approval", string(msg.Headers[0].Value))

	var decoded AuditEntry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, entry, decoded)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaAuditSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := newKafkaAuditSink(w, 0)

	err := sink.Publish(context.Background(), AuditEntry{UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}
