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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MeterGate/services/metergate/observability"
)

// --- Mock HTTP Client ---

type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func TestNewHTTPVerifier_RequiresURL(t *testing.T) {
	_, err := NewHTTPVerifier(HTTPVerifierConfig{BaseURL: "  "}, nil, nil)
	assert.Error(t, err)
}

func TestHTTPVerifier_Contract(t *testing.T) {
	var got VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"match":true,"confidence":0.87,"face_status":"match","voice_status":"close"}`))
	}))
	defer server.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	v, err := NewHTTPVerifier(HTTPVerifierConfig{BaseURL: server.URL + "/"}, nil, metrics)
	require.NoError(t, err)

	req := VerifyRequest{
		CapturedImageURL:     "https://cdn.example/c.jpg",
		CapturedAudioLevel:   60,
		RegisteredImageURL:   "https://cdn.example/r.jpg",
		RegisteredVoiceLevel: 70,
		SubjectID:            "user-1",
	}
	res, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, VerifyResult{Match: true, Confidence: 0.87, FaceStatus: "match", VoiceStatus: "close"}, res)
	assert.Equal(t, req, got)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.VerifierDurationSeconds))
}

func TestHTTPVerifier_Non2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	v, err := NewHTTPVerifier(HTTPVerifierConfig{BaseURL: server.URL}, nil, nil)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), VerifyRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPVerifier_BadJSONIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	v, err := NewHTTPVerifier(HTTPVerifierConfig{BaseURL: server.URL}, nil, nil)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), VerifyRequest{})
	assert.Error(t, err)
}

func TestHTTPVerifier_TransportError(t *testing.T) {
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	v, err := NewHTTPVerifier(HTTPVerifierConfig{BaseURL: "http://verifier:9000"}, client, nil)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), VerifyRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestHTTPVerifier_RateLimitHonoursContext(t *testing.T) {
	calls := 0
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		rec := httptest.NewRecorder()
		_, _ = rec.WriteString(`{"match":false}`)
		return rec.Result(), nil
	}}
	v, err := NewHTTPVerifier(HTTPVerifierConfig{BaseURL: "http://verifier", RatePerSecond: 0.001, Burst: 1}, client, nil)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), VerifyRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = v.Verify(ctx, VerifyRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, calls)
}

func TestUnconfiguredVerifier(t *testing.T) {
	_, err := UnconfiguredVerifier{}.Verify(context.Background(), VerifyRequest{})
	assert.EqualError(t, err, "verifier not configured")
}
