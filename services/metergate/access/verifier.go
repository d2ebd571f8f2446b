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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/MeterGate/services/metergate/observability"
)

// HTTPClient is implemented by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPVerifierConfig configures an HTTPVerifier.
type HTTPVerifierConfig struct {
	// BaseURL of the comparison service. Requests go to BaseURL + "/verify".
	BaseURL string

	// Timeout bounds one request. Default: 10s
	Timeout time.Duration

	// RatePerSecond limits outgoing calls. Zero disables the limit.
	RatePerSecond float64

	// Burst allows short spikes above the rate. Default: 1
	Burst int
}

// HTTPVerifier calls the external face/voice comparison service.
//
// # Thread Safety
//
// Safe for concurrent use.
type HTTPVerifier struct {
	endpoint string
	client   HTTPClient
	limiter  *rate.Limiter
	metrics  *observability.Metrics
}

// NewHTTPVerifier creates an HTTPVerifier. A nil client gets an
// *http.Client with cfg.Timeout.
func NewHTTPVerifier(cfg HTTPVerifierConfig, client HTTPClient, metrics *observability.Metrics) (*HTTPVerifier, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("verifier base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &HTTPVerifier{
		endpoint: base + "/verify",
		client:   client,
		limiter:  limiter,
		metrics:  metrics,
	}, nil
}

// Verify implements Verifier. Any transport error or non-2xx status is a
// failure.
func (v *HTTPVerifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	start := time.Now()
	result, err := v.verify(ctx, req)
	v.metrics.RecordVerifier(time.Since(start), err == nil)
	return result, err
}

func (v *HTTPVerifier) verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return VerifyResult{}, fmt.Errorf("verifier rate limit: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("encode verify request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("verifier unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return VerifyResult{}, fmt.Errorf("verifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result VerifyResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return VerifyResult{}, fmt.Errorf("decode verify response: %w", err)
	}
	return result, nil
}

// UnconfiguredVerifier fails every comparison. It stands in when no
// verifier URL is set, so authorization refuses instead of approving.
type UnconfiguredVerifier struct{}

// Verify implements Verifier.
func (UnconfiguredVerifier) Verify(context.Context, VerifyRequest) (VerifyResult, error) {
	return VerifyResult{}, errors.New("verifier not configured")
}
