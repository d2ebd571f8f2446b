// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/MeterGate/services/metergate/observability"
)

// SnapshotReader is the realtime dependency of the Sampler.
type SnapshotReader interface {
	Read(ctx context.Context) (Snapshot, error)
}

// ReadingAccumulator is the engine dependency of the Sampler.
type ReadingAccumulator interface {
	Accumulate(ctx context.Context, r Reading) (Result, error)
}

// SamplerConfig configures the tick sampler.
type SamplerConfig struct {
	// Interval between ticks. Must be positive.
	Interval time.Duration

	// Timeout bounds one tick. Default: Interval
	Timeout time.Duration
}

// SampleResult describes one tick.
type SampleResult struct {
	PowerDrawW float64
	EnergyKWh  float64
	Skipped    bool
	Result     Result
}

// Sampler turns the realtime power draw into periodic electricity readings.
//
// # Description
//
// On each tick the instantaneous draw (W) is integrated over the interval
// into kWh and accumulated. A zero or negative draw is skipped. Tick errors
// are logged and do not stop the loop.
//
// # Thread Safety
//
// Start and Stop may be called from different goroutines.
type Sampler struct {
	reader  SnapshotReader
	engine  ReadingAccumulator
	config  SamplerConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewSampler creates a Sampler.
func NewSampler(reader SnapshotReader, engine ReadingAccumulator, config SamplerConfig, logger *slog.Logger, metrics *observability.Metrics) *Sampler {
	if config.Timeout <= 0 {
		config.Timeout = config.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		reader:  reader,
		engine:  engine,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Start begins ticking until ctx is cancelled or Stop is called.
func (s *Sampler) Start(ctx context.Context) error {
	if s.config.Interval <= 0 {
		return fmt.Errorf("sampler interval must be positive, got %s", s.config.Interval)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sampler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("usage sampler starting", slog.String("interval", s.config.Interval.String()))
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop ends the loop and waits for an in-flight tick to finish.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("usage sampler stopped")
	return nil
}

// RunNow performs one tick synchronously.
func (s *Sampler) RunNow(ctx context.Context) (SampleResult, error) {
	snap, err := s.reader.Read(ctx)
	if err != nil {
		return SampleResult{}, fmt.Errorf("read realtime snapshot: %w", err)
	}

	res := SampleResult{PowerDrawW: snap.PowerDraw}
	res.EnergyKWh = EnergyKWh(snap.PowerDraw, s.config.Interval)
	if res.EnergyKWh <= 0 {
		res.Skipped = true
		return res, nil
	}

	energy := res.EnergyKWh
	out, err := s.engine.Accumulate(ctx, Reading{Electricity: &energy})
	if err != nil {
		return res, fmt.Errorf("accumulate sampled energy: %w", err)
	}
	res.Result = out
	return res, nil
}

// EnergyKWh integrates a constant draw in watts over d.
func EnergyKWh(watts float64, d time.Duration) float64 {
	if watts <= 0 || d <= 0 {
		return 0
	}
	return watts * d.Hours() / 1000
}

func (s *Sampler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("usage sampler stopped (context cancelled)")
			return
		case <-done:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	res, err := s.RunNow(tickCtx)
	switch {
	case err != nil:
		s.metrics.RecordIngest("sampler", "error")
		s.logger.Error("usage sampler tick failed", slog.String("error", err.Error()))
	case res.Skipped:
		s.metrics.RecordIngest("sampler", "skipped")
		s.logger.Debug("usage sampler tick skipped, no power draw")
	default:
		s.metrics.RecordIngest("sampler", "accepted")
		s.logger.Debug("usage sampler tick accumulated",
			slog.Float64("energy_kwh", res.EnergyKWh),
			slog.String("key", string(res.Result.Key)),
		)
	}
}
