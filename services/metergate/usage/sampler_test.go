// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

type mockSnapshotReader struct {
	ReadFunc func(ctx context.Context) (Snapshot, error)
}

func (m *mockSnapshotReader) Read(ctx context.Context) (Snapshot, error) {
	return m.ReadFunc(ctx)
}

type recordingAccumulator struct {
	mu       sync.Mutex
	readings []Reading
}

func (r *recordingAccumulator) Accumulate(ctx context.Context, reading Reading) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, reading)
	return Result{Accumulated: true, Key: "k"}, nil
}

func (r *recordingAccumulator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func TestEnergyKWh(t *testing.T) {
	assert.InDelta(t, 1.0, EnergyKWh(1000, time.Hour), 1e-12)
	assert.InDelta(t, 0.25, EnergyKWh(250, time.Hour), 1e-12)
	assert.InDelta(t, 0.01, EnergyKWh(600, time.Minute), 1e-12)
	assert.Equal(t, 0.0, EnergyKWh(0, time.Hour))
	assert.Equal(t, 0.0, EnergyKWh(-5, time.Hour))
	assert.Equal(t, 0.0, EnergyKWh(100, 0))
}

func TestSampler_RunNowAccumulatesEnergy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rt := NewRealtimeReader(st, quietLogger())
	require.NoError(t, rt.Write(ctx, []byte(`{"powerDraw":"2000"}`)))
	acc := NewAccumulator(st, AccumulatorOptions{Logger: quietLogger()})

	s := NewSampler(rt, acc, SamplerConfig{Interval: 30 * time.Minute}, quietLogger(), nil)

	res, err := s.RunNow(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1.0, res.EnergyKWh)

	_, err = s.RunNow(ctx)
	require.NoError(t, err)

	rec := readRecord(t, st, res.Result.Key)
	assert.Equal(t, 2.0, rec.Electricity.Value)

	all, err := st.ReadAll(ctx, store.CollectionUsage)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSampler_SkipsZeroDraw(t *testing.T) {
	reader := &mockSnapshotReader{ReadFunc: func(ctx context.Context) (Snapshot, error) {
		return Snapshot{PowerDraw: 0}, nil
	}}
	acc := &recordingAccumulator{}
	s := NewSampler(reader, acc, SamplerConfig{Interval: time.Minute}, quietLogger(), nil)

	res, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, acc.count())
}

func TestSampler_ReadError(t *testing.T) {
	reader := &mockSnapshotReader{ReadFunc: func(ctx context.Context) (Snapshot, error) {
		return Snapshot{}, errors.New("store down")
	}}
	s := NewSampler(reader, &recordingAccumulator{}, SamplerConfig{Interval: time.Minute}, quietLogger(), nil)

	_, err := s.RunNow(context.Background())
	assert.Error(t, err)
}

func TestSampler_StartStop(t *testing.T) {
	reader := &mockSnapshotReader{ReadFunc: func(ctx context.Context) (Snapshot, error) {
		return Snapshot{PowerDraw: 500}, nil
	}}
	acc := &recordingAccumulator{}
	s := NewSampler(reader, acc, SamplerConfig{Interval: 5 * time.Millisecond}, quietLogger(), nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool { return acc.count() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	n := acc.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, acc.count(), "no ticks after stop")
}

func TestSampler_RejectsZeroInterval(t *testing.T) {
	s := NewSampler(&mockSnapshotReader{}, &recordingAccumulator{}, SamplerConfig{}, quietLogger(), nil)
	assert.Error(t, s.Start(context.Background()))
}
