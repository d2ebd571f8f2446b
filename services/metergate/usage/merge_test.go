// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package usage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/observability"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

func timestamps(ms []Measurement) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.Timestamp
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		entry    string
		wantElec *Measurement
		wantGas  *Measurement
	}{
		{
			name:     "nested both",
			entry:    `{"electricity":{"value":1,"timestamp":10},"gas":{"value":2,"timestamp":20}}`,
			wantElec: &Measurement{Value: 1, Timestamp: 10},
			wantGas:  &Measurement{Value: 2, Timestamp: 20},
		},
		{
			name:     "flattened both",
			entry:    `{"electric_value":3,"gas_value":4,"timestamp":30}`,
			wantElec: &Measurement{Value: 3, Timestamp: 30},
			wantGas:  &Measurement{Value: 4, Timestamp: 30},
		},
		{
			name:     "flattened string values",
			entry:    `{"electric_value":"3.5","timestamp":"40"}`,
			wantElec: &Measurement{Value: 3.5, Timestamp: 40},
		},
		{
			name:    "nested gas only",
			entry:   `{"gas":{"value":5,"timestamp":50}}`,
			wantGas: &Measurement{Value: 5, Timestamp: 50},
		},
		{
			name:     "nested wins over flattened",
			entry:    `{"electricity":{"value":6,"timestamp":60},"electric_value":99,"timestamp":1}`,
			wantElec: &Measurement{Value: 6, Timestamp: 60},
		},
		{
			name:     "broken nested falls back to flattened",
			entry:    `{"electricity":{"value":"x","timestamp":60},"electric_value":7,"timestamp":70}`,
			wantElec: &Measurement{Value: 7, Timestamp: 70},
		},
		{name: "missing timestamp", entry: `{"electric_value":1}`},
		{name: "unknown shape", entry: `{"power":1,"when":2}`},
		{name: "not an object", entry: `[1,2,3]`},
		{name: "invalid json", entry: `{"electric_value":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize([]byte(tt.entry), DefaultRules)
			e, hasE := got[QuantityElectricity]
			g, hasG := got[QuantityGas]
			if tt.wantElec == nil {
				assert.False(t, hasE)
			} else {
				require.True(t, hasE)
				assert.Equal(t, *tt.wantElec, e)
			}
			if tt.wantGas == nil {
				assert.False(t, hasG)
			} else {
				require.True(t, hasG)
				assert.Equal(t, *tt.wantGas, g)
			}
		})
	}
}

func TestMerge_OrdersAcrossSources(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, e := range []string{
		`{"electricity":{"value":3,"timestamp":300}}`,
		`{"electricity":{"value":1,"timestamp":100}}`,
		`{"electricity":{"value":2,"timestamp":200}}`,
	} {
		_, err := st.Append(ctx, store.CollectionUsage, []byte(e))
		require.NoError(t, err)
	}
	for _, e := range []string{
		`{"electric_value":0.5,"timestamp":50}`,
		`{"electric_value":4,"timestamp":400}`,
	} {
		_, err := st.Append(ctx, store.CollectionUsageHistory, []byte(e))
		require.NoError(t, err)
	}

	m := NewMergeReader(MergeOptions{Logger: quietLogger()})
	got, err := m.Merge(ctx,
		CollectionSource{Store: st, Collection: store.CollectionUsage},
		CollectionSource{Store: st, Collection: store.CollectionUsageHistory},
	)
	require.NoError(t, err)

	assert.Equal(t, []int64{50, 100, 200, 300, 400}, timestamps(got.Electricity))
	assert.Equal(t, []Measurement{
		{Value: 0.5, Timestamp: 50},
		{Value: 1, Timestamp: 100},
		{Value: 2, Timestamp: 200},
		{Value: 3, Timestamp: 300},
		{Value: 4, Timestamp: 400},
	}, got.Electricity)
	assert.NotNil(t, got.Gas)
	assert.Empty(t, got.Gas)
}

func TestMerge_AuxiliaryAbsent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, e := range []string{
		`{"electricity":{"value":3,"timestamp":300}}`,
		`{"electricity":{"value":1,"timestamp":100}}`,
	} {
		_, err := st.Append(ctx, store.CollectionUsage, []byte(e))
		require.NoError(t, err)
	}

	m := NewMergeReader(MergeOptions{Logger: quietLogger()})
	got, err := m.Merge(ctx,
		CollectionSource{Store: st, Collection: store.CollectionUsage},
		CollectionSource{Store: st, Collection: store.CollectionUsageHistory},
	)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 300}, timestamps(got.Electricity))
}

func TestMerge_AuxiliaryFailureDegrades(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	m := NewMergeReader(MergeOptions{Logger: quietLogger(), Metrics: metrics})

	primary := staticSource{name: "usage", entries: []string{`{"gas":{"value":1,"timestamp":5}}`}}
	got, err := m.Merge(context.Background(), primary, failingSource{name: "archive"})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, timestamps(got.Gas))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SourceDegradedTotal.WithLabelValues("archive")))
}

func TestMerge_PrimaryFailureFails(t *testing.T) {
	m := NewMergeReader(MergeOptions{Logger: quietLogger()})
	_, err := m.Merge(context.Background(), failingSource{name: "usage"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindStore, apperr.KindOf(err))
}

func TestMerge_StableForEqualTimestamps(t *testing.T) {
	m := NewMergeReader(MergeOptions{Logger: quietLogger()})
	primary := staticSource{entries: []string{
		`{"electricity":{"value":1,"timestamp":10}}`,
		`{"electricity":{"value":2,"timestamp":10}}`,
	}}
	aux := staticSource{entries: []string{`{"electric_value":3,"timestamp":10}`}}

	got, err := m.Merge(context.Background(), primary, aux)
	require.NoError(t, err)
	require.Len(t, got.Electricity, 3)
	assert.Equal(t, 1.0, got.Electricity[0].Value)
	assert.Equal(t, 2.0, got.Electricity[1].Value)
	assert.Equal(t, 3.0, got.Electricity[2].Value)
}

func TestMerge_IndependentQuantities(t *testing.T) {
	m := NewMergeReader(MergeOptions{Logger: quietLogger()})
	primary := staticSource{entries: []string{
		`{"electricity":{"value":1,"timestamp":30},"gas":{"value":9,"timestamp":10}}`,
		`{"electricity":{"value":2,"timestamp":20}}`,
		`{"unrelated":true}`,
	}}

	got, err := m.Merge(context.Background(), primary)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 30}, timestamps(got.Electricity))
	assert.Equal(t, []int64{10}, timestamps(got.Gas))
}

func TestUsage_EmptyEncodesAsArrays(t *testing.T) {
	m := NewMergeReader(MergeOptions{Logger: quietLogger()})
	got, err := m.Merge(context.Background(), staticSource{})
	require.NoError(t, err)

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"electricity":[],"gas":[]}`, string(raw))
}
