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
	"encoding/json"
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/AleutianAI/MeterGate/pkg/validation"
)

// Field names of archived usage points.
const (
	fieldElectric = "electric_value"
	fieldGas      = "gas_value"
)

// DefaultInfluxLookback is how far back the archive is read.
const DefaultInfluxLookback = 10 * 365 * 24 * time.Hour

// FluxQuerier is the subset of api.QueryAPI InfluxSource needs.
type FluxQuerier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// InfluxSourceConfig configures an InfluxSource.
type InfluxSourceConfig struct {
	Bucket      string
	Measurement string

	// Lookback bounds the range start. Default: DefaultInfluxLookback
	Lookback time.Duration
}

// InfluxSource reads archived usage points from InfluxDB and emits them as
// flattened entries: {"electric_value", "gas_value", "timestamp"}.
type InfluxSource struct {
	querier FluxQuerier
	cfg     InfluxSourceConfig
}

// NewInfluxSource validates the Flux identifiers and creates the source.
func NewInfluxSource(q FluxQuerier, cfg InfluxSourceConfig) (*InfluxSource, error) {
	if err := validation.ValidateFluxIdentifier(cfg.Bucket); err != nil {
		return nil, fmt.Errorf("influx bucket: %w", err)
	}
	if err := validation.ValidateFluxIdentifier(cfg.Measurement); err != nil {
		return nil, fmt.Errorf("influx measurement: %w", err)
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultInfluxLookback
	}
	return &InfluxSource{querier: q, cfg: cfg}, nil
}

// Name implements Source.
func (s *InfluxSource) Name() string { return "influx:" + s.cfg.Bucket }

// Query returns the Flux query the source runs.
func (s *InfluxSource) Query() string {
	return fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: -%ds)
          |> filter(fn: (r) => r._measurement == "%s")
          |> filter(fn: (r) => r._field == "%s" or r._field == "%s")
          |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
          |> sort(columns: ["_time"])
    `, s.cfg.Bucket, int64(s.cfg.Lookback.Seconds()), s.cfg.Measurement, fieldElectric, fieldGas)
}

// Entries implements Source.
func (s *InfluxSource) Entries(ctx context.Context) ([][]byte, error) {
	result, err := s.querier.Query(ctx, s.Query())
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	// Guard against nil result (empty query results)
	if result == nil {
		return [][]byte{}, nil
	}
	defer result.Close()

	var records []*query.FluxRecord
	for result.Next() {
		records = append(records, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx result: %w", err)
	}
	return EntriesFromRecords(records)
}

// EntriesFromRecords converts pivoted Flux records into flattened entries.
// Records without a time or without any usage field are skipped.
func EntriesFromRecords(records []*query.FluxRecord) ([][]byte, error) {
	out := make([][]byte, 0, len(records))
	for _, rec := range records {
		ts := rec.Time()
		if ts.IsZero() {
			continue
		}
		entry := map[string]any{"timestamp": ts.UnixMilli()}
		for _, field := range []string{fieldElectric, fieldGas} {
			if v, ok := toFloat(rec.ValueByKey(field)); ok {
				entry[field] = v
			}
		}
		if len(entry) == 1 {
			continue
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode influx entry: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	return f, validation.IsFinite(f)
}
