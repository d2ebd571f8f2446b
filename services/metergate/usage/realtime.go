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
	"errors"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/AleutianAI/MeterGate/pkg/validation"
	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// Snapshot is the coerced realtime sensor state. Every field is finite.
type Snapshot struct {
	Temp             float64 `json:"temp"`
	Humidity         float64 `json:"humidity"`
	GasConcentration float64 `json:"gasConcentration"`
	PowerDraw        float64 `json:"powerDraw"`
}

// Coerce returns a finite number for any JSON value: numbers as is,
// numeric strings parsed, everything else 0.
func Coerce(res gjson.Result) float64 {
	switch res.Type {
	case gjson.Number:
		v := res.Float()
		if validation.IsFinite(v) {
			return v
		}
		return 0
	case gjson.String:
		return validation.CoerceFinite(res.Str)
	default:
		return 0
	}
}

// RealtimeReader reads and writes the single realtime snapshot cell.
type RealtimeReader struct {
	store  store.Store
	logger *slog.Logger
}

// NewRealtimeReader creates a RealtimeReader. A nil logger uses slog.Default().
func NewRealtimeReader(st store.Store, logger *slog.Logger) *RealtimeReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeReader{store: st, logger: logger}
}

// Read returns the coerced snapshot. A missing cell reads as all zeros.
func (r *RealtimeReader) Read(ctx context.Context) (Snapshot, error) {
	raw, err := r.store.Get(ctx, store.CollectionRealtime, store.KeyRealtimeCurrent)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, apperr.Wrap(apperr.KindStore, "usage.ReadRealtime", err)
	}
	return r.decode(raw), nil
}

// Write stores the device's snapshot unmodified; coercion happens on read.
func (r *RealtimeReader) Write(ctx context.Context, raw []byte) error {
	const op = "usage.WriteRealtime"
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return apperr.New(apperr.KindValidation, op, "snapshot must be a JSON object")
	}
	if err := r.store.Put(ctx, store.CollectionRealtime, store.KeyRealtimeCurrent, raw); err != nil {
		return apperr.Wrap(apperr.KindStore, op, err)
	}
	return nil
}

func (r *RealtimeReader) decode(raw []byte) Snapshot {
	if !gjson.ValidBytes(raw) {
		r.logger.Warn("realtime snapshot is not valid JSON, reading as zeros")
		return Snapshot{}
	}
	fields := gjson.GetManyBytes(raw, "temp", "humidity", "gasConcentration", "powerDraw")
	return Snapshot{
		Temp:             Coerce(fields[0]),
		Humidity:         Coerce(fields[1]),
		GasConcentration: Coerce(fields[2]),
		PowerDraw:        Coerce(fields[3]),
	}
}
