// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage implements the consumption side of MeterGate: folding
// device readings into the latest usage record, merging primary and
// archived records into one time-ordered report, and reading the realtime
// sensor snapshot.
//
// # Record Shape
//
// Primary records are stored as JSON with independently optional nested
// measurements:
//
//	{"electricity": {"value": 12.5, "timestamp": 1718000000000},
//	 "gas":         {"value": 0.4,  "timestamp": 1718000000000}}
//
// Archived entries may instead be flattened:
//
//	{"electric_value": 12.5, "gas_value": 0.4, "timestamp": 1718000000000}
//
// Timestamps are Unix milliseconds.
package usage

import (
	"github.com/AleutianAI/MeterGate/services/metergate/store"
)

// Quantity names a tracked utility.
type Quantity string

const (
	QuantityElectricity Quantity = "electricity"
	QuantityGas         Quantity = "gas"
)

// Measurement is one value of one quantity at one instant.
type Measurement struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// Record is the nested shape of a primary usage record.
type Record struct {
	Electricity *Measurement `json:"electricity,omitempty"`
	Gas         *Measurement `json:"gas,omitempty"`
}

// Reading is one device submission. A nil field means "not reported".
type Reading struct {
	Electricity *float64
	Gas         *float64
}

// Valid reports whether at least one field carries a finite value.
func (r Reading) Valid() bool {
	return finitePtr(r.Electricity) || finitePtr(r.Gas)
}

// Result is returned by Accumulate.
type Result struct {
	// Accumulated is true when the reading was folded into an existing
	// record, false when a new record was created.
	Accumulated bool `json:"accumulated"`

	// Key identifies the record that now holds the reading.
	Key store.Key `json:"key"`
}

// Usage is the merged report. Both slices are non-nil and sorted
// ascending by timestamp; they are independent of each other.
type Usage struct {
	Electricity []Measurement `json:"electricity"`
	Gas         []Measurement `json:"gas"`
}
