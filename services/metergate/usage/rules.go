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
	"github.com/tidwall/gjson"
)

// Rule recognizes one entry shape for one quantity.
//
// An entry matches when both paths resolve to finite numbers (or numeric
// strings). Adding a source shape is a matter of adding a Rule.
type Rule struct {
	Name          string
	Quantity      Quantity
	ValuePath     string
	TimestampPath string
}

// DefaultRules are tried in order; per entry and quantity the first match
// wins.
var DefaultRules = []Rule{
	{Name: "electricity_nested", Quantity: QuantityElectricity, ValuePath: "electricity.value", TimestampPath: "electricity.timestamp"},
	{Name: "electricity_flat", Quantity: QuantityElectricity, ValuePath: "electric_value", TimestampPath: "timestamp"},
	{Name: "gas_nested", Quantity: QuantityGas, ValuePath: "gas.value", TimestampPath: "gas.timestamp"},
	{Name: "gas_flat", Quantity: QuantityGas, ValuePath: "gas_value", TimestampPath: "timestamp"},
}

// Extract applies the rule to a parsed entry.
func (r Rule) Extract(doc gjson.Result) (Measurement, bool) {
	value, ok := numeric(doc.Get(r.ValuePath))
	if !ok {
		return Measurement{}, false
	}
	ts, ok := numeric(doc.Get(r.TimestampPath))
	if !ok {
		return Measurement{}, false
	}
	return Measurement{Value: value, Timestamp: int64(ts)}, true
}

// Normalize returns, for each quantity, the measurement produced by the
// first matching rule. Entries that are not JSON objects, or that match no
// rule, yield an empty map.
func Normalize(raw []byte, rules []Rule) map[Quantity]Measurement {
	out := make(map[Quantity]Measurement, 2)
	if !gjson.ValidBytes(raw) {
		return out
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return out
	}
	for _, rule := range rules {
		if _, done := out[rule.Quantity]; done {
			continue
		}
		if m, ok := rule.Extract(doc); ok {
			out[rule.Quantity] = m
		}
	}
	return out
}
