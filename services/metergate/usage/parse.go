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

	"github.com/AleutianAI/MeterGate/pkg/validation"
	"github.com/AleutianAI/MeterGate/services/metergate/apperr"
)

// ParseReading decodes a submitted reading body.
//
// # Description
//
// The body is a JSON object with optional "electricity" and "gas" fields.
// Devices send them as numeric strings ("12.5") or as plain numbers. A
// field that is absent, null, non-numeric, or non-finite is treated as not
// reported.
//
// # Outputs
//
//   - Reading: The reported fields.
//   - error: apperr.KindValidation when the body is not a JSON object or
//     when neither field carries a finite value.
func ParseReading(body []byte) (Reading, error) {
	const op = "usage.ParseReading"

	if !gjson.ValidBytes(body) {
		return Reading{}, apperr.New(apperr.KindValidation, op, "body must be a JSON object")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return Reading{}, apperr.New(apperr.KindValidation, op, "body must be a JSON object")
	}

	r := Reading{
		Electricity: finiteField(doc.Get("electricity")),
		Gas:         finiteField(doc.Get("gas")),
	}
	if !r.Valid() {
		return Reading{}, apperr.New(apperr.KindValidation, op, "at least one of electricity or gas must be a finite number")
	}
	return r, nil
}

// finiteField returns a pointer to the field's finite value, or nil.
func finiteField(res gjson.Result) *float64 {
	v, ok := numeric(res)
	if !ok {
		return nil
	}
	return &v
}

// numeric extracts a finite number from a JSON number or numeric string.
func numeric(res gjson.Result) (float64, bool) {
	switch res.Type {
	case gjson.Number:
		v := res.Float()
		if !validation.IsFinite(v) {
			return 0, false
		}
		return v, true
	case gjson.String:
		return validation.ParseFinite(res.Str)
	default:
		return 0, false
	}
}

func finitePtr(v *float64) bool {
	return v != nil && validation.IsFinite(*v)
}
