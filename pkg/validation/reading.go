// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"math"
	"strconv"
	"strings"
)

// ParseFinite parses a numeric string and reports whether it is a finite
// number. Surrounding whitespace is ignored. "NaN", "Inf", empty strings and
// anything strconv.ParseFloat rejects are not valid.
func ParseFinite(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, IsFinite(v)
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CoerceFinite returns the parsed value of s, or 0.0 if s is not a finite
// number.
func CoerceFinite(s string) float64 {
	if v, ok := ParseFinite(s); ok {
		return v
	}
	return 0.0
}
