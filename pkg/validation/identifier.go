// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for values that end up in
// store keys, Flux queries, or accumulated totals.
//
// Identities are used verbatim as store keys, and bucket/measurement names
// are interpolated into Flux queries, so both are restricted to a small
// character set to prevent key-space escapes and Flux injection.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identityPattern matches subject identities: record keys (UUIDs) and
// operator-chosen ids. Allows letters, digits, '-' and '_'. Max 64 chars.
var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// fluxIdentifierPattern matches bucket and measurement names that are safe
// to embed inside a double-quoted Flux string literal.
var fluxIdentifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// ValidateIdentity validates a claimed subject identity.
//
// Example:
//
//	if err := validation.ValidateIdentity(req.Identity); err != nil {
//	    return apperr.Wrap(apperr.KindValidation, "authorize", err)
//	}
func ValidateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("identity cannot be empty")
	}
	if !identityPattern.MatchString(id) {
		return fmt.Errorf("invalid identity format: %q (must be 1-64 letters, digits, '-' or '_')", id)
	}
	return nil
}

// SanitizeIdentity trims surrounding whitespace and validates the result.
func SanitizeIdentity(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentity(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ValidateFluxIdentifier validates a bucket or measurement name before it is
// interpolated into a Flux query.
func ValidateFluxIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("flux identifier cannot be empty")
	}
	if !fluxIdentifierPattern.MatchString(name) {
		return fmt.Errorf("invalid flux identifier: %q", name)
	}
	return nil
}
